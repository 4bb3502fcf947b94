package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cat-in-the-dark/MessageBus/internal/invoker"
)

type entry struct {
	holder *Holder
	queue  *invoker.Queue
}

// Manager tracks open sessions. Each session gets its own invoker.
// All methods are safe for concurrent use.
type Manager struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]entry
}

// NewManager creates an empty session Manager.
//
// Precondition: logger must be non-nil.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger,
		sessions: make(map[string]entry),
	}
}

// Open creates a session for a newly accepted connection and starts its invoker.
//
// Postcondition: Returns the session's Holder, or an error if the generated id collides.
func (m *Manager) Open(remoteAddr string, sender Sender) (*Holder, error) {
	id := uuid.NewString()
	logger := m.logger.With(zap.String("session", id))
	q := invoker.New(invoker.Options{Name: "session-" + id, Logger: logger})
	h := NewHolder(id, remoteAddr, q, sender)

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		q.Shutdown()
		return nil, fmt.Errorf("session %q already open", id)
	}
	m.sessions[id] = entry{holder: h, queue: q}
	count := len(m.sessions)
	m.mu.Unlock()

	logger.Info("session opened",
		zap.String("remote_addr", remoteAddr),
		zap.Int("sessions", count),
	)
	return h, nil
}

// Get returns the session with the given id.
//
// Postcondition: Returns (holder, true) if open, or (nil, false) otherwise.
func (m *Manager) Get(id string) (*Holder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	return e.holder, ok
}

// Close removes the session, runs its release hooks on its invoker and shuts
// the invoker down. It does not wait for the invoker to drain; the returned
// channel is closed once it has.
//
// Postcondition: The session is no longer tracked. Returns an error if not found.
func (m *Manager) Close(id string) (<-chan struct{}, error) {
	m.mu.Lock()
	e, exists := m.sessions[id]
	if !exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %q not found", id)
	}
	delete(m.sessions, id)
	count := len(m.sessions)
	m.mu.Unlock()

	m.release(e)

	stats := e.queue.Stats()
	m.logger.Info("session closed",
		zap.String("session", id),
		zap.String("remote_addr", e.holder.RemoteAddr()),
		zap.Int64("executed", stats.Executed),
		zap.Int64("panicked", stats.Panicked),
		zap.Int("pending", stats.Pending),
		zap.Int("sessions", count),
	)
	return e.queue.Done(), nil
}

// CloseAll closes every open session and waits for their invokers to drain
// or for ctx to be done.
//
// Postcondition: No sessions are tracked when CloseAll returns.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	all := make([]entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		all = append(all, e)
	}
	m.sessions = make(map[string]entry)
	m.mu.Unlock()

	for _, e := range all {
		m.release(e)
	}
	for _, e := range all {
		select {
		case <-e.queue.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d sessions to drain: %w", len(all), ctx.Err())
		}
	}
	if len(all) > 0 {
		m.logger.Info("all sessions closed", zap.Int("count", len(all)))
	}
	return nil
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) release(e entry) {
	ctx := e.holder.Context()
	if err := e.queue.Invoke(ctx.release); err != nil {
		m.logger.Warn("releasing session state",
			zap.String("session", e.holder.ID()),
			zap.Error(err),
		)
	}
	e.queue.Shutdown()
}
