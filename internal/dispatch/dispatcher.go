package dispatch

import (
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/cat-in-the-dark/MessageBus/internal/session"
)

// ErrUnregistered is returned by Dispatch for a message type with no handler.
var ErrUnregistered = errors.New("dispatch: no handler registered")

// ErrNoSession is returned by Dispatch for a nil Holder or one without an invoker.
var ErrNoSession = errors.New("dispatch: nil session holder")

// UnregisteredRecorder counts messages that had no handler.
type UnregisteredRecorder interface {
	// Record counts one occurrence and reports whether it is the first in
	// the recorder's current window.
	Record(key string) (int, bool)
}

// Dispatcher submits each message's handler to the owning session's invoker.
// Dispatch is safe for concurrent use.
type Dispatcher struct {
	registry *Registry
	tracker  UnregisteredRecorder
	logger   *zap.Logger
}

// NewDispatcher creates a Dispatcher.
//
// Precondition: reg and logger must be non-nil. tracker may be nil.
func NewDispatcher(reg *Registry, tracker UnregisteredRecorder, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		tracker:  tracker,
		logger:   logger,
	}
}

// Dispatch routes msg to its handler on h's invoker. It never waits for the
// handler to run.
//
// Postcondition: Returns nil once the handler is enqueued. Returns
// ErrNoSession for a nil h, an error wrapping ErrUnregistered when no
// handler exists, or the invoker's rejection when the session is shutting down.
func (d *Dispatcher) Dispatch(msg any, h *session.Holder) error {
	if h == nil || h.Invoker() == nil {
		return ErrNoSession
	}
	t := reflect.TypeOf(msg)
	handler, ok := d.registry.Lookup(t)
	if !ok {
		return d.unregistered(t, h)
	}
	if err := h.Invoker().Invoke(func() { handler(msg, h) }); err != nil {
		return fmt.Errorf("dispatching %s to session %s: %w", t, h.ID(), err)
	}
	return nil
}

func (d *Dispatcher) unregistered(t reflect.Type, h *session.Holder) error {
	name := "<nil>"
	if t != nil {
		name = t.String()
	}

	count, first := 1, true
	if d.tracker != nil {
		count, first = d.tracker.Record(name)
	}
	fields := []zap.Field{
		zap.String("type", name),
		zap.String("session", h.ID()),
		zap.Int("count_in_window", count),
	}
	if first {
		d.logger.Warn("no handler for message type", fields...)
	} else {
		d.logger.Debug("no handler for message type", fields...)
	}
	return fmt.Errorf("%w: %s", ErrUnregistered, name)
}
