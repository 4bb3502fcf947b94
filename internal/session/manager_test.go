package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []any
}

func (s *recordingSender) Send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) Sent() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.sent...)
}

func waitDrained(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session invoker did not drain in time")
	}
}

func TestManager_Open(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	h, err := m.Open("127.0.0.1:5000", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.CloseAll(context.Background()) })

	assert.NotEmpty(t, h.ID())
	assert.Equal(t, "127.0.0.1:5000", h.RemoteAddr())
	assert.NotNil(t, h.Invoker())
	assert.Equal(t, 1, m.Count())

	got, ok := m.Get(h.ID())
	require.True(t, ok)
	assert.Same(t, h, got)
}

func TestManager_OpenDistinctIDs(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	t.Cleanup(func() { _ = m.CloseAll(context.Background()) })

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		h, err := m.Open("peer", nil)
		require.NoError(t, err)
		assert.False(t, seen[h.ID()], "duplicate id %s", h.ID())
		seen[h.ID()] = true
	}
	assert.Equal(t, 50, m.Count())
}

func TestManager_Close(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	h, err := m.Open("peer", nil)
	require.NoError(t, err)

	done, err := m.Close(h.ID())
	require.NoError(t, err)
	waitDrained(t, done)

	assert.Equal(t, 0, m.Count())
	_, ok := m.Get(h.ID())
	assert.False(t, ok)
}

func TestManager_CloseNotFound(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	_, err := m.Close("missing")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestManager_CloseRunsReleaseHooksOnInvoker(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	h, err := m.Open("peer", nil)
	require.NoError(t, err)

	var order []string
	require.NoError(t, h.Invoker().Invoke(func() {
		h.Context().OnRelease(func() { order = append(order, "first") })
		h.Context().OnRelease(func() { order = append(order, "second") })
	}))

	done, err := m.Close(h.ID())
	require.NoError(t, err)
	waitDrained(t, done)

	assert.Equal(t, []string{"second", "first"}, order)
}

func TestManager_CloseRejectsLaterWork(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	h, err := m.Open("peer", nil)
	require.NoError(t, err)

	done, err := m.Close(h.ID())
	require.NoError(t, err)
	waitDrained(t, done)

	assert.Error(t, h.Invoker().Invoke(func() {}))
}

func TestManager_CloseAll(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	for i := 0; i < 5; i++ {
		_, err := m.Open("peer", nil)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.CloseAll(ctx))
	assert.Equal(t, 0, m.Count())
}

func TestManager_CloseAllTimesOut(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	h, err := m.Open("peer", nil)
	require.NoError(t, err)

	release := make(chan struct{})
	require.NoError(t, h.Invoker().Invoke(func() { <-release }))
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = m.CloseAll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHolder_Reply(t *testing.T) {
	sender := &recordingSender{}
	m := NewManager(zaptest.NewLogger(t))
	h, err := m.Open("peer", sender)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.CloseAll(context.Background()) })

	require.NoError(t, h.Reply(3.14))
	assert.Equal(t, []any{3.14}, sender.Sent())
}

func TestHolder_StringOmitsState(t *testing.T) {
	h := NewHolder("abc", "10.0.0.1:1", nil, nil)
	assert.Equal(t, "Holder(id=abc, remote=10.0.0.1:1)", h.String())
}

func TestManager_CountProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := NewManager(zaptest.NewLogger(t))
		opens := rapid.IntRange(0, 20).Draw(rt, "opens")
		var ids []string
		for i := 0; i < opens; i++ {
			h, err := m.Open("peer", nil)
			if err != nil {
				rt.Fatalf("open: %v", err)
			}
			ids = append(ids, h.ID())
		}
		closes := rapid.IntRange(0, opens).Draw(rt, "closes")
		for _, id := range ids[:closes] {
			if _, err := m.Close(id); err != nil {
				rt.Fatalf("close %s: %v", id, err)
			}
		}
		if m.Count() != opens-closes {
			rt.Fatalf("expected %d sessions, got %d", opens-closes, m.Count())
		}
		_ = m.CloseAll(context.Background())
	})
}
