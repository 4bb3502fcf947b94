package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cat-in-the-dark/MessageBus/internal/diagnostics"
	"github.com/cat-in-the-dark/MessageBus/internal/invoker"
	"github.com/cat-in-the-dark/MessageBus/internal/session"
)

type testSession struct {
	holder *session.Holder
	queue  *invoker.Queue
}

func newSession(t *testing.T, id string) testSession {
	t.Helper()
	q := invoker.New(invoker.Options{Name: id, Logger: zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))})
	t.Cleanup(func() {
		q.Shutdown()
		<-q.Done()
	})
	return testSession{holder: session.NewHolder(id, "127.0.0.1:0", q, nil), queue: q}
}

// drain shuts the session's invoker down and waits until queued work has run.
func (s testSession) drain(t *testing.T) {
	t.Helper()
	s.queue.Shutdown()
	select {
	case <-s.queue.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not drain in time")
	}
}

func onDouble(_ float64, h *session.Holder) {
	h.Context().Data++
}

func TestDispatch_BasicScenario(t *testing.T) {
	d := NewDispatcher(MustRegistry(Bind(onDouble)), nil, zaptest.NewLogger(t))
	s := newSession(t, "s1")
	require.Equal(t, int64(0), s.holder.Context().Data)

	require.NoError(t, d.Dispatch(3.14, s.holder))
	s.drain(t)

	assert.Equal(t, int64(1), s.holder.Context().Data)
}

func TestDispatch_PassesMessageAndHolder(t *testing.T) {
	var (
		gotMsg    float64
		gotHolder *session.Holder
	)
	d := NewDispatcher(MustRegistry(Bind(func(m float64, h *session.Holder) {
		gotMsg, gotHolder = m, h
	})), nil, zaptest.NewLogger(t))
	s := newSession(t, "s1")

	require.NoError(t, d.Dispatch(2.5, s.holder))
	s.drain(t)

	assert.Equal(t, 2.5, gotMsg)
	assert.Same(t, s.holder, gotHolder)
}

func TestDispatch_ConfinesConcurrentDispatches(t *testing.T) {
	var inFlight, overlaps int // unsynchronized on purpose
	d := NewDispatcher(MustRegistry(Bind(func(_ float64, h *session.Holder) {
		inFlight++
		if inFlight > 1 {
			overlaps++
		}
		h.Context().Data++
		inFlight--
	})), nil, zaptest.NewLogger(t))
	s := newSession(t, "s1")

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				assert.NoError(t, d.Dispatch(float64(i), s.holder))
			}
		}()
	}
	wg.Wait()
	s.drain(t)

	assert.Equal(t, 0, overlaps)
	assert.Equal(t, int64(1000), s.holder.Context().Data)
}

func TestDispatch_SessionsRunInParallel(t *testing.T) {
	started := map[string]chan struct{}{"a": make(chan struct{}), "b": make(chan struct{})}
	var sawOther atomic.Int32
	d := NewDispatcher(MustRegistry(Bind(func(_ string, h *session.Holder) {
		other := "a"
		if h.ID() == "a" {
			other = "b"
		}
		close(started[h.ID()])
		select {
		case <-started[other]:
			sawOther.Add(1)
		case <-time.After(time.Second):
		}
	})), nil, zaptest.NewLogger(t))
	a := newSession(t, "a")
	b := newSession(t, "b")

	require.NoError(t, d.Dispatch("go", a.holder))
	require.NoError(t, d.Dispatch("go", b.holder))
	a.drain(t)
	b.drain(t)

	assert.Equal(t, int32(2), sawOther.Load())
}

func TestDispatch_DoesNotWaitForHandler(t *testing.T) {
	release := make(chan struct{})
	d := NewDispatcher(MustRegistry(Bind(func(string, *session.Holder) { <-release })), nil, zaptest.NewLogger(t))
	s := newSession(t, "s1")
	defer close(release)

	returned := make(chan struct{})
	go func() {
		_ = d.Dispatch("block", s.holder)
		_ = d.Dispatch("block", s.holder)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on handler execution")
	}
}

func TestDispatch_UnregisteredType(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	tracker := diagnostics.NewTracker(time.Minute, time.Minute)
	d := NewDispatcher(MustRegistry(Bind(onDouble)), tracker, zap.New(core))
	s := newSession(t, "s1")

	err := d.Dispatch(true, s.holder)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnregistered)
	assert.Contains(t, err.Error(), "bool")

	// The session keeps working after an unregistered message.
	require.NoError(t, d.Dispatch(1.0, s.holder))
	s.drain(t)
	assert.Equal(t, int64(1), s.holder.Context().Data)

	assert.Equal(t, 1, tracker.Count("bool"))
	warnings := logs.FilterMessage("no handler for message type").FilterLevelExact(zap.WarnLevel)
	require.Equal(t, 1, warnings.Len())
	assert.Equal(t, "bool", warnings.All()[0].ContextMap()["type"])
}

func TestDispatch_UnregisteredWarnsOncePerWindow(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	tracker := diagnostics.NewTracker(time.Minute, time.Minute)
	d := NewDispatcher(MustRegistry(Bind(onDouble)), tracker, zap.New(core))
	s := newSession(t, "s1")

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, d.Dispatch("unknown", s.holder), ErrUnregistered)
	}

	assert.Equal(t, 5, tracker.Count("string"))
	assert.Equal(t, 1, logs.FilterLevelExact(zap.WarnLevel).Len())
	assert.Equal(t, 4, logs.FilterLevelExact(zap.DebugLevel).Len())
}

func TestDispatch_NilMessage(t *testing.T) {
	d := NewDispatcher(MustRegistry(Bind(onDouble)), nil, zaptest.NewLogger(t))
	s := newSession(t, "s1")

	err := d.Dispatch(nil, s.holder)
	assert.ErrorIs(t, err, ErrUnregistered)
	assert.Contains(t, err.Error(), "<nil>")
}

func TestDispatch_NilHolder(t *testing.T) {
	d := NewDispatcher(MustRegistry(Bind(onDouble)), nil, zaptest.NewLogger(t))

	assert.NotPanics(t, func() {
		assert.ErrorIs(t, d.Dispatch(3.14, nil), ErrNoSession)
		assert.ErrorIs(t, d.Dispatch(true, nil), ErrNoSession)
		assert.ErrorIs(t, d.Dispatch(3.14, session.NewHolder("s1", "peer", nil, nil)), ErrNoSession)
	})
}

func TestDispatch_AfterShutdownIsRejected(t *testing.T) {
	var ran atomic.Bool
	d := NewDispatcher(MustRegistry(Bind(func(float64, *session.Holder) { ran.Store(true) })), nil, zaptest.NewLogger(t))
	s := newSession(t, "s1")
	s.drain(t)

	err := d.Dispatch(3.14, s.holder)
	require.Error(t, err)
	assert.True(t, errors.Is(err, invoker.ErrShutdown))
	assert.False(t, ran.Load())
}

func TestDispatch_HandlerPanicKeepsSessionAlive(t *testing.T) {
	d := NewDispatcher(MustRegistry(
		Bind(func(string, *session.Holder) { panic("handler failed") }),
		Bind(onDouble),
	), nil, zaptest.NewLogger(t))
	s := newSession(t, "s1")

	require.NoError(t, d.Dispatch("explode", s.holder))
	require.NoError(t, d.Dispatch(1.0, s.holder))
	s.drain(t)

	assert.Equal(t, int64(1), s.holder.Context().Data)
	assert.Equal(t, int64(1), s.queue.Stats().Panicked)
}
