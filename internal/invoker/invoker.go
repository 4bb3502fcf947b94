// Package invoker confines work to a single serialized execution stream.
//
// Work may be submitted from any goroutine; it always runs on the stream's
// own goroutine, one item at a time, in submission order. State that is only
// ever touched from work submitted to one invoker needs no further locking.
package invoker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"
)

var (
	// ErrShutdown is returned for submissions made after Shutdown.
	ErrShutdown = errors.New("invoker: shut down")
	// ErrInvalidInterval is returned by Periodic for a non-positive interval.
	ErrInvalidInterval = errors.New("invoker: interval must be > 0")
	// ErrNilFunc is returned when a nil function is submitted.
	ErrNilFunc = errors.New("invoker: nil func")
)

// Cancel stops a deferred or periodic task. It is safe to call any number of
// times from any goroutine and never panics.
type Cancel func()

// Invoker executes submitted work on one confinement stream.
type Invoker interface {
	// Invoke enqueues fn to run once on the stream.
	Invoke(fn func()) error
	// Defer runs fn once on the stream, no sooner than delay from now.
	Defer(fn func(), delay time.Duration) (Cancel, error)
	// Periodic runs fn on the stream every interval, measured from the end of
	// the previous run.
	Periodic(fn func(), interval time.Duration) (Cancel, error)
	// Shutdown stops accepting work.
	Shutdown()
}

// Options configures a Queue.
type Options struct {
	// Name identifies the stream in log output.
	Name string
	// Logger receives recovered panics and cancellation failures. nil = no-op.
	Logger *zap.Logger
}

// Stats is a point-in-time snapshot of a Queue's counters.
type Stats struct {
	// Executed counts functions that ran and returned normally. A scheduled
	// task cancelled while waiting in the FIFO is not counted.
	Executed int64
	// Panicked counts items whose panic was recovered.
	Panicked int64
	// Cancelled counts scheduled tasks cancelled before completing.
	Cancelled int64
	// Rejected counts submissions refused after shutdown.
	Rejected int64
	// Pending is the number of items waiting in the FIFO.
	Pending int
}

// Queue is an Invoker backed by an unbounded FIFO drained by a single goroutine.
type Queue struct {
	name   string
	logger *zap.Logger

	mu     sync.Mutex
	items  *queue.Queue
	timers map[*task]struct{}
	closed bool

	wake chan struct{}
	done chan struct{}

	executed  atomic.Int64
	panicked  atomic.Int64
	cancelled atomic.Int64
	rejected  atomic.Int64
}

var _ Invoker = (*Queue)(nil)

// New creates a Queue and starts its worker goroutine.
//
// Postcondition: Returns a running Queue; Shutdown must be called to release the worker.
func New(opts Options) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		name:   opts.Name,
		logger: logger,
		items:  queue.New(),
		timers: make(map[*task]struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Invoke enqueues fn for execution on the stream. It never blocks.
//
// Postcondition: fn runs exactly once after all previously enqueued work, or
// ErrShutdown is returned and fn never runs.
func (q *Queue) Invoke(fn func()) error {
	if fn == nil {
		return ErrNilFunc
	}
	return q.enqueue(fn)
}

// Defer schedules fn to run once on the stream after delay. A non-positive
// delay enqueues fn immediately.
//
// Postcondition: Returns a Cancel that prevents fn from running if called
// before fn starts. After shutdown returns a no-op Cancel and ErrShutdown.
func (q *Queue) Defer(fn func(), delay time.Duration) (Cancel, error) {
	if fn == nil {
		return noop, ErrNilFunc
	}
	return q.schedule(fn, delay, 0)
}

// Periodic schedules fn with fixed-delay semantics: the first run happens
// interval after submission and every following run interval after the
// previous run completes.
//
// Precondition: interval > 0.
// Postcondition: Returns a Cancel that stops future runs; a run already in
// progress is not interrupted.
func (q *Queue) Periodic(fn func(), interval time.Duration) (Cancel, error) {
	if fn == nil {
		return noop, ErrNilFunc
	}
	if interval <= 0 {
		return noop, ErrInvalidInterval
	}
	return q.schedule(fn, interval, interval)
}

// Shutdown stops accepting submissions and stops all pending timers. Items
// already in the FIFO are drained before the worker exits. Safe to call
// multiple times.
//
// Postcondition: Every later submission returns ErrShutdown; Done is closed
// once the worker exits.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := make([]*task, 0, len(q.timers))
	for t := range q.timers {
		pending = append(pending, t)
	}
	q.timers = make(map[*task]struct{})
	q.mu.Unlock()

	for _, t := range pending {
		t.stop()
	}
	q.signal()

	q.logger.Debug("invoker shutting down",
		zap.String("invoker", q.name),
		zap.Int("timers_stopped", len(pending)),
	)
}

// Done returns a channel closed once the worker has exited after Shutdown.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := q.items.Length()
	q.mu.Unlock()
	return Stats{
		Executed:  q.executed.Load(),
		Panicked:  q.panicked.Load(),
		Cancelled: q.cancelled.Load(),
		Rejected:  q.rejected.Load(),
		Pending:   pending,
	}
}

// enqueue adds a func() or a *task to the FIFO.
func (q *Queue) enqueue(item any) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.rejected.Add(1)
		return ErrShutdown
	}
	q.items.Add(item)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if q.items.Length() == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		item := q.items.Remove()
		q.mu.Unlock()

		switch it := item.(type) {
		case *task:
			q.runTask(it)
		case func():
			q.execute(it)
		}
	}
}

// runTask runs a fired scheduled task unless it was cancelled in the FIFO.
func (q *Queue) runTask(t *task) {
	if !t.begin() {
		return
	}
	defer t.finish()
	q.execute(t.fn)
}

// execute runs fn, recovering any panic so the stream keeps going.
func (q *Queue) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.panicked.Add(1)
			q.logger.Error("recovered panic in submitted work",
				zap.String("invoker", q.name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	fn()
	q.executed.Add(1)
}

func (q *Queue) schedule(fn func(), delay, interval time.Duration) (Cancel, error) {
	t := &task{q: q, fn: fn, interval: interval, delay: delay}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.rejected.Add(1)
		return noop, ErrShutdown
	}
	q.timers[t] = struct{}{}
	q.mu.Unlock()

	t.arm(delay)
	return t.cancel, nil
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) forget(t *task) {
	q.mu.Lock()
	delete(q.timers, t)
	q.mu.Unlock()
}

func noop() {}
