package invoker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// task is an outstanding deferred or periodic submission. The timer runs on
// its own goroutine and only ever enqueues the task; fn itself runs on the
// stream.
type task struct {
	q        *Queue
	fn       func()
	delay    time.Duration
	interval time.Duration // 0 = one-shot

	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool // by the caller; a queued firing is skipped
	stopped   bool // by Shutdown; no further firings, a queued one still runs
	started   bool
}

// arm starts the timer for the next firing. A non-positive delay fires inline.
func (t *task) arm(delay time.Duration) {
	if delay <= 0 {
		t.fire()
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled || t.stopped {
		return
	}
	t.timer = time.AfterFunc(delay, t.fire)
}

// fire hands the task to the stream once its delay has elapsed.
func (t *task) fire() {
	t.mu.Lock()
	skip := t.cancelled || t.stopped
	t.mu.Unlock()
	if skip {
		return
	}
	if err := t.q.enqueue(t); err != nil {
		t.q.forget(t)
		t.q.logger.Debug("dropped timer firing after shutdown",
			zap.String("invoker", t.q.name),
			zap.Duration("delay", t.delay),
		)
		return
	}
	if t.interval == 0 {
		// Queued one-shots belong to the FIFO now; Shutdown drains them.
		t.q.forget(t)
	}
}

// begin is called on the stream before fn runs.
//
// Postcondition: Returns false if the task was cancelled after it fired.
func (t *task) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	if t.interval == 0 {
		t.started = true
	}
	return true
}

// finish is called on the stream after fn returns or panics.
func (t *task) finish() {
	if t.interval == 0 {
		return
	}
	if t.q.isClosed() {
		t.q.forget(t)
		return
	}
	t.arm(t.interval)
}

// stop halts the timer without counting a cancellation; used by Shutdown.
func (t *task) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *task) cancel() {
	defer func() {
		if r := recover(); r != nil {
			t.q.logger.Error("can't stop scheduled action",
				zap.String("invoker", t.q.name),
				zap.Duration("period", t.delay),
				zap.Any("panic", r),
			)
		}
	}()

	t.mu.Lock()
	if t.cancelled || t.started {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()

	t.q.forget(t)
	t.q.cancelled.Add(1)
}
