// Package diagnostics keeps short-lived counters for recoverable per-message
// problems, such as messages nobody handles.
package diagnostics

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Tracker counts occurrences per key within a fixed window that opens at the
// key's first occurrence. Once the window expires the count restarts.
type Tracker struct {
	cache  *gocache.Cache
	window time.Duration
}

// NewTracker creates a Tracker whose entries expire after window.
//
// Precondition: window > 0. cleanup <= 0 disables the background purge.
func NewTracker(window, cleanup time.Duration) *Tracker {
	return &Tracker{
		cache:  gocache.New(window, cleanup),
		window: window,
	}
}

// Record counts one occurrence of key.
//
// Postcondition: Returns the count within the current window and whether this
// is the first occurrence in it.
func (t *Tracker) Record(key string) (int, bool) {
	if err := t.cache.Add(key, 1, gocache.DefaultExpiration); err == nil {
		return 1, true
	}
	n, err := t.cache.IncrementInt(key, 1)
	if err != nil {
		// Expired between Add and IncrementInt.
		t.cache.Set(key, 1, gocache.DefaultExpiration)
		return 1, true
	}
	return n, false
}

// Snapshot returns the live counts of all keys.
func (t *Tracker) Snapshot() map[string]int {
	items := t.cache.Items()
	out := make(map[string]int, len(items))
	for k, item := range items {
		if n, ok := item.Object.(int); ok {
			out[k] = n
		}
	}
	return out
}

// Window returns the expiry window.
func (t *Tracker) Window() time.Duration {
	return t.window
}

// Report logs the live counts at warn level. Nothing is logged when no key
// is live.
func (t *Tracker) Report(logger *zap.Logger) {
	snap := t.Snapshot()
	if len(snap) == 0 {
		return
	}
	logger.Warn("unhandled message types in window",
		zap.Any("counts", snap),
		zap.Duration("window", t.window),
	)
}
