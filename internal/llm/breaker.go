package llm

import (
	"sync"
	"time"
)

// FailureTracker remembers when each model last failed. A record stays
// active for a fixed window and is dropped the first time it is consulted
// after the window has elapsed.
type FailureTracker struct {
	mu       sync.Mutex
	window   time.Duration
	failures map[string]time.Time
	now      func() time.Time
}

// NewFailureTracker creates a tracker with the given open window.
func NewFailureTracker(window time.Duration) *FailureTracker {
	return &FailureTracker{
		window:   window,
		failures: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Record stores a failure for model at the current time.
func (t *FailureTracker) Record(model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[model] = t.now()
}

// Active reports whether model failed within the window.
func (t *FailureTracker) Active(model string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	failedAt, ok := t.failures[model]
	if !ok {
		return false
	}
	if t.now().Sub(failedAt) < t.window {
		return true
	}
	delete(t.failures, model)
	return false
}

// Snapshot returns a copy of the current failure records.
func (t *FailureTracker) Snapshot() map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Time, len(t.failures))
	for k, v := range t.failures {
		out[k] = v
	}
	return out
}
