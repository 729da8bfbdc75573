package api

import (
	"sync"
	"time"
)

// FixedWindowLimiter allows up to limit calls per window across all
// callers. It is one global counter, not per device.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	start time.Time
	count int
}

// NewFixedWindowLimiter creates a limiter.
func NewFixedWindowLimiter(limit int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{limit: limit, window: window, now: time.Now}
}

// Allow consumes one slot. When the window is exhausted it returns false
// and the time until the window resets.
func (l *FixedWindowLimiter) Allow() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.start.IsZero() || now.Sub(l.start) >= l.window {
		l.start = now
		l.count = 0
	}
	if l.count >= l.limit {
		return false, l.window - now.Sub(l.start)
	}
	l.count++
	return true, 0
}
