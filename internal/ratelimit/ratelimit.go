package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces a request budget over a rolling time window. Callers that
// exceed the budget are delayed until the window resets, never rejected.
// Each destination owns its own Limiter; budgets are independent.
type Limiter struct {
	mu           sync.Mutex
	limit        int
	window       time.Duration
	windowStart  time.Time
	requestCount int

	nowFn func() time.Time
}

// New creates a limiter allowing limit requests per window.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{limit: limit, window: window, nowFn: time.Now}
}

// WaitForCapacity blocks until the current window has room for one more
// request, then consumes a slot. An expired window is reset, not decremented.
// Returns early only when ctx is canceled.
func (l *Limiter) WaitForCapacity(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.nowFn()
		if now.Sub(l.windowStart) >= l.window {
			l.windowStart = now
			l.requestCount = 0
		}
		if l.requestCount < l.limit {
			l.requestCount++
			l.mu.Unlock()
			return nil
		}
		remaining := l.windowStart.Add(l.window).Sub(now)
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(remaining):
		}
	}
}

// InWindow reports the request count consumed in the current window.
func (l *Limiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nowFn().Sub(l.windowStart) >= l.window {
		return 0
	}
	return l.requestCount
}
