// Package backoff provides bounded exponential-backoff retry for call sites
// outside the circuit breaker's own retry loop, such as draining a
// destination during shutdown.
package backoff

import (
	"context"
	"time"
)

// Handler retries an operation with exponential backoff.
type Handler struct {
	// MaxRetries bounds the total number of attempts.
	MaxRetries int
	// BaseDelay is the wait before the second attempt; attempt n waits
	// BaseDelay * 2^(n-1).
	BaseDelay time.Duration
	// IsRetryable classifies errors; a nil classifier retries everything.
	// Non-retryable errors are returned immediately.
	IsRetryable func(error) bool
}

// New creates a handler with the given bounds.
func New(maxRetries int, baseDelay time.Duration) *Handler {
	return &Handler{MaxRetries: maxRetries, BaseDelay: baseDelay}
}

// Do invokes fn up to MaxRetries times, and at least once even when
// MaxRetries is zero or negative. When all attempts fail the last error is
// returned; the caller decides whether to requeue. Waits honor ctx
// cancellation.
func (h *Handler) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := h.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := h.BaseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if h.IsRetryable != nil && !h.IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
