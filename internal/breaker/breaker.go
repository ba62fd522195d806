package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed allows calls through normally.
	StateClosed State = iota
	// StateOpen fails calls fast without invoking the transport.
	StateOpen
	// StateHalfOpen allows a single trial call to probe recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is the fast-fail error returned while the circuit is open.
// It is never retried inline; the caller requeues and waits for the breaker
// timeout to elapse naturally.
var ErrCircuitOpen = errors.New("CIRCUIT_BREAKER_OPEN: circuit breaker is open")

// Config holds the breaker thresholds and timing.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before a half-open trial.
	Timeout time.Duration
	// RetryDelay separates attempts inside ExecuteWithRetry.
	RetryDelay time.Duration
	// MaxRetries bounds the attempts made by ExecuteWithRetry.
	MaxRetries int
}

// DefaultConfig returns the thresholds used when the caller does not
// configure the breaker explicitly.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		RetryDelay:       time.Second,
		MaxRetries:       3,
	}
}

// Breaker is a per-destination circuit breaker. Transitions follow
// CLOSED→OPEN on FailureThreshold consecutive failures, OPEN→HALF_OPEN once
// Timeout elapses, HALF_OPEN→CLOSED on SuccessThreshold successes and
// HALF_OPEN→OPEN on any failure. Safe for concurrent use.
type Breaker struct {
	cfg Config

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	probeInFlight        bool

	nowFn func() time.Time

	// Lifecycle callbacks; see SetCallbacks.
	onOpened   func()
	onClosed   func()
	onRejected func()
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: StateClosed, nowFn: time.Now}
}

// SetCallbacks registers lifecycle notifications for circuit opened, circuit
// closed and call rejected. Any callback may be nil. Callbacks run outside
// the breaker lock.
func (b *Breaker) SetCallbacks(opened, closed, rejected func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onOpened = opened
	b.onClosed = closed
	b.onRejected = rejected
}

// Execute runs fn under the breaker's state machine. While open and before
// Timeout has elapsed it returns ErrCircuitOpen without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		b.mu.Lock()
		fire := b.onRejected
		b.mu.Unlock()
		b.notify(fire)
		return err
	}

	if err := fn(ctx); err != nil {
		b.recordFailure()
		return err
	}

	b.recordSuccess()
	return nil
}

// ExecuteWithRetry wraps Execute with up to MaxRetries attempts separated by
// RetryDelay; fn is always invoked at least once even when MaxRetries is
// zero or negative. ErrCircuitOpen is surfaced immediately: retrying while
// open would defeat the fast-fail contract.
func (b *Breaker) ExecuteWithRetry(ctx context.Context, fn func(context.Context) error) error {
	attempts := b.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = b.Execute(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			return err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.cfg.RetryDelay):
		}
	}
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot describes the breaker's observable state for stats reporting.
type Snapshot struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	OpenedAt             time.Time
}

// Stats returns a point-in-time snapshot of the breaker counters.
func (b *Breaker) Stats() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             b.openedAt,
	}
}

// Reset forces the breaker back to closed with counters cleared. Used by the
// pipeline's administrative override.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.probeInFlight = false
}

// allow decides whether a call may proceed, performing the OPEN→HALF_OPEN
// transition when the timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.nowFn().Sub(b.openedAt) < b.cfg.Timeout {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.consecutiveSuccesses = 0
		b.probeInFlight = true
		return nil
	case StateHalfOpen:
		// Exactly one trial call at a time while half-open.
		if b.probeInFlight {
			return ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil
	default:
		return ErrCircuitOpen
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	var fire func()
	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.probeInFlight = false
		b.consecutiveSuccesses++
		b.consecutiveFailures = 0
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.consecutiveSuccesses = 0
			fire = b.onClosed
		}
	}
	b.mu.Unlock()
	b.notify(fire)
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	var fire func()
	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		b.consecutiveSuccesses = 0
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.nowFn()
			fire = b.onOpened
		}
	case StateHalfOpen:
		// Any half-open failure reopens the circuit with a fresh timeout.
		b.probeInFlight = false
		b.state = StateOpen
		b.openedAt = b.nowFn()
		fire = b.onOpened
	}
	b.mu.Unlock()
	b.notify(fire)
}

func (b *Breaker) notify(fn func()) {
	if fn != nil {
		fn()
	}
}
