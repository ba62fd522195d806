package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New(cfg)
	now := time.Now()
	b.nowFn = func() time.Time { return now }
	return b, &now
}

func failing(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return errBoom
	}
}

func succeeding(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return nil
	}
}

func TestExecute_OpensAfterFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute})

	opened := 0
	b.SetCallbacks(func() { opened++ }, nil, nil)

	var calls int
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(context.Background(), failing(&calls)), errBoom)
	}

	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, opened)
	assert.Equal(t, 3, b.Stats().ConsecutiveFailures)
}

func TestExecute_FastFailsWhileOpen(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute})

	rejected := 0
	b.SetCallbacks(nil, nil, func() { rejected++ })

	var calls int
	require.ErrorIs(t, b.Execute(context.Background(), failing(&calls)), errBoom)
	require.Equal(t, StateOpen, b.State())

	// The transport must never be invoked while open.
	err := b.Execute(context.Background(), failing(&calls))
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, rejected)
}

func TestExecute_ClosedSuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute})

	var calls int
	require.Error(t, b.Execute(context.Background(), failing(&calls)))
	require.Error(t, b.Execute(context.Background(), failing(&calls)))
	require.NoError(t, b.Execute(context.Background(), succeeding(&calls)))

	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Stats().ConsecutiveFailures)
}

func TestExecute_HalfOpenTrialClosesCircuit(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: 30 * time.Second})

	closed := 0
	b.SetCallbacks(nil, func() { closed++ }, nil)

	var calls int
	require.Error(t, b.Execute(context.Background(), failing(&calls)))
	require.Equal(t, StateOpen, b.State())

	// One trial after the timeout elapses; successThreshold=1 closes the
	// circuit in a single step with counters reset.
	*now = now.Add(31 * time.Second)
	require.NoError(t, b.Execute(context.Background(), succeeding(&calls)))

	snap := b.Stats()
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Zero(t, snap.ConsecutiveSuccesses)
	assert.Equal(t, 1, closed)
}

func TestExecute_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 30 * time.Second})

	var calls int
	require.Error(t, b.Execute(context.Background(), failing(&calls)))

	*now = now.Add(31 * time.Second)
	require.ErrorIs(t, b.Execute(context.Background(), failing(&calls)), errBoom)
	assert.Equal(t, StateOpen, b.State())

	// The open timeout restarts from the half-open failure.
	*now = now.Add(29 * time.Second)
	err := b.Execute(context.Background(), succeeding(&calls))
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestExecute_HalfOpenNeedsSuccessThreshold(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second})

	var calls int
	require.Error(t, b.Execute(context.Background(), failing(&calls)))

	*now = now.Add(2 * time.Second)
	require.NoError(t, b.Execute(context.Background(), succeeding(&calls)))
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(context.Background(), succeeding(&calls)))
	assert.Equal(t, StateClosed, b.State())
}

func TestExecuteWithRetry_BoundsAttempts(t *testing.T) {
	b, _ := newTestBreaker(Config{
		FailureThreshold: 10,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		RetryDelay:       time.Millisecond,
		MaxRetries:       3,
	})

	var calls int
	err := b.ExecuteWithRetry(context.Background(), failing(&calls))
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
}

func TestExecuteWithRetry_SucceedsMidway(t *testing.T) {
	b, _ := newTestBreaker(Config{
		FailureThreshold: 10,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		RetryDelay:       time.Millisecond,
		MaxRetries:       3,
	})

	var calls int
	err := b.ExecuteWithRetry(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestExecuteWithRetry_ZeroMaxRetriesStillAttemptsOnce(t *testing.T) {
	b, _ := newTestBreaker(Config{
		FailureThreshold: 10,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		MaxRetries:       0,
	})

	var calls int
	err := b.ExecuteWithRetry(context.Background(), failing(&calls))
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetry_NeverRetriesOpenCircuit(t *testing.T) {
	b, _ := newTestBreaker(Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		RetryDelay:       time.Millisecond,
		MaxRetries:       5,
	})

	var calls int
	require.Error(t, b.Execute(context.Background(), failing(&calls)))

	err := b.ExecuteWithRetry(context.Background(), failing(&calls))
	require.ErrorIs(t, err, ErrCircuitOpen)
	// Zero additional invocations once the open circuit is observed.
	assert.Equal(t, 1, calls)
}

func TestReset_ForcesClosed(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})

	var calls int
	require.Error(t, b.Execute(context.Background(), failing(&calls)))
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Execute(context.Background(), succeeding(&calls)))
}
