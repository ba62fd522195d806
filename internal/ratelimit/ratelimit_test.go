package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitForCapacity_UnderLimitIsImmediate(t *testing.T) {
	l := New(3, time.Minute)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.WaitForCapacity(context.Background()))
	}
	assert.Less(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 3, l.InWindow())
}

func TestWaitForCapacity_DelaysUntilWindowReset(t *testing.T) {
	l := New(2, 60*time.Millisecond)

	require.NoError(t, l.WaitForCapacity(context.Background()))
	require.NoError(t, l.WaitForCapacity(context.Background()))

	// The third call must be delayed until the window resets, not rejected.
	start := time.Now()
	require.NoError(t, l.WaitForCapacity(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 1, l.InWindow())
}

func TestWaitForCapacity_ExpiredWindowResets(t *testing.T) {
	l := New(1, 30*time.Millisecond)
	now := time.Now()
	l.nowFn = func() time.Time { return now }

	require.NoError(t, l.WaitForCapacity(context.Background()))
	require.Equal(t, 1, l.InWindow())

	// Advance past the window: the count resets rather than carrying over.
	now = now.Add(31 * time.Millisecond)
	require.NoError(t, l.WaitForCapacity(context.Background()))
	assert.Equal(t, 1, l.InWindow())
}

func TestWaitForCapacity_HonorsContextCancel(t *testing.T) {
	l := New(1, time.Minute)
	require.NoError(t, l.WaitForCapacity(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.WaitForCapacity(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForCapacity_WindowBoundNeverExceeded(t *testing.T) {
	const limit = 5
	l := New(limit, 40*time.Millisecond)

	// Burn through two full windows and check the per-window count after
	// each acquisition; the bound must hold at every point.
	for i := 0; i < limit*2; i++ {
		require.NoError(t, l.WaitForCapacity(context.Background()))
		assert.LessOrEqual(t, l.InWindow(), limit)
	}
}
