package apiclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestLimiter_BurstThenDeny(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(5, time.Minute)
	l.SetClock(clock.Now)

	for i := 0; i < 5; i++ {
		ok, _ := l.reserve()
		require.True(t, ok, "request %d", i)
	}
	ok, wait := l.reserve()
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	assert.Equal(t, 5, l.InWindow())

	clock.Advance(time.Minute)
	assert.Equal(t, 0, l.InWindow())
	ok, _ = l.reserve()
	assert.True(t, ok)
}

func TestLimiter_SlidingWindowNeverExceedsCapacity(t *testing.T) {
	const capacity = 250
	window := 60 * time.Second

	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(capacity, window)
	l.SetClock(clock.Now)

	var admitted []time.Time
	// Ten attempts every 100ms for five windows: far more demand than capacity.
	for step := 0; step < 3000; step++ {
		for i := 0; i < 10; i++ {
			if ok, _ := l.reserve(); ok {
				admitted = append(admitted, clock.Now())
			}
		}
		clock.Advance(100 * time.Millisecond)
	}

	require.NotEmpty(t, admitted)
	lo := 0
	for hi, at := range admitted {
		for !admitted[lo].After(at.Add(-window)) {
			lo++
		}
		require.LessOrEqual(t, hi-lo+1, capacity, "window ending at %s", at)
	}
	// Demand is saturating, so throughput should approach the capacity.
	assert.GreaterOrEqual(t, len(admitted), 4*capacity)
}

func TestLimiter_WaitBlocksUntilWindowSlides(t *testing.T) {
	l := NewLimiter(2, 200*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, l.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 190*time.Millisecond)
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	l := NewLimiter(1, time.Hour)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
}
