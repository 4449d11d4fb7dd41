package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIngressGuardAllowsWithinConcurrencyBudget(t *testing.T) {
	guard := NewIngressGuard(nil, &Config{MaxConcurrent: 2, RequestsPerSecond: 100, BurstSize: 100})

	result1, release1 := guard.Acquire(context.Background(), "1.2.3.4", "queue-1")
	require.True(t, result1.Allowed)
	result2, release2 := guard.Acquire(context.Background(), "1.2.3.4", "queue-2")
	require.True(t, result2.Allowed)

	result3, release3 := guard.Acquire(context.Background(), "1.2.3.4", "queue-3")
	require.False(t, result3.Allowed)
	require.Equal(t, "too many concurrent scans", result3.Reason)
	require.Nil(t, release3)

	release1()
	result4, release4 := guard.Acquire(context.Background(), "1.2.3.4", "queue-4")
	require.True(t, result4.Allowed)

	release2()
	release4()
}

func TestIngressGuardDebouncesRepeatedQueueID(t *testing.T) {
	guard := NewIngressGuard(nil, &Config{MaxConcurrent: 10, RequestsPerSecond: 100, BurstSize: 100, DebounceDuration: time.Minute})

	result1, release1 := guard.Acquire(context.Background(), "1.2.3.4", "same-queue-id")
	require.True(t, result1.Allowed)
	release1()

	result2, release2 := guard.Acquire(context.Background(), "1.2.3.4", "same-queue-id")
	require.False(t, result2.Allowed)
	require.True(t, result2.FromDebounce)
	require.Nil(t, release2)

	// A distinct queue id from the same source is never folded in.
	result3, release3 := guard.Acquire(context.Background(), "1.2.3.4", "different-queue-id")
	require.True(t, result3.Allowed)
	release3()
}

func TestIngressGuardEmptyDedupeKeySkipsDebounce(t *testing.T) {
	guard := NewIngressGuard(nil, &Config{MaxConcurrent: 10, RequestsPerSecond: 100, BurstSize: 100, DebounceDuration: time.Minute})

	for i := 0; i < 3; i++ {
		result, release := guard.Acquire(context.Background(), "1.2.3.4", "")
		require.True(t, result.Allowed)
		release()
	}
}

func TestSlidingWindowLimiterFailsOpenWithoutRedis(t *testing.T) {
	l := NewSlidingWindowLimiter(nil, 1, 0)
	for i := 0; i < 5; i++ {
		allowed, wait := l.Allow(context.Background(), "any-key")
		require.True(t, allowed)
		require.Zero(t, wait)
	}
}

func TestDebouncerLocalFallback(t *testing.T) {
	d := NewDebouncer(nil, 50*time.Millisecond)

	require.False(t, d.IsDuplicate(context.Background(), "k"))
	d.Mark(context.Background(), "k")
	require.True(t, d.IsDuplicate(context.Background(), "k"))

	time.Sleep(60 * time.Millisecond)
	require.False(t, d.IsDuplicate(context.Background(), "k"))
}

func TestMemoryGuardLimitSliceLen(t *testing.T) {
	g := NewMemoryGuard(3)
	require.Equal(t, 3, g.LimitSliceLen(10))
	require.Equal(t, 2, g.LimitSliceLen(2))
	require.Equal(t, 3, g.LimitInt(3, 3))
	require.Equal(t, 5, g.LimitInt(10, 5))
}
