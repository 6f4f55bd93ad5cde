package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// TOKEN BUCKET RATE LIMITER
// ============================================================================

func TestRateLimiter_BurstIsImmediatelyAvailable(t *testing.T) {
	rl := NewRateLimiter(3, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		start := time.Now()
		require.NoError(t, rl.Acquire(ctx, "tenant-a"))
		assert.Less(t, time.Since(start), 10*time.Millisecond)
	}
}

func TestRateLimiter_BlocksOnceBurstExhausted(t *testing.T) {
	rl := NewRateLimiter(1, 10) // 1 burst, refills at 10/s => ~100ms per token
	ctx := context.Background()

	require.NoError(t, rl.Acquire(ctx, "tenant-b"))

	start := time.Now()
	require.NoError(t, rl.Acquire(ctx, "tenant-b"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRateLimiter_BucketsAreIndependentPerKey(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	ctx := context.Background()

	require.NoError(t, rl.Acquire(ctx, "tenant-a"))
	start := time.Now()
	require.NoError(t, rl.Acquire(ctx, "tenant-c"))
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestRateLimiter_HonorsContextCancellation(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	ctx := context.Background()
	require.NoError(t, rl.Acquire(ctx, "tenant-d")) // exhaust the single token

	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := rl.Acquire(cancelCtx, "tenant-d")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiter_InvalidConfigFallsBackToDefaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	assert.Equal(t, 10, rl.burst)
	assert.Equal(t, float64(5), rl.refill)
}

// ============================================================================
// RETRY-AFTER
// ============================================================================

func TestHonorRetryAfter_ZeroIsNoOp(t *testing.T) {
	start := time.Now()
	require.NoError(t, HonorRetryAfter(context.Background(), 0))
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestHonorRetryAfter_WaitsForDuration(t *testing.T) {
	start := time.Now()
	require.NoError(t, HonorRetryAfter(context.Background(), 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestHonorRetryAfter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := HonorRetryAfter(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

// ============================================================================
// SWEEP
// ============================================================================

func TestRateLimiter_SweepDropsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(5, 5)
	require.NoError(t, rl.Acquire(context.Background(), "tenant-stale"))

	rl.mu.Lock()
	rl.buckets["tenant-stale"].lastFill = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	rl.Sweep(time.Minute)

	rl.mu.Lock()
	_, ok := rl.buckets["tenant-stale"]
	rl.mu.Unlock()
	assert.False(t, ok)
}
