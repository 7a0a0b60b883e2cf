package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketAllowsBurst(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(5, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, tb.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestTokenBucketBlocksWhenEmpty(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1, 10) // refill one token per 100ms
	ctx := context.Background()

	require.NoError(t, tb.Wait(ctx))

	start := time.Now()
	require.NoError(t, tb.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestTokenBucketRespectsContextCancel(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1, 0.001)
	ctx := context.Background()
	require.NoError(t, tb.Wait(ctx))

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tb.Wait(cancelCtx), context.DeadlineExceeded)
}
