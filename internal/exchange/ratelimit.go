// ratelimit.go implements token-bucket rate limiting for the futures REST API.
//
// The exchange enforces separate weight budgets for order placement and for
// market-data reads. Buckets refill continuously rather than in window-sized
// bursts, keeping request pacing smooth under load.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a rate limiter with continuous refill. Callers block in
// Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by endpoint category. Trading calls use
// Order, cancellations use Cancel, everything else uses Data.
type RateLimiter struct {
	Order  *TokenBucket // order placement
	Cancel *TokenBucket // order cancellation
	Data   *TokenBucket // klines, balance, listen-key
}

// NewRateLimiter creates buckets tuned to the futures API weight limits,
// with capacities set well under the published per-minute budgets.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(100, 20),
		Cancel: NewTokenBucket(100, 20),
		Data:   NewTokenBucket(60, 10),
	}
}
