package batch

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Clock abstracts time so limiter waits and retry backoff can be driven by
// tests without sleeping.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Tier names a rate limit preset.
type Tier string

// Rate limit tiers
const (
	TierHigh        Tier = "high"
	TierConstrained Tier = "constrained"
)

// LimiterConfig sizes a token bucket.
type LimiterConfig struct {
	// Capacity is the maximum burst size.
	Capacity int
	// RatePerMinute is the sustained refill rate.
	RatePerMinute int
}

// RatePerSecond returns the refill rate in tokens per second.
func (c LimiterConfig) RatePerSecond() float64 {
	return float64(c.RatePerMinute) / 60
}

// TierConfig returns the preset for tier.
func TierConfig(tier Tier) (LimiterConfig, error) {
	switch tier {
	case TierHigh:
		return LimiterConfig{Capacity: 50, RatePerMinute: 500}, nil
	case TierConstrained:
		return LimiterConfig{Capacity: 5, RatePerMinute: 10}, nil
	default:
		return LimiterConfig{}, fmt.Errorf("unknown rate limit tier %q", tier)
	}
}

// Limiter hands out permits for outbound calls.
type Limiter interface {
	// Acquire blocks until a permit is granted or ctx is done.
	Acquire(ctx context.Context) error
}

// LimiterFactory builds the limiter for one job.
type LimiterFactory func(cfg LimiterConfig, clock Clock) Limiter

// NewTokenBucketLimiter is the default LimiterFactory.
func NewTokenBucketLimiter(cfg LimiterConfig, clock Clock) Limiter {
	return NewTokenBucket(cfg, clock)
}

// TokenBucket is a mutex-guarded token bucket. Tokens refill continuously at
// a fixed rate up to capacity and each Acquire consumes one.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64 // tokens per second
	lastRefill time.Time
	clock      Clock
}

// NewTokenBucket creates a full bucket. Non-positive capacity or rate are
// raised to 1 so the bucket can always make progress.
func NewTokenBucket(cfg LimiterConfig, clock Clock) *TokenBucket {
	if clock == nil {
		clock = SystemClock
	}
	capacity := float64(cfg.Capacity)
	if capacity < 1 {
		capacity = 1
	}
	rate := cfg.RatePerSecond()
	if rate <= 0 {
		rate = 1.0 / 60
	}
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: clock.Now(),
		clock:      clock,
	}
}

// refill must be called with mu held.
func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.lastRefill = now
}

// Acquire takes one token, waiting for a refill when the bucket is empty.
// The wait happens outside the lock; after it the bucket is re-checked, so
// concurrent waiters never over-grant. A cancelled ctx returns ctx.Err()
// without consuming a token.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b.mu.Lock()
		b.refill(b.clock.Now())
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration(math.Ceil((1 - b.tokens) / b.rate * float64(time.Second)))
		b.mu.Unlock()

		if err := b.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Tokens reports the current token level after refilling.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.clock.Now())
	return b.tokens
}

// Capacity returns the bucket's burst size.
func (b *TokenBucket) Capacity() float64 {
	return b.capacity
}
