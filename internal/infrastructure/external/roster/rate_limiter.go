package roster

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token-bucket limiter for outbound roster API requests.
// One verification request fans out into many history pages; the limiter
// keeps that burst from tripping the upstream's limits.
type RateLimiter struct {
	mu         sync.Mutex
	maxTokens  float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
}

// RateLimiterConfig contains configuration for the rate limiter.
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained request rate.
	RequestsPerSecond float64

	// BurstSize is the bucket capacity.
	BurstSize int
}

// DefaultRateLimiterConfig returns conservative defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 5.0,
		BurstSize:         10,
	}
}

// NewRateLimiter creates a limiter with a full bucket.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = DefaultRateLimiterConfig().RequestsPerSecond
	}
	if config.BurstSize <= 0 {
		config.BurstSize = DefaultRateLimiterConfig().BurstSize
	}

	return &RateLimiter{
		maxTokens:  float64(config.BurstSize),
		refillRate: config.RequestsPerSecond,
		tokens:     float64(config.BurstSize),
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait, ok := rl.tryAcquire()
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tryAcquire takes a token if one is available, otherwise returns how long
// to wait before trying again.
func (rl *RateLimiter) tryAcquire() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now

	if rl.tokens >= 1 {
		rl.tokens--
		return 0, true
	}

	deficit := 1 - rl.tokens
	return time.Duration(deficit / rl.refillRate * float64(time.Second)), false
}
