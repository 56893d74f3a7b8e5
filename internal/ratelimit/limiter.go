// Package ratelimit throttles ring requests per visitor so a single visitor
// cannot flood an agent with calls.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultIdleTTL is how long an unused bucket is kept before Sweep drops it.
const DefaultIdleTTL = 10 * time.Minute

// bucket is the token bucket for one key
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps an independent token bucket per key.
type RateLimiter struct {
	buckets map[string]*bucket // key -> bucket
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	logger  *zap.Logger
	now     func() time.Time
}

// NewRateLimiter allows perMinute events per key, with bursts of up to
// perMinute.
func NewRateLimiter(perMinute int, logger *zap.Logger) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		logger:  logger,
		now:     time.Now,
	}
}

// getBucket retrieves or creates the bucket for key. Caller holds rl.mu.
func (rl *RateLimiter) getBucket(key string) *bucket {
	if b, exists := rl.buckets[key]; exists {
		return b
	}
	b := &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
	rl.buckets[key] = b
	return b
}

// Allow reports whether an event for key may happen now and consumes a token
// if so.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b := rl.getBucket(key)
	b.lastSeen = now

	if !b.limiter.AllowN(now, 1) {
		rl.logger.Warn("Rate limit exceeded",
			zap.String("key", key),
			zap.Float64("tokens", b.limiter.TokensAt(now)),
		)
		return false
	}
	return true
}

// Sweep drops buckets that have not been used for idleTTL and returns how
// many were removed.
func (rl *RateLimiter) Sweep(idleTTL time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idleTTL)
	removed := 0
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("Swept idle rate limit buckets", zap.Int("removed", removed))
	}
	return removed
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Reset clears all rate limit buckets (useful for testing)
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.buckets = make(map[string]*bucket)
	rl.logger.Info("Rate limiter reset")
}
