package governance

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiterConfig defines the per-route limit applied to every live route.
type RateLimiterConfig struct {
	RequestsPerSecond int
	BurstSize         int
}

// Enabled reports whether the config limits anything.
func (c RateLimiterConfig) Enabled() bool {
	return c.RequestsPerSecond > 0
}

// RateLimiter keeps one token bucket per route key. Buckets are created on
// first use and dropped with Forget.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	config  RateLimiterConfig
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter. A disabled config yields a limiter
// that allows everything.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.BurstSize <= 0 {
		config.BurstSize = config.RequestsPerSecond
	}
	return &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		config:  config,
		now:     time.Now,
	}
}

// Allow consumes a token for routeKey. It returns whether the request may
// proceed and the whole tokens left afterwards.
func (rl *RateLimiter) Allow(routeKey string) (bool, int) {
	if rl == nil || !rl.config.Enabled() {
		return true, -1
	}

	rl.mu.RLock()
	bucket, exists := rl.buckets[routeKey]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		if bucket, exists = rl.buckets[routeKey]; !exists {
			bucket = newTokenBucket(rl.config, rl.now())
			rl.buckets[routeKey] = bucket
		}
		rl.mu.Unlock()
	}

	return bucket.take(rl.now())
}

// Forget drops the bucket of routeKey so a redeployed route starts full.
func (rl *RateLimiter) Forget(routeKey string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.buckets, routeKey)
	rl.mu.Unlock()
}

// Config returns the limiter configuration.
func (rl *RateLimiter) Config() RateLimiterConfig {
	if rl == nil {
		return RateLimiterConfig{}
	}
	return rl.config
}

// Stats returns current rate limit statistics for all tracked routes.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	if rl == nil {
		return nil
	}
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.now()
	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for routeKey, bucket := range rl.buckets {
		stats[routeKey] = bucket.stats(now)
	}
	return stats
}

// RateLimitStats exposes current state of a rate limit bucket.
type RateLimitStats struct {
	Limit          int     `json:"limit"`
	BurstSize      int     `json:"burstSize"`
	Available      float64 `json:"available"`
	LastRefillTime string  `json:"lastRefillTime"`
}

type tokenBucket struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(cfg RateLimiterConfig, now time.Time) *tokenBucket {
	return &tokenBucket{
		rate:       float64(cfg.RequestsPerSecond),
		capacity:   float64(cfg.BurstSize),
		tokens:     float64(cfg.BurstSize),
		lastRefill: now,
	}
}

func (tb *tokenBucket) take(now time.Time) (bool, int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, int(tb.tokens)
	}
	return false, 0
}

func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

func (tb *tokenBucket) stats(now time.Time) RateLimitStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return RateLimitStats{
		Limit:          int(tb.rate),
		BurstSize:      int(tb.capacity),
		Available:      tb.tokens,
		LastRefillTime: tb.lastRefill.Format(time.RFC3339),
	}
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
func WriteRateLimitHeaders(w http.ResponseWriter, limit, remaining int, resetTime time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
}
