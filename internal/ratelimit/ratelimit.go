package ratelimit

import (
	"sync"
	"time"

	"github.com/hthuynh/cacheproxy/internal/config"
)

// TokenBucket implements the token bucket algorithm for rate limiting.
// Allows burst traffic up to bucket capacity while maintaining a
// sustained refill rate.
type TokenBucket struct {
	capacity   int        // maximum tokens in bucket
	tokens     int        // current available tokens
	refillRate int        // tokens added per second
	lastRefill time.Time  // last time the bucket was refilled
	mutex      sync.Mutex // protects bucket state
}

// NewTokenBucket creates a bucket at full capacity so a new client can
// burst immediately.
func NewTokenBucket(capacity, refillRate int) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// TryConsume attempts to consume the given number of tokens.
// Returns false when the rate limit is exceeded.
func (tb *TokenBucket) TryConsume(tokens int) bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	tb.refill()

	if tb.tokens >= tokens {
		tb.tokens -= tokens
		return true
	}
	return false
}

// refill adds tokens based on elapsed time, capped at capacity.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds()) * tb.refillRate
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Limiter manages per-client connection admission. Each client IP gets
// its own lazily created token bucket; one token is consumed per
// accepted connection. A nil Limiter admits everything, so callers can
// leave limiting unconfigured.
type Limiter struct {
	buckets    map[string]*TokenBucket // per-client token buckets
	mutex      sync.RWMutex            // protects the buckets map
	capacity   int                     // bucket capacity
	refillRate int                     // tokens per second
}

// NewLimiter creates a connection limiter from configuration.
// Returns nil when limiting is disabled.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	if !cfg.Enabled {
		return nil
	}
	return &Limiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   cfg.Capacity,
		refillRate: cfg.RefillRate,
	}
}

// Allow reports whether a connection from the given client IP may
// proceed, consuming one token when it does.
func (l *Limiter) Allow(clientIP string) bool {
	if l == nil {
		return true
	}
	return l.getBucket(clientIP).TryConsume(1)
}

// getBucket retrieves or creates the token bucket for a client IP.
// Takes the read lock first; bucket creation upgrades to the write
// lock with a re-check, so concurrent first connections from one
// client share a single bucket.
func (l *Limiter) getBucket(clientIP string) *TokenBucket {
	l.mutex.RLock()
	bucket, exists := l.buckets[clientIP]
	l.mutex.RUnlock()

	if exists {
		return bucket
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if bucket, exists := l.buckets[clientIP]; exists {
		return bucket
	}

	bucket = NewTokenBucket(l.capacity, l.refillRate)
	l.buckets[clientIP] = bucket
	return bucket
}
