/**
 * @description
 * Rate limiting middleware to prevent abuse and ensure fair resource usage.
 * Uses a simple in-memory token bucket per client IP.
 *
 * @dependencies
 * - sync: For thread-safe operations
 * - time: For time-based rate limiting
 * - net/http: For HTTP middleware
 */
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter implements a token bucket rate limiter
type RateLimiter struct {
	requests    map[string]*TokenBucket
	capacity    int
	refillRate  time.Duration
	mutex       sync.Mutex
	stopCleanup chan struct{}
	now         func() time.Time
}

// TokenBucket represents a token bucket for rate limiting
type TokenBucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter creates a limiter that refills `rate` tokens per window up
// to `burst` tokens.
func NewRateLimiter(rate int, burst int, window time.Duration) *RateLimiter {
	if rate < 1 {
		rate = 1
	}
	if burst < 1 {
		burst = rate
	}
	rl := &RateLimiter{
		requests:    make(map[string]*TokenBucket),
		capacity:    burst,
		refillRate:  window / time.Duration(rate),
		stopCleanup: make(chan struct{}),
		now:         time.Now,
	}
	if rl.refillRate <= 0 {
		rl.refillRate = time.Nanosecond
	}

	// Start cleanup goroutine
	go rl.cleanupExpiredBuckets()

	return rl
}

// Allow checks if a request from the given key should be allowed and
// reports the tokens left after it.
func (rl *RateLimiter) Allow(key string) (bool, int) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	bucket, exists := rl.requests[key]
	if !exists {
		// Start with full bucket
		bucket = &TokenBucket{tokens: rl.capacity, lastRefill: now}
		rl.requests[key] = bucket
	}

	// Refill tokens based on time elapsed
	if tokensToAdd := int(now.Sub(bucket.lastRefill) / rl.refillRate); tokensToAdd > 0 {
		bucket.tokens = min(rl.capacity, bucket.tokens+tokensToAdd)
		bucket.lastRefill = bucket.lastRefill.Add(time.Duration(tokensToAdd) * rl.refillRate)
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true, bucket.tokens
	}
	return false, 0
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCleanup)
}

// cleanupExpiredBuckets removes old buckets to prevent memory leaks
func (rl *RateLimiter) cleanupExpiredBuckets() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mutex.Lock()
			now := rl.now()
			for key, bucket := range rl.requests {
				if now.Sub(bucket.lastRefill) > 10*time.Minute {
					delete(rl.requests, key)
				}
			}
			rl.mutex.Unlock()
		case <-rl.stopCleanup:
			return
		}
	}
}

// RateLimitMiddleware creates a rate limiting middleware keyed by client IP.
func RateLimitMiddleware(requestsPerMinute int) func(http.Handler) http.Handler {
	if requestsPerMinute < 1 {
		requestsPerMinute = 1
	}
	limiter := NewRateLimiter(requestsPerMinute, requestsPerMinute, time.Minute)
	limit := strconv.Itoa(requestsPerMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := getClientIP(r)

			allowed, remaining := limiter.Allow(clientIP)
			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(limiter.refillRate.Seconds())+1))
				http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
