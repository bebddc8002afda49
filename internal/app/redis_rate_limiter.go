/**
 * @description
 * Distributed limit on micro-deposit guesses. Every submission counts against
 * one fixed window per subject (the caller's user ID and, when known, the
 * client IP), so guessing across many accounts or many logins from one
 * address is throttled on every replica.
 *
 * @notes
 * - All windows are incremented by one Lua script call, so a single round trip
 *   decides the submission.
 * - The limiter never touches verification state; the attempt cap still
 *   applies when Redis is unavailable.
 */
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// guessWindowScript increments one counter per key and returns
// {count1, ttl1, count2, ttl2, ...}.
var guessWindowScript = redis.NewScript(`
local window = tonumber(ARGV[1])
local result = {}
for _, key in ipairs(KEYS) do
  local current = redis.call("INCR", key)
  if current == 1 then
    redis.call("PEXPIRE", key, window)
  end
  local ttl = redis.call("PTTL", key)
  if ttl < 0 then
    ttl = window
  end
  table.insert(result, current)
  table.insert(result, ttl)
end
return result
`)

// RateLimitDecision is the outcome of counting one submission.
type RateLimitDecision struct {
	Allowed    bool
	Subject    string
	Count      int
	Limit      int
	RetryAfter time.Duration
}

// GuessRateLimiter counts a verification submission against each subject's
// window and reports whether any window is exhausted.
type GuessRateLimiter interface {
	Allow(ctx context.Context, subjects ...string) (RateLimitDecision, error)
}

// RedisGuessRateLimiter implements GuessRateLimiter with fixed windows in Redis.
type RedisGuessRateLimiter struct {
	client redis.Scripter
	prefix string
	limit  int
	window time.Duration
}

// NewRedisGuessRateLimiter allows limit submissions per subject per window.
func NewRedisGuessRateLimiter(client redis.Scripter, prefix string, limit int, window time.Duration) *RedisGuessRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "transfa:rate_limit"
	}
	if window < time.Second {
		window = time.Second
	}
	return &RedisGuessRateLimiter{
		client: client,
		prefix: prefix + ":" + guessRateLimitScope,
		limit:  limit,
		window: window,
	}
}

func (r *RedisGuessRateLimiter) Allow(ctx context.Context, subjects ...string) (RateLimitDecision, error) {
	decision := RateLimitDecision{Allowed: true, Limit: r.limit}
	keys := make([]string, 0, len(subjects))
	names := make([]string, 0, len(subjects))
	for _, s := range subjects {
		if s = strings.TrimSpace(s); s != "" {
			keys = append(keys, r.prefix+":"+s)
			names = append(names, s)
		}
	}
	if r.limit <= 0 || len(keys) == 0 {
		return decision, nil
	}

	raw, err := guessWindowScript.Run(ctx, r.client, keys, r.window.Milliseconds()).Result()
	if err != nil {
		return decision, err
	}
	windows, err := parseWindowCounts(raw, len(keys), r.window)
	if err != nil {
		return decision, err
	}
	return decide(names, windows, r.limit), nil
}

type windowCount struct {
	count int
	ttl   time.Duration
}

func parseWindowCounts(raw any, expected int, fallbackTTL time.Duration) ([]windowCount, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2*expected {
		return nil, fmt.Errorf("unexpected redis limiter response: %T with %d windows expected", raw, expected)
	}
	windows := make([]windowCount, expected)
	for i := range windows {
		count, ok := values[2*i].(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected redis limiter count type: %T", values[2*i])
		}
		ttlMs, ok := values[2*i+1].(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected redis limiter ttl type: %T", values[2*i+1])
		}
		ttl := time.Duration(ttlMs) * time.Millisecond
		if ttl <= 0 {
			ttl = fallbackTTL
		}
		windows[i] = windowCount{count: int(count), ttl: ttl}
	}
	return windows, nil
}

// decide reports the exhausted window that frees up last.
func decide(subjects []string, windows []windowCount, limit int) RateLimitDecision {
	decision := RateLimitDecision{Allowed: true, Limit: limit}
	for i, w := range windows {
		if w.count <= limit {
			if decision.Allowed && w.count > decision.Count {
				decision.Count = w.count
			}
			continue
		}
		retryAfter := max((w.ttl + time.Second - 1).Truncate(time.Second), time.Second)
		if decision.Allowed || retryAfter > decision.RetryAfter {
			decision = RateLimitDecision{
				Subject:    subjects[i],
				Count:      w.count,
				Limit:      limit,
				RetryAfter: retryAfter,
			}
		}
	}
	return decision
}
