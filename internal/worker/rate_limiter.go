package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrDailyLimit is returned by Wait once the daily ceiling is spent.
var ErrDailyLimit = errors.New("daily push limit exceeded")

// RateLimit defines the send ceilings of one scope. A zero field is unlimited.
type RateLimit struct {
	PerSecond int
	PerMinute int
	Daily     int
}

// RateLimiter provides atomic, cross-process rate limiting using Redis Lua
// scripts. It prevents the races of GET → check → INCR patterns.
type RateLimiter struct {
	redis  *redis.Client
	scope  string
	limits RateLimit

	// Pre-compiled Lua scripts for atomicity
	multiLimitScript *redis.Script
	windowScript     *redis.Script

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Lua script for atomic multi-key rate limit check
// This script atomically checks all limits and only increments if ALL pass
const multiLimitLuaScript = `
local secondKey = KEYS[1]
local minuteKey = KEYS[2]
local dailyKey = KEYS[3]
local increment = tonumber(ARGV[1])
local secondLimit = tonumber(ARGV[2])
local minuteLimit = tonumber(ARGV[3])
local dailyLimit = tonumber(ARGV[4])
local secondTTL = tonumber(ARGV[5])
local minuteTTL = tonumber(ARGV[6])
local dailyTTL = tonumber(ARGV[7])

local secCurrent = tonumber(redis.call("GET", secondKey) or "0")
local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dailyKey) or "0")

-- Check all limits BEFORE incrementing; 0 means unlimited
if secondLimit > 0 and secCurrent + increment > secondLimit then
    return {0, 1, secCurrent}
end
if minuteLimit > 0 and minCurrent + increment > minuteLimit then
    return {0, 2, minCurrent}
end
if dailyLimit > 0 and dayCurrent + increment > dailyLimit then
    return {0, 3, dayCurrent}
end

local newSec = redis.call("INCRBY", secondKey, increment)
if newSec == increment then
    redis.call("EXPIRE", secondKey, secondTTL)
end

local newMin = redis.call("INCRBY", minuteKey, increment)
if newMin == increment then
    redis.call("EXPIRE", minuteKey, minuteTTL)
end

local newDay = redis.call("INCRBY", dailyKey, increment)
if newDay == increment then
    redis.call("EXPIRE", dailyKey, dailyTTL)
end

return {1, 0, newDay}
`

// Lua script for a single fixed-window counter
const windowLuaScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")

if limit > 0 and current + increment > limit then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// NewRateLimiter creates a rate limiter with pre-compiled Lua scripts.
// scope namespaces the counters, e.g. "push" for the global send ceiling.
func NewRateLimiter(redisClient *redis.Client, scope string, limits RateLimit) *RateLimiter {
	return &RateLimiter{
		redis:            redisClient,
		scope:            scope,
		limits:           limits,
		multiLimitScript: redis.NewScript(multiLimitLuaScript),
		windowScript:     redis.NewScript(windowLuaScript),
		now:              time.Now,
		sleep:            sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RateLimiter) keys(now time.Time) []string {
	return []string{
		fmt.Sprintf("ratelimit:%s:sec:%d", r.scope, now.Unix()),
		fmt.Sprintf("ratelimit:%s:min:%d", r.scope, now.Unix()/60),
		fmt.Sprintf("ratelimit:%s:day:%s", r.scope, now.UTC().Format("2006-01-02")),
	}
}

// CheckAndIncrement atomically checks and increments rate limit counters.
// When denied, waitTime is how long until the exhausted window rolls over.
func (r *RateLimiter) CheckAndIncrement(ctx context.Context, n int) (allowed bool, waitTime time.Duration, err error) {
	now := r.now()

	result, err := r.multiLimitScript.Run(ctx, r.redis,
		r.keys(now),
		n,
		r.limits.PerSecond,
		r.limits.PerMinute,
		r.limits.Daily,
		2,     // second TTL
		120,   // minute TTL
		90000, // daily TTL (25 hours)
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowed = result[0].(int64) == 1
	if allowed {
		return true, 0, nil
	}

	switch result[1].(int64) {
	case 1:
		waitTime = now.Truncate(time.Second).Add(time.Second).Sub(now)
	case 2:
		waitTime = now.Truncate(time.Minute).Add(time.Minute).Sub(now)
	case 3:
		return false, 0, fmt.Errorf("%w for %s", ErrDailyLimit, r.scope)
	}
	return false, waitTime, nil
}

// Wait blocks until one send fits under every ceiling. Redis errors fail
// open so an unavailable Redis does not stall delivery.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		allowed, wait, err := r.CheckAndIncrement(ctx, 1)
		if errors.Is(err, ErrDailyLimit) {
			return err
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[RateLimiter] %v, allowing send", err)
			return nil
		}
		if allowed {
			return nil
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// CheckWindow atomically increments a fixed-window counter under key unless
// that would pass limit. It returns the counter value after the call.
func (r *RateLimiter) CheckWindow(ctx context.Context, key string, limit int, ttl time.Duration) (allowed bool, current int64, err error) {
	result, err := r.windowScript.Run(ctx, r.redis,
		[]string{key},
		1,
		limit,
		int(ttl.Seconds()),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("window check %s: %w", key, err)
	}
	return result[0].(int64) == 1, result[1].(int64), nil
}

// GetCurrentUsage returns current usage for the limiter's scope
func (r *RateLimiter) GetCurrentUsage(ctx context.Context) (map[string]int64, error) {
	keys := r.keys(r.now())

	pipe := r.redis.Pipeline()
	secCmd := pipe.Get(ctx, keys[0])
	minCmd := pipe.Get(ctx, keys[1])
	dayCmd := pipe.Get(ctx, keys[2])
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read usage: %w", err)
	}

	sec, _ := secCmd.Int64()
	min, _ := minCmd.Int64()
	day, _ := dayCmd.Int64()

	return map[string]int64{
		"second_current": sec,
		"second_limit":   int64(r.limits.PerSecond),
		"minute_current": min,
		"minute_limit":   int64(r.limits.PerMinute),
		"daily_current":  day,
		"daily_limit":    int64(r.limits.Daily),
	}, nil
}
