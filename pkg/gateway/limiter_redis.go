package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBucketScript refills and consumes a token bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (microsecond precision)
var redisBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiter implements LimiterStore on Redis so every gateway process
// draws from the same per-provider buckets.
type RedisLimiter struct {
	client *redis.Client
	clock  func() time.Time
}

// RedisLimiterOption configures a RedisLimiter.
type RedisLimiterOption func(*RedisLimiter)

// WithRedisClock replaces the limiter's time source.
func WithRedisClock(clock func() time.Time) RedisLimiterOption {
	return func(l *RedisLimiter) { l.clock = clock }
}

// NewRedisLimiter creates a limiter on an existing Redis client.
func NewRedisLimiter(client *redis.Client, opts ...RedisLimiterOption) *RedisLimiter {
	l := &RedisLimiter{client: client, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow executes the bucket script. A non-positive RPS means the
// provider is unthrottled.
func (l *RedisLimiter) Allow(ctx context.Context, providerID string, policy RatePolicy, cost int) (bool, error) {
	if policy.RPS <= 0 {
		return true, nil
	}
	burst := policy.Burst
	if burst < 1 {
		burst = 1
	}

	key := fmt.Sprintf("scrutiny:limiter:%s", providerID)
	now := float64(l.clock().UnixMicro()) / 1e6

	res, err := redisBucketScript.Run(ctx, l.client, []string{key}, policy.RPS, burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("gateway: redis limiter: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, fmt.Errorf("gateway: unexpected limiter script reply")
	}
	allowed, _ := vals[0].(int64)
	return allowed == 1, nil
}
