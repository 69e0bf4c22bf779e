package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter admits or rejects one request.
type Limiter interface {
	Allow(ctx context.Context) (bool, error)
}

// LocalLimiter is a process-wide token bucket.
type LocalLimiter struct {
	l *rate.Limiter
}

// NewLocalLimiter admits rps requests per second with the given burst.
// A non-positive rps admits everything.
func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	if rps <= 0 {
		return &LocalLimiter{l: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < 1 {
		burst = 1
	}
	return &LocalLimiter{l: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *LocalLimiter) Allow(context.Context) (bool, error) {
	return l.l.Allow(), nil
}

// tokenBucketScript refills and consumes one bucket atomically.
// KEYS[1] bucket key; ARGV rate (tokens/s), capacity, cost, now (seconds).
var tokenBucketScript = redis.NewScript(`
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
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)
return {allowed, tostring(tokens)}
`)

// RedisLimiter is a token bucket shared by every gateway replica.
type RedisLimiter struct {
	client redis.Scripter
	key    string
	rps    float64
	burst  int
	now    func() time.Time
}

// NewRedisLimiter stores its bucket under key.
func NewRedisLimiter(client redis.Scripter, key string, rps float64, burst int) *RedisLimiter {
	if key == "" {
		key = "limiter:gateway"
	}
	if burst < 1 {
		burst = 1
	}
	return &RedisLimiter{client: client, key: key, rps: rps, burst: burst, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context) (bool, error) {
	if l.rps <= 0 {
		return true, nil
	}
	now := float64(l.now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.client, []string{l.key}, l.rps, l.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	results, ok := res.([]any)
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script result %T", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
