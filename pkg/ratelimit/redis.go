package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the counter and starts the window on the
// first hit.
// KEYS[1] = counter key
// ARGV[1] = window length in milliseconds
// Returns {count, remaining ttl in ms}.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisWindow shares fixed windows between optimizer replicas
type RedisWindow struct {
	client redis.UniversalClient
	prefix string
	limit  int
	period time.Duration
}

// NewRedisWindow allows limit requests per key every period
func NewRedisWindow(client redis.UniversalClient, prefix string, limit int, period time.Duration) *RedisWindow {
	if prefix == "" {
		prefix = "schedopt:ratelimit:"
	}
	return &RedisWindow{client: client, prefix: prefix, limit: limit, period: period}
}

// Allow counts one request for key
func (r *RedisWindow) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := fixedWindowScript.Run(ctx, r.client, []string{r.prefix + key}, r.period.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limiter: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("redis rate limiter: unexpected reply %v", res)
	}
	count, _ := vals[0].(int64)
	ttl, _ := vals[1].(int64)

	d := Decision{
		Limit:   r.limit,
		Allowed: int(count) <= r.limit,
		Reset:   time.Now().Add(time.Duration(ttl) * time.Millisecond),
	}
	if d.Allowed {
		d.Remaining = r.limit - int(count)
	}
	return d, nil
}

// Ping checks the connection
func (r *RedisWindow) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
