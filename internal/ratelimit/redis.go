package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ Limiter = &RedisLimiter{}

// slidingWindowScript prunes, counts and records in one step so that two
// processes can't both admit the last slot.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  return 0
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisLimiter keeps each key's window in a sorted set scored by unix millis.
type RedisLimiter struct {
	client *redis.Client
	opts   Options
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, opts Options, now func() time.Time) *RedisLimiter {
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{
		client: client,
		opts:   opts.withDefaults(),
		now:    now,
	}
}

func (rl *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("ratelimit:generate:%s", key)

	allowed, err := slidingWindowScript.Run(ctx, rl.client, []string{redisKey},
		rl.now().UnixMilli(),
		rl.opts.Window.Milliseconds(),
		rl.opts.MaxRequests,
		uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("run sliding window for key %v: %w", key, err)
	}

	return allowed == 1, nil
}
