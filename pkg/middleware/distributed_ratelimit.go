package middleware

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// DistributedRateLimiter is a fixed window limiter shared by every API
// instance through Redis
type DistributedRateLimiter struct {
	redis  *redis.Client
	config RateLimitConfig
	prefix string
}

// NewDistributedRateLimiter creates a new Redis-backed rate limiter
func NewDistributedRateLimiter(redisClient *redis.Client, config RateLimitConfig, prefix string) *DistributedRateLimiter {
	if prefix == "" {
		prefix = "subledger:ratelimit"
	}
	return &DistributedRateLimiter{
		redis:  redisClient,
		config: withDefaults(config),
		prefix: prefix,
	}
}

func (rl *DistributedRateLimiter) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

// Allow counts one request against the current window of key. The burst is
// added to the window limit.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := rl.redisKey(key)

	pipe := rl.redis.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{Allowed: true}, fmt.Errorf("redis rate limit for %s: %w", key, err)
	}

	reset := ttl.Val()
	if reset < 0 {
		// First request of the window
		if err := rl.redis.PExpire(ctx, redisKey, rl.config.WindowDuration).Err(); err != nil {
			return Decision{Allowed: true}, fmt.Errorf("redis rate limit expiry for %s: %w", key, err)
		}
		reset = rl.config.WindowDuration
	}

	ceiling := int64(rl.config.RequestsPerWindow + rl.config.BurstSize)
	count := incr.Val()
	remaining := ceiling - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    count <= ceiling,
		Limit:      rl.config.RequestsPerWindow,
		Remaining:  int(remaining),
		ResetAfter: reset,
	}, nil
}

// Reset clears the window of key
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.redisKey(key)).Err()
}

// HealthCheck verifies Redis connectivity for rate limiting
func (rl *DistributedRateLimiter) HealthCheck(ctx context.Context) error {
	return rl.redis.Ping(ctx).Err()
}
