package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/storage"
)

// RedisClient owns the Redis connection used for distributed locks
type RedisClient struct {
	client *redis.Client
	config storage.Config
}

// NewRedisClient creates a new Redis client and verifies connectivity
func NewRedisClient(config storage.Config) (*RedisClient, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if config.RedisPassword != "" {
		opts.Password = config.RedisPassword
	}
	if config.RedisDB >= 0 {
		opts.DB = config.RedisDB
	}
	if config.RedisMaxRetries > 0 {
		opts.MaxRetries = config.RedisMaxRetries
	}
	if config.RedisPoolSize > 0 {
		opts.PoolSize = config.RedisPoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{
		client: client,
		config: config,
	}, nil
}

// LockTTL returns how long a lock survives a crashed holder
func (c *RedisClient) LockTTL() time.Duration {
	if c.config.LockTTL > 0 {
		return c.config.LockTTL
	}
	return 30 * time.Second
}

// Ping checks Redis connectivity
func (c *RedisClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// HealthCheck satisfies observability.Pinger
func (c *RedisClient) HealthCheck(ctx context.Context) error {
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// GetClient returns the underlying client
func (c *RedisClient) GetClient() *redis.Client {
	return c.client
}

// GetPoolStats returns connection pool statistics
func (c *RedisClient) GetPoolStats() *redis.PoolStats {
	return c.client.PoolStats()
}

// ReportPoolMetrics copies pool stats into the Redis gauges
func (c *RedisClient) ReportPoolMetrics(metrics *observability.Metrics) {
	if metrics == nil {
		return
	}
	stats := c.GetPoolStats()
	metrics.RedisConnectionsTotal.Set(float64(stats.TotalConns))
	metrics.RedisConnectionsIdle.Set(float64(stats.IdleConns))
	metrics.RedisPoolTimeouts.Set(float64(stats.Timeouts))
}

// Close closes the Redis connection
func (c *RedisClient) Close() error {
	return c.client.Close()
}
