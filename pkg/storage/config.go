package storage

import "time"

// Config for the datastore, lock backend and raw payload archive
type Config struct {
	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration
	PostgresMaxIdleTime time.Duration

	// Redis config, used for distributed locks when set
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
	LockTTL         time.Duration

	// S3 config for the webhook payload archive
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
	S3Prefix       string
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: 1 * time.Hour,
		PostgresMaxIdleTime: 10 * time.Minute,
		RedisDB:             0,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
		LockTTL:             30 * time.Second,
		S3Region:            "us-east-1",
		S3Prefix:            "webhooks",
	}
}

// RedisEnabled reports whether Redis-backed locks are configured
func (c Config) RedisEnabled() bool {
	return c.RedisURL != ""
}

// ArchiveEnabled reports whether raw webhook payloads are archived to S3
func (c Config) ArchiveEnabled() bool {
	return c.S3Bucket != ""
}
