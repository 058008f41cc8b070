// Package storage holds connection settings for the billing datastore and its
// supporting backends.
//
// # Overview
//
// PostgreSQL is the system of record for customers, subscriptions, grants,
// scheduled changes, checkout metadata, the webhook ledger and the
// reconciliation queue. Redis is optional and only provides cross-process
// advisory locks. S3 is optional and receives the verbatim body of every
// verified webhook as an audit blob.
//
// # Usage Example
//
//	cfg := storage.DefaultConfig()
//	cfg.PostgresURL = "postgres://localhost/subledger?sslmode=disable"
//
//	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfigFrom(cfg), logger)
//	if cfg.RedisEnabled() {
//		redisClient, err := postgres.NewRedisClient(cfg)
//	}
//
// # Related Packages
//
//   - pkg/storage/postgres: Connection pools, Redis client and S3 archive
//   - pkg/store: Retry, lock and atomic-procedure primitives
package storage
