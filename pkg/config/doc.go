// Package config loads service configuration from environment variables and
// an optional YAML file.
//
// Precedence is defaults, then the file named by SUBLEDGER_CONFIG_FILE, then
// environment variables. Only tunables (retry, webhooks, checkout, sweeper)
// are read from the file; credentials and endpoints come from the
// environment.
//
// Server settings:
//
//	SUBLEDGER_HOST="0.0.0.0"
//	SUBLEDGER_PORT="8080"
//	SUBLEDGER_HEALTH_PORT="9090"
//
// Datastore and backends:
//
//	SUBLEDGER_POSTGRES_URL="postgres://localhost/subledger"  # falls back to DATABASE_URL
//	SUBLEDGER_POSTGRES_REPLICA_URLS="postgres://replica-1/subledger,postgres://replica-2/subledger"
//	SUBLEDGER_REDIS_URL="redis://localhost:6379"              # enables distributed locks
//	SUBLEDGER_S3_BUCKET="subledger-webhooks"                  # enables the payload archive
//
// Processor:
//
//	SUBLEDGER_STRIPE_SECRET_KEY="sk_live_..."
//	SUBLEDGER_STRIPE_WEBHOOK_SECRET="whsec_..."
//
// Config file:
//
//	retry:
//	  max_attempts: 3
//	  initial_delay: 100ms
//	  max_delay: 2s
//	webhooks:
//	  max_attempts: 5
//	  processing_lease: 5m
//	checkout:
//	  ttl: 24h
//	sweeper:
//	  schedule: "@hourly"
//	  batch_size: 100
//	  workers: 4
//	  in_process: false
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
