package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/subledger/pkg/checkout"
	"github.com/platinummonkey/subledger/pkg/middleware"
	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/processor"
	"github.com/platinummonkey/subledger/pkg/scheduler"
	"github.com/platinummonkey/subledger/pkg/storage"
	"github.com/platinummonkey/subledger/pkg/store"
	"github.com/platinummonkey/subledger/pkg/webhooks"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Stripe credentials. Environment only, never read from the config file.
	Stripe processor.StripeConfig

	// Tunables that may also come from the config file
	Retry    store.RetryConfig     `yaml:"retry"`
	Webhooks webhooks.LedgerConfig `yaml:"webhooks"`
	Checkout checkout.StoreConfig  `yaml:"checkout"`
	Sweeper  SweeperConfig         `yaml:"sweeper"`

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// AutoMigrate applies the embedded schema on startup
	AutoMigrate bool

	// Per organization API rate limit, shared through Redis when configured
	RateLimitEnabled bool
	RateLimit        middleware.RateLimitConfig
}

// SweeperConfig holds the scheduled change sweeper settings
type SweeperConfig struct {
	scheduler.Config `yaml:",inline"`

	// InProcess runs the sweeper cron inside the API server
	InProcess bool `yaml:"in_process"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
	Environment        string
}

// fileConfig is the subset of Config accepted from SUBLEDGER_CONFIG_FILE
type fileConfig struct {
	Retry    *store.RetryConfig     `yaml:"retry"`
	Webhooks *webhooks.LedgerConfig `yaml:"webhooks"`
	Checkout *checkout.StoreConfig  `yaml:"checkout"`
	Sweeper  *SweeperConfig         `yaml:"sweeper"`
}

// LoadConfig loads defaults, then the optional config file, then environment
// variables, and validates the result
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Retry:    store.DefaultRetryConfig(),
		Webhooks: webhooks.DefaultLedgerConfig(),
		Checkout: checkout.DefaultStoreConfig(),
		Sweeper:  SweeperConfig{Config: scheduler.DefaultConfig()},
	}

	if path := getEnv("SUBLEDGER_CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Server = loadServerConfig()
	cfg.Storage = loadStorageConfig()
	cfg.Stripe = loadStripeConfig()
	cfg.Observability = loadObservabilityConfig()
	cfg.applyTunableEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFile overlays the tunables found in a YAML file. Sections missing from
// the file keep their defaults; fields missing from a present section keep
// their defaults too.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	fc := fileConfig{
		Retry:    &c.Retry,
		Webhooks: &c.Webhooks,
		Checkout: &c.Checkout,
		Sweeper:  &c.Sweeper,
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("SUBLEDGER_HOST", "0.0.0.0"),
		Port:            getEnv("SUBLEDGER_PORT", "8080"),
		ReadTimeout:     getEnvDuration("SUBLEDGER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("SUBLEDGER_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("SUBLEDGER_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SUBLEDGER_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("SUBLEDGER_HEALTH_PORT", "9090"),
		AutoMigrate:     getEnvBool("SUBLEDGER_AUTO_MIGRATE", false),

		RateLimitEnabled: getEnvBool("SUBLEDGER_RATE_LIMIT_ENABLED", true),
		RateLimit: middleware.RateLimitConfig{
			RequestsPerWindow: getEnvInt("SUBLEDGER_RATE_LIMIT_REQUESTS", 600),
			WindowDuration:    getEnvDuration("SUBLEDGER_RATE_LIMIT_WINDOW", time.Minute),
			BurstSize:         getEnvInt("SUBLEDGER_RATE_LIMIT_BURST", 60),
		},
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	// PostgreSQL config
	cfg.PostgresURL = getEnv("SUBLEDGER_POSTGRES_URL", getEnv("DATABASE_URL", ""))
	if replicaURLs := getEnv("SUBLEDGER_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = replicaURLs
	}
	if maxConns := getEnvInt("SUBLEDGER_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("SUBLEDGER_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("SUBLEDGER_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	// Redis config
	if redisURL := getEnv("SUBLEDGER_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("SUBLEDGER_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("SUBLEDGER_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisPoolSize := getEnvInt("SUBLEDGER_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}
	if lockTTL := getEnvDuration("SUBLEDGER_LOCK_TTL", 0); lockTTL > 0 {
		cfg.LockTTL = lockTTL
	}

	// S3 payload archive config
	if s3Endpoint := getEnv("SUBLEDGER_S3_ENDPOINT", ""); s3Endpoint != "" {
		cfg.S3Endpoint = s3Endpoint
	}
	if s3Region := getEnv("SUBLEDGER_S3_REGION", ""); s3Region != "" {
		cfg.S3Region = s3Region
	}
	if s3Bucket := getEnv("SUBLEDGER_S3_BUCKET", ""); s3Bucket != "" {
		cfg.S3Bucket = s3Bucket
	}
	if s3Prefix := getEnv("SUBLEDGER_S3_PREFIX", ""); s3Prefix != "" {
		cfg.S3Prefix = s3Prefix
	}
	if s3AccessKey := getEnv("SUBLEDGER_S3_ACCESS_KEY", ""); s3AccessKey != "" {
		cfg.S3AccessKey = s3AccessKey
	}
	if s3SecretKey := getEnv("SUBLEDGER_S3_SECRET_KEY", ""); s3SecretKey != "" {
		cfg.S3SecretKey = s3SecretKey
	}
	cfg.S3UsePathStyle = getEnvBool("SUBLEDGER_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)

	return cfg
}

// loadStripeConfig loads processor credentials from environment
func loadStripeConfig() processor.StripeConfig {
	return processor.StripeConfig{
		SecretKey:         getEnv("SUBLEDGER_STRIPE_SECRET_KEY", ""),
		WebhookSecret:     getEnv("SUBLEDGER_STRIPE_WEBHOOK_SECRET", ""),
		APIURL:            getEnv("SUBLEDGER_STRIPE_API_URL", ""),
		Timeout:           getEnvDuration("SUBLEDGER_STRIPE_TIMEOUT", 30*time.Second),
		MaxNetworkRetries: getEnvInt64("SUBLEDGER_STRIPE_MAX_NETWORK_RETRIES", 2),
		WebhookTolerance:  getEnvDuration("SUBLEDGER_STRIPE_WEBHOOK_TOLERANCE", 0),
	}
}

// applyTunableEnv lets environment variables override file and default tunables
func (c *Config) applyTunableEnv() {
	c.Retry.MaxAttempts = getEnvInt("SUBLEDGER_RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)
	c.Retry.InitialDelay = getEnvDuration("SUBLEDGER_RETRY_INITIAL_DELAY", c.Retry.InitialDelay)
	c.Retry.MaxDelay = getEnvDuration("SUBLEDGER_RETRY_MAX_DELAY", c.Retry.MaxDelay)

	c.Webhooks.MaxAttempts = getEnvInt("SUBLEDGER_WEBHOOK_MAX_ATTEMPTS", c.Webhooks.MaxAttempts)
	c.Webhooks.ProcessingLease = getEnvDuration("SUBLEDGER_WEBHOOK_PROCESSING_LEASE", c.Webhooks.ProcessingLease)

	c.Checkout.TTL = getEnvDuration("SUBLEDGER_CHECKOUT_TTL", c.Checkout.TTL)
	c.Checkout.ClaimLease = getEnvDuration("SUBLEDGER_CHECKOUT_CLAIM_LEASE", c.Checkout.ClaimLease)

	c.Sweeper.Schedule = getEnv("SUBLEDGER_SWEEPER_SCHEDULE", c.Sweeper.Schedule)
	c.Sweeper.BatchSize = getEnvInt("SUBLEDGER_SWEEPER_BATCH_SIZE", c.Sweeper.BatchSize)
	c.Sweeper.Workers = getEnvInt("SUBLEDGER_SWEEPER_WORKERS", c.Sweeper.Workers)
	c.Sweeper.ItemTimeout = getEnvDuration("SUBLEDGER_SWEEPER_ITEM_TIMEOUT", c.Sweeper.ItemTimeout)
	c.Sweeper.ProcessingLease = getEnvDuration("SUBLEDGER_SWEEPER_PROCESSING_LEASE", c.Sweeper.ProcessingLease)
	c.Sweeper.InProcess = getEnvBool("SUBLEDGER_SWEEPER_IN_PROCESS", c.Sweeper.InProcess)
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("SUBLEDGER_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("SUBLEDGER_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("SUBLEDGER_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("SUBLEDGER_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("SUBLEDGER_OTEL_SERVICE_NAME", "subledger"),
		OTelServiceVersion: getEnv("SUBLEDGER_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("SUBLEDGER_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("SUBLEDGER_OTEL_SAMPLE_RATIO", 1),
		Environment:        getEnv("SUBLEDGER_ENVIRONMENT", ""),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Server.RateLimitEnabled && (c.Server.RateLimit.RequestsPerWindow < 1 || c.Server.RateLimit.WindowDuration <= 0) {
		return fmt.Errorf("rate limit requests and window must be positive")
	}

	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Storage.ArchiveEnabled() && c.Storage.S3Region == "" {
		return fmt.Errorf("S3 region is required when the payload archive is enabled")
	}

	if err := c.Stripe.Validate(); err != nil {
		return err
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry max delay must not be below the initial delay")
	}
	if c.Webhooks.MaxAttempts < 1 {
		return fmt.Errorf("webhook max attempts must be at least 1")
	}
	if c.Checkout.TTL <= 0 {
		return fmt.Errorf("checkout TTL must be positive")
	}

	if _, err := cron.ParseStandard(c.Sweeper.Schedule); err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", c.Sweeper.Schedule, err)
	}
	if c.Sweeper.BatchSize < 1 || c.Sweeper.Workers < 1 {
		return fmt.Errorf("sweeper batch size and workers must be at least 1")
	}
	if c.Sweeper.ProcessingLease <= c.Sweeper.ItemTimeout {
		return fmt.Errorf("sweeper processing lease must exceed the item timeout")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if c.Observability.OTelSampleRatio < 0 || c.Observability.OTelSampleRatio > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
