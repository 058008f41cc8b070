package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/platinummonkey/subledger/pkg/observability"
)

// RetryConfig configures retry behavior for datastore operations
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryPolicy implements exponential backoff retry logic
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a new retry policy, filling zero values with defaults
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	defaults := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}

	return &RetryPolicy{
		config: config,
	}
}

// MaxAttempts returns the total number of attempts allowed
func (p *RetryPolicy) MaxAttempts() int {
	return p.config.MaxAttempts
}

// ShouldRetry determines if an operation should be attempted again
func (p *RetryPolicy) ShouldRetry(attempts int, err error) bool {
	if err == nil {
		return false
	}
	if attempts >= p.config.MaxAttempts {
		return false
	}
	return Classify(err).Retryable()
}

// NextRetryDelay calculates the delay before the next attempt
func (p *RetryPolicy) NextRetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.config.InitialDelay
	}

	// delay = initialDelay * (multiplier ^ (attempts - 1))
	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempts-1))

	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}

	return time.Duration(delay)
}

// Store wraps a database handle with classified retries, advisory locks and
// atomic procedure calls
type Store struct {
	db      *sql.DB
	policy  *RetryPolicy
	locker  Locker
	logger  *observability.Logger
	metrics *observability.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Store
type Option func(*Store)

// WithLocker overrides the default Postgres advisory locker
func WithLocker(locker Locker) Option {
	return func(s *Store) {
		s.locker = locker
	}
}

// WithMetrics records retry counts
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Store) {
		s.metrics = metrics
	}
}

// WithSleep replaces the backoff sleep, used by tests
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Store) {
		s.sleep = sleep
	}
}

// New creates a Store over db
func New(db *sql.DB, config RetryConfig, logger *observability.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	s := &Store{
		db:     db,
		policy: NewRetryPolicy(config),
		logger: logger.WithField("component", "store"),
		sleep:  sleepContext,
	}
	s.locker = NewPostgresLocker(db)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// Locker returns the configured advisory locker
func (s *Store) Locker() Locker {
	return s.locker
}

// Do runs fn, retrying classified-retryable failures with exponential backoff.
// Non-retryable failures are returned immediately.
func (s *Store) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	attempts := 0
	for {
		attempts++
		err = fn(ctx)
		if err == nil {
			return nil
		}

		kind := Classify(err)
		if !s.policy.ShouldRetry(attempts, err) {
			return &Error{Op: op, Kind: kind, Attempts: attempts, Err: err}
		}

		delay := s.policy.NextRetryDelay(attempts)
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"op":      op,
			"kind":    kind.String(),
			"attempt": attempts,
			"delay":   delay.String(),
		}).Warn("Retrying datastore operation")
		if s.metrics != nil {
			s.metrics.StoreRetriesTotal.WithLabelValues(op, kind.String()).Inc()
		}

		if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
			return &Error{Op: op, Kind: Classify(sleepErr), Attempts: attempts, Err: err}
		}
	}
}

// InTx runs fn inside a transaction, retrying the whole transaction on
// retryable failures
func (s *Store) InTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return s.Do(ctx, op, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				s.logger.WithError(rbErr).WithField("op", op).Error("Failed to rollback transaction")
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
