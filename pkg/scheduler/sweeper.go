package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/subledger/pkg/async"
	"github.com/platinummonkey/subledger/pkg/compensation"
	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/planchange"
)

// Changes is the scheduled change queue
type Changes interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*planchange.Change, error)
	Claim(ctx context.Context, id string) (bool, error)
	Fail(ctx context.Context, id string, cause error) error
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*planchange.Change, error)
	CompleteStale(ctx context.Context, id string, cutoff time.Time) (bool, error)
	FailStale(ctx context.Context, id string, cutoff time.Time, cause error) (bool, error)
}

// Executor applies a claimed change and marks it completed
type Executor interface {
	ExecuteScheduled(ctx context.Context, change *planchange.Change) error
	ScheduledApplied(ctx context.Context, change *planchange.Change) (bool, error)
}

var errLeaseExpired = errors.New("processing lease expired before the change finished")

// Reporter escalates failed changes for manual reconciliation
type Reporter interface {
	Report(ctx context.Context, item compensation.Item)
}

// Config controls the sweep cadence and batch shape
type Config struct {
	Schedule        string        `json:"schedule" yaml:"schedule"`
	BatchSize       int           `json:"batch_size" yaml:"batch_size"`
	Workers         int           `json:"workers" yaml:"workers"`
	ItemTimeout     time.Duration `json:"item_timeout" yaml:"item_timeout"`
	// ProcessingLease is how long a claimed change may stay processing
	// before a sweeper settles it
	ProcessingLease time.Duration `json:"processing_lease" yaml:"processing_lease"`
}

// DefaultConfig sweeps hourly, 100 changes per tick, four at a time
func DefaultConfig() Config {
	return Config{
		Schedule:        "@hourly",
		BatchSize:       100,
		Workers:         4,
		ItemTimeout:     2 * time.Minute,
		ProcessingLease: 30 * time.Minute,
	}
}

// TickResult counts what one tick did
type TickResult struct {
	Due        int
	Skipped    int
	Completed  int
	Failed     int
	Unrecorded int
	// Aborted changes were never run because the tick was canceled
	Aborted    int
	Reclaimed  int
	Stalled    int
}

// Sweeper executes due scheduled plan changes. Any number of sweepers may run
// against the same database; the conditional claim on each row decides which
// one executes it.
type Sweeper struct {
	changes  Changes
	executor Executor
	reporter Reporter
	config   Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	cron     *cron.Cron
}

// NewSweeper creates a Sweeper
func NewSweeper(changes Changes, executor Executor, reporter Reporter, config Config, logger *observability.Logger, metrics *observability.Metrics) *Sweeper {
	defaults := DefaultConfig()
	if config.Schedule == "" {
		config.Schedule = defaults.Schedule
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.ItemTimeout <= 0 {
		config.ItemTimeout = defaults.ItemTimeout
	}
	if config.ProcessingLease <= config.ItemTimeout {
		config.ProcessingLease = max(defaults.ProcessingLease, 2*config.ItemTimeout)
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Sweeper{
		changes:  changes,
		executor: executor,
		reporter: reporter,
		config:   config,
		logger:   logger.WithField("component", "sweeper"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Tick runs one sweep: list due changes, claim each, execute the claimed ones
func (s *Sweeper) Tick(ctx context.Context) (result TickResult, err error) {
	ctx, span := observability.StartSpan(ctx, observability.Tracer("scheduler"), "scheduler.Tick", nil)
	defer func() { observability.EndSpan(span, err) }()

	start := s.now()
	defer func() {
		if s.metrics != nil {
			s.metrics.SweeperTickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	result.Reclaimed, result.Stalled = s.reap(ctx, start.UTC())

	due, err := s.changes.ListDue(ctx, start.UTC(), s.config.BatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list due changes: %w", err)
	}
	result.Due = len(due)
	if s.metrics != nil {
		s.metrics.SweeperDueChanges.Set(float64(len(due)))
	}
	if len(due) == 0 {
		return result, nil
	}

	var skipped, completed, failed, unrecorded atomic.Int64
	errs := async.Batch(ctx, due, s.config.Workers, "scheduled change", s.config.ItemTimeout, func(ctx context.Context, change *planchange.Change) error {
		switch s.process(ctx, change) {
		case outcomeSkipped:
			skipped.Add(1)
		case outcomeCompleted:
			completed.Add(1)
		case outcomeFailed:
			failed.Add(1)
		case outcomeUnrecorded:
			unrecorded.Add(1)
		}
		return nil
	})
	for _, err := range errs {
		s.logger.WithError(err).Warn("Scheduled change not processed")
		s.record(outcomeAborted)
	}

	result.Skipped = int(skipped.Load())
	result.Completed = int(completed.Load())
	result.Failed = int(failed.Load())
	result.Unrecorded = int(unrecorded.Load())
	result.Aborted = len(errs)
	s.logger.WithFields(map[string]interface{}{
		"due":        result.Due,
		"skipped":    result.Skipped,
		"completed":  result.Completed,
		"failed":     result.Failed,
		"unrecorded": result.Unrecorded,
		"aborted":    result.Aborted,
		"reclaimed":  result.Reclaimed,
		"stalled":    result.Stalled,
	}).Info("Sweep finished")
	return result, nil
}

type outcome string

const (
	outcomeSkipped    outcome = "skipped"
	outcomeCompleted  outcome = "completed"
	outcomeFailed     outcome = "failed"
	outcomeUnrecorded outcome = "unrecorded"
	outcomeAborted    outcome = "aborted"
	outcomeReclaimed  outcome = "reclaimed"
	outcomeStalled    outcome = "stalled"
)

func (s *Sweeper) process(ctx context.Context, change *planchange.Change) (out outcome) {
	logger := s.logger.WithFields(map[string]interface{}{
		"change_id":       change.ID,
		"subscription_id": change.SubscriptionID,
	})
	defer func() { s.record(out) }()

	claimed, err := s.changes.Claim(ctx, change.ID)
	if err != nil {
		logger.WithError(err).Warn("Failed to claim scheduled change")
		return outcomeSkipped
	}
	if !claimed {
		logger.Debug("Scheduled change claimed elsewhere")
		return outcomeSkipped
	}

	out = outcomeFailed
	defer observability.RecoverPanicWithCallback(logger, "scheduled change", func(err error) {
		s.fail(ctx, logger, change, err)
	})

	if err := s.executor.ExecuteScheduled(ctx, change); err != nil {
		if errors.Is(err, planchange.ErrChangeUnrecorded) {
			s.unrecorded(ctx, logger, change, err)
			return outcomeUnrecorded
		}
		s.fail(ctx, logger, change, err)
		return outcomeFailed
	}
	logger.Info("Scheduled change completed")
	return outcomeCompleted
}

// fail records the failure on the row and queues the change for manual
// reconciliation. Failed changes are not retried.
func (s *Sweeper) fail(ctx context.Context, logger *observability.Logger, change *planchange.Change, cause error) {
	logger.WithError(cause).Error("Scheduled change failed")
	ctx = context.WithoutCancel(ctx)
	if err := s.changes.Fail(ctx, change.ID, cause); err != nil {
		logger.WithError(err).Error("Failed to mark scheduled change failed")
	}
	s.report(ctx, compensation.NewItem(compensation.ItemScheduledChangeFailed, change.ID, compensation.PriorityHigh, cause, map[string]any{
		"subscription_id": change.SubscriptionID,
		"from_price_id":   change.FromPriceID,
		"to_price_id":     change.ToPriceID,
	}))
}

// unrecorded escalates a change that was applied but is still processing.
// The row is left for reap to complete once its lease expires.
func (s *Sweeper) unrecorded(ctx context.Context, logger *observability.Logger, change *planchange.Change, cause error) {
	logger.WithError(cause).Error("Scheduled change applied but not recorded")
	s.report(context.WithoutCancel(ctx), compensation.NewItem(compensation.ItemChangeUnrecorded, change.ID, compensation.PriorityHigh, cause, map[string]any{
		"subscription_id": change.SubscriptionID,
		"from_price_id":   change.FromPriceID,
		"to_price_id":     change.ToPriceID,
	}))
}

// reap settles processing changes whose claim is older than the lease. A
// change whose subscription already sits on the target price is completed;
// any other is failed and escalated as critical, since the processor may
// have moved without the local row.
func (s *Sweeper) reap(ctx context.Context, now time.Time) (reclaimed, stalled int) {
	cutoff := now.Add(-s.config.ProcessingLease)
	stale, err := s.changes.ListStale(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to list stale scheduled changes")
		return 0, 0
	}

	for _, change := range stale {
		logger := s.logger.WithFields(map[string]interface{}{
			"change_id":       change.ID,
			"subscription_id": change.SubscriptionID,
		})
		applied, err := s.executor.ScheduledApplied(ctx, change)
		if err != nil {
			logger.WithError(err).Warn("Failed to inspect stale scheduled change")
			continue
		}

		if applied {
			ok, err := s.changes.CompleteStale(ctx, change.ID, cutoff)
			if err != nil {
				logger.WithError(err).Warn("Failed to complete stale scheduled change")
				continue
			}
			if ok {
				logger.Warn("Stale scheduled change was applied; recorded as completed")
				s.record(outcomeReclaimed)
				reclaimed++
			}
			continue
		}

		ok, err := s.changes.FailStale(ctx, change.ID, cutoff, errLeaseExpired)
		if err != nil {
			logger.WithError(err).Warn("Failed to fail stale scheduled change")
			continue
		}
		if !ok {
			continue
		}
		logger.Error("Stale scheduled change failed")
		s.record(outcomeStalled)
		stalled++
		s.report(ctx, compensation.NewItem(compensation.ItemChangeStalled, change.ID, compensation.PriorityCritical, errLeaseExpired, map[string]any{
			"subscription_id": change.SubscriptionID,
			"from_price_id":   change.FromPriceID,
			"to_price_id":     change.ToPriceID,
		}))
	}
	return reclaimed, stalled
}

func (s *Sweeper) report(ctx context.Context, item compensation.Item) {
	if s.reporter != nil {
		s.reporter.Report(ctx, item)
	}
}

func (s *Sweeper) record(out outcome) {
	if s.metrics != nil {
		s.metrics.SweeperClaimsTotal.WithLabelValues(string(out)).Inc()
	}
}

// Start schedules Tick on the configured cron spec
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(s.config.Schedule, func() {
		defer observability.RecoverPanic(s.logger, "sweeper tick")
		if _, err := s.Tick(ctx); err != nil {
			s.logger.WithError(err).Error("Sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", s.config.Schedule, err)
	}
	s.cron = c
	c.Start()
	s.logger.WithField("schedule", s.config.Schedule).Info("Sweeper started")
	return nil
}

// Stop stops the cron trigger and waits for a running tick to finish
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
