package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/processor"
	"github.com/platinummonkey/subledger/pkg/store"
)

// Status is the ledger state of a received event
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// LedgerConfig bounds redelivery handling
type LedgerConfig struct {
	// MaxAttempts is the number of times one event may be applied before
	// a failure is escalated instead of retried.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// ProcessingLease is how long a pending row blocks redeliveries. A
	// pending row older than this belongs to a crashed worker and may be
	// reclaimed.
	ProcessingLease time.Duration `json:"processing_lease" yaml:"processing_lease"`
}

// DefaultLedgerConfig returns the default ledger configuration
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		MaxAttempts:     5,
		ProcessingLease: 5 * time.Minute,
	}
}

// Claim is the outcome of recording an event
type Claim struct {
	// IsNew is false when the event was already applied or is being applied
	// by another worker. The caller must skip all processing.
	IsNew bool
	// Attempt counts applications of this event, starting at 1
	Attempt int
	// Recorded is false when the row could not be written and the event is
	// processed without a ledger entry
	Recorded bool
}

// Ledger is the durable idempotency record of inbound processor events
type Ledger struct {
	store  *store.Store
	config LedgerConfig
	logger *observability.Logger
	now    func() time.Time
}

// NewLedger creates a ledger on the webhook_events table
func NewLedger(s *store.Store, config LedgerConfig, logger *observability.Logger) *Ledger {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultLedgerConfig().MaxAttempts
	}
	if config.ProcessingLease <= 0 {
		config.ProcessingLease = DefaultLedgerConfig().ProcessingLease
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Ledger{
		store:  s,
		config: config,
		logger: logger.WithField("component", "webhook_ledger"),
		now:    time.Now,
	}
}

// MaxAttempts returns the configured attempt budget
func (l *Ledger) MaxAttempts() int {
	return l.config.MaxAttempts
}

// recordQuery inserts the event or reclaims a failed row with budget left or
// a pending row whose lease expired. Any other conflict returns no row.
const recordQuery = `
	INSERT INTO webhook_events (event_id, type, livemode, status, payload, archive_key, received_at, updated_at)
	VALUES ($1, $2, $3, 'pending', $4, $5, $6, $6)
	ON CONFLICT (event_id) DO UPDATE
	SET status = 'pending', retry_count = webhook_events.retry_count + 1, error_message = NULL,
	    archive_key = COALESCE(webhook_events.archive_key, EXCLUDED.archive_key), updated_at = $6
	WHERE (webhook_events.status = 'failed' AND webhook_events.retry_count < $7)
	   OR (webhook_events.status = 'pending' AND webhook_events.updated_at < $8)
	RETURNING retry_count
`

// RecordAndCheck writes the event row before any processing. A second
// arrival of an applied or in-flight event id yields IsNew false.
//
// When the write itself fails the ledger falls back to a read of the
// existing row: a processed or in-flight event is still reported as a
// duplicate, anything else is processed unrecorded. Only when neither the
// write nor the read succeed is an error returned.
func (l *Ledger) RecordAndCheck(ctx context.Context, evt *processor.Event, archiveKey string) (Claim, error) {
	now := l.now().UTC()
	var payload interface{}
	if len(evt.Raw) > 0 && archiveKey == "" {
		payload = evt.Raw
	}
	var key interface{}
	if archiveKey != "" {
		key = archiveKey
	}

	var retries int
	err := l.store.Do(ctx, "record_webhook_event", func(ctx context.Context) error {
		return l.store.DB().QueryRowContext(ctx, recordQuery,
			evt.ID, string(evt.Type), evt.Livemode, payload, key, now,
			l.config.MaxAttempts-1, now.Add(-l.config.ProcessingLease),
		).Scan(&retries)
	})
	switch {
	case err == nil:
		return Claim{IsNew: true, Attempt: retries + 1, Recorded: true}, nil
	case store.IsNotFound(err):
		return Claim{IsNew: false}, nil
	}

	logger := l.logger.WithEvent(evt.ID, string(evt.Type)).WithError(err)
	logger.Warn("Failed to record webhook event, checking existing row")

	status, lookupErr := l.status(ctx, evt.ID)
	switch {
	case lookupErr == nil && status == StatusFailed:
		return Claim{IsNew: true, Attempt: 1}, nil
	case lookupErr == nil:
		return Claim{IsNew: false}, nil
	case errors.Is(lookupErr, errEventNotFound):
		logger.Warn("Processing webhook event without ledger entry")
		return Claim{IsNew: true, Attempt: 1}, nil
	}
	return Claim{}, fmt.Errorf("failed to record webhook event %s: %w", evt.ID, errors.Join(err, lookupErr))
}

var errEventNotFound = errors.New("webhook event not found")

func (l *Ledger) status(ctx context.Context, eventID string) (Status, error) {
	var status Status
	err := l.store.Do(ctx, "get_webhook_event", func(ctx context.Context) error {
		return l.store.DB().QueryRowContext(ctx,
			`SELECT status FROM webhook_events WHERE event_id = $1`, eventID,
		).Scan(&status)
	})
	if store.IsNotFound(err) {
		return "", errEventNotFound
	}
	return status, err
}

// MarkProcessed moves a pending event to processed
func (l *Ledger) MarkProcessed(ctx context.Context, eventID string) error {
	err := l.store.Do(ctx, "mark_webhook_processed", func(ctx context.Context) error {
		now := l.now().UTC()
		_, err := l.store.DB().ExecContext(ctx, `
			UPDATE webhook_events
			SET status = 'processed', processed_at = $2, error_message = NULL, updated_at = $2
			WHERE event_id = $1 AND status = 'pending'`,
			eventID, now,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mark webhook event %s processed: %w", eventID, err)
	}
	return nil
}

// MarkFailed moves a pending event to failed with the cause
func (l *Ledger) MarkFailed(ctx context.Context, eventID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	err := l.store.Do(ctx, "mark_webhook_failed", func(ctx context.Context) error {
		_, err := l.store.DB().ExecContext(ctx, `
			UPDATE webhook_events
			SET status = 'failed', error_message = $2, updated_at = $3
			WHERE event_id = $1 AND status = 'pending'`,
			eventID, msg, l.now().UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mark webhook event %s failed: %w", eventID, err)
	}
	return nil
}
