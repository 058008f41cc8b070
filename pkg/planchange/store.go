package planchange

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/subledger/pkg/store"
)

// ChangeStore persists subscription_changes rows. Transitions out of
// scheduled and processing are conditional updates, so concurrent workers
// observe zero affected rows instead of double-applying a change.
type ChangeStore struct {
	store *store.Store
	now   func() time.Time
}

// NewChangeStore creates a ChangeStore
func NewChangeStore(s *store.Store) *ChangeStore {
	return &ChangeStore{store: s, now: time.Now}
}

const changeColumns = `id, subscription_id, change_type, from_price_id, to_price_id, proration_credit,
	proration_charge, net_amount, currency, status, scheduled_for, completed_at, error_message, created_at`

func scanChange(row interface{ Scan(...interface{}) error }) (*Change, error) {
	var c Change
	var scheduledFor, completedAt sql.NullTime
	var errMsg sql.NullString
	err := row.Scan(
		&c.ID, &c.SubscriptionID, &c.ChangeType, &c.FromPriceID, &c.ToPriceID, &c.ProrationCredit,
		&c.ProrationCharge, &c.NetAmount, &c.Currency, &c.Status, &scheduledFor, &completedAt, &errMsg, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if scheduledFor.Valid {
		c.ScheduledFor = &scheduledFor.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	if errMsg.Valid {
		c.ErrorMessage = &errMsg.String
	}
	return &c, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// Insert writes a new change, assigning its id
func (s *ChangeStore) Insert(ctx context.Context, c *Change) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	err := s.store.Do(ctx, "insert_subscription_change", func(ctx context.Context) error {
		_, err := s.store.DB().ExecContext(ctx, `
			INSERT INTO subscription_changes (id, subscription_id, change_type, from_price_id, to_price_id,
				proration_credit, proration_charge, net_amount, currency, status, scheduled_for, completed_at,
				created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
			ON CONFLICT (id) DO NOTHING`,
			c.ID, c.SubscriptionID, string(c.ChangeType), c.FromPriceID, c.ToPriceID,
			c.ProrationCredit, c.ProrationCharge, c.NetAmount, c.Currency, string(c.Status),
			nullTime(c.ScheduledFor), nullTime(c.CompletedAt), c.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert subscription change: %w", err)
	}
	return nil
}

// ListDue returns up to limit scheduled changes due at now, earliest first
func (s *ChangeStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Change, error) {
	var changes []*Change
	err := s.store.Do(ctx, "list_due_changes", func(ctx context.Context) error {
		changes = nil
		rows, err := s.store.DB().QueryContext(ctx, `
			SELECT `+changeColumns+`
			FROM subscription_changes
			WHERE status = 'scheduled' AND scheduled_for <= $1
			ORDER BY scheduled_for ASC, id ASC
			LIMIT $2`,
			now, limit,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanChange(rows)
			if err != nil {
				return err
			}
			changes = append(changes, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list due changes: %w", err)
	}
	return changes, nil
}

// ListBySubscription returns the change history of a subscription, newest first
func (s *ChangeStore) ListBySubscription(ctx context.Context, subscriptionID string) ([]*Change, error) {
	var changes []*Change
	err := s.store.Do(ctx, "list_subscription_changes", func(ctx context.Context) error {
		changes = nil
		rows, err := s.store.DB().QueryContext(ctx, `
			SELECT `+changeColumns+`
			FROM subscription_changes
			WHERE subscription_id = $1
			ORDER BY created_at DESC`,
			subscriptionID,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanChange(rows)
			if err != nil {
				return err
			}
			changes = append(changes, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription changes: %w", err)
	}
	return changes, nil
}

// Claim moves a scheduled change to processing. False means another worker
// claimed it first.
func (s *ChangeStore) Claim(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, "claim_subscription_change", id, `
		UPDATE subscription_changes SET status = 'processing', updated_at = $2
		WHERE id = $1 AND status = 'scheduled'`,
		id, s.now().UTC(),
	)
}

// Complete moves a processing change to completed
func (s *ChangeStore) Complete(ctx context.Context, id string) error {
	_, err := s.transition(ctx, "complete_subscription_change", id, `
		UPDATE subscription_changes SET status = 'completed', completed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'processing'`,
		id, s.now().UTC(),
	)
	return err
}

// Fail moves a processing change to failed with the cause. Failed changes
// are not retried.
func (s *ChangeStore) Fail(ctx context.Context, id string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.transition(ctx, "fail_subscription_change", id, `
		UPDATE subscription_changes SET status = 'failed', error_message = $2, updated_at = $3
		WHERE id = $1 AND status = 'processing'`,
		id, msg, s.now().UTC(),
	)
	return err
}

// ListStale returns up to limit processing changes whose claim is older than
// cutoff, oldest first. A worker that died mid-change leaves such a row.
func (s *ChangeStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Change, error) {
	var changes []*Change
	err := s.store.Do(ctx, "list_stale_changes", func(ctx context.Context) error {
		changes = nil
		rows, err := s.store.DB().QueryContext(ctx, `
			SELECT `+changeColumns+`
			FROM subscription_changes
			WHERE status = 'processing' AND updated_at < $1
			ORDER BY updated_at ASC, id ASC
			LIMIT $2`,
			cutoff, limit,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanChange(rows)
			if err != nil {
				return err
			}
			changes = append(changes, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stale changes: %w", err)
	}
	return changes, nil
}

// CompleteStale completes a processing change whose claim is older than
// cutoff. False means the row moved on or its claim was renewed.
func (s *ChangeStore) CompleteStale(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	return s.transition(ctx, "complete_stale_subscription_change", id, `
		UPDATE subscription_changes SET status = 'completed', completed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'processing' AND updated_at < $3`,
		id, s.now().UTC(), cutoff,
	)
}

// FailStale fails a processing change whose claim is older than cutoff
func (s *ChangeStore) FailStale(ctx context.Context, id string, cutoff time.Time, cause error) (bool, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return s.transition(ctx, "fail_stale_subscription_change", id, `
		UPDATE subscription_changes SET status = 'failed', error_message = $2, updated_at = $3
		WHERE id = $1 AND status = 'processing' AND updated_at < $4`,
		id, msg, s.now().UTC(), cutoff,
	)
}

// Supersede fails every still scheduled change of a subscription
func (s *ChangeStore) Supersede(ctx context.Context, subscriptionID, reason string) (int64, error) {
	var affected int64
	err := s.store.Do(ctx, "supersede_subscription_changes", func(ctx context.Context) error {
		res, err := s.store.DB().ExecContext(ctx, `
			UPDATE subscription_changes SET status = 'failed', error_message = $2, updated_at = $3
			WHERE subscription_id = $1 AND status = 'scheduled'`,
			subscriptionID, reason, s.now().UTC(),
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to supersede scheduled changes: %w", err)
	}
	return affected, nil
}

func (s *ChangeStore) transition(ctx context.Context, op, id, query string, args ...interface{}) (bool, error) {
	var affected int64
	err := s.store.Do(ctx, op, func(ctx context.Context) error {
		res, err := s.store.DB().ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to update subscription change %s: %w", id, err)
	}
	return affected == 1, nil
}
