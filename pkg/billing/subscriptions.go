package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/subledger/pkg/store"
)

const subscriptionColumns = `id, organization_id, customer_id, product_id, price_id, status, amount,
		       currency, current_period_start, current_period_end, trial_start, trial_end,
		       processor_subscription_ref, cancel_at_period_end, canceled_at, last_event_at,
		       created_at, updated_at`

func scanSubscription(row rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	err := row.Scan(
		&sub.ID, &sub.OrganizationID, &sub.CustomerID, &sub.ProductID, &sub.PriceID, &sub.Status,
		&sub.Amount, &sub.Currency, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.TrialStart, &sub.TrialEnd, &sub.ProcessorSubscriptionRef, &sub.CancelAtPeriodEnd,
		&sub.CanceledAt, &sub.LastEventAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *PostgresRepository) getSubscription(ctx context.Context, op, query string, args ...interface{}) (*Subscription, error) {
	var sub *Subscription
	err := r.store.Do(ctx, op, func(ctx context.Context) error {
		var err error
		sub, err = scanSubscription(r.store.DB().QueryRowContext(ctx, query, args...))
		return err
	})
	if err != nil {
		return nil, notFound(err, ErrSubscriptionNotFound)
	}
	return sub, nil
}

// GetSubscription retrieves a subscription by ID
func (r *PostgresRepository) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	sub, err := r.getSubscription(ctx, "get_subscription", query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %s: %w", id, err)
	}
	return sub, nil
}

// GetSubscriptionByProcessorRef retrieves a subscription by processor reference
func (r *PostgresRepository) GetSubscriptionByProcessorRef(ctx context.Context, ref string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE processor_subscription_ref = $1`
	sub, err := r.getSubscription(ctx, "get_subscription_by_ref", query, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by ref %s: %w", ref, err)
	}
	return sub, nil
}

// LatestLiveSubscription returns the most recently created live subscription
// of a customer
func (r *PostgresRepository) LatestLiveSubscription(ctx context.Context, customerID string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE customer_id = $1 AND status IN ('active', 'trialing', 'past_due')
		ORDER BY created_at DESC
		LIMIT 1`
	sub, err := r.getSubscription(ctx, "latest_live_subscription", query, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get live subscription for customer %s: %w", customerID, err)
	}
	return sub, nil
}

// ListLiveSubscriptions lists every active, trialing or past-due subscription
// of a customer
func (r *PostgresRepository) ListLiveSubscriptions(ctx context.Context, customerID string) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE customer_id = $1 AND status IN ('active', 'trialing', 'past_due')
		ORDER BY created_at`

	var subs []*Subscription
	err := r.store.Do(ctx, "list_live_subscriptions", func(ctx context.Context) error {
		subs = subs[:0]
		rows, err := r.store.DB().QueryContext(ctx, query, customerID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			sub, err := scanSubscription(rows)
			if err != nil {
				return err
			}
			subs = append(subs, sub)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// CreateSubscription inserts the subscription, its grants and first usage
// period through the atomic procedure. A replay carrying an already known
// processor reference returns the existing subscription id.
func (r *PostgresRepository) CreateSubscription(ctx context.Context, in NewSubscription) (string, int, error) {
	var id string
	var grants int
	err := r.store.CallAtomic(ctx, store.ProcCreateSubscription, func(row *sql.Row) error {
		return row.Scan(&id, &grants)
	},
		uuid.NewString(), in.OrganizationID, in.CustomerID, in.ProductID, in.PriceID, string(in.Status),
		in.Amount, in.Currency, in.CurrentPeriodStart, in.CurrentPeriodEnd, nullTime(in.TrialEnd),
		nullString(in.ProcessorSubscriptionRef),
	)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create subscription: %w", err)
	}
	return id, grants, nil
}

// SyncSubscription applies processor lifecycle fields. Events older than the
// last applied one are ignored; the return value reports whether the row
// changed.
func (r *PostgresRepository) SyncSubscription(ctx context.Context, id string, in SubscriptionSync) (bool, error) {
	query := `
		UPDATE subscriptions
		SET status = $1, current_period_start = $2, current_period_end = $3, trial_start = $4,
		    trial_end = $5, cancel_at_period_end = $6, canceled_at = $7, last_event_at = $8,
		    updated_at = NOW()
		WHERE id = $9 AND (last_event_at IS NULL OR last_event_at <= $8)
	`
	var affected int64
	err := r.store.Do(ctx, "sync_subscription", func(ctx context.Context) error {
		res, err := r.store.DB().ExecContext(ctx, query,
			string(in.Status), in.CurrentPeriodStart, in.CurrentPeriodEnd, nullTime(in.TrialStart),
			nullTime(in.TrialEnd), in.CancelAtPeriodEnd, nullTime(in.CanceledAt), in.EventAt, id,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to sync subscription %s: %w", id, err)
	}
	return affected > 0, nil
}

// SetSubscriptionStatus sets status unless a newer event was already applied
func (r *PostgresRepository) SetSubscriptionStatus(ctx context.Context, id string, status SubscriptionStatus, eventAt time.Time) (bool, error) {
	query := `
		UPDATE subscriptions SET status = $1, last_event_at = $2, updated_at = NOW()
		WHERE id = $3 AND (last_event_at IS NULL OR last_event_at <= $2)
	`
	var affected int64
	err := r.store.Do(ctx, "set_subscription_status", func(ctx context.Context) error {
		res, err := r.store.DB().ExecContext(ctx, query, string(status), eventAt, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to set subscription status: %w", err)
	}
	return affected > 0, nil
}

// CancelSubscription moves a subscription to status and revokes every live
// grant on it in one batch. It returns the number of revoked grants.
func (r *PostgresRepository) CancelSubscription(ctx context.Context, id string, status SubscriptionStatus, at time.Time) (int64, error) {
	var revoked int64
	err := r.store.InTx(ctx, "cancel_subscription", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE subscriptions
			SET status = $1, canceled_at = COALESCE(canceled_at, $2), last_event_at = GREATEST(COALESCE(last_event_at, $2), $2),
			    updated_at = NOW()
			WHERE id = $3`,
			string(status), at, id,
		)
		if err != nil {
			return err
		}
		revoked, err = revokeGrants(ctx, tx, id, at)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to cancel subscription %s: %w", id, err)
	}
	return revoked, nil
}

func revokeGrants(ctx context.Context, q store.Querier, subscriptionID string, at time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE feature_grants SET revoked_at = $1 WHERE subscription_id = $2 AND revoked_at IS NULL`,
		at, subscriptionID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PriceChange describes a local swap of a subscription onto a new price
type PriceChange struct {
	SubscriptionID           string
	CustomerID               string
	// FromPriceID is the price the change was computed from. The swap only
	// applies while the subscription is still on it.
	FromPriceID              string
	ToPrice                  *Price
	ProcessorSubscriptionRef *string
	// ClearProcessorRef detaches the subscription from the processor, used
	// when moving a paid subscription onto a free price
	ClearProcessorRef        bool
	PeriodStart              time.Time
	PeriodEnd                time.Time
	At                       time.Time
}

// ApplyPriceChange moves the subscription onto the new price, revokes the old
// grants and grants the new product's features with a fresh usage period,
// all in one transaction. A subscription no longer on FromPriceID is left
// untouched and ErrSubscriptionChanged returned.
func (r *PostgresRepository) ApplyPriceChange(ctx context.Context, change PriceChange) error {
	err := r.store.InTx(ctx, "apply_price_change", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE subscriptions
			SET price_id = $1, product_id = $2, amount = $3, currency = $4,
			    processor_subscription_ref = CASE WHEN $7 THEN NULL ELSE COALESCE($5, processor_subscription_ref) END,
			    status = CASE WHEN status = 'trialing' THEN status ELSE 'active' END,
			    updated_at = NOW()
			WHERE id = $6 AND price_id = $8`,
			change.ToPrice.ID, change.ToPrice.ProductID, change.ToPrice.Amount, change.ToPrice.Currency,
			nullString(change.ProcessorSubscriptionRef), change.SubscriptionID, change.ClearProcessorRef,
			change.FromPriceID,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, change.SubscriptionID,
			).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return ErrSubscriptionChanged
			}
			return ErrSubscriptionNotFound
		}

		if _, err := revokeGrants(ctx, tx, change.SubscriptionID, change.At); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO feature_grants (id, customer_id, subscription_id, feature_id, granted_at, properties)
			SELECT gen_random_uuid()::text, $2, $1, pf.feature_id, $4, pf.properties
			FROM product_features pf
			WHERE pf.product_id = $3`,
			change.SubscriptionID, change.CustomerID, change.ToPrice.ProductID, change.At,
		); err != nil {
			return err
		}

		_, err = insertUsagePeriod(ctx, tx, change.SubscriptionID, change.PeriodStart, change.PeriodEnd)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to apply price change: %w", err)
	}
	return nil
}

const usagePeriodInsert = `
	INSERT INTO usage_quotas (id, grant_id, subscription_id, feature_id, period_start, period_end, consumed_units, limit_units)
	SELECT gen_random_uuid()::text, g.id, g.subscription_id, g.feature_id, $2, $3, 0, f.usage_limit
	FROM feature_grants g
	JOIN features f ON f.id = g.feature_id
	WHERE g.subscription_id = $1 AND g.revoked_at IS NULL
	ON CONFLICT (grant_id, period_start) DO NOTHING`

func insertUsagePeriod(ctx context.Context, q store.Querier, subscriptionID string, start, end time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, usagePeriodInsert, subscriptionID, start, end)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateUsagePeriod appends a zeroed usage row for every live grant of the
// subscription. Existing rows, including earlier periods, are left untouched.
func (r *PostgresRepository) CreateUsagePeriod(ctx context.Context, subscriptionID string, start, end time.Time) (int64, error) {
	var created int64
	err := r.store.Do(ctx, "create_usage_period", func(ctx context.Context) error {
		var err error
		created, err = insertUsagePeriod(ctx, r.store.DB(), subscriptionID, start, end)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create usage period: %w", err)
	}
	return created, nil
}

const grantColumns = `id, customer_id, subscription_id, feature_id, granted_at, revoked_at, properties,
		       processor_entitlement_ref, sync_status`

func scanGrant(row rowScanner) (*FeatureGrant, error) {
	g := &FeatureGrant{}
	var props []byte
	if err := row.Scan(
		&g.ID, &g.CustomerID, &g.SubscriptionID, &g.FeatureID, &g.GrantedAt, &g.RevokedAt,
		&props, &g.ProcessorEntitlementRef, &g.SyncStatus,
	); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(props, &g.Properties); err != nil {
		return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
	}
	return g, nil
}

// ListLiveGrantsForCustomer lists every unrevoked grant of a customer
func (r *PostgresRepository) ListLiveGrantsForCustomer(ctx context.Context, customerID string) ([]*FeatureGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM feature_grants
		WHERE customer_id = $1 AND revoked_at IS NULL
		ORDER BY granted_at`

	var grants []*FeatureGrant
	err := r.store.Do(ctx, "list_live_grants", func(ctx context.Context) error {
		grants = grants[:0]
		rows, err := r.store.DB().QueryContext(ctx, query, customerID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			g, err := scanGrant(rows)
			if err != nil {
				return err
			}
			grants = append(grants, g)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	return grants, nil
}

// UpsertGrant creates the live grant for (subscription, feature) or refreshes
// the existing one. It reports whether a new row was inserted.
func (r *PostgresRepository) UpsertGrant(ctx context.Context, grant FeatureGrant) (bool, error) {
	props, err := marshalJSON(grant.Properties)
	if err != nil {
		return false, fmt.Errorf("failed to marshal properties: %w", err)
	}
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	if grant.SyncStatus == "" {
		grant.SyncStatus = SyncStatusSynced
	}

	query := `
		INSERT INTO feature_grants (id, customer_id, subscription_id, feature_id, granted_at, properties,
		                            processor_entitlement_ref, sync_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (subscription_id, feature_id) WHERE revoked_at IS NULL DO UPDATE
		SET properties = feature_grants.properties || EXCLUDED.properties,
		    processor_entitlement_ref = COALESCE(EXCLUDED.processor_entitlement_ref, feature_grants.processor_entitlement_ref),
		    sync_status = EXCLUDED.sync_status
		RETURNING (xmax = 0)
	`
	var inserted bool
	err = r.store.Do(ctx, "upsert_grant", func(ctx context.Context) error {
		return r.store.DB().QueryRowContext(ctx, query,
			grant.ID, grant.CustomerID, grant.SubscriptionID, grant.FeatureID, grant.GrantedAt, props,
			nullString(grant.ProcessorEntitlementRef), string(grant.SyncStatus),
		).Scan(&inserted)
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert grant: %w", err)
	}
	return inserted, nil
}

// RevokeGrantByEntitlementRef revokes the live grant linked to a processor
// entitlement. It returns false when no live grant matches.
func (r *PostgresRepository) RevokeGrantByEntitlementRef(ctx context.Context, ref string, at time.Time) (bool, error) {
	query := `
		UPDATE feature_grants SET revoked_at = $1
		WHERE processor_entitlement_ref = $2 AND revoked_at IS NULL
	`
	var affected int64
	err := r.store.Do(ctx, "revoke_grant_by_ref", func(ctx context.Context) error {
		res, err := r.store.DB().ExecContext(ctx, query, at, ref)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to revoke grant: %w", err)
	}
	return affected > 0, nil
}

// RevokeCustomerFeature revokes every live grant of a feature for a customer
func (r *PostgresRepository) RevokeCustomerFeature(ctx context.Context, customerID, featureID string, at time.Time) (int64, error) {
	query := `
		UPDATE feature_grants SET revoked_at = $1
		WHERE customer_id = $2 AND feature_id = $3 AND revoked_at IS NULL
	`
	var affected int64
	err := r.store.Do(ctx, "revoke_customer_feature", func(ctx context.Context) error {
		res, err := r.store.DB().ExecContext(ctx, query, at, customerID, featureID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to revoke feature: %w", err)
	}
	return affected, nil
}
