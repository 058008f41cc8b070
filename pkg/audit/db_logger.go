package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DBLogger implements audit logging to the refund_audit_log and
// entitlement_sync_events tables
type DBLogger struct {
	db  *sql.DB
	now func() time.Time
}

// NewDBLogger creates a new database-based audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{db: db, now: time.Now}, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// LogRefund inserts a refund_audit_log row
func (l *DBLogger) LogRefund(ctx context.Context, entry *RefundEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}

	query := `
		INSERT INTO refund_audit_log (
			id, payment_ref, refund_ref, amount, reason, status, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := l.db.ExecContext(ctx, query,
		uuid.NewString(), entry.PaymentRef, entry.RefundRef, entry.Amount, entry.Reason,
		string(entry.Status), nullString(entry.ErrorMessage), entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert refund audit entry: %w", err)
	}
	return nil
}

// LogEntitlementSync inserts an entitlement_sync_events row
func (l *DBLogger) LogEntitlementSync(ctx context.Context, entry *EntitlementSyncEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}

	query := `
		INSERT INTO entitlement_sync_events (
			id, event_id, customer_id, feature_id, entitlement_ref, action, status, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := l.db.ExecContext(ctx, query,
		uuid.NewString(), entry.EventID, entry.CustomerID, entry.FeatureID, entry.EntitlementRef,
		string(entry.Action), string(entry.Status), nullString(entry.ErrorMessage), entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert entitlement sync entry: %w", err)
	}
	return nil
}

// Close is a no-op; the database handle is owned by the caller
func (l *DBLogger) Close() error {
	return nil
}
