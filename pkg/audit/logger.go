package audit

import (
	"context"
)

// Logger is the interface for billing audit logging. Audit writes are side
// records: callers log their failures and carry on.
type Logger interface {
	// LogRefund records a refund attempt
	LogRefund(ctx context.Context, entry *RefundEntry) error

	// LogEntitlementSync records an entitlement applied from the processor
	LogEntitlementSync(ctx context.Context, entry *EntitlementSyncEntry) error

	// Close closes the logger and flushes any buffered entries
	Close() error
}

// contextKey is the type for context keys
type contextKey string

// AuditLoggerKey is the context key for the audit logger
const AuditLoggerKey contextKey = "audit_logger"

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, AuditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(AuditLoggerKey).(Logger); ok {
		return logger
	}
	return NopLogger()
}

// NopLogger returns a logger that discards every entry
func NopLogger() Logger {
	return &noOpLogger{}
}

type noOpLogger struct{}

func (l *noOpLogger) LogRefund(ctx context.Context, entry *RefundEntry) error {
	return nil
}

func (l *noOpLogger) LogEntitlementSync(ctx context.Context, entry *EntitlementSyncEntry) error {
	return nil
}

func (l *noOpLogger) Close() error {
	return nil
}
