package audit

import (
	"context"

	"github.com/platinummonkey/subledger/pkg/observability"
)

// LogLogger writes audit entries to the structured application log
type LogLogger struct {
	logger *observability.Logger
}

// NewLogLogger creates an audit logger backed by the application logger
func NewLogLogger(logger *observability.Logger) *LogLogger {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &LogLogger{logger: logger.WithField("component", "audit")}
}

// LogRefund logs a refund attempt
func (l *LogLogger) LogRefund(ctx context.Context, entry *RefundEntry) error {
	fields := map[string]interface{}{
		"event_type":  string(EventTypeRefund),
		"payment_ref": entry.PaymentRef,
		"reason":      entry.Reason,
		"status":      string(entry.Status),
	}
	if entry.RefundRef != nil {
		fields["refund_ref"] = *entry.RefundRef
	}
	if entry.Amount != nil {
		fields["amount"] = *entry.Amount
	}

	log := l.logger.WithFields(fields)
	if entry.Status == EventStatusFailure {
		log.WithField("error", entry.ErrorMessage).Error("Refund attempt failed")
		return nil
	}
	log.Info("Refund issued")
	return nil
}

// LogEntitlementSync logs an entitlement sync
func (l *LogLogger) LogEntitlementSync(ctx context.Context, entry *EntitlementSyncEntry) error {
	fields := map[string]interface{}{
		"event_type": string(EventTypeEntitlementSync),
		"event_id":   entry.EventID,
		"action":     string(entry.Action),
		"status":     string(entry.Status),
	}
	if entry.EntitlementRef != nil {
		fields["entitlement_ref"] = *entry.EntitlementRef
	}
	if entry.ErrorMessage != "" {
		fields["error"] = entry.ErrorMessage
	}
	l.logger.WithFields(fields).Info("Entitlement sync recorded")
	return nil
}

// Close is a no-op
func (l *LogLogger) Close() error {
	return nil
}
