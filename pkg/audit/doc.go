// Package audit records the billing side effects that must stay traceable
// after the fact: every refund attempt and every entitlement applied from a
// processor event.
//
// # Overview
//
// DBLogger appends to refund_audit_log and entitlement_sync_events.
// LogLogger mirrors entries into the structured application log.
// MultiLogger fans an entry out to several loggers and joins their errors.
//
// Audit writes never gate the action they describe. Callers log a failed
// write and continue.
//
// # Usage Example
//
//	auditLog := audit.NewMultiLogger(dbLogger, audit.NewLogLogger(logger))
//
//	_ = auditLog.LogRefund(ctx, &audit.RefundEntry{
//		PaymentRef: "pi_123",
//		Reason:     "subscription_write_failed",
//		Status:     audit.EventStatusSuccess,
//	})
//
// # Related Packages
//
//   - pkg/compensation: refund attempts
//   - pkg/subsync: entitlement sync events
package audit
