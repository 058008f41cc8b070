package compensation

import (
	"context"
	"fmt"

	"github.com/platinummonkey/subledger/pkg/audit"
	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/processor"
)

// Refunder issues processor refunds
type Refunder interface {
	CreateRefund(ctx context.Context, account string, req processor.RefundRequest) (*processor.Refund, error)
}

// Enqueuer appends reconciliation items
type Enqueuer interface {
	Enqueue(ctx context.Context, item Item) (string, error)
}

// RefundResult is the outcome of a compensating refund
type RefundResult struct {
	Success   bool
	RefundRef string
	Err       error
}

// RefundService unwinds captured payments whose subscription or
// entitlement could not be persisted
type RefundService struct {
	refunder Refunder
	queue    Enqueuer
	audit    audit.Logger
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewRefundService creates a RefundService
func NewRefundService(refunder Refunder, queue Enqueuer, auditLog audit.Logger, logger *observability.Logger, metrics *observability.Metrics) *RefundService {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if auditLog == nil {
		auditLog = audit.NopLogger()
	}
	return &RefundService{
		refunder: refunder,
		queue:    queue,
		audit:    auditLog,
		logger:   logger.WithField("component", "refunds"),
		metrics:  metrics,
	}
}

// RefundPaymentOnFailure refunds paymentRef, in full when amount is nil.
// Whatever the refund outcome, a reconciliation item is appended: an
// automatic_refund for visibility on success, a critical refund_failed on
// failure. Audit and queue write failures are logged, never returned.
func (s *RefundService) RefundPaymentOnFailure(ctx context.Context, account, paymentRef, reason string, amount *int64) RefundResult {
	log := s.logger.WithFields(map[string]interface{}{
		"payment_ref": paymentRef,
		"reason":      reason,
	})

	refund, err := s.refunder.CreateRefund(ctx, account, processor.RefundRequest{
		PaymentRef:     paymentRef,
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: fmt.Sprintf("refund:%s:%s", paymentRef, reason),
	})

	entry := &audit.RefundEntry{
		PaymentRef: paymentRef,
		Amount:     amount,
		Reason:     reason,
		Status:     audit.StatusFor(err),
	}
	details := map[string]any{
		"payment_ref": paymentRef,
		"reason":      reason,
		"account":     account,
	}
	if amount != nil {
		details["amount"] = *amount
	}

	var result RefundResult
	var item Item
	if err != nil {
		entry.ErrorMessage = err.Error()
		result = RefundResult{Err: fmt.Errorf("failed to refund payment %s: %w", paymentRef, err)}
		item = NewItem(ItemRefundFailed, paymentRef, PriorityCritical, err, details)
		log.WithError(err).Error("Compensating refund failed")
	} else {
		entry.RefundRef = &refund.Ref
		details["refund_ref"] = refund.Ref
		result = RefundResult{Success: true, RefundRef: refund.Ref}
		item = NewItem(ItemAutomaticRefund, paymentRef, PriorityNormal, nil, details)
		log.WithField("refund_ref", refund.Ref).Warn("Compensating refund issued")
	}

	if s.metrics != nil {
		outcome := "succeeded"
		if err != nil {
			outcome = "failed"
		}
		s.metrics.RefundsTotal.WithLabelValues(outcome).Inc()
	}

	if auditErr := s.audit.LogRefund(ctx, entry); auditErr != nil {
		log.WithError(auditErr).Warn("Failed to write refund audit entry")
	}

	if _, queueErr := s.queue.Enqueue(ctx, item); queueErr != nil {
		// last resort: the log line is the only record left
		log.WithError(queueErr).WithFields(map[string]interface{}{
			"item_type": string(item.Type),
			"details":   details,
		}).Error("Failed to enqueue refund reconciliation item")
	}

	return result
}
