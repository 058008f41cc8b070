package subsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/compensation"
	"github.com/platinummonkey/subledger/pkg/processor"
)

// mapStatus translates a processor subscription status
func mapStatus(status string) (billing.SubscriptionStatus, bool) {
	switch status {
	case "active":
		return billing.SubscriptionStatusActive, true
	case "trialing":
		return billing.SubscriptionStatusTrialing, true
	case "past_due", "incomplete", "paused":
		return billing.SubscriptionStatusPastDue, true
	case "unpaid":
		return billing.SubscriptionStatusUnpaid, true
	case "canceled":
		return billing.SubscriptionStatusCanceled, true
	case "incomplete_expired":
		return billing.SubscriptionStatusEnded, true
	}
	return "", false
}

// lookupSubscription returns nil without error for subscriptions that are
// not tracked locally
func (s *Synchronizer) lookupSubscription(ctx context.Context, evt *processor.Event, ref string) (*billing.Subscription, error) {
	if ref == "" {
		return nil, nil
	}
	sub, err := s.repo.GetSubscriptionByProcessorRef(ctx, ref)
	if errors.Is(err, billing.ErrNotFound) {
		s.logger.WithEvent(evt.ID, string(evt.Type)).WithField("subscription_ref", ref).
			Info("Subscription not tracked locally, skipping")
		return nil, nil
	}
	return sub, err
}

func (s *Synchronizer) handleSubscriptionChanged(ctx context.Context, evt *processor.Event) error {
	payload, ok := evt.Payload.(*processor.SubscriptionPayload)
	if !ok {
		return unexpectedPayload(evt)
	}
	sub, err := s.lookupSubscription(ctx, evt, payload.Ref)
	if err != nil || sub == nil {
		return err
	}
	logger := s.logger.WithEvent(evt.ID, string(evt.Type)).WithField("subscription_id", sub.ID)

	status, known := mapStatus(payload.Status)
	if !known {
		logger.WithField("processor_status", payload.Status).Warn("Unknown subscription status, keeping stored status")
		status = sub.Status
	}
	if status == billing.SubscriptionStatusCanceled || status == billing.SubscriptionStatusEnded {
		return s.cancel(ctx, evt, sub, status, payload.CanceledAt)
	}

	applied, err := s.repo.SyncSubscription(ctx, sub.ID, billing.SubscriptionSync{
		Status:             status,
		CurrentPeriodStart: payload.CurrentPeriodStart,
		CurrentPeriodEnd:   payload.CurrentPeriodEnd,
		TrialStart:         payload.TrialStart,
		TrialEnd:           payload.TrialEnd,
		CancelAtPeriodEnd:  payload.CancelAtPeriodEnd,
		CanceledAt:         payload.CanceledAt,
		EventAt:            evt.Created,
	})
	if err != nil {
		return err
	}
	if !applied {
		logger.Info("Ignoring subscription event older than stored state")
		return nil
	}

	// Only a forward move is a renewal; an earlier start is a late event.
	if payload.CurrentPeriodStart.After(sub.CurrentPeriodStart) {
		created, err := s.repo.CreateUsagePeriod(ctx, sub.ID, payload.CurrentPeriodStart, payload.CurrentPeriodEnd)
		if err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{
			"period_start":  payload.CurrentPeriodStart,
			"usage_created": created,
		}).Info("Subscription renewed, usage counters reset")
	}
	return nil
}

func (s *Synchronizer) handleSubscriptionDeleted(ctx context.Context, evt *processor.Event) error {
	payload, ok := evt.Payload.(*processor.SubscriptionPayload)
	if !ok {
		return unexpectedPayload(evt)
	}
	sub, err := s.lookupSubscription(ctx, evt, payload.Ref)
	if err != nil || sub == nil {
		return err
	}
	return s.cancel(ctx, evt, sub, billing.SubscriptionStatusCanceled, payload.CanceledAt)
}

// cancel ends the subscription and revokes all of its live grants in one batch
func (s *Synchronizer) cancel(ctx context.Context, evt *processor.Event, sub *billing.Subscription, status billing.SubscriptionStatus, canceledAt *time.Time) error {
	at := evt.Created
	if canceledAt != nil {
		at = *canceledAt
	}
	revoked, err := s.repo.CancelSubscription(ctx, sub.ID, status, at)
	if err != nil {
		return err
	}
	s.logger.WithEvent(evt.ID, string(evt.Type)).WithFields(map[string]interface{}{
		"subscription_id": sub.ID,
		"status":          string(status),
		"grants_revoked":  revoked,
	}).Info("Subscription canceled")
	return nil
}

func (s *Synchronizer) handleInvoicePaid(ctx context.Context, evt *processor.Event) error {
	payload, ok := evt.Payload.(*processor.InvoicePayload)
	if !ok {
		return unexpectedPayload(evt)
	}
	sub, err := s.lookupSubscription(ctx, evt, payload.SubscriptionRef)
	if err != nil {
		return err
	}
	if sub == nil {
		s.reportUntrackedCharge(ctx, evt, payload)
		return nil
	}
	if !sub.Status.Live() {
		return nil
	}
	// Zero-amount trial invoices do not end the trial.
	if sub.Status == billing.SubscriptionStatusTrialing && payload.AmountPaid == 0 {
		return nil
	}
	return s.setStatus(ctx, evt, sub, billing.SubscriptionStatusActive)
}

// reportUntrackedCharge escalates a payment collected on a subscription this
// service started through checkout but never recorded locally
func (s *Synchronizer) reportUntrackedCharge(ctx context.Context, evt *processor.Event, payload *processor.InvoicePayload) {
	if payload.MetadataID == "" || payload.AmountPaid == 0 {
		return
	}
	s.logger.WithEvent(evt.ID, string(evt.Type)).WithFields(map[string]interface{}{
		"subscription_ref": payload.SubscriptionRef,
		"metadata_id":      payload.MetadataID,
		"amount_paid":      payload.AmountPaid,
	}).Error("Payment collected on untracked subscription")
	if s.reporter == nil {
		return
	}
	s.reporter.Report(ctx, compensation.NewItem(compensation.ItemUntrackedCharge, payload.SubscriptionRef, compensation.PriorityCritical,
		fmt.Errorf("invoice %s paid on subscription with no local record", payload.Ref),
		map[string]any{
			"event_id":    evt.ID,
			"metadata_id": payload.MetadataID,
			"invoice_ref": payload.Ref,
			"payment_ref": payload.PaymentRef,
			"amount_paid": payload.AmountPaid,
			"currency":    payload.Currency,
			"account_ref": evt.AccountRef,
		}))
}

func (s *Synchronizer) handleInvoicePaymentFailed(ctx context.Context, evt *processor.Event) error {
	payload, ok := evt.Payload.(*processor.InvoicePayload)
	if !ok {
		return unexpectedPayload(evt)
	}
	sub, err := s.lookupSubscription(ctx, evt, payload.SubscriptionRef)
	if err != nil || sub == nil {
		return err
	}
	if !sub.Status.Live() {
		return nil
	}
	return s.setStatus(ctx, evt, sub, billing.SubscriptionStatusPastDue)
}

func (s *Synchronizer) setStatus(ctx context.Context, evt *processor.Event, sub *billing.Subscription, status billing.SubscriptionStatus) error {
	applied, err := s.repo.SetSubscriptionStatus(ctx, sub.ID, status, evt.Created)
	if err != nil {
		return err
	}
	logger := s.logger.WithEvent(evt.ID, string(evt.Type)).WithField("subscription_id", sub.ID)
	if !applied {
		logger.Info("Ignoring invoice event older than stored state")
		return nil
	}
	logger.WithField("status", string(status)).Info("Subscription status updated")
	return nil
}
