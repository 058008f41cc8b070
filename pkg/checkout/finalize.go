package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/compensation"
	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/processor"
)

const refundReason = "checkout_fulfillment_failed"

// Ledger is the local state a completed checkout writes to
type Ledger interface {
	GetCustomer(ctx context.Context, id string) (*billing.Customer, error)
	SetCustomerProcessorRef(ctx context.Context, id, ref string) error
	CreateSubscription(ctx context.Context, in billing.NewSubscription) (string, int, error)
}

// CustomerUpserter creates or updates customers under the customer lock
type CustomerUpserter interface {
	Upsert(ctx context.Context, req *billing.UpsertCustomerRequest) (*billing.Customer, bool, error)
}

// Subscriptions reads processor subscriptions and cancels the ones a failed
// checkout leaves behind
type Subscriptions interface {
	RetrieveSubscription(ctx context.Context, account, subscriptionRef string) (*processor.Subscription, error)
	CancelSubscription(ctx context.Context, account, subscriptionRef string) error
}

// Refunder unwinds captured payments
type Refunder interface {
	RefundPaymentOnFailure(ctx context.Context, account, paymentRef, reason string, amount *int64) compensation.RefundResult
}

// Reporter escalates failures nothing can be refunded for
type Reporter interface {
	Report(ctx context.Context, item compensation.Item)
}

// Finalizer turns a completed processor checkout into a local subscription.
// It is the primary creation path: its failures are compensated and
// returned so the webhook is redelivered.
type Finalizer struct {
	store         MetadataStore
	ledger        Ledger
	customers     CustomerUpserter
	subscriptions Subscriptions
	refunds       Refunder
	reporter      Reporter
	logger        *observability.Logger
	metrics       *observability.Metrics
}

// NewFinalizer creates a Finalizer
func NewFinalizer(metadata MetadataStore, ledger Ledger, customers CustomerUpserter, subscriptions Subscriptions, refunds Refunder, reporter Reporter, logger *observability.Logger, metrics *observability.Metrics) *Finalizer {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Finalizer{
		store:         metadata,
		ledger:        ledger,
		customers:     customers,
		subscriptions: subscriptions,
		refunds:       refunds,
		reporter:      reporter,
		logger:        logger.WithField("component", "checkout_finalizer"),
		metrics:       metrics,
	}
}

// Complete fulfils the checkout named by the session's metadata id.
// Redeliveries and concurrent deliveries fulfil it once.
func (f *Finalizer) Complete(ctx context.Context, account string, payload *processor.CheckoutPayload) error {
	logger := f.logger.WithFields(map[string]interface{}{
		"session_ref": payload.Ref,
		"metadata_id": payload.MetadataID,
	})
	if payload.MetadataID == "" {
		logger.Info("Checkout session not created by this service, skipping")
		return nil
	}

	m, err := f.store.Claim(ctx, payload.MetadataID)
	switch {
	case errors.Is(err, ErrAlreadyClaimed):
		logger.Info("Checkout already finalized or in progress, skipping")
		return nil
	case errors.Is(err, ErrCheckoutNotFound):
		// Funds were captured against metadata we never wrote.
		logger.Error("Checkout metadata missing for completed session")
		f.compensate(ctx, account, payload, payload.MetadataID, ErrCheckoutNotFound)
		return nil
	case err != nil:
		return err
	}

	if payload.PaymentStatus != "paid" && payload.PaymentStatus != "no_payment_required" {
		logger.WithField("payment_status", payload.PaymentStatus).Info("Checkout payment not settled, releasing claim")
		return f.store.UpdateStatus(ctx, m.ID, StatusPending, nil)
	}

	subscriptionID, err := f.fulfil(ctx, account, m, payload)
	if err != nil {
		logger.WithError(err).Error("Checkout fulfillment failed, compensating")
		f.compensate(ctx, account, payload, m.ID, err)
		if uerr := f.store.UpdateStatus(ctx, m.ID, StatusFailed, nil); uerr != nil {
			logger.WithError(uerr).Warn("Failed to mark checkout metadata failed")
		}
		f.record(StatusFailed)
		return billing.NewError(billing.KindCompensated, "checkout fulfillment failed", err)
	}

	if err := f.store.UpdateStatus(ctx, m.ID, StatusCompleted, &subscriptionID); err != nil {
		// The subscription exists; a reclaim after the lease replays the
		// idempotent create and retries this write.
		logger.WithError(err).Warn("Failed to mark checkout metadata completed")
	}
	f.record(StatusCompleted)
	logger.WithField("subscription_id", subscriptionID).Info("Checkout completed")
	return nil
}

func (f *Finalizer) fulfil(ctx context.Context, account string, m *Metadata, payload *processor.CheckoutPayload) (string, error) {
	if payload.SubscriptionRef == "" {
		return "", errors.New("completed checkout carries no subscription")
	}

	customer, err := f.customer(ctx, m)
	if err != nil {
		return "", err
	}
	if payload.CustomerRef != "" && (customer.ProcessorCustomerRef == nil || *customer.ProcessorCustomerRef != payload.CustomerRef) {
		if err := f.ledger.SetCustomerProcessorRef(ctx, customer.ID, payload.CustomerRef); err != nil {
			return "", err
		}
	}

	sub, err := f.subscriptions.RetrieveSubscription(ctx, account, payload.SubscriptionRef)
	if err != nil {
		return "", fmt.Errorf("failed to read processor subscription: %w", err)
	}
	status := billing.SubscriptionStatusActive
	if sub.Status == "trialing" {
		status = billing.SubscriptionStatusTrialing
	}

	ref := payload.SubscriptionRef
	id, grants, err := f.ledger.CreateSubscription(ctx, billing.NewSubscription{
		OrganizationID:           m.OrganizationID,
		CustomerID:               customer.ID,
		ProductID:                m.ProductID,
		PriceID:                  m.PriceID,
		Status:                   status,
		Amount:                   m.Amount,
		Currency:                 m.Currency,
		CurrentPeriodStart:       sub.CurrentPeriodStart,
		CurrentPeriodEnd:         sub.CurrentPeriodEnd,
		TrialEnd:                 sub.TrialEnd,
		ProcessorSubscriptionRef: &ref,
	})
	if err != nil {
		return "", err
	}
	f.logger.WithFields(map[string]interface{}{
		"subscription_id": id,
		"customer_id":     customer.ID,
		"grants":          grants,
	}).Info("Subscription created from checkout")
	return id, nil
}

func (f *Finalizer) customer(ctx context.Context, m *Metadata) (*billing.Customer, error) {
	if m.CustomerID != nil {
		return f.ledger.GetCustomer(ctx, *m.CustomerID)
	}
	customer, _, err := f.customers.Upsert(ctx, &billing.UpsertCustomerRequest{
		OrganizationID: m.OrganizationID,
		ExternalID:     m.ExternalCustomerID,
		Email:          m.Email,
		Name:           m.Name,
	})
	return customer, err
}

// Fail closes a checkout whose delayed payment was declined. Nothing was
// captured, so the processor subscription is canceled and the metadata
// marked failed.
func (f *Finalizer) Fail(ctx context.Context, account string, payload *processor.CheckoutPayload) error {
	logger := f.logger.WithFields(map[string]interface{}{
		"session_ref": payload.Ref,
		"metadata_id": payload.MetadataID,
	})
	if payload.MetadataID == "" {
		logger.Info("Checkout session not created by this service, skipping")
		return nil
	}

	m, err := f.store.Claim(ctx, payload.MetadataID)
	switch {
	case errors.Is(err, ErrAlreadyClaimed), errors.Is(err, ErrCheckoutNotFound):
		logger.Info("Checkout not awaiting payment, skipping")
		return nil
	case err != nil:
		return err
	}

	f.cancelSubscription(ctx, account, payload, m.ID, errors.New("delayed checkout payment failed"))
	if err := f.store.UpdateStatus(ctx, m.ID, StatusFailed, nil); err != nil {
		return err
	}
	f.record(StatusFailed)
	logger.Warn("Checkout payment failed")
	return nil
}

// compensate refunds the captured payment, or escalates when nothing was
// captured that could be refunded, and cancels the processor subscription so
// it stops renewing
func (f *Finalizer) compensate(ctx context.Context, account string, payload *processor.CheckoutPayload, metadataID string, cause error) {
	defer f.cancelSubscription(ctx, account, payload, metadataID, cause)

	if payload.PaymentRef != "" {
		result := f.refunds.RefundPaymentOnFailure(ctx, account, payload.PaymentRef, refundReason, nil)
		f.logger.WithFields(map[string]interface{}{
			"metadata_id": metadataID,
			"payment_ref": payload.PaymentRef,
			"refunded":    result.Success,
		}).Warn("Checkout payment compensated")
		return
	}
	f.report(ctx, compensation.NewItem(compensation.ItemSyncFailed, metadataID, compensation.PriorityHigh, cause, map[string]any{
		"session_ref":      payload.Ref,
		"subscription_ref": payload.SubscriptionRef,
		"account_ref":      account,
	}))
}

// cancelSubscription cancels the processor subscription of a checkout that
// produced no local subscription. A failed cancel keeps billing the
// customer and is escalated as critical.
func (f *Finalizer) cancelSubscription(ctx context.Context, account string, payload *processor.CheckoutPayload, metadataID string, cause error) {
	if payload.SubscriptionRef == "" {
		return
	}
	logger := f.logger.WithFields(map[string]interface{}{
		"metadata_id":      metadataID,
		"subscription_ref": payload.SubscriptionRef,
	})
	err := f.subscriptions.CancelSubscription(ctx, account, payload.SubscriptionRef)
	if err == nil {
		logger.Warn("Processor subscription canceled")
		return
	}

	logger.WithError(err).Error("Failed to cancel processor subscription")
	f.report(ctx, compensation.NewItem(compensation.ItemCompensationFailed, payload.SubscriptionRef, compensation.PriorityCritical, err, map[string]any{
		"action":      "cancel_subscription",
		"metadata_id": metadataID,
		"session_ref": payload.Ref,
		"account_ref": account,
		"cause":       cause.Error(),
	}))
}

func (f *Finalizer) report(ctx context.Context, item compensation.Item) {
	if f.reporter != nil {
		f.reporter.Report(ctx, item)
	}
}

func (f *Finalizer) record(status Status) {
	if f.metrics != nil {
		f.metrics.CheckoutsTotal.WithLabelValues(string(status)).Inc()
	}
}
