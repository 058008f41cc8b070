package subsync

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/subledger/pkg/audit"
	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/compensation"
	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/processor"
	"github.com/platinummonkey/subledger/pkg/webhooks"
)

// Repository is the local state the synchronizer reads and mutates
type Repository interface {
	GetSubscriptionByProcessorRef(ctx context.Context, ref string) (*billing.Subscription, error)
	LatestLiveSubscription(ctx context.Context, customerID string) (*billing.Subscription, error)
	SyncSubscription(ctx context.Context, id string, in billing.SubscriptionSync) (bool, error)
	SetSubscriptionStatus(ctx context.Context, id string, status billing.SubscriptionStatus, eventAt time.Time) (bool, error)
	CancelSubscription(ctx context.Context, id string, status billing.SubscriptionStatus, at time.Time) (int64, error)
	CreateUsagePeriod(ctx context.Context, subscriptionID string, start, end time.Time) (int64, error)

	GetCustomer(ctx context.Context, id string) (*billing.Customer, error)
	GetCustomerByProcessorRef(ctx context.Context, ref string) (*billing.Customer, error)
	GetFeatureByProcessorRef(ctx context.Context, ref string) (*billing.Feature, error)
	GetAccountByOrganization(ctx context.Context, organizationID string) (*billing.ProcessorAccount, error)
	UpdateAccountCapabilities(ctx context.Context, ref string, charges, payouts, details bool) (bool, error)

	ListLiveGrantsForCustomer(ctx context.Context, customerID string) ([]*billing.FeatureGrant, error)
	UpsertGrant(ctx context.Context, grant billing.FeatureGrant) (bool, error)
	RevokeGrantByEntitlementRef(ctx context.Context, ref string, at time.Time) (bool, error)
	RevokeCustomerFeature(ctx context.Context, customerID, featureID string, at time.Time) (int64, error)
}

// EntitlementLister reads a customer's active entitlements from the processor
type EntitlementLister interface {
	ListActiveEntitlements(ctx context.Context, account, customerRef string) ([]processor.Entitlement, error)
}

// Reporter records failures in the reconciliation queue without failing
type Reporter interface {
	Report(ctx context.Context, item compensation.Item)
}

// CheckoutCompleter finalizes a paid checkout into a subscription and closes
// one whose delayed payment failed. Its failures propagate so the payment is
// compensated and the event retried.
type CheckoutCompleter interface {
	Complete(ctx context.Context, account string, payload *processor.CheckoutPayload) error
	Fail(ctx context.Context, account string, payload *processor.CheckoutPayload) error
}

// Synchronizer maps processor lifecycle events onto local subscription and
// grant rows
type Synchronizer struct {
	repo         Repository
	entitlements EntitlementLister
	checkout     CheckoutCompleter
	reporter     Reporter
	audit        audit.Logger
	logger       *observability.Logger
	now          func() time.Time
}

// Option configures a Synchronizer
type Option func(*Synchronizer)

// WithCheckout handles checkout completion events
func WithCheckout(c CheckoutCompleter) Option {
	return func(s *Synchronizer) {
		s.checkout = c
	}
}

// WithReporter escalates swallowed handler failures
func WithReporter(r Reporter) Option {
	return func(s *Synchronizer) {
		s.reporter = r
	}
}

// WithAudit records entitlement sync outcomes
func WithAudit(l audit.Logger) Option {
	return func(s *Synchronizer) {
		s.audit = l
	}
}

// New creates a Synchronizer
func New(repo Repository, entitlements EntitlementLister, logger *observability.Logger, opts ...Option) *Synchronizer {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	s := &Synchronizer{
		repo:         repo,
		entitlements: entitlements,
		audit:        audit.NopLogger(),
		logger:       logger.WithField("component", "subsync"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds every handler to the dispatcher. Checkout handlers are the
// only ones whose errors reach the dispatcher.
func (s *Synchronizer) Register(d *webhooks.Dispatcher) {
	d.Register(processor.EventSubscriptionCreated, s.bestEffort(s.handleSubscriptionChanged))
	d.Register(processor.EventSubscriptionUpdated, s.bestEffort(s.handleSubscriptionChanged))
	d.Register(processor.EventSubscriptionDeleted, s.bestEffort(s.handleSubscriptionDeleted))
	d.Register(processor.EventInvoicePaid, s.bestEffort(s.handleInvoicePaid))
	d.Register(processor.EventInvoicePaymentFailed, s.bestEffort(s.handleInvoicePaymentFailed))
	d.Register(processor.EventEntitlementCreated, s.bestEffort(s.handleEntitlementGranted))
	d.Register(processor.EventEntitlementUpdated, s.bestEffort(s.handleEntitlementGranted))
	d.Register(processor.EventEntitlementDeleted, s.bestEffort(s.handleEntitlementRevoked))
	d.Register(processor.EventEntitlementSummaryUpdated, s.bestEffort(s.handleEntitlementSummary))
	d.Register(processor.EventAccountUpdated, s.bestEffort(s.handleAccountUpdated))
	if s.checkout != nil {
		d.Register(processor.EventCheckoutCompleted, s.handleCheckoutCompleted)
		d.Register(processor.EventCheckoutPaymentSucceeded, s.handleCheckoutCompleted)
		d.Register(processor.EventCheckoutPaymentFailed, s.handleCheckoutPaymentFailed)
	}
}

// bestEffort catches handler failures at the boundary: they are logged and
// queued for reconciliation, and the event is acknowledged
func (s *Synchronizer) bestEffort(h webhooks.HandlerFunc) webhooks.HandlerFunc {
	return func(ctx context.Context, evt *processor.Event) error {
		err := h(ctx, evt)
		if err == nil {
			return nil
		}

		s.logger.WithEvent(evt.ID, string(evt.Type)).WithError(err).Error("Event sync failed")
		if s.reporter != nil {
			s.reporter.Report(ctx, compensation.NewItem(compensation.ItemSyncFailed, evt.ID, compensation.PriorityNormal, err,
				map[string]any{
					"event_type":  string(evt.Type),
					"account_ref": evt.AccountRef,
				}))
		}
		return nil
	}
}

func (s *Synchronizer) handleCheckoutCompleted(ctx context.Context, evt *processor.Event) error {
	payload, ok := evt.Payload.(*processor.CheckoutPayload)
	if !ok {
		return unexpectedPayload(evt)
	}
	return s.checkout.Complete(ctx, evt.AccountRef, payload)
}

func (s *Synchronizer) handleCheckoutPaymentFailed(ctx context.Context, evt *processor.Event) error {
	payload, ok := evt.Payload.(*processor.CheckoutPayload)
	if !ok {
		return unexpectedPayload(evt)
	}
	return s.checkout.Fail(ctx, evt.AccountRef, payload)
}

func (s *Synchronizer) handleAccountUpdated(ctx context.Context, evt *processor.Event) error {
	payload, ok := evt.Payload.(*processor.AccountPayload)
	if !ok {
		return unexpectedPayload(evt)
	}

	ref := payload.Ref
	if ref == "" {
		ref = evt.AccountRef
	}
	found, err := s.repo.UpdateAccountCapabilities(ctx, ref, payload.ChargesEnabled, payload.PayoutsEnabled, payload.DetailsSubmitted)
	if err != nil {
		return err
	}
	if !found {
		s.logger.WithEvent(evt.ID, string(evt.Type)).WithField("account_ref", ref).Info("Ignoring update for unknown account")
	}
	return nil
}

func unexpectedPayload(evt *processor.Event) error {
	return fmt.Errorf("unexpected payload %T for event %s of type %s", evt.Payload, evt.ID, evt.Type)
}
