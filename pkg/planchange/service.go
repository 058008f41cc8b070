package planchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/compensation"
	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/processor"
)

const supersededReason = "superseded by a later plan change"

// ErrChangeUnrecorded marks a scheduled change that moved the subscription but
// could not be marked completed
var ErrChangeUnrecorded = errors.New("scheduled change applied but not recorded")

// Repository is the local subscription state a plan change reads and writes
type Repository interface {
	GetSubscription(ctx context.Context, id string) (*billing.Subscription, error)
	GetCustomer(ctx context.Context, id string) (*billing.Customer, error)
	GetAccountByOrganization(ctx context.Context, organizationID string) (*billing.ProcessorAccount, error)
	ListLiveSubscriptions(ctx context.Context, customerID string) ([]*billing.Subscription, error)
	ApplyPriceChange(ctx context.Context, change billing.PriceChange) error
	CancelSubscription(ctx context.Context, id string, status billing.SubscriptionStatus, at time.Time) (int64, error)
}

// Prices loads the current and target price of a change
type Prices interface {
	PricePair(ctx context.Context, currentID, targetID string) (*billing.Price, *billing.Price, error)
}

// Changes records plan changes
type Changes interface {
	Insert(ctx context.Context, c *Change) error
	Complete(ctx context.Context, id string) error
	Supersede(ctx context.Context, subscriptionID, reason string) (int64, error)
	ListBySubscription(ctx context.Context, subscriptionID string) ([]*Change, error)
}

// Processor is the processor surface plan changes use
type Processor interface {
	CreateSubscription(ctx context.Context, account string, req processor.CreateSubscriptionRequest) (*processor.Subscription, error)
	UpdateSubscriptionPrice(ctx context.Context, account string, req processor.UpdatePriceRequest) (*processor.Subscription, error)
	CancelSubscription(ctx context.Context, account, subscriptionRef string) error
	RetrieveUpcomingInvoice(ctx context.Context, account string, req processor.UpcomingInvoiceRequest) (*processor.UpcomingInvoice, error)
}

// Reporter escalates failures to the reconciliation queue
type Reporter interface {
	Report(ctx context.Context, item compensation.Item)
}

// Service previews and applies plan changes
type Service struct {
	repo      Repository
	prices    Prices
	changes   Changes
	processor Processor
	reporter  Reporter
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewService creates a plan change Service
func NewService(repo Repository, prices Prices, changes Changes, proc Processor, reporter Reporter, logger *observability.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Service{
		repo:      repo,
		prices:    prices,
		changes:   changes,
		processor: proc,
		reporter:  reporter,
		logger:    logger.WithField("component", "planchange"),
		metrics:   metrics,
		now:       time.Now,
	}
}

// quote is a validated preview with the rows it was computed from
type quote struct {
	preview *Preview
	sub     *billing.Subscription
	current *billing.Price
	target  *billing.Price
	account string
}

// Preview quotes a change without side effects
func (s *Service) Preview(ctx context.Context, req Request) (*Preview, error) {
	q, err := s.quote(ctx, req)
	if err != nil {
		return nil, err
	}
	return q.preview, nil
}

func (s *Service) quote(ctx context.Context, req Request) (*quote, error) {
	if req.SubscriptionID == "" || req.TargetPriceID == "" {
		return nil, billing.Validation("subscription and target price are required")
	}
	if req.Timing != "" && req.Timing != TimingImmediate && req.Timing != TimingPeriodEnd {
		return nil, billing.Validation(fmt.Sprintf("unknown timing %q", req.Timing))
	}

	sub, err := s.repo.GetSubscription(ctx, req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if req.OrganizationID != "" && sub.OrganizationID != req.OrganizationID {
		return nil, billing.ErrSubscriptionNotFound
	}
	if !sub.Status.Live() {
		return nil, ErrNotLive
	}
	if req.TargetPriceID == sub.PriceID {
		return nil, ErrSamePlan
	}

	current, target, err := s.prices.PricePair(ctx, sub.PriceID, req.TargetPriceID)
	if errors.Is(err, billing.ErrNotFound) {
		return nil, billing.NewError(billing.KindValidation, "price does not exist", err)
	}
	if err != nil {
		return nil, err
	}
	if err := validatePair(sub, current, target); err != nil {
		return nil, err
	}

	changeType := Classify(current.Amount, target.Amount)
	timing := req.Timing
	if timing == "" {
		timing = TimingImmediate
		if changeType == ChangeDowngrade {
			timing = TimingPeriodEnd
		}
	}

	now := s.now().UTC()
	p := &Preview{
		SubscriptionID: sub.ID,
		FromPriceID:    current.ID,
		ToPriceID:      target.ID,
		ChangeType:     changeType,
		Timing:         timing,
		Currency:       current.Currency,
		CurrentAmount:  current.Amount,
		TargetAmount:   target.Amount,
		QuotedAt:       now,
	}
	q := &quote{preview: p, sub: sub, current: current, target: target}

	q.account, err = s.account(ctx, sub.OrganizationID)
	if err != nil {
		return nil, err
	}

	if timing == TimingPeriodEnd {
		p.EffectiveAt = sub.CurrentPeriodEnd
		p.Source = SourceNone
		return q, nil
	}
	p.EffectiveAt = now

	if sub.HasProcessorRef() && target.ProcessorPriceRef != nil {
		inv, err := s.processor.RetrieveUpcomingInvoice(ctx, q.account, processor.UpcomingInvoiceRequest{
			SubscriptionRef: *sub.ProcessorSubscriptionRef,
			PriceRef:        *target.ProcessorPriceRef,
			ProrationDate:   now,
		})
		if err != nil {
			return nil, billing.NewError(billing.KindTransient, "failed to quote the plan change", err)
		}
		p.Source = SourceProcessor
		p.ProrationCredit = inv.ProrationCredit()
		p.ProrationCharge = inv.ProrationCharge()
		p.ImmediatePayment = max(inv.AmountDue, 0)
		return q, nil
	}

	pr := LocalProration(current.Amount, target.Amount, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
	p.Source = SourceLocal
	p.ProrationCredit = pr.UnusedCredit
	p.ProrationCharge = pr.NewCharge
	p.ImmediatePayment = pr.ImmediatePayment
	return q, nil
}

func validatePair(sub *billing.Subscription, current, target *billing.Price) error {
	switch {
	case target.ID == current.ID:
		return ErrSamePlan
	case target.OrganizationID != sub.OrganizationID:
		return ErrCrossTenant
	case !strings.EqualFold(target.Currency, current.Currency):
		return ErrCurrencyMismatch
	case target.Interval != current.Interval || intervalCount(target) != intervalCount(current):
		return ErrIntervalMismatch
	case !target.Active:
		return billing.Validation("target price is not available")
	case target.Paid() && target.ProcessorPriceRef == nil:
		return billing.Validation("target price is not published to the payment processor")
	}
	return nil
}

func intervalCount(p *billing.Price) int {
	if p.IntervalCount <= 0 {
		return 1
	}
	return p.IntervalCount
}

// account resolves the tenant's connected account, the platform account
// when it has none
func (s *Service) account(ctx context.Context, organizationID string) (string, error) {
	acct, err := s.repo.GetAccountByOrganization(ctx, organizationID)
	if errors.Is(err, billing.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return acct.AccountRef, nil
}

// ChangePlan re-validates the quote and applies it now or schedules it for
// the end of the period
func (s *Service) ChangePlan(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := observability.StartSpan(ctx, observability.Tracer("planchange"), "planchange.ChangePlan", map[string]string{
		"subscription_id": req.SubscriptionID,
		"target_price_id": req.TargetPriceID,
	})
	defer func() { observability.EndSpan(span, err) }()

	q, err := s.quote(ctx, req)
	if err != nil {
		return nil, err
	}
	p := q.preview
	if req.ConfirmedAmount != nil && *req.ConfirmedAmount != p.ImmediatePayment {
		return nil, ErrAmountMismatch
	}

	logger := s.logger.WithFields(map[string]interface{}{
		"subscription_id": q.sub.ID,
		"from_price_id":   p.FromPriceID,
		"to_price_id":     p.ToPriceID,
		"change_type":     string(p.ChangeType),
		"timing":          string(p.Timing),
	})

	change := &Change{
		SubscriptionID:  q.sub.ID,
		ChangeType:      p.ChangeType,
		FromPriceID:     p.FromPriceID,
		ToPriceID:       p.ToPriceID,
		ProrationCredit: p.ProrationCredit,
		ProrationCharge: p.ProrationCharge,
		NetAmount:       p.ImmediatePayment,
		Currency:        p.Currency,
	}

	if p.Timing == TimingPeriodEnd {
		scheduledFor := q.sub.CurrentPeriodEnd
		change.Status = StatusScheduled
		change.ScheduledFor = &scheduledFor
		change.NetAmount = 0
		if _, err := s.changes.Supersede(ctx, q.sub.ID, supersededReason); err != nil {
			return nil, err
		}
		if err := s.changes.Insert(ctx, change); err != nil {
			s.record(p, "failed")
			return nil, err
		}
		s.record(p, "scheduled")
		logger.WithField("scheduled_for", scheduledFor).Info("Plan change scheduled")
		return &Result{Change: change, Preview: p}, nil
	}

	if err := s.apply(ctx, q.sub, q.current, q.target, q.account, p.QuotedAt); err != nil {
		s.record(p, "failed")
		logger.WithError(err).Error("Plan change failed")
		return nil, err
	}

	if _, err := s.changes.Supersede(ctx, q.sub.ID, supersededReason); err != nil {
		logger.WithError(err).Warn("Failed to supersede scheduled plan changes")
	}
	completedAt := s.now().UTC()
	change.Status = StatusCompleted
	change.CompletedAt = &completedAt
	if err := s.changes.Insert(ctx, change); err != nil {
		// The subscription already moved; only the history row is missing.
		logger.WithError(err).Error("Failed to record completed plan change")
	}
	if s.metrics != nil && p.ImmediatePayment > 0 {
		s.metrics.ProrationAmountsSum.WithLabelValues(strings.ToLower(p.Currency)).Add(float64(p.ImmediatePayment))
	}
	s.record(p, "completed")

	if q.target.Paid() {
		s.cleanupDuplicates(ctx, q.sub)
	}
	logger.Info("Plan change applied")
	return &Result{Change: change, Preview: p}, nil
}

// History returns the changes of a subscription owned by the organization,
// newest first
func (s *Service) History(ctx context.Context, organizationID, subscriptionID string) ([]*Change, error) {
	sub, err := s.repo.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.OrganizationID != organizationID {
		return nil, billing.ErrSubscriptionNotFound
	}
	return s.changes.ListBySubscription(ctx, subscriptionID)
}

// ExecuteScheduled applies a claimed scheduled change without proration
func (s *Service) ExecuteScheduled(ctx context.Context, change *Change) (err error) {
	ctx, span := observability.StartSpan(ctx, observability.Tracer("planchange"), "planchange.ExecuteScheduled", map[string]string{
		"change_id":       change.ID,
		"subscription_id": change.SubscriptionID,
	})
	defer func() { observability.EndSpan(span, err) }()

	sub, err := s.repo.GetSubscription(ctx, change.SubscriptionID)
	if err != nil {
		return err
	}
	if !sub.Status.Live() {
		return fmt.Errorf("subscription %s is %s", sub.ID, sub.Status)
	}
	if sub.PriceID != change.FromPriceID {
		return fmt.Errorf("subscription %s moved to price %s after the change was scheduled", sub.ID, sub.PriceID)
	}

	current, target, err := s.prices.PricePair(ctx, change.FromPriceID, change.ToPriceID)
	if err != nil {
		return err
	}
	account, err := s.account(ctx, sub.OrganizationID)
	if err != nil {
		return err
	}
	if err := s.apply(ctx, sub, current, target, account, time.Time{}); err != nil {
		return err
	}
	// The subscription has moved; an expired item deadline must not lose the record.
	if err := s.changes.Complete(context.WithoutCancel(ctx), change.ID); err != nil {
		return fmt.Errorf("%w: %w", ErrChangeUnrecorded, err)
	}
	return nil
}

// ScheduledApplied reports whether the subscription already sits on the
// change's target price
func (s *Service) ScheduledApplied(ctx context.Context, change *Change) (bool, error) {
	sub, err := s.repo.GetSubscription(ctx, change.SubscriptionID)
	if err != nil {
		return false, err
	}
	return sub.PriceID == change.ToPriceID, nil
}

// apply moves the processor subscription first and the local row second.
// A local failure after a processor mutation is compensated.
// A zero prorationDate disables proration.
func (s *Service) apply(ctx context.Context, sub *billing.Subscription, current, target *billing.Price, account string, prorationDate time.Time) error {
	now := s.now().UTC()
	change := billing.PriceChange{
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		FromPriceID:    current.ID,
		ToPrice:        target,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		At:             now,
	}

	var undo func(ctx context.Context) error
	var undoAction string

	switch {
	case !sub.HasProcessorRef() && target.Paid():
		customer, err := s.repo.GetCustomer(ctx, sub.CustomerID)
		if err != nil {
			return err
		}
		if customer.ProcessorCustomerRef == nil {
			return billing.Validation("customer has no payment method on file")
		}
		created, err := s.processor.CreateSubscription(ctx, account, processor.CreateSubscriptionRequest{
			CustomerRef:    *customer.ProcessorCustomerRef,
			PriceRef:       *target.ProcessorPriceRef,
			Metadata:       map[string]string{"subscription_id": sub.ID},
			IdempotencyKey: fmt.Sprintf("plan-change-%s-%s-%d", sub.ID, target.ID, sub.UpdatedAt.Unix()),
		})
		if err != nil {
			return billing.NewError(billing.KindTransient, "payment processor rejected the plan change", err)
		}
		change.ProcessorSubscriptionRef = &created.Ref
		change.PeriodStart, change.PeriodEnd = created.CurrentPeriodStart, created.CurrentPeriodEnd
		undoAction = "cancel"
		undo = func(ctx context.Context) error {
			return s.processor.CancelSubscription(ctx, account, created.Ref)
		}

	case sub.HasProcessorRef() && target.ProcessorPriceRef != nil:
		ref := *sub.ProcessorSubscriptionRef
		updated, err := s.processor.UpdateSubscriptionPrice(ctx, account, processor.UpdatePriceRequest{
			SubscriptionRef: ref,
			PriceRef:        *target.ProcessorPriceRef,
			ProrationDate:   prorationDate,
			Prorate:         !prorationDate.IsZero(),
		})
		if err != nil {
			return billing.NewError(billing.KindTransient, "payment processor rejected the plan change", err)
		}
		change.PeriodStart, change.PeriodEnd = updated.CurrentPeriodStart, updated.CurrentPeriodEnd
		if current.ProcessorPriceRef != nil {
			undoAction = "revert"
			undo = func(ctx context.Context) error {
				_, err := s.processor.UpdateSubscriptionPrice(ctx, account, processor.UpdatePriceRequest{
					SubscriptionRef: ref,
					PriceRef:        *current.ProcessorPriceRef,
				})
				return err
			}
		} else {
			undoAction = "cancel"
			undo = func(ctx context.Context) error {
				return s.processor.CancelSubscription(ctx, account, ref)
			}
		}

	case sub.HasProcessorRef():
		// Paid to free: detach locally, then stop processor billing.
		change.ClearProcessorRef = true
		if err := s.repo.ApplyPriceChange(ctx, change); err != nil {
			return err
		}
		ref := *sub.ProcessorSubscriptionRef
		if err := s.processor.CancelSubscription(ctx, account, ref); err != nil {
			s.logger.WithError(err).WithField("subscription_ref", ref).Error("Failed to cancel processor subscription after move to free price")
			s.report(ctx, compensation.NewItem(compensation.ItemCompensationFailed, sub.ID, compensation.PriorityCritical, err, map[string]any{
				"action":           "cancel",
				"subscription_ref": ref,
				"to_price_id":      target.ID,
			}))
		}
		return nil
	}

	err := s.repo.ApplyPriceChange(ctx, change)
	if err == nil {
		return nil
	}
	if undo == nil {
		return err
	}
	s.compensate(ctx, sub, undoAction, undo, err)
	return billing.NewError(billing.KindCompensated, "plan change could not be saved and was rolled back", err)
}

// compensate unwinds a processor mutation. A failed unwind leaves the
// processor billing for a change that does not exist locally and is
// escalated as critical.
func (s *Service) compensate(ctx context.Context, sub *billing.Subscription, action string, undo func(ctx context.Context) error, cause error) {
	logger := s.logger.WithFields(map[string]interface{}{
		"subscription_id": sub.ID,
		"action":          action,
	})
	ctx = context.WithoutCancel(ctx)
	if err := undo(ctx); err != nil {
		logger.WithError(err).Error("Plan change compensation failed")
		s.recordRollback(action, "failed")
		s.report(ctx, compensation.NewItem(compensation.ItemCompensationFailed, sub.ID, compensation.PriorityCritical,
			errors.Join(cause, err), map[string]any{"action": action}))
		return
	}
	logger.WithError(cause).Warn("Plan change rolled back at processor")
	s.recordRollback(action, "succeeded")
}

// cleanupDuplicates cancels the customer's other free subscriptions once a
// paid one is in place. Other paid subscriptions are escalated for review.
func (s *Service) cleanupDuplicates(ctx context.Context, keep *billing.Subscription) {
	subs, err := s.repo.ListLiveSubscriptions(ctx, keep.CustomerID)
	if err != nil {
		s.logger.WithError(err).WithField("customer_id", keep.CustomerID).Warn("Failed to list subscriptions for duplicate cleanup")
		return
	}
	now := s.now().UTC()
	for _, other := range subs {
		if other.ID == keep.ID {
			continue
		}
		logger := s.logger.WithFields(map[string]interface{}{
			"customer_id":     keep.CustomerID,
			"subscription_id": other.ID,
			"kept_id":         keep.ID,
		})
		if other.HasProcessorRef() {
			logger.Warn("Customer holds another paid subscription")
			s.report(ctx, compensation.NewItem(compensation.ItemDuplicateSubscription, other.ID, compensation.PriorityNormal, nil, map[string]any{
				"customer_id": keep.CustomerID,
				"kept_id":     keep.ID,
			}))
			continue
		}
		if _, err := s.repo.CancelSubscription(ctx, other.ID, billing.SubscriptionStatusCanceled, now); err != nil {
			logger.WithError(err).Warn("Failed to cancel duplicate free subscription")
			s.report(ctx, compensation.NewItem(compensation.ItemDuplicateSubscription, other.ID, compensation.PriorityNormal, err, map[string]any{
				"customer_id": keep.CustomerID,
				"kept_id":     keep.ID,
			}))
			continue
		}
		logger.Info("Duplicate free subscription canceled")
	}
}

func (s *Service) report(ctx context.Context, item compensation.Item) {
	if s.reporter != nil {
		s.reporter.Report(ctx, item)
	}
}

func (s *Service) record(p *Preview, outcome string) {
	if s.metrics != nil {
		s.metrics.PlanChangesTotal.WithLabelValues(string(p.ChangeType), string(p.Timing), outcome).Inc()
	}
}

func (s *Service) recordRollback(action, outcome string) {
	if s.metrics != nil {
		s.metrics.PlanRollbacksTotal.WithLabelValues(action, outcome).Inc()
	}
}
