package processor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSignature is returned when a webhook payload fails verification
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Client is the subset of the payment processor the billing services use.
// Every call is scoped to a connected account reference; an empty account
// addresses the platform account.
type Client interface {
	CreateSubscription(ctx context.Context, account string, req CreateSubscriptionRequest) (*Subscription, error)
	RetrieveSubscription(ctx context.Context, account, subscriptionRef string) (*Subscription, error)
	UpdateSubscriptionPrice(ctx context.Context, account string, req UpdatePriceRequest) (*Subscription, error)
	CancelSubscription(ctx context.Context, account, subscriptionRef string) error
	CreateRefund(ctx context.Context, account string, req RefundRequest) (*Refund, error)
	RetrieveRefund(ctx context.Context, account, refundRef string) (*Refund, error)
	RetrieveUpcomingInvoice(ctx context.Context, account string, req UpcomingInvoiceRequest) (*UpcomingInvoice, error)
	ListActiveEntitlements(ctx context.Context, account, customerRef string) ([]Entitlement, error)
	CreateCheckoutSession(ctx context.Context, account string, req CheckoutSessionRequest) (*CheckoutSession, error)
	ConstructVerifiedEvent(payload []byte, signature string) (*Event, error)
}

// CreateSubscriptionRequest starts a processor subscription on one price
type CreateSubscriptionRequest struct {
	CustomerRef    string
	PriceRef       string
	Metadata       map[string]string
	IdempotencyKey string
}

// UpdatePriceRequest swaps the single item of a subscription onto another price
type UpdatePriceRequest struct {
	SubscriptionRef string
	PriceRef        string
	// ProrationDate pins the proration calculation to the instant the
	// preview was quoted at. Zero lets the processor pick now.
	ProrationDate time.Time
	// Prorate false disables proration, used when reverting a swap.
	Prorate bool
}

// Subscription is the processor's view of a subscription
type Subscription struct {
	Ref                string
	CustomerRef        string
	ItemRef            string
	PriceRef           string
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	Metadata           map[string]string
}

// RefundRequest refunds a captured payment. PaymentRef may name a payment
// intent or an invoice; an invoice is resolved to its payment intent.
type RefundRequest struct {
	PaymentRef     string
	Amount         *int64
	Reason         string
	Metadata       map[string]string
	IdempotencyKey string
}

// Refund is a processor refund
type Refund struct {
	Ref      string
	Status   string
	Amount   int64
	Currency string
}

// UpcomingInvoiceRequest previews the invoice a price swap would produce
type UpcomingInvoiceRequest struct {
	CustomerRef     string
	SubscriptionRef string
	ItemRef         string
	PriceRef        string
	ProrationDate   time.Time
}

// InvoiceLine is one line of an upcoming invoice
type InvoiceLine struct {
	Description string
	Amount      int64
	Proration   bool
}

// UpcomingInvoice is the processor's quote for the next invoice
type UpcomingInvoice struct {
	Currency string
	Lines    []InvoiceLine
	// AmountDue is authoritative for what the customer will be charged.
	AmountDue int64
}

// ProrationCredit sums the negative proration lines as a positive amount
func (u *UpcomingInvoice) ProrationCredit() int64 {
	var credit int64
	for _, line := range u.Lines {
		if line.Proration && line.Amount < 0 {
			credit -= line.Amount
		}
	}
	return credit
}

// ProrationCharge sums the positive proration lines
func (u *UpcomingInvoice) ProrationCharge() int64 {
	var charge int64
	for _, line := range u.Lines {
		if line.Proration && line.Amount > 0 {
			charge += line.Amount
		}
	}
	return charge
}

// RecurringTotal sums the non-proration lines
func (u *UpcomingInvoice) RecurringTotal() int64 {
	var total int64
	for _, line := range u.Lines {
		if !line.Proration {
			total += line.Amount
		}
	}
	return total
}

// Entitlement is an active entitlement of a processor customer
type Entitlement struct {
	Ref        string
	FeatureRef string
	LookupKey  string
}

// CheckoutSessionRequest creates a hosted checkout for one price. Only the
// metadata reference identifies the purchase to the processor.
type CheckoutSessionRequest struct {
	MetadataID  string
	CustomerRef string
	PriceRef    string
	SuccessURL  string
	CancelURL   string
	ExpiresAt   time.Time
}

// CheckoutSession is a created hosted checkout
type CheckoutSession struct {
	Ref string
	URL string
}

// Error is a failed processor call
type Error struct {
	Op         string
	Code       string
	StatusCode int
	RequestID  string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("processor %s failed (%s, status %d): %v", e.Op, e.Code, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("processor %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a processor failure worth retrying
func IsRetryable(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	return false
}
