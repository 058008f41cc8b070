package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/platinummonkey/subledger/pkg/observability"
)

// MetadataKey is the only metadata the processor receives about a checkout
const MetadataKey = "checkout_metadata_id"

// StripeConfig holds Stripe client configuration
type StripeConfig struct {
	SecretKey         string
	WebhookSecret     string
	APIURL            string
	Timeout           time.Duration
	MaxNetworkRetries int64
	WebhookTolerance  time.Duration
}

// Validate checks the configuration is usable
func (c StripeConfig) Validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("stripe secret key is required")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}
	return nil
}

// StripeClient implements Client on stripe-go
type StripeClient struct {
	api           *client.API
	backend       stripe.Backend
	key           string
	webhookSecret string
	tolerance     time.Duration
	logger        *observability.Logger
}

// NewStripeClient creates a Stripe client with its own backends. The package
// level stripe.Key is never touched, so several clients may coexist.
func NewStripeClient(config StripeConfig, logger *observability.Logger) (*StripeClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stripe configuration: %w", err)
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.WebhookTolerance <= 0 {
		config.WebhookTolerance = webhook.DefaultTolerance
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: config.Timeout},
		MaxNetworkRetries: stripe.Int64(config.MaxNetworkRetries),
	}
	if config.APIURL != "" {
		backendConfig.URL = stripe.String(config.APIURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig)

	return &StripeClient{
		api: client.New(config.SecretKey, &stripe.Backends{
			API:     backend,
			Connect: backend,
			Uploads: stripe.GetBackend(stripe.UploadsBackend),
		}),
		backend:       backend,
		key:           config.SecretKey,
		webhookSecret: config.WebhookSecret,
		tolerance:     config.WebhookTolerance,
		logger:        logger.WithField("component", "stripe"),
	}, nil
}

func scope(ctx context.Context, params *stripe.Params, account string) {
	params.Context = ctx
	if account != "" {
		params.SetStripeAccount(account)
	}
}

// CreateSubscription creates a subscription on one price
func (c *StripeClient) CreateSubscription(ctx context.Context, account string, req CreateSubscriptionRequest) (*Subscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(req.CustomerRef),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(req.PriceRef)},
		},
	}
	scope(ctx, &params.Params, account)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}

	sub, err := c.api.Subscriptions.New(params)
	if err != nil {
		return nil, wrapError("create_subscription", err)
	}
	return toSubscription(sub), nil
}

func (c *StripeClient) getSubscription(ctx context.Context, account, ref string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	scope(ctx, &params.Params, account)
	sub, err := c.api.Subscriptions.Get(ref, params)
	if err != nil {
		return nil, wrapError("get_subscription", err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, &Error{Op: "get_subscription", Err: fmt.Errorf("subscription %s has no items", ref)}
	}
	return sub, nil
}

// RetrieveSubscription reads a subscription
func (c *StripeClient) RetrieveSubscription(ctx context.Context, account, subscriptionRef string) (*Subscription, error) {
	sub, err := c.getSubscription(ctx, account, subscriptionRef)
	if err != nil {
		return nil, err
	}
	return toSubscription(sub), nil
}

// UpdateSubscriptionPrice moves the subscription's item onto another price
func (c *StripeClient) UpdateSubscriptionPrice(ctx context.Context, account string, req UpdatePriceRequest) (*Subscription, error) {
	current, err := c.getSubscription(ctx, account, req.SubscriptionRef)
	if err != nil {
		return nil, err
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(req.PriceRef),
			},
		},
		ProrationBehavior: stripe.String("none"),
	}
	if req.Prorate {
		params.ProrationBehavior = stripe.String("always_invoice")
		if !req.ProrationDate.IsZero() {
			params.ProrationDate = stripe.Int64(req.ProrationDate.Unix())
		}
	}
	scope(ctx, &params.Params, account)

	sub, err := c.api.Subscriptions.Update(req.SubscriptionRef, params)
	if err != nil {
		return nil, wrapError("update_subscription", err)
	}
	return toSubscription(sub), nil
}

// CancelSubscription cancels a subscription immediately
func (c *StripeClient) CancelSubscription(ctx context.Context, account, subscriptionRef string) error {
	params := &stripe.SubscriptionCancelParams{}
	scope(ctx, &params.Params, account)
	if _, err := c.api.Subscriptions.Cancel(subscriptionRef, params); err != nil {
		return wrapError("cancel_subscription", err)
	}
	c.logger.WithField("subscription_ref", subscriptionRef).Info("Processor subscription canceled")
	return nil
}

// CreateRefund refunds a payment intent, a charge, or the payment of an invoice
func (c *StripeClient) CreateRefund(ctx context.Context, account string, req RefundRequest) (*Refund, error) {
	params := &stripe.RefundParams{
		Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	scope(ctx, &params.Params, account)

	switch {
	case strings.HasPrefix(req.PaymentRef, "in_"):
		paymentIntent, err := c.invoicePaymentIntent(ctx, account, req.PaymentRef)
		if err != nil {
			return nil, err
		}
		params.PaymentIntent = stripe.String(paymentIntent)
	case strings.HasPrefix(req.PaymentRef, "ch_"):
		params.Charge = stripe.String(req.PaymentRef)
	default:
		params.PaymentIntent = stripe.String(req.PaymentRef)
	}
	if req.Amount != nil {
		params.Amount = stripe.Int64(*req.Amount)
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}

	refund, err := c.api.Refunds.New(params)
	if err != nil {
		return nil, wrapError("create_refund", err)
	}
	return toRefund(refund), nil
}

func (c *StripeClient) invoicePaymentIntent(ctx context.Context, account, invoiceRef string) (string, error) {
	params := &stripe.InvoiceParams{}
	scope(ctx, &params.Params, account)
	inv, err := c.api.Invoices.Get(invoiceRef, params)
	if err != nil {
		return "", wrapError("get_invoice", err)
	}
	if inv.PaymentIntent == nil || inv.PaymentIntent.ID == "" {
		return "", &Error{Op: "get_invoice", Err: fmt.Errorf("invoice %s has no payment", invoiceRef)}
	}
	return inv.PaymentIntent.ID, nil
}

// RetrieveRefund fetches a refund
func (c *StripeClient) RetrieveRefund(ctx context.Context, account, refundRef string) (*Refund, error) {
	params := &stripe.RefundParams{}
	scope(ctx, &params.Params, account)
	refund, err := c.api.Refunds.Get(refundRef, params)
	if err != nil {
		return nil, wrapError("get_refund", err)
	}
	return toRefund(refund), nil
}

// RetrieveUpcomingInvoice previews the invoice for a price swap with
// immediate proration
func (c *StripeClient) RetrieveUpcomingInvoice(ctx context.Context, account string, req UpcomingInvoiceRequest) (*UpcomingInvoice, error) {
	itemRef := req.ItemRef
	customerRef := req.CustomerRef
	if itemRef == "" || customerRef == "" {
		current, err := c.getSubscription(ctx, account, req.SubscriptionRef)
		if err != nil {
			return nil, err
		}
		if itemRef == "" {
			itemRef = current.Items.Data[0].ID
		}
		if customerRef == "" && current.Customer != nil {
			customerRef = current.Customer.ID
		}
	}

	params := &stripe.InvoiceUpcomingParams{
		Subscription: stripe.String(req.SubscriptionRef),
		SubscriptionItems: []*stripe.InvoiceUpcomingSubscriptionItemParams{
			{
				ID:    stripe.String(itemRef),
				Price: stripe.String(req.PriceRef),
			},
		},
		SubscriptionProrationBehavior: stripe.String("always_invoice"),
	}
	if customerRef != "" {
		params.Customer = stripe.String(customerRef)
	}
	if !req.ProrationDate.IsZero() {
		params.SubscriptionProrationDate = stripe.Int64(req.ProrationDate.Unix())
	}
	scope(ctx, &params.Params, account)

	inv, err := c.api.Invoices.Upcoming(params)
	if err != nil {
		return nil, wrapError("upcoming_invoice", err)
	}

	out := &UpcomingInvoice{
		Currency:  string(inv.Currency),
		AmountDue: inv.AmountDue,
	}
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			out.Lines = append(out.Lines, InvoiceLine{
				Description: line.Description,
				Amount:      line.Amount,
				Proration:   line.Proration,
			})
		}
	}
	return out, nil
}

type activeEntitlementListParams struct {
	stripe.Params `form:"*"`
	Customer      *string `form:"customer"`
	Limit         *int64  `form:"limit"`
	StartingAfter *string `form:"starting_after"`
}

type activeEntitlementList struct {
	stripe.APIResource
	Data    []*activeEntitlement `json:"data"`
	HasMore bool                 `json:"has_more"`
}

type activeEntitlement struct {
	ID        string     `json:"id"`
	Customer  string     `json:"customer"`
	Feature   expandable `json:"feature"`
	LookupKey string     `json:"lookup_key"`
}

// expandable decodes an id that may arrive as a string or an expanded object
type expandable string

func (e *expandable) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*e = expandable(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

func (a *activeEntitlement) toEntitlement() Entitlement {
	return Entitlement{
		Ref:        a.ID,
		FeatureRef: string(a.Feature),
		LookupKey:  a.LookupKey,
	}
}

// ListActiveEntitlements pages through the customer's active entitlements
func (c *StripeClient) ListActiveEntitlements(ctx context.Context, account, customerRef string) ([]Entitlement, error) {
	var out []Entitlement
	params := &activeEntitlementListParams{
		Customer: stripe.String(customerRef),
		Limit:    stripe.Int64(100),
	}
	scope(ctx, &params.Params, account)

	for {
		page := &activeEntitlementList{}
		if err := c.backend.Call(http.MethodGet, "/v1/entitlements/active_entitlements", c.key, params, page); err != nil {
			return nil, wrapError("list_active_entitlements", err)
		}
		for _, ent := range page.Data {
			out = append(out, ent.toEntitlement())
		}
		if !page.HasMore || len(page.Data) == 0 {
			return out, nil
		}
		params.StartingAfter = stripe.String(page.Data[len(page.Data)-1].ID)
	}
}

// CreateCheckoutSession creates a hosted subscription checkout that carries
// only the local metadata id
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, account string, req CheckoutSessionRequest) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceRef),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.MetadataID),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{MetadataKey: req.MetadataID},
		},
	}
	params.AddMetadata(MetadataKey, req.MetadataID)
	if req.CustomerRef != "" {
		params.Customer = stripe.String(req.CustomerRef)
	}
	if !req.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(req.ExpiresAt.Unix())
	}
	params.IdempotencyKey = stripe.String("checkout:" + req.MetadataID)
	scope(ctx, &params.Params, account)

	session, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, wrapError("create_checkout_session", err)
	}
	return &CheckoutSession{Ref: session.ID, URL: session.URL}, nil
}

// ConstructVerifiedEvent verifies the signature header and decodes the event
// into its typed payload
func (c *StripeClient) ConstructVerifiedEvent(payload []byte, signature string) (*Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                c.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return decodeEvent(evt, payload)
}

func decodeEvent(evt stripe.Event, raw []byte) (*Event, error) {
	out := &Event{
		ID:         evt.ID,
		Type:       EventType(evt.Type),
		Livemode:   evt.Livemode,
		Created:    fromUnix(evt.Created),
		AccountRef: evt.Account,
		Raw:        raw,
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return out, nil
	}

	payload, err := decodePayload(out.Type, evt.Data.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", out.Type, err)
	}
	out.Payload = payload
	return out, nil
}

func decodePayload(eventType EventType, raw json.RawMessage) (Payload, error) {
	switch eventType {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, err
		}
		return &SubscriptionPayload{Subscription: *toSubscription(&sub)}, nil

	case EventInvoicePaid, EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, err
		}
		out := &InvoicePayload{
			Ref:         inv.ID,
			Status:      string(inv.Status),
			AmountPaid:  inv.AmountPaid,
			Currency:    string(inv.Currency),
			PeriodStart: fromUnix(inv.PeriodStart),
			PeriodEnd:   fromUnix(inv.PeriodEnd),
		}
		if inv.Subscription != nil {
			out.SubscriptionRef = inv.Subscription.ID
		}
		if inv.Customer != nil {
			out.CustomerRef = inv.Customer.ID
		}
		if inv.PaymentIntent != nil {
			out.PaymentRef = inv.PaymentIntent.ID
		}
		if inv.SubscriptionDetails != nil {
			out.MetadataID = inv.SubscriptionDetails.Metadata[MetadataKey]
		}
		return out, nil

	case EventCheckoutCompleted, EventCheckoutPaymentSucceeded, EventCheckoutPaymentFailed:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, err
		}
		out := &CheckoutPayload{
			Ref:           session.ID,
			MetadataID:    session.Metadata[MetadataKey],
			PaymentStatus: string(session.PaymentStatus),
			AmountTotal:   session.AmountTotal,
			Currency:      string(session.Currency),
		}
		if out.MetadataID == "" {
			out.MetadataID = session.ClientReferenceID
		}
		if session.Customer != nil {
			out.CustomerRef = session.Customer.ID
		}
		if session.Subscription != nil {
			out.SubscriptionRef = session.Subscription.ID
		}
		switch {
		case session.PaymentIntent != nil:
			out.PaymentRef = session.PaymentIntent.ID
		case session.Invoice != nil:
			out.PaymentRef = session.Invoice.ID
		}
		return out, nil

	case EventEntitlementCreated, EventEntitlementUpdated, EventEntitlementDeleted:
		var ent activeEntitlement
		if err := json.Unmarshal(raw, &ent); err != nil {
			return nil, err
		}
		return &EntitlementPayload{
			Ref:         ent.ID,
			CustomerRef: ent.Customer,
			FeatureRef:  string(ent.Feature),
			LookupKey:   ent.LookupKey,
		}, nil

	case EventEntitlementSummaryUpdated:
		var summary struct {
			Customer     string `json:"customer"`
			Entitlements struct {
				Data []*activeEntitlement `json:"data"`
			} `json:"entitlements"`
		}
		if err := json.Unmarshal(raw, &summary); err != nil {
			return nil, err
		}
		out := &EntitlementPayload{CustomerRef: summary.Customer}
		for _, ent := range summary.Entitlements.Data {
			out.Summary = append(out.Summary, ent.toEntitlement())
		}
		return out, nil

	case EventAccountUpdated:
		var acct stripe.Account
		if err := json.Unmarshal(raw, &acct); err != nil {
			return nil, err
		}
		return &AccountPayload{
			Ref:              acct.ID,
			ChargesEnabled:   acct.ChargesEnabled,
			PayoutsEnabled:   acct.PayoutsEnabled,
			DetailsSubmitted: acct.DetailsSubmitted,
		}, nil
	}
	return nil, nil
}

func toSubscription(s *stripe.Subscription) *Subscription {
	out := &Subscription{
		Ref:                s.ID,
		Status:             string(s.Status),
		CurrentPeriodStart: fromUnix(s.CurrentPeriodStart),
		CurrentPeriodEnd:   fromUnix(s.CurrentPeriodEnd),
		TrialStart:         optionalUnix(s.TrialStart),
		TrialEnd:           optionalUnix(s.TrialEnd),
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		CanceledAt:         optionalUnix(s.CanceledAt),
		Metadata:           s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerRef = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		out.ItemRef = item.ID
		if item.Price != nil {
			out.PriceRef = item.Price.ID
		}
	}
	return out
}

func toRefund(r *stripe.Refund) *Refund {
	return &Refund{
		Ref:      r.ID,
		Status:   string(r.Status),
		Amount:   r.Amount,
		Currency: string(r.Currency),
	}
}

func fromUnix(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

func optionalUnix(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := fromUnix(ts)
	return &t
}

// wrapError converts Stripe API errors into *Error with a retry verdict
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		// transport failure after the backend's own retries
		return &Error{Op: op, Retryable: true, Err: err}
	}

	return &Error{
		Op:         op,
		Code:       string(stripeErr.Code),
		StatusCode: stripeErr.HTTPStatusCode,
		RequestID:  stripeErr.RequestID,
		Retryable: stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
			stripeErr.Code == stripe.ErrorCodeLockTimeout,
		Err: err,
	}
}
