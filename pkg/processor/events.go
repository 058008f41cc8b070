package processor

import (
	"time"
)

// EventType is the processor's event type tag
type EventType string

const (
	EventSubscriptionCreated       EventType = "customer.subscription.created"
	EventSubscriptionUpdated       EventType = "customer.subscription.updated"
	EventSubscriptionDeleted       EventType = "customer.subscription.deleted"
	EventInvoicePaid               EventType = "invoice.paid"
	EventInvoicePaymentFailed      EventType = "invoice.payment_failed"
	EventCheckoutCompleted         EventType = "checkout.session.completed"
	EventCheckoutPaymentSucceeded  EventType = "checkout.session.async_payment_succeeded"
	EventCheckoutPaymentFailed     EventType = "checkout.session.async_payment_failed"
	EventEntitlementCreated        EventType = "entitlements.active_entitlement.created"
	EventEntitlementUpdated        EventType = "entitlements.active_entitlement.updated"
	EventEntitlementDeleted        EventType = "entitlements.active_entitlement.deleted"
	EventEntitlementSummaryUpdated EventType = "entitlements.active_entitlement_summary.updated"
	EventAccountUpdated            EventType = "account.updated"
)

// Event is a verified processor event. Payload holds the typed object for
// known types and is nil otherwise. Raw is the verbatim body, kept for audit
// only.
type Event struct {
	ID         string
	Type       EventType
	Livemode   bool
	Created    time.Time
	AccountRef string
	Payload    Payload
	Raw        []byte
}

// Payload is one of the typed event objects below
type Payload interface {
	payload()
}

// SubscriptionPayload is carried by customer.subscription.* events
type SubscriptionPayload struct {
	Subscription
}

// InvoicePayload is carried by invoice.* events
type InvoicePayload struct {
	Ref             string
	SubscriptionRef string
	CustomerRef     string
	PaymentRef      string
	Status          string
	AmountPaid      int64
	Currency        string
	PeriodStart     time.Time
	PeriodEnd       time.Time
	// MetadataID is the checkout metadata id stamped on the subscription
	// when this service started it through checkout
	MetadataID string
}

// CheckoutPayload is carried by checkout.session.completed and the delayed
// payment outcomes of a session
type CheckoutPayload struct {
	Ref             string
	MetadataID      string
	CustomerRef     string
	SubscriptionRef string
	PaymentRef      string
	PaymentStatus   string
	AmountTotal     int64
	Currency        string
}

// EntitlementPayload is carried by entitlement events. Summary events list
// every active entitlement of the customer.
type EntitlementPayload struct {
	Ref         string
	CustomerRef string
	FeatureRef  string
	LookupKey   string
	Summary     []Entitlement
}

// AccountPayload is carried by account.updated
type AccountPayload struct {
	Ref              string
	ChargesEnabled   bool
	PayoutsEnabled   bool
	DetailsSubmitted bool
}

func (*SubscriptionPayload) payload() {}
func (*InvoicePayload) payload()      {}
func (*CheckoutPayload) payload()     {}
func (*EntitlementPayload) payload()  {}
func (*AccountPayload) payload()      {}
