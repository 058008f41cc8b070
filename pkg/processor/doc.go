// Package processor adapts the external payment processor to the billing
// services.
//
// The Client interface covers exactly what the billing services need from
// the processor: subscription create, price swap and cancel, refunds,
// upcoming invoice previews, active entitlements, hosted checkout and
// webhook verification. Every call is scoped to a connected account.
//
// Verified events are decoded into a closed set of typed payloads
// (SubscriptionPayload, InvoicePayload, CheckoutPayload, EntitlementPayload,
// AccountPayload). The raw body travels alongside only for auditing.
//
// StripeClient implements Client on stripe-go. Errors come back as *Error
// with a Retryable verdict derived from the HTTP status and error code.
package processor
