// Package compensation unwinds billing operations that failed halfway and
// keeps the failures that cannot self-heal in front of a human.
//
// RefundService.RefundPaymentOnFailure refunds a captured payment whose
// subscription or entitlement could not be written. It always appends a
// reconciliation item: automatic_refund when the refund went through,
// refund_failed at critical priority when it did not.
//
// Queue is the shared reconciliation sink. Every best-effort path in the
// service (webhook sync failures, failed scheduled changes, failed
// compensating cancels, exhausted webhook retries) reports into it.
package compensation
