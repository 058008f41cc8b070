// Package subsync applies processor lifecycle events to local subscription
// and feature grant state.
//
// Every handler resolves the local row by its processor reference and
// returns without error when the row is not tracked locally. Events can
// arrive out of order; subscription writes carry the event timestamp and are
// skipped when a newer event was already applied.
//
// A subscription.updated whose period start moved forward appends a zeroed
// usage row for every live grant. Deletion revokes all live grants of the
// subscription in one statement. Entitlement events resolve feature, then
// customer, then the customer's most recent live subscription, and write an
// entitlement_sync_events row whatever the outcome.
//
// Handler failures are caught at the handler boundary, logged, and written
// to the reconciliation queue as sync_failed items. Checkout completion is
// the exception: its failures reach the webhook intake so the event is
// retried and the payment compensated.
package subsync
