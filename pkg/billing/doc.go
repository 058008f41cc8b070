// Package billing holds the billing domain model and its PostgreSQL
// repository.
//
// # Overview
//
// Customers, products, prices, features, subscriptions and feature grants
// are mirrored locally from the payment processor, which stays the system of
// record for money movement. Every read and write goes through
// store.Store, so transient datastore failures are retried with backoff and
// classified by kind rather than by message text.
//
// # Subscriptions and Grants
//
// A subscription with no processor reference is free-tier. Subscriptions are
// never deleted; cancellation revokes every live grant in one statement.
// Creating a subscription goes through the create_subscription_atomic
// procedure, which inserts the subscription, one grant per product feature and
// the first usage period together.
//
// # Customers
//
// CustomerService.Upsert serializes concurrent writers for the same identity
// with an advisory lock keyed "customer:<org>:<external id or email>" and
// calls upsert_customer_atomic. Email is unique per organization regardless
// of case; an external id cannot change once set.
//
// # Catalog
//
// PriceCatalog caches price and product rows in an expiring LRU and
// collapses concurrent misses for the same key into one load.
//
// # Errors
//
// Failures surfaced to callers carry an ErrorKind (validation, conflict,
// transient, compensated, not found) that the HTTP layer maps to a status
// code:
//
//	if billing.KindOf(err) == billing.KindValidation {
//		// reject before any side effect
//	}
package billing
