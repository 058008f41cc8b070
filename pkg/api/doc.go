// Package api is the HTTP surface of subledger.
//
// Routes:
//
//	POST   /v1/webhooks/{provider}                      processor deliveries (signature verified)
//	POST   /v1/subscriptions/{id}/change/preview        quote a plan change
//	POST   /v1/subscriptions/{id}/change                execute or schedule a plan change
//	GET    /v1/subscriptions/{id}/changes               plan change history, newest first
//	POST   /v1/checkout                                 begin a hosted checkout
//	GET    /v1/checkout/{id}                            read checkout metadata
//	PUT    /v1/customers                                upsert a customer
//	DELETE /v1/customers/{id}                           soft-delete a customer
//	POST   /v1/customers/{id}/entitlements/resync       reconcile grants with the processor
//	GET    /v1/reconciliation                           list reconciliation items
//	POST   /v1/reconciliation/{id}/resolve              resolve one item
//
// Tenant routes require the X-Organization-ID header and are rate limited per
// organization. Errors carry the billing error kind and the request id:
//
//	{"error": "subscription is already on this price", "kind": "validation", "request_id": "..."}
//
// Health checks and /metrics are served on a separate port by NewOpsRouter.
package api
