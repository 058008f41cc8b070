// Package webhooks receives processor events and applies each one at most once.
//
// # Overview
//
// Intake verifies the signed payload, archives the raw body as an audit blob,
// records the event id in the Ledger and dispatches the typed event to the
// handler registered for its type. The Ledger row is written before any
// handler runs; a redelivery of a processed or in-flight event id is
// acknowledged without being applied again.
//
// # Failure Handling
//
// Handlers swallow and report best-effort sync failures themselves. An error
// that reaches the Dispatcher marks the event failed and answers 500 so the
// processor redelivers. A failed event is reclaimed by its redelivery until
// LedgerConfig.MaxAttempts is spent, after which the failure is written to
// the reconciliation queue and the endpoint answers 200. A pending row older
// than the processing lease belongs to a crashed worker and is reclaimed too.
//
// # Usage Example
//
//	dispatcher := webhooks.NewDispatcher(logger, metrics)
//	synchronizer.Register(dispatcher)
//
//	intake := webhooks.NewIntake(stripeClient, webhooks.NewLedger(s, cfg, logger), dispatcher,
//		logger, metrics, webhooks.WithArchive(archive), webhooks.WithEscalation(queue))
//	router.Handle("/v1/webhooks/stripe", intake).Methods("POST")
//
// # Related Packages
//
//   - pkg/subsync: the registered handlers
//   - pkg/processor: verified event types
//   - pkg/compensation: reconciliation queue
package webhooks
