// Package app assembles the billing services from a database handle, a
// processor client and the optional lock and archive backends.
//
// Both binaries call Build so the server and the standalone sweeper run the
// same synchronizer, plan-change orchestrator and reconciliation queue.
//
//	services, err := app.Build(cfg, app.Options{DB: db, Processor: stripeClient, Logger: logger})
//	defer services.Close()
//	handler := api.NewServer(services.APIDependencies(limiter)).Handler()
package app
