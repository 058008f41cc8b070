// Package scheduler runs the scheduled plan change sweeper.
//
// Each tick lists due rows from subscription_changes, claims each with a
// conditional scheduled -> processing update and hands claimed rows to the
// plan change executor. A lost claim means another instance owns the row and
// is skipped without logging an error. Failures are written to the row and
// to the reconciliation queue; there is no automatic retry.
//
// A change left processing longer than the processing lease, by a worker
// that died or could not record its result, is settled at the start of the
// next tick: completed when the subscription already sits on the target
// price, otherwise failed and escalated.
//
// Usage:
//
//	sweeper := scheduler.NewSweeper(changes, planChanges, queue, scheduler.DefaultConfig(), logger, metrics)
//	if err := sweeper.Start(ctx); err != nil {
//	    return err
//	}
//	defer sweeper.Stop(ctx)
package scheduler
