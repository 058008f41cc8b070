// Package planchange previews and applies subscription price changes.
//
// A change is classified by amount as an upgrade, downgrade or lateral move.
// Upgrades and lateral moves apply immediately; downgrades wait for the end
// of the current period unless the caller asks otherwise. Scheduled changes
// are rows in subscription_changes that the sweeper claims and hands back to
// ExecuteScheduled.
//
// Immediate changes touch the processor first and the local ledger second.
// When the local write fails the processor mutation is unwound (cancel for a
// freshly created subscription, revert for a price swap) and the caller gets
// a KindCompensated error. An unwind that fails is queued for reconciliation
// at critical priority.
//
// Proration comes from the processor's upcoming invoice when the subscription
// is billed there, and from LocalProration otherwise.
package planchange
