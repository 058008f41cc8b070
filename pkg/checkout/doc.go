// Package checkout implements checkout metadata indirection.
//
// Every purchase parameter (customer contact fields, price snapshot, return
// URLs) is written to checkout_metadata before the processor is called. The
// hosted processor session carries only the metadata id, so a leaked or
// tampered processor metadata blob reveals nothing and cannot change what
// is charged.
//
// Metadata moves pending -> processing -> completed | failed. Pending rows
// read after their expiry are flipped to expired and keep returning
// ErrCheckoutExpired.
//
// The Finalizer handles checkout.session.completed. It claims the metadata
// with a conditional update, creates the customer and subscription, and on
// failure refunds the captured payment through the compensation package
// before returning the error.
//
// Usage:
//
//	metadata := checkout.NewStore(s, checkout.DefaultStoreConfig())
//	svc := checkout.NewService(metadata, catalog, repo, stripeClient, logger, metrics)
//	res, err := svc.Start(ctx, &checkout.StartRequest{...})
package checkout
