package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/subledger/pkg/observability"
)

// SafeGo runs fn in a goroutine bounded by timeout. Errors and panics are
// logged, never propagated.
//
// Example:
//
//	SafeGo(ctx, logger, time.Minute, "startup sweep", func(ctx context.Context) error {
//	    _, err := sweeper.Tick(ctx)
//	    return err
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()
		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Warn("Background task failed")
		}
	}()
}

// Batch runs fn over items with at most workers in flight and returns every
// error, including recovered panics. Each call gets its own timeout.
//
// Example:
//
//	errs := Batch(ctx, due, 4, "scheduled change", 2*time.Minute, func(ctx context.Context, c *planchange.Change) error {
//	    return execute(ctx, c)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if workers <= 0 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	work := make(chan T)
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	collect := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				if err := run(ctx, timeout, taskName, item, fn); err != nil {
					collect(err)
				}
			}
		}()
	}

feed:
	for _, item := range items {
		select {
		case work <- item:
		case <-ctx.Done():
			collect(fmt.Errorf("%s: %w", taskName, ctx.Err()))
			break feed
		}
	}
	close(work)
	wg.Wait()
	return errs
}

func run[T any](ctx context.Context, timeout time.Duration, taskName string, item T, fn func(context.Context, T) error) (err error) {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", taskName, err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %w", taskName, observability.MustRecover(r))
		}
	}()
	return fn(ctx, item)
}
