package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MultiLogger logs to multiple audit loggers
type MultiLogger struct {
	loggers []Logger
	async   bool
	wg      sync.WaitGroup
	errChan chan error
}

// NewMultiLogger creates a multi-logger that writes to every destination in
// order
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{
		loggers: loggers,
		errChan: make(chan error, len(loggers)),
	}
}

// SetAsync sets whether logging should be asynchronous. Async writes detach
// from the caller's cancellation.
func (m *MultiLogger) SetAsync(async bool) {
	m.async = async
}

func (m *MultiLogger) fanOut(ctx context.Context, write func(ctx context.Context, l Logger) error) error {
	if m.async {
		ctx = context.WithoutCancel(ctx)
		for _, logger := range m.loggers {
			m.wg.Add(1)
			go func(l Logger) {
				defer m.wg.Done()
				if err := write(ctx, l); err != nil {
					select {
					case m.errChan <- err:
					default:
					}
				}
			}(logger)
		}
		return nil
	}

	var errs []error
	for _, logger := range m.loggers {
		// keep going: one failing sink must not starve the others
		if err := write(ctx, logger); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogRefund logs a refund attempt to all loggers
func (m *MultiLogger) LogRefund(ctx context.Context, entry *RefundEntry) error {
	return m.fanOut(ctx, func(ctx context.Context, l Logger) error {
		return l.LogRefund(ctx, entry)
	})
}

// LogEntitlementSync logs an entitlement sync to all loggers
func (m *MultiLogger) LogEntitlementSync(ctx context.Context, entry *EntitlementSyncEntry) error {
	return m.fanOut(ctx, func(ctx context.Context, l Logger) error {
		return l.LogEntitlementSync(ctx, entry)
	})
}

// Wait waits for all async logging operations to complete
func (m *MultiLogger) Wait() {
	m.wg.Wait()
}

// GetErrors returns any errors that occurred during async logging
func (m *MultiLogger) GetErrors() []error {
	var errs []error
	for {
		select {
		case err := <-m.errChan:
			errs = append(errs, err)
		default:
			return errs
		}
	}
}

// Close closes all loggers
func (m *MultiLogger) Close() error {
	m.wg.Wait()

	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close logger: %w", err)
		}
	}
	return firstErr
}
