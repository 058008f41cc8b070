package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with its stack trace.
// Call it in a defer; the panic is not re-raised.
//
//	go func() {
//	    defer observability.RecoverPanic(logger, "sweeper tick")
//	    sweeper.Tick(ctx)
//	}()
func RecoverPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		logPanic(logger, context, r)
	}
}

// RecoverPanicWithCallback recovers from a panic, logs it, and hands the panic
// to callback as an error. Used where a claimed work item must still be
// marked failed when its handler panics.
//
//	defer observability.RecoverPanicWithCallback(logger, "scheduled change", func(err error) {
//	    markFailed(change.ID, err)
//	})
func RecoverPanicWithCallback(logger *Logger, context string, callback func(err error)) {
	if r := recover(); r != nil {
		logPanic(logger, context, r)
		if callback != nil {
			callback(MustRecover(r))
		}
	}
}

// MustRecover converts a recovered value to an error, or nil if r is nil
func MustRecover(r interface{}) error {
	if r != nil {
		return fmt.Errorf("panic: %v", r)
	}
	return nil
}

func logPanic(logger *Logger, context string, r interface{}) {
	if logger == nil {
		return
	}
	logger.WithField("panic", fmt.Sprint(r)).
		WithField("stack", string(debug.Stack())).
		WithField("context", context).
		Error("PANIC recovered")
}
