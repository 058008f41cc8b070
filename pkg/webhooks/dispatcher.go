package webhooks

import (
	"context"
	"sync"
	"time"

	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/processor"
)

// HandlerFunc applies one verified processor event
type HandlerFunc func(ctx context.Context, evt *processor.Event) error

// Dispatcher routes verified events to the handler registered for their type
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[processor.EventType]HandlerFunc
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher(logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Dispatcher{
		handlers: make(map[processor.EventType]HandlerFunc),
		logger:   logger.WithField("component", "webhook_dispatcher"),
		metrics:  metrics,
	}
}

// Register binds handler to an event type, replacing any earlier binding
func (d *Dispatcher) Register(eventType processor.EventType, handler HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = handler
}

// Handles reports whether a handler is registered for eventType
func (d *Dispatcher) Handles(eventType processor.EventType) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[eventType]
	return ok
}

// Dispatch runs the handler for evt. Unknown event types are logged and
// dropped without error.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *processor.Event) (err error) {
	d.mu.RLock()
	handler, ok := d.handlers[evt.Type]
	d.mu.RUnlock()

	logger := d.logger.WithEvent(evt.ID, string(evt.Type))
	if !ok {
		logger.Info("Ignoring unhandled event type")
		d.record(evt.Type, "ignored")
		return nil
	}

	ctx, span := observability.StartSpan(ctx, observability.Tracer("webhooks"), "webhooks.Dispatch",
		map[string]string{
			"event.id":   evt.ID,
			"event.type": string(evt.Type),
		})
	defer func() { observability.EndSpan(span, err) }()

	start := time.Now()
	err = handler(ctx, evt)
	if d.metrics != nil {
		d.metrics.WebhookDispatchDuration.WithLabelValues(string(evt.Type)).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		logger.WithError(err).Error("Event handler failed")
		d.record(evt.Type, "failed")
		return err
	}
	d.record(evt.Type, "applied")
	return nil
}

func (d *Dispatcher) record(eventType processor.EventType, outcome string) {
	if d.metrics != nil {
		d.metrics.WebhookEventsTotal.WithLabelValues(string(eventType), outcome).Inc()
	}
}
