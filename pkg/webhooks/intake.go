package webhooks

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/subledger/pkg/compensation"
	"github.com/platinummonkey/subledger/pkg/httputil"
	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/processor"
)

const (
	// SignatureHeader carries the processor's payload signature
	SignatureHeader = "Stripe-Signature"
	// RequestIDHeader carries the correlation id of every intake response
	RequestIDHeader = "X-Request-ID"

	defaultMaxBodyBytes = 512 * 1024

	msgInvalidPayload   = "invalid webhook payload"
	msgRecordFailed     = "event could not be recorded, retry later"
	msgProcessingFailed = "event processing failed, retry later"
)

// EventVerifier turns a signed payload into a verified event
type EventVerifier interface {
	ConstructVerifiedEvent(payload []byte, signature string) (*processor.Event, error)
}

// EventLedger is the idempotency record consulted before dispatch
type EventLedger interface {
	RecordAndCheck(ctx context.Context, evt *processor.Event, archiveKey string) (Claim, error)
	MarkProcessed(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID string, cause error) error
	MaxAttempts() int
}

// PayloadArchiver stores the verbatim payload as an audit blob
type PayloadArchiver interface {
	Archive(ctx context.Context, eventID, eventType string, receivedAt time.Time, payload []byte) (string, error)
}

// Escalator receives failures that exhausted their redelivery budget
type Escalator interface {
	Enqueue(ctx context.Context, item compensation.Item) (string, error)
}

// Result is the response owed to the processor for one delivery
type Result struct {
	Status    int
	EventID   string
	Duplicate bool
	Message   string
}

// Intake verifies, deduplicates and dispatches inbound processor events
type Intake struct {
	verifier     EventVerifier
	ledger       EventLedger
	dispatcher   *Dispatcher
	archive      PayloadArchiver
	escalator    Escalator
	logger       *observability.Logger
	metrics      *observability.Metrics
	maxBodyBytes int64
	now          func() time.Time
}

// IntakeOption configures an Intake
type IntakeOption func(*Intake)

// WithArchive stores every verified payload before it is recorded
func WithArchive(archive PayloadArchiver) IntakeOption {
	return func(i *Intake) {
		i.archive = archive
	}
}

// WithEscalation writes exhausted failures to the reconciliation queue
func WithEscalation(escalator Escalator) IntakeOption {
	return func(i *Intake) {
		i.escalator = escalator
	}
}

// WithMaxBodyBytes bounds the accepted payload size
func WithMaxBodyBytes(n int64) IntakeOption {
	return func(i *Intake) {
		if n > 0 {
			i.maxBodyBytes = n
		}
	}
}

// NewIntake creates the inbound webhook pipeline
func NewIntake(verifier EventVerifier, ledger EventLedger, dispatcher *Dispatcher, logger *observability.Logger, metrics *observability.Metrics, opts ...IntakeOption) *Intake {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	i := &Intake{
		verifier:     verifier,
		ledger:       ledger,
		dispatcher:   dispatcher,
		logger:       logger.WithField("component", "webhook_intake"),
		metrics:      metrics,
		maxBodyBytes: defaultMaxBodyBytes,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Handle runs one delivery through verification, the ledger and dispatch.
// Once an event is durably recorded the result is 200 unless the handler
// failed with redelivery budget left.
func (i *Intake) Handle(ctx context.Context, payload []byte, signature string) Result {
	// Handlers run to completion even if the processor hangs up.
	ctx = context.WithoutCancel(ctx)
	logger := i.logger
	if requestID := observability.GetRequestID(ctx); requestID != "" {
		logger = logger.WithField("request_id", requestID)
	}

	evt, err := i.verifier.ConstructVerifiedEvent(payload, signature)
	if err != nil {
		if i.metrics != nil {
			i.metrics.WebhookVerifyFailures.Inc()
		}
		logger.WithError(err).Warn("Rejected webhook payload")
		return Result{Status: http.StatusBadRequest, Message: msgInvalidPayload}
	}
	logger = logger.WithEvent(evt.ID, string(evt.Type))

	var archiveKey string
	if i.archive != nil {
		key, err := i.archive.Archive(ctx, evt.ID, string(evt.Type), i.now(), payload)
		if err != nil {
			logger.WithError(err).Warn("Failed to archive webhook payload")
		} else {
			archiveKey = key
		}
	}

	claim, err := i.ledger.RecordAndCheck(ctx, evt, archiveKey)
	if err != nil {
		logger.WithError(err).Error("Failed to check webhook ledger")
		return Result{Status: http.StatusInternalServerError, EventID: evt.ID, Message: msgRecordFailed}
	}
	if !claim.IsNew {
		if i.metrics != nil {
			i.metrics.WebhookDuplicatesTotal.Inc()
		}
		logger.Info("Skipping already received event")
		return Result{Status: http.StatusOK, EventID: evt.ID, Duplicate: true}
	}

	if err := i.dispatcher.Dispatch(ctx, evt); err != nil {
		return i.handleFailure(ctx, logger, evt, claim, err)
	}

	if claim.Recorded {
		if err := i.ledger.MarkProcessed(ctx, evt.ID); err != nil {
			logger.WithError(err).Warn("Failed to mark webhook event processed")
		}
	}
	return Result{Status: http.StatusOK, EventID: evt.ID}
}

func (i *Intake) handleFailure(ctx context.Context, logger *observability.Logger, evt *processor.Event, claim Claim, cause error) Result {
	if claim.Recorded {
		if err := i.ledger.MarkFailed(ctx, evt.ID, cause); err != nil {
			logger.WithError(err).Warn("Failed to mark webhook event failed")
		}
	}

	if claim.Attempt < i.ledger.MaxAttempts() {
		logger.WithField("attempt", claim.Attempt).Warn("Event failed, requesting redelivery")
		return Result{Status: http.StatusInternalServerError, EventID: evt.ID, Message: msgProcessingFailed}
	}

	logger = logger.WithField("attempt", claim.Attempt)
	if i.escalator == nil {
		logger.WithError(cause).Error("Event exhausted its redelivery budget")
		return Result{Status: http.StatusOK, EventID: evt.ID}
	}

	item := compensation.NewItem(compensation.ItemWebhookRetriesExceeded, evt.ID, compensation.PriorityHigh, cause,
		map[string]any{
			"event_type":  string(evt.Type),
			"account_ref": evt.AccountRef,
			"attempts":    claim.Attempt,
		})
	if _, err := i.escalator.Enqueue(ctx, item); err != nil {
		logger.WithError(err).Error("Failed to escalate exhausted webhook event")
	}
	return Result{Status: http.StatusOK, EventID: evt.ID}
}

// ServeHTTP is the inbound webhook endpoint
func (i *Intake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := observability.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = observability.WithRequestID(ctx, requestID)
	}
	w.Header().Set(RequestIDHeader, requestID)

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, i.maxBodyBytes))
	if err != nil {
		i.logger.WithError(err).WithField("request_id", requestID).Warn("Failed to read webhook body")
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error":      msgInvalidPayload,
			"request_id": requestID,
		})
		return
	}

	res := i.Handle(ctx, payload, r.Header.Get(SignatureHeader))
	if res.Status >= http.StatusBadRequest {
		httputil.WriteJSON(w, res.Status, map[string]string{
			"error":      res.Message,
			"request_id": requestID,
		})
		return
	}
	httputil.WriteJSON(w, res.Status, map[string]interface{}{
		"received":  true,
		"duplicate": res.Duplicate,
	})
}
