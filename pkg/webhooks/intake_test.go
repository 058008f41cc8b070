package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/subledger/pkg/compensation"
	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/processor"
)

type fakeVerifier struct {
	evt *processor.Event
	err error
}

func (f *fakeVerifier) ConstructVerifiedEvent(payload []byte, signature string) (*processor.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	if signature != "t=1,v1=good" {
		return nil, processor.ErrInvalidSignature
	}
	return f.evt, nil
}

// fakeLedger keeps ledger state in memory with the same claim rules as the
// database ledger
type fakeLedger struct {
	max       int
	status    map[string]Status
	retries   map[string]int
	archived  map[string]string
	recordErr error
	failures  []string
}

func newFakeLedger(max int) *fakeLedger {
	return &fakeLedger{
		max:      max,
		status:   map[string]Status{},
		retries:  map[string]int{},
		archived: map[string]string{},
	}
}

func (f *fakeLedger) RecordAndCheck(ctx context.Context, evt *processor.Event, archiveKey string) (Claim, error) {
	if f.recordErr != nil {
		return Claim{}, f.recordErr
	}
	status, ok := f.status[evt.ID]
	switch {
	case !ok:
		f.status[evt.ID] = StatusPending
		f.archived[evt.ID] = archiveKey
		return Claim{IsNew: true, Attempt: 1, Recorded: true}, nil
	case status == StatusFailed && f.retries[evt.ID] < f.max-1:
		f.retries[evt.ID]++
		f.status[evt.ID] = StatusPending
		return Claim{IsNew: true, Attempt: f.retries[evt.ID] + 1, Recorded: true}, nil
	}
	return Claim{IsNew: false}, nil
}

func (f *fakeLedger) MarkProcessed(ctx context.Context, eventID string) error {
	f.status[eventID] = StatusProcessed
	return nil
}

func (f *fakeLedger) MarkFailed(ctx context.Context, eventID string, cause error) error {
	f.status[eventID] = StatusFailed
	f.failures = append(f.failures, cause.Error())
	return nil
}

func (f *fakeLedger) MaxAttempts() int {
	return f.max
}

type fakeArchive struct {
	keys []string
	err  error
}

func (f *fakeArchive) Archive(ctx context.Context, eventID, eventType string, receivedAt time.Time, payload []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	key := "webhooks/" + eventID + ".json"
	f.keys = append(f.keys, key)
	return key, nil
}

type fakeEscalator struct {
	items []compensation.Item
}

func (f *fakeEscalator) Enqueue(ctx context.Context, item compensation.Item) (string, error) {
	f.items = append(f.items, item)
	return "rq_1", nil
}

type intakeFixture struct {
	intake    *Intake
	ledger    *fakeLedger
	archive   *fakeArchive
	escalator *fakeEscalator
	metrics   *observability.Metrics
	calls     int
	handleErr error
}

func newIntakeFixture(t *testing.T, evt *processor.Event) *intakeFixture {
	t.Helper()
	f := &intakeFixture{
		ledger:    newFakeLedger(3),
		archive:   &fakeArchive{},
		escalator: &fakeEscalator{},
		metrics:   observability.NewTestMetrics(),
	}
	dispatcher := NewDispatcher(nil, f.metrics)
	dispatcher.Register(processor.EventSubscriptionUpdated, func(ctx context.Context, evt *processor.Event) error {
		f.calls++
		return f.handleErr
	})
	f.intake = NewIntake(&fakeVerifier{evt: evt}, f.ledger, dispatcher, nil, f.metrics,
		WithArchive(f.archive), WithEscalation(f.escalator))
	return f
}

func subscriptionEvent() *processor.Event {
	return &processor.Event{
		ID:         "evt_1",
		Type:       processor.EventSubscriptionUpdated,
		AccountRef: "acct_1",
	}
}

func TestIntakeHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("applies a new event once", func(t *testing.T) {
		f := newIntakeFixture(t, subscriptionEvent())

		first := f.intake.Handle(ctx, []byte(`{}`), "t=1,v1=good")
		second := f.intake.Handle(ctx, []byte(`{}`), "t=1,v1=good")

		assert.Equal(t, http.StatusOK, first.Status)
		assert.False(t, first.Duplicate)
		assert.Equal(t, http.StatusOK, second.Status)
		assert.True(t, second.Duplicate)
		assert.Equal(t, 1, f.calls)
		assert.Equal(t, StatusProcessed, f.ledger.status["evt_1"])
		assert.Equal(t, "webhooks/evt_1.json", f.ledger.archived["evt_1"])
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.WebhookDuplicatesTotal))
	})

	t.Run("bad signature is rejected without detail", func(t *testing.T) {
		f := newIntakeFixture(t, subscriptionEvent())

		res := f.intake.Handle(ctx, []byte(`{}`), "t=1,v1=forged")
		assert.Equal(t, http.StatusBadRequest, res.Status)
		assert.Equal(t, msgInvalidPayload, res.Message)
		assert.Equal(t, 0, f.calls)
		assert.Empty(t, f.ledger.status)
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.WebhookVerifyFailures))
	})

	t.Run("archive failure does not block", func(t *testing.T) {
		f := newIntakeFixture(t, subscriptionEvent())
		f.archive.err = errors.New("s3 unavailable")

		res := f.intake.Handle(ctx, []byte(`{}`), "t=1,v1=good")
		assert.Equal(t, http.StatusOK, res.Status)
		assert.Equal(t, 1, f.calls)
		assert.Equal(t, "", f.ledger.archived["evt_1"])
	})

	t.Run("ledger failure asks for redelivery", func(t *testing.T) {
		f := newIntakeFixture(t, subscriptionEvent())
		f.ledger.recordErr = errors.New("connection refused")

		res := f.intake.Handle(ctx, []byte(`{}`), "t=1,v1=good")
		assert.Equal(t, http.StatusInternalServerError, res.Status)
		assert.Equal(t, 0, f.calls)
		assert.NotContains(t, res.Message, "connection refused")
	})

	t.Run("unknown event is acknowledged", func(t *testing.T) {
		f := newIntakeFixture(t, &processor.Event{ID: "evt_9", Type: "payout.paid"})

		res := f.intake.Handle(ctx, []byte(`{}`), "t=1,v1=good")
		assert.Equal(t, http.StatusOK, res.Status)
		assert.Equal(t, StatusProcessed, f.ledger.status["evt_9"])
	})

	t.Run("handler failure retries then escalates", func(t *testing.T) {
		f := newIntakeFixture(t, subscriptionEvent())
		f.handleErr = errors.New("subscription write failed")

		var statuses []int
		for i := 0; i < 4; i++ {
			statuses = append(statuses, f.intake.Handle(ctx, []byte(`{}`), "t=1,v1=good").Status)
		}

		assert.Equal(t, []int{
			http.StatusInternalServerError,
			http.StatusInternalServerError,
			http.StatusOK,
			http.StatusOK,
		}, statuses)
		assert.Equal(t, 3, f.calls)
		assert.Len(t, f.ledger.failures, 3)

		require.Len(t, f.escalator.items, 1)
		item := f.escalator.items[0]
		assert.Equal(t, compensation.ItemWebhookRetriesExceeded, item.Type)
		assert.Equal(t, "evt_1", item.ReferenceID)
		assert.Equal(t, compensation.PriorityHigh, item.Priority)
		assert.Equal(t, 3, item.Details["attempts"])
		require.NotNil(t, item.ErrorMessage)
		assert.Equal(t, "subscription write failed", *item.ErrorMessage)
	})
}

func TestIntakeServeHTTP(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		f := newIntakeFixture(t, subscriptionEvent())

		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", strings.NewReader(`{}`))
		req.Header.Set(SignatureHeader, "t=1,v1=good")
		rec := httptest.NewRecorder()
		f.intake.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, true, body["received"])
		assert.Equal(t, false, body["duplicate"])
	})

	t.Run("verification failure carries correlation id", func(t *testing.T) {
		f := newIntakeFixture(t, subscriptionEvent())

		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", strings.NewReader(`{}`))
		req.Header.Set(SignatureHeader, "garbage")
		rec := httptest.NewRecorder()
		f.intake.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, msgInvalidPayload, body["error"])
		assert.Equal(t, rec.Header().Get(RequestIDHeader), body["request_id"])
		assert.NotContains(t, rec.Body.String(), "signature")
	})

	t.Run("request id from context is reused", func(t *testing.T) {
		f := newIntakeFixture(t, subscriptionEvent())

		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", strings.NewReader(`{}`))
		req = req.WithContext(observability.WithRequestID(req.Context(), "req-123"))
		rec := httptest.NewRecorder()
		f.intake.ServeHTTP(rec, req)

		assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
	})

	t.Run("oversized body is rejected", func(t *testing.T) {
		f := newIntakeFixture(t, subscriptionEvent())
		WithMaxBodyBytes(8)(f.intake)

		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", strings.NewReader(`{"much":"too large"}`))
		req.Header.Set(SignatureHeader, "t=1,v1=good")
		rec := httptest.NewRecorder()
		f.intake.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, 0, f.calls)
	})
}
