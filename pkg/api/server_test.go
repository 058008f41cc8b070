package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/checkout"
	"github.com/platinummonkey/subledger/pkg/compensation"
	"github.com/platinummonkey/subledger/pkg/httputil"
	"github.com/platinummonkey/subledger/pkg/middleware"
	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/planchange"
	"github.com/platinummonkey/subledger/pkg/subsync"
)

type fakePlanChanger struct {
	requests []planchange.Request
	preview  *planchange.Preview
	result   *planchange.Result
	history  map[string][]*planchange.Change
	err      error
}

func (f *fakePlanChanger) Preview(ctx context.Context, req planchange.Request) (*planchange.Preview, error) {
	f.requests = append(f.requests, req)
	return f.preview, f.err
}

func (f *fakePlanChanger) ChangePlan(ctx context.Context, req planchange.Request) (*planchange.Result, error) {
	f.requests = append(f.requests, req)
	return f.result, f.err
}

func (f *fakePlanChanger) History(ctx context.Context, organizationID, subscriptionID string) ([]*planchange.Change, error) {
	if organizationID != "org_1" {
		return nil, billing.ErrSubscriptionNotFound
	}
	return f.history[subscriptionID], nil
}

type fakeCheckouts struct {
	started  []*checkout.StartRequest
	metadata map[string]*checkout.Metadata
	err      error
}

func (f *fakeCheckouts) Start(ctx context.Context, req *checkout.StartRequest) (*checkout.StartResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.started = append(f.started, req)
	return &checkout.StartResult{MetadataID: "meta_1", SessionRef: "cs_1", URL: "https://pay.example/cs_1"}, nil
}

func (f *fakeCheckouts) Get(ctx context.Context, organizationID, id string) (*checkout.Metadata, error) {
	if f.err != nil {
		return nil, f.err
	}
	m, ok := f.metadata[id]
	if !ok || m.OrganizationID != organizationID {
		return nil, checkout.ErrCheckoutNotFound
	}
	return m, nil
}

type fakeCustomers struct {
	upserts []*billing.UpsertCustomerRequest
	created bool
	deleted []string
	err     error
}

func (f *fakeCustomers) Upsert(ctx context.Context, req *billing.UpsertCustomerRequest) (*billing.Customer, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	f.upserts = append(f.upserts, req)
	return &billing.Customer{ID: "cus_1", OrganizationID: req.OrganizationID, Email: req.Email}, f.created, nil
}

func (f *fakeCustomers) SoftDelete(ctx context.Context, organizationID, id string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, organizationID+"/"+id)
	return nil
}

type fakeResyncer struct {
	calls  []string
	result subsync.ResyncResult
	err    error
}

func (f *fakeResyncer) ResyncEntitlements(ctx context.Context, organizationID, customerID string) (subsync.ResyncResult, error) {
	f.calls = append(f.calls, organizationID+"/"+customerID)
	return f.result, f.err
}

type fakeQueue struct {
	items    []*compensation.Item
	filters  []compensation.ListFilter
	resolved map[string]string
	err      error
}

func (f *fakeQueue) List(ctx context.Context, filter compensation.ListFilter) ([]*compensation.Item, error) {
	f.filters = append(f.filters, filter)
	return f.items, f.err
}

func (f *fakeQueue) Resolve(ctx context.Context, id, resolution string) error {
	if f.err != nil {
		return f.err
	}
	if id != "item_1" {
		return compensation.ErrItemNotFound
	}
	f.resolved[id] = resolution
	return nil
}

type apiFixture struct {
	changes   *fakePlanChanger
	checkouts *fakeCheckouts
	customers *fakeCustomers
	resync    *fakeResyncer
	queue     *fakeQueue
	webhooks  int
	metrics   *observability.Metrics
	handler   http.Handler
}

func newAPIFixture(t *testing.T, limiter middleware.Limiter) *apiFixture {
	t.Helper()
	f := &apiFixture{
		changes:   &fakePlanChanger{},
		checkouts: &fakeCheckouts{metadata: map[string]*checkout.Metadata{}},
		customers: &fakeCustomers{},
		resync:    &fakeResyncer{},
		queue:     &fakeQueue{resolved: map[string]string{}},
		metrics:   observability.NewTestMetrics(),
	}
	server := NewServer(Dependencies{
		Webhooks: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			f.webhooks++
			httputil.WriteSuccess(w, map[string]bool{"received": true})
		}),
		PlanChanges:    f.changes,
		Checkouts:      f.checkouts,
		Customers:      f.customers,
		Entitlements:   f.resync,
		Reconciliation: f.queue,
		Limiter:        limiter,
		Metrics:        f.metrics,
		Logger:         observability.NewNopLogger(),
	})
	f.handler = server.Handler()
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, org string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if org != "" {
		req.Header.Set(middleware.OrganizationHeader, org)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httputil.ErrorResponse {
	t.Helper()
	var resp httputil.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestPlanChangeRoutes(t *testing.T) {
	t.Run("preview is scoped to the organization", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		f.changes.preview = &planchange.Preview{SubscriptionID: "sub_1", ImmediatePayment: 667, Source: planchange.SourceProcessor}

		rec := f.do(t, http.MethodPost, "/v1/subscriptions/sub_1/change/preview", "org_1", ChangePlanRequest{TargetPriceID: "price_pro"})
		require.Equal(t, http.StatusOK, rec.Code)

		var preview planchange.Preview
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&preview))
		assert.Equal(t, int64(667), preview.ImmediatePayment)
		require.Len(t, f.changes.requests, 1)
		assert.Equal(t, planchange.Request{OrganizationID: "org_1", SubscriptionID: "sub_1", TargetPriceID: "price_pro"}, f.changes.requests[0])
		assert.NotEmpty(t, rec.Header().Get(httputil.RequestIDHeader))
	})

	t.Run("immediate change", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		f.changes.result = &planchange.Result{Change: &planchange.Change{ID: "chg_1", Status: planchange.StatusCompleted}}
		amount := int64(667)

		rec := f.do(t, http.MethodPost, "/v1/subscriptions/sub_1/change", "org_1", ChangePlanRequest{
			TargetPriceID:   "price_pro",
			Timing:          planchange.TimingImmediate,
			ConfirmedAmount: &amount,
		})
		assert.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, f.changes.requests, 1)
		assert.Equal(t, &amount, f.changes.requests[0].ConfirmedAmount)
		assert.Equal(t, planchange.TimingImmediate, f.changes.requests[0].Timing)
	})

	t.Run("scheduled change is accepted", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		f.changes.result = &planchange.Result{Change: &planchange.Change{ID: "chg_1", Status: planchange.StatusScheduled}}

		rec := f.do(t, http.MethodPost, "/v1/subscriptions/sub_1/change", "org_1", ChangePlanRequest{TargetPriceID: "price_basic"})
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("unknown body fields are rejected", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		rec := f.do(t, http.MethodPost, "/v1/subscriptions/sub_1/change", "org_1", map[string]string{"target_price": "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, f.changes.requests)
	})

	t.Run("history", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		f.changes.history = map[string][]*planchange.Change{
			"sub_1": {{ID: "chg_2", Status: planchange.StatusScheduled}, {ID: "chg_1", Status: planchange.StatusCompleted}},
		}

		rec := f.do(t, http.MethodGet, "/v1/subscriptions/sub_1/changes", "org_1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Changes []planchange.Change `json:"changes"`
			Count   int                 `json:"count"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, 2, body.Count)
		assert.Equal(t, "chg_2", body.Changes[0].ID)

		rec = f.do(t, http.MethodGet, "/v1/subscriptions/sub_9/changes", "org_1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"changes":[],"count":0}`, rec.Body.String())

		rec = f.do(t, http.MethodGet, "/v1/subscriptions/sub_1/changes", "org_2", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing organization", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		rec := f.do(t, http.MethodPost, "/v1/subscriptions/sub_1/change", "", ChangePlanRequest{TargetPriceID: "price_pro"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, f.changes.requests)
	})
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		kind    string
		message string
	}{
		{"validation", planchange.ErrSamePlan, http.StatusBadRequest, "validation", "subscription is already on this price"},
		{"not found", billing.ErrSubscriptionNotFound, http.StatusNotFound, "not_found", "subscription not found"},
		{"conflict", billing.NewError(billing.KindConflict, "customer exists", errors.New("23505")), http.StatusConflict, "conflict", "customer exists"},
		{"transient", billing.NewError(billing.KindTransient, "processor unavailable", errors.New("503")), http.StatusServiceUnavailable, "transient", "processor unavailable"},
		{"compensated", billing.NewError(billing.KindCompensated, "plan change was rolled back", errors.New("db down")), http.StatusBadGateway, "compensated", "plan change was rolled back"},
		{"internal", errors.New("pq: connection reset with secret dsn"), http.StatusInternalServerError, "internal", "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t, nil)
			f.changes.err = tt.err

			rec := f.do(t, http.MethodPost, "/v1/subscriptions/sub_1/change/preview", "org_1", ChangePlanRequest{TargetPriceID: "price_pro"})
			assert.Equal(t, tt.status, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, tt.kind, resp.Kind)
			assert.Equal(t, tt.message, resp.Error)
			assert.Equal(t, rec.Header().Get(httputil.RequestIDHeader), resp.RequestID)
		})
	}
}

func TestCheckoutRoutes(t *testing.T) {
	t.Run("start fills the organization", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		rec := f.do(t, http.MethodPost, "/v1/checkout", "org_1", map[string]string{
			"price_id":    "price_pro",
			"email":       "buyer@example.com",
			"success_url": "https://app.example/ok",
			"cancel_url":  "https://app.example/cancel",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		require.Len(t, f.checkouts.started, 1)
		assert.Equal(t, "org_1", f.checkouts.started[0].OrganizationID)

		var result checkout.StartResult
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
		assert.Equal(t, "meta_1", result.MetadataID)
	})

	t.Run("start rejects another organization", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		rec := f.do(t, http.MethodPost, "/v1/checkout", "org_1", map[string]string{
			"organization_id": "org_2",
			"price_id":        "price_pro",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, f.checkouts.started)
	})

	t.Run("get", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		f.checkouts.metadata["meta_1"] = &checkout.Metadata{ID: "meta_1", OrganizationID: "org_1", Status: checkout.StatusPending}

		rec := f.do(t, http.MethodGet, "/v1/checkout/meta_1", "org_1", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = f.do(t, http.MethodGet, "/v1/checkout/meta_1", "org_2", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("expired", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		f.checkouts.err = fmt.Errorf("load: %w", checkout.ErrCheckoutExpired)

		rec := f.do(t, http.MethodGet, "/v1/checkout/meta_1", "org_1", nil)
		assert.Equal(t, http.StatusGone, rec.Code)
		assert.Equal(t, "expired", decodeError(t, rec).Kind)
	})
}

func TestCustomerRoutes(t *testing.T) {
	t.Run("upsert creates", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		f.customers.created = true

		rec := f.do(t, http.MethodPut, "/v1/customers", "org_1", map[string]string{"email": "a@example.com"})
		assert.Equal(t, http.StatusCreated, rec.Code)
		require.Len(t, f.customers.upserts, 1)
		assert.Equal(t, "org_1", f.customers.upserts[0].OrganizationID)
	})

	t.Run("upsert updates", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		rec := f.do(t, http.MethodPut, "/v1/customers", "org_1", map[string]string{"email": "a@example.com"})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("upsert conflict", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		f.customers.err = billing.NewError(billing.KindConflict, billing.ErrDuplicateCustomer.Error(), nil)
		rec := f.do(t, http.MethodPut, "/v1/customers", "org_1", map[string]string{"email": "a@example.com"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		rec := f.do(t, http.MethodDelete, "/v1/customers/cus_1", "org_1", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, []string{"org_1/cus_1"}, f.customers.deleted)
	})

	t.Run("resync", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		f.resync.result = subsync.ResyncResult{Granted: 2, Revoked: 1}

		rec := f.do(t, http.MethodPost, "/v1/customers/cus_1/entitlements/resync", "org_1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var result subsync.ResyncResult
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
		assert.Equal(t, f.resync.result, result)
		assert.Equal(t, []string{"org_1/cus_1"}, f.resync.calls)
	})
}

func TestReconciliationRoutes(t *testing.T) {
	t.Run("list", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		f.queue.items = []*compensation.Item{{ID: "item_1", Type: compensation.ItemCompensationFailed, Priority: compensation.PriorityCritical, CreatedAt: time.Now()}}

		rec := f.do(t, http.MethodGet, "/v1/reconciliation?limit=10", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Items []*compensation.Item `json:"items"`
			Count int                  `json:"count"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, 1, body.Count)
		assert.Equal(t, []compensation.ListFilter{{Status: compensation.ItemStatusOpen, Limit: 10}}, f.queue.filters)
	})

	t.Run("list rejects bad filters", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/reconciliation?status=pending", "", nil).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/reconciliation?limit=1000", "", nil).Code)
		assert.Empty(t, f.queue.filters)
	})

	t.Run("resolve", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		rec := f.do(t, http.MethodPost, "/v1/reconciliation/item_1/resolve", "", ResolveRequest{Resolution: "refunded manually"})
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "refunded manually", f.queue.resolved["item_1"])

		rec = f.do(t, http.MethodPost, "/v1/reconciliation/item_9/resolve", "", ResolveRequest{Resolution: "x"})
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = f.do(t, http.MethodPost, "/v1/reconciliation/item_1/resolve", "", ResolveRequest{Resolution: "  "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestWebhookRoute(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/webhooks/stripe", "", map[string]string{"id": "evt_1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.webhooks)

	rec = f.do(t, http.MethodPost, "/v1/webhooks/paypal", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1, f.webhooks)
}

func TestRateLimitAppliesToTenantRoutes(t *testing.T) {
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Hour})
	f := newAPIFixture(t, limiter)
	f.changes.preview = &planchange.Preview{}

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/subscriptions/sub_1/change/preview", "org_1", ChangePlanRequest{TargetPriceID: "p"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodPost, "/v1/subscriptions/sub_1/change/preview", "org_1", ChangePlanRequest{TargetPriceID: "p"}).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/subscriptions/sub_1/change/preview", "org_2", ChangePlanRequest{TargetPriceID: "p"}).Code)

	// Processor deliveries are never limited
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/webhooks/stripe", "", nil).Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/v1/nothing", "org_1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPMetricsUseRouteTemplates(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.changes.preview = &planchange.Preview{}

	f.do(t, http.MethodPost, "/v1/subscriptions/sub_1/change/preview", "org_1", ChangePlanRequest{TargetPriceID: "p"})
	f.do(t, http.MethodPost, "/v1/subscriptions/sub_2/change/preview", "org_1", ChangePlanRequest{TargetPriceID: "p"})

	assert.Equal(t, float64(2), testutil.ToFloat64(
		f.metrics.HTTPRequestsTotal.WithLabelValues(http.MethodPost, "/v1/subscriptions/{id}/change/preview", "200")))
}

func TestOpsRouter(t *testing.T) {
	router := NewOpsRouter(observability.NewHealthChecker(nil, nil), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
