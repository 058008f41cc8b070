package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/processor"
)

// memoryStore mirrors the claim rules of Store
type memoryStore struct {
	mu        sync.Mutex
	rows      map[string]*Metadata
	createErr error
	updates   []Status
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: map[string]*Metadata{}}
}

func (m *memoryStore) Create(ctx context.Context, params CreateParams) (*Metadata, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row := &Metadata{
		ID:                 "meta_1",
		OrganizationID:     params.OrganizationID,
		CustomerID:         params.CustomerID,
		ExternalCustomerID: params.ExternalCustomerID,
		ProductID:          params.Price.ProductID,
		PriceID:            params.Price.ID,
		Email:              params.Email,
		Name:               params.Name,
		Amount:             params.Price.Amount,
		Currency:           params.Price.Currency,
		Status:             StatusPending,
		ExpiresAt:          time.Now().Add(time.Hour),
	}
	m.rows[row.ID] = row
	cp := *row
	return &cp, nil
}

func (m *memoryStore) Get(ctx context.Context, id string) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, ErrCheckoutNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memoryStore) LinkToCheckoutRef(ctx context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return ErrCheckoutNotFound
	}
	row.CheckoutSessionRef = &ref
	return nil
}

func (m *memoryStore) UpdateStatus(ctx context.Context, id string, status Status, subscriptionID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return ErrCheckoutNotFound
	}
	row.Status = status
	if subscriptionID != nil {
		row.SubscriptionID = subscriptionID
	}
	m.updates = append(m.updates, status)
	return nil
}

func (m *memoryStore) Claim(ctx context.Context, id string) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, ErrCheckoutNotFound
	}
	if row.Status != StatusPending && row.Status != StatusExpired {
		return nil, ErrAlreadyClaimed
	}
	row.Status = StatusProcessing
	cp := *row
	return &cp, nil
}

type fakePrices map[string]*billing.Price

func (f fakePrices) Price(ctx context.Context, id string) (*billing.Price, error) {
	p, ok := f[id]
	if !ok {
		return nil, billing.ErrPriceNotFound
	}
	return p, nil
}

type fakeDirectory struct {
	customers map[string]*billing.Customer
	accounts  map[string]*billing.ProcessorAccount
}

func (f *fakeDirectory) GetCustomer(ctx context.Context, id string) (*billing.Customer, error) {
	c, ok := f.customers[id]
	if !ok {
		return nil, billing.ErrCustomerNotFound
	}
	return c, nil
}

func (f *fakeDirectory) GetAccountByOrganization(ctx context.Context, organizationID string) (*billing.ProcessorAccount, error) {
	a, ok := f.accounts[organizationID]
	if !ok {
		return nil, billing.ErrAccountNotFound
	}
	return a, nil
}

type fakeSessions struct {
	err      error
	requests []processor.CheckoutSessionRequest
	accounts []string
}

func (f *fakeSessions) CreateCheckoutSession(ctx context.Context, account string, req processor.CheckoutSessionRequest) (*processor.CheckoutSession, error) {
	f.accounts = append(f.accounts, account)
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &processor.CheckoutSession{Ref: "cs_1", URL: "https://checkout.example.com/cs_1"}, nil
}

type serviceFixture struct {
	svc       *Service
	store     *memoryStore
	prices    fakePrices
	directory *fakeDirectory
	sessions  *fakeSessions
	metrics   *observability.Metrics
}

func strRef(s string) *string {
	return &s
}

func newServiceFixture() *serviceFixture {
	f := &serviceFixture{
		store: newMemoryStore(),
		prices: fakePrices{
			"price_pro": {ID: "price_pro", OrganizationID: "org_1", ProductID: "prod_pro", Amount: 3000,
				Currency: "usd", Interval: billing.IntervalMonth, Active: true, ProcessorPriceRef: strRef("price_stripe_pro")},
			"price_free": {ID: "price_free", OrganizationID: "org_1", ProductID: "prod_free", Currency: "usd",
				Interval: billing.IntervalMonth, Active: true},
			"price_other": {ID: "price_other", OrganizationID: "org_2", ProductID: "prod_x", Amount: 100,
				Currency: "usd", Interval: billing.IntervalMonth, Active: true, ProcessorPriceRef: strRef("price_stripe_x")},
			"price_retired": {ID: "price_retired", OrganizationID: "org_1", ProductID: "prod_pro", Amount: 100,
				Currency: "usd", Interval: billing.IntervalMonth, ProcessorPriceRef: strRef("price_stripe_old")},
		},
		directory: &fakeDirectory{
			customers: map[string]*billing.Customer{
				"cus_1": {ID: "cus_1", OrganizationID: "org_1", Email: "buyer@example.com", ProcessorCustomerRef: strRef("cus_stripe_1")},
			},
			accounts: map[string]*billing.ProcessorAccount{
				"org_1": {OrganizationID: "org_1", AccountRef: "acct_1", ChargesEnabled: true},
			},
		},
		sessions: &fakeSessions{},
		metrics:  observability.NewTestMetrics(),
	}
	f.svc = NewService(f.store, f.prices, f.directory, f.sessions, nil, f.metrics)
	return f
}

func validRequest() *StartRequest {
	return &StartRequest{
		OrganizationID: "org_1",
		PriceID:        "price_pro",
		Email:          "buyer@example.com",
		Name:           "Buyer",
		SuccessURL:     "https://app.example.com/ok",
		CancelURL:      "https://app.example.com/cancel",
	}
}

func TestServiceStart(t *testing.T) {
	t.Run("processor receives only the metadata id", func(t *testing.T) {
		f := newServiceFixture()
		res, err := f.svc.Start(context.Background(), validRequest())
		require.NoError(t, err)

		assert.Equal(t, "meta_1", res.MetadataID)
		assert.Equal(t, "cs_1", res.SessionRef)
		require.Len(t, f.sessions.requests, 1)
		req := f.sessions.requests[0]
		assert.Equal(t, "meta_1", req.MetadataID)
		assert.Equal(t, "price_stripe_pro", req.PriceRef)
		assert.Empty(t, req.CustomerRef)
		assert.Equal(t, res.ExpiresAt, req.ExpiresAt)
		assert.Equal(t, []string{"acct_1"}, f.sessions.accounts)

		row := f.store.rows["meta_1"]
		assert.Equal(t, "buyer@example.com", row.Email)
		assert.Equal(t, int64(3000), row.Amount)
		require.NotNil(t, row.CheckoutSessionRef)
		assert.Equal(t, "cs_1", *row.CheckoutSessionRef)
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CheckoutsTotal.WithLabelValues("pending")))
	})

	t.Run("known customer reuses processor customer", func(t *testing.T) {
		f := newServiceFixture()
		req := validRequest()
		req.CustomerID = strRef("cus_1")
		_, err := f.svc.Start(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "cus_stripe_1", f.sessions.requests[0].CustomerRef)
	})

	t.Run("tenant without connected account uses platform", func(t *testing.T) {
		f := newServiceFixture()
		delete(f.directory.accounts, "org_1")
		_, err := f.svc.Start(context.Background(), validRequest())
		require.NoError(t, err)
		assert.Equal(t, []string{""}, f.sessions.accounts)
	})

	tests := []struct {
		name   string
		mutate func(f *serviceFixture, req *StartRequest)
	}{
		{"invalid email", func(f *serviceFixture, req *StartRequest) { req.Email = "not-an-email" }},
		{"missing success url", func(f *serviceFixture, req *StartRequest) { req.SuccessURL = "" }},
		{"unknown price", func(f *serviceFixture, req *StartRequest) { req.PriceID = "price_missing" }},
		{"cross tenant price", func(f *serviceFixture, req *StartRequest) { req.PriceID = "price_other" }},
		{"inactive price", func(f *serviceFixture, req *StartRequest) { req.PriceID = "price_retired" }},
		{"free price", func(f *serviceFixture, req *StartRequest) { req.PriceID = "price_free" }},
		{"cross tenant customer", func(f *serviceFixture, req *StartRequest) {
			f.directory.customers["cus_1"].OrganizationID = "org_2"
			req.CustomerID = strRef("cus_1")
		}},
		{"charges disabled", func(f *serviceFixture, req *StartRequest) {
			f.directory.accounts["org_1"].ChargesEnabled = false
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture()
			req := validRequest()
			tt.mutate(f, req)

			_, err := f.svc.Start(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, billing.KindValidation, billing.KindOf(err))
			assert.Empty(t, f.store.rows)
			assert.Empty(t, f.sessions.requests)
		})
	}

	t.Run("processor failure marks metadata failed", func(t *testing.T) {
		f := newServiceFixture()
		f.sessions.err = errors.New("stripe unavailable")

		_, err := f.svc.Start(context.Background(), validRequest())
		assert.Equal(t, billing.KindTransient, billing.KindOf(err))
		assert.Equal(t, StatusFailed, f.store.rows["meta_1"].Status)
		assert.NotContains(t, billing.PublicMessage(err), "stripe unavailable")
	})
}

func TestServiceGet(t *testing.T) {
	f := newServiceFixture()
	_, err := f.svc.Start(context.Background(), validRequest())
	require.NoError(t, err)

	m, err := f.svc.Get(context.Background(), "org_1", "meta_1")
	require.NoError(t, err)
	assert.Equal(t, "price_pro", m.PriceID)

	_, err = f.svc.Get(context.Background(), "org_2", "meta_1")
	assert.ErrorIs(t, err, ErrCheckoutNotFound)
}
