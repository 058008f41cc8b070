package billing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/subledger/pkg/observability"
)

type mockCatalogSource struct {
	priceCalls   atomic.Int32
	productCalls atomic.Int32
	getPriceFunc func(id string) (*Price, error)
	delay        time.Duration
}

func (m *mockCatalogSource) GetPrice(ctx context.Context, id string) (*Price, error) {
	m.priceCalls.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.getPriceFunc != nil {
		return m.getPriceFunc(id)
	}
	return &Price{ID: id, Amount: 1000, Currency: "usd", Interval: IntervalMonth}, nil
}

func (m *mockCatalogSource) GetProduct(ctx context.Context, id string) (*Product, error) {
	m.productCalls.Add(1)
	return &Product{ID: id, Name: "Pro"}, nil
}

func TestPriceCatalog_CachesPrices(t *testing.T) {
	source := &mockCatalogSource{}
	metrics := observability.NewTestMetrics()
	catalog := NewPriceCatalog(source, DefaultCatalogConfig(), metrics)

	for i := 0; i < 3; i++ {
		price, err := catalog.Price(context.Background(), "price_1")
		require.NoError(t, err)
		assert.Equal(t, "price_1", price.ID)
	}

	assert.Equal(t, int32(1), source.priceCalls.Load())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("price")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("price")))

	catalog.Invalidate("price_1", "")
	_, err := catalog.Price(context.Background(), "price_1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), source.priceCalls.Load())
}

func TestPriceCatalog_CollapsesConcurrentMisses(t *testing.T) {
	source := &mockCatalogSource{delay: 50 * time.Millisecond}
	catalog := NewPriceCatalog(source, DefaultCatalogConfig(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := catalog.Price(context.Background(), "price_hot")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), source.priceCalls.Load())
}

func TestPriceCatalog_ErrorsAreNotCached(t *testing.T) {
	source := &mockCatalogSource{
		getPriceFunc: func(id string) (*Price, error) {
			return nil, ErrPriceNotFound
		},
	}
	catalog := NewPriceCatalog(source, DefaultCatalogConfig(), nil)

	_, err := catalog.Price(context.Background(), "price_x")
	assert.ErrorIs(t, err, ErrPriceNotFound)
	_, err = catalog.Price(context.Background(), "price_x")
	assert.ErrorIs(t, err, ErrPriceNotFound)
	assert.Equal(t, int32(2), source.priceCalls.Load())
}

func TestPriceCatalog_PricePair(t *testing.T) {
	t.Run("loads both", func(t *testing.T) {
		catalog := NewPriceCatalog(&mockCatalogSource{}, DefaultCatalogConfig(), nil)
		current, target, err := catalog.PricePair(context.Background(), "price_a", "price_b")
		require.NoError(t, err)
		assert.Equal(t, "price_a", current.ID)
		assert.Equal(t, "price_b", target.ID)
	})

	t.Run("fails when either fails", func(t *testing.T) {
		source := &mockCatalogSource{
			getPriceFunc: func(id string) (*Price, error) {
				if id == "price_b" {
					return nil, errors.New("boom")
				}
				return &Price{ID: id}, nil
			},
		}
		catalog := NewPriceCatalog(source, DefaultCatalogConfig(), nil)
		_, _, err := catalog.PricePair(context.Background(), "price_a", "price_b")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "target price")
	})
}

func TestPriceCatalog_Product(t *testing.T) {
	source := &mockCatalogSource{}
	catalog := NewPriceCatalog(source, CatalogConfig{}, nil)

	for i := 0; i < 2; i++ {
		product, err := catalog.Product(context.Background(), "prod_1")
		require.NoError(t, err)
		assert.Equal(t, "Pro", product.Name)
	}
	assert.Equal(t, int32(1), source.productCalls.Load())
}
