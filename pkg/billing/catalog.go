package billing

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/subledger/pkg/observability"
)

// CatalogSource loads catalog rows from the datastore
type CatalogSource interface {
	GetPrice(ctx context.Context, id string) (*Price, error)
	GetProduct(ctx context.Context, id string) (*Product, error)
}

// PriceCatalog caches prices and products. Catalog rows are effectively
// immutable once published, so a short TTL bounds staleness after edits.
type PriceCatalog struct {
	source   CatalogSource
	prices   *lru.LRU[string, *Price]
	products *lru.LRU[string, *Product]
	group    singleflight.Group
	metrics  *observability.Metrics
}

// CatalogConfig sizes the catalog cache
type CatalogConfig struct {
	MaxEntries int           `json:"max_entries" yaml:"max_entries"`
	TTL        time.Duration `json:"ttl" yaml:"ttl"`
}

// DefaultCatalogConfig returns the default cache sizing
func DefaultCatalogConfig() CatalogConfig {
	return CatalogConfig{
		MaxEntries: 1000,
		TTL:        5 * time.Minute,
	}
}

// NewPriceCatalog creates a cached catalog over source
func NewPriceCatalog(source CatalogSource, config CatalogConfig, metrics *observability.Metrics) *PriceCatalog {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultCatalogConfig().MaxEntries
	}
	return &PriceCatalog{
		source:   source,
		prices:   lru.NewLRU[string, *Price](config.MaxEntries, nil, config.TTL),
		products: lru.NewLRU[string, *Product](config.MaxEntries, nil, config.TTL),
		metrics:  metrics,
	}
}

func (c *PriceCatalog) record(cacheType string, hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.CacheHitsTotal.WithLabelValues(cacheType).Inc()
	} else {
		c.metrics.CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
}

// Price returns a price, loading it at most once for concurrent callers
func (c *PriceCatalog) Price(ctx context.Context, id string) (*Price, error) {
	if price, ok := c.prices.Get(id); ok {
		c.record("price", true)
		return price, nil
	}
	c.record("price", false)

	v, err, _ := c.group.Do("price:"+id, func() (interface{}, error) {
		price, err := c.source.GetPrice(ctx, id)
		if err != nil {
			return nil, err
		}
		c.prices.Add(id, price)
		return price, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Price), nil
}

// Product returns a product, loading it at most once for concurrent callers
func (c *PriceCatalog) Product(ctx context.Context, id string) (*Product, error) {
	if product, ok := c.products.Get(id); ok {
		c.record("product", true)
		return product, nil
	}
	c.record("product", false)

	v, err, _ := c.group.Do("product:"+id, func() (interface{}, error) {
		product, err := c.source.GetProduct(ctx, id)
		if err != nil {
			return nil, err
		}
		c.products.Add(id, product)
		return product, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Product), nil
}

// PricePair loads the current and target prices concurrently
func (c *PriceCatalog) PricePair(ctx context.Context, currentID, targetID string) (*Price, *Price, error) {
	var current, target *Price
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		current, err = c.Price(gctx, currentID)
		if err != nil {
			return fmt.Errorf("failed to load current price: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		target, err = c.Price(gctx, targetID)
		if err != nil {
			return fmt.Errorf("failed to load target price: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return current, target, nil
}

// Invalidate drops a cached price and product
func (c *PriceCatalog) Invalidate(priceID, productID string) {
	if priceID != "" {
		c.prices.Remove(priceID)
	}
	if productID != "" {
		c.products.Remove(productID)
	}
}
