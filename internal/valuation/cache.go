// Package valuation computes per-market values through each market's
// balance fuse and aggregates them with the idle balance into total net
// worth. Cached per-market values are invalidated through the dependency
// graph before any subsequent read.
package valuation

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/custodia/vault-engine/internal/model"
)

// Cache stores already-computed per-market values. Implementations must be
// safe to lose: a miss only costs a recomputation. Delete is the one
// operation that must not fail silently — a swallowed Delete leaves a stale
// hit that the next read would serve as truth, so implementations report
// the failure and the caller decides whether to proceed.
type Cache interface {
	Get(ctx context.Context, market model.MarketID) (decimal.Decimal, bool)
	Set(ctx context.Context, market model.MarketID, value decimal.Decimal)
	Delete(ctx context.Context, markets ...model.MarketID) error
}

// MemoryCache is the in-process cache used in tests and single-node
// deployments.
type MemoryCache struct {
	values map[model.MarketID]decimal.Decimal
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{values: make(map[model.MarketID]decimal.Decimal)}
}

func (c *MemoryCache) Get(_ context.Context, market model.MarketID) (decimal.Decimal, bool) {
	v, ok := c.values[market]
	return v, ok
}

func (c *MemoryCache) Set(_ context.Context, market model.MarketID, value decimal.Decimal) {
	c.values[market] = value
}

func (c *MemoryCache) Delete(_ context.Context, markets ...model.MarketID) error {
	for _, m := range markets {
		delete(c.values, m)
	}
	return nil
}
