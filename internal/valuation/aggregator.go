package valuation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/custodia/vault-engine/internal/book"
	"github.com/custodia/vault-engine/internal/depgraph"
	"github.com/custodia/vault-engine/internal/fuse"
	"github.com/custodia/vault-engine/internal/metrics"
	"github.com/custodia/vault-engine/internal/model"
	"github.com/custodia/vault-engine/internal/registry"
)

var ErrValuationUnavailable = errors.New("valuation: market value unavailable")

// Policy decides what a broken balance fuse does to an aggregate read.
//
// Fail-closed aborts the whole read and is mandatory for any operation that
// moves assets: a venue returning garbage must never be usable to extract
// value during a state change. Fail-open treats the broken market as zero
// and is used only for informational reads, so one frozen venue cannot turn
// every dashboard and share-price estimate into a denial of service.
type Policy int

const (
	PolicyFailClosed Policy = iota
	PolicyFailOpen
)

func (p Policy) String() string {
	if p == PolicyFailOpen {
		return "fail_open"
	}
	return "fail_closed"
}

// Aggregator computes per-market values and total net worth.
type Aggregator struct {
	fuses *registry.FuseRegistry
	graph *depgraph.Graph
	cache Cache
}

// NewAggregator wires the aggregator to the balance-fuse registry, the
// dependency graph, and a valuation cache.
func NewAggregator(fuses *registry.FuseRegistry, graph *depgraph.Graph, cache Cache) *Aggregator {
	return &Aggregator{fuses: fuses, graph: graph, cache: cache}
}

// MarketValue returns the market's value in the accounting unit, serving
// from cache when the entry has not been invalidated. Markets without a
// balance fuse (and therefore without positions) value to zero.
func (a *Aggregator) MarketValue(ctx context.Context, b *book.Book, market model.MarketID) (decimal.Decimal, error) {
	f, ok := a.fuses.BalanceFuse(market)
	if !ok {
		return decimal.Zero, nil
	}
	if v, hit := a.cache.Get(ctx, market); hit {
		return v, nil
	}
	v, err := safeMarketValue(ctx, f, b, market)
	if err != nil {
		metrics.ValuationErrors.Inc()
		return decimal.Zero, fmt.Errorf("%w: market %d: %v", ErrValuationUnavailable, market, err)
	}
	a.cache.Set(ctx, market, v)
	return v, nil
}

// TotalAssets returns idle balance plus the sum of every balance-fuse
// market's value, under the given failure policy.
func (a *Aggregator) TotalAssets(ctx context.Context, b *book.Book, policy Policy) (decimal.Decimal, error) {
	total := b.Idle()
	for _, market := range a.fuses.BalanceMarkets() {
		v, err := a.MarketValue(ctx, b, market)
		if err != nil {
			if policy == PolicyFailClosed {
				return decimal.Zero, err
			}
			slog.Warn("market valuation failed, counting as zero",
				"market", market, "policy", policy.String(), "err", err)
			continue
		}
		total = total.Add(v)
	}
	return total, nil
}

// Invalidate drops cached values for the given markets and every market
// the dependency graph declares stale, in a single pass. A failed drop is
// returned as ErrValuationUnavailable: until the entries are gone, any read
// could serve pre-change values, so callers on a value-moving path abort.
func (a *Aggregator) Invalidate(ctx context.Context, markets ...model.MarketID) error {
	seen := make(map[model.MarketID]struct{})
	var stale []model.MarketID
	for _, m := range markets {
		for _, s := range a.graph.Stale(m) {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			stale = append(stale, s)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if err := a.cache.Delete(ctx, stale...); err != nil {
		metrics.ValuationErrors.Inc()
		return fmt.Errorf("%w: invalidate: %v", ErrValuationUnavailable, err)
	}
	return nil
}

// safeMarketValue converts a balance-fuse panic into an error so one broken
// venue integration cannot take the whole engine down.
func safeMarketValue(ctx context.Context, f fuse.BalanceFuse, b *book.Book, market model.MarketID) (v decimal.Decimal, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = decimal.Zero
			err = fmt.Errorf("balance fuse panicked: %v", r)
		}
	}()
	return f.MarketValue(ctx, b, market)
}
