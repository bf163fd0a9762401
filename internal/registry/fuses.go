package registry

import (
	"fmt"
	"sort"

	"github.com/custodia/vault-engine/internal/fuse"
	"github.com/custodia/vault-engine/internal/model"
)

// FuseRegistry is the global whitelist of approved strategy fuses plus the
// single balance fuse assigned to each market. Fuse identity is global;
// instructions declare at call time which market and substrate a fuse acts
// on.
type FuseRegistry struct {
	fuses   map[string]fuse.StrategyFuse
	balance map[model.MarketID]fuse.BalanceFuse
}

// NewFuseRegistry creates an empty registry.
func NewFuseRegistry() *FuseRegistry {
	return &FuseRegistry{
		fuses:   make(map[string]fuse.StrategyFuse),
		balance: make(map[model.MarketID]fuse.BalanceFuse),
	}
}

// AddFuses approves strategy fuses. Idempotent by fuse ID: returns the
// count actually added.
func (r *FuseRegistry) AddFuses(fuses ...fuse.StrategyFuse) int {
	changed := 0
	for _, f := range fuses {
		if _, exists := r.fuses[f.ID()]; exists {
			continue
		}
		r.fuses[f.ID()] = f
		changed++
	}
	return changed
}

// RemoveFuses revokes approval. referenced reports whether a fuse ID is
// currently configured in the withdrawal cascade; removal of such a fuse
// hard-fails with ErrStillReferenced and the whole call is a no-op — the
// cascade must be reconfigured first. This is the documented deterministic
// policy; there is no implicit cascade cleanup.
func (r *FuseRegistry) RemoveFuses(referenced func(fuseID string) bool, ids ...string) (int, error) {
	if referenced != nil {
		for _, id := range ids {
			if _, exists := r.fuses[id]; exists && referenced(id) {
				return 0, fmt.Errorf("%w: %s", ErrStillReferenced, id)
			}
		}
	}
	changed := 0
	for _, id := range ids {
		if _, exists := r.fuses[id]; !exists {
			continue
		}
		delete(r.fuses, id)
		changed++
	}
	return changed, nil
}

// Fuse resolves an approved fuse by ID.
func (r *FuseRegistry) Fuse(id string) (fuse.StrategyFuse, bool) {
	f, ok := r.fuses[id]
	return f, ok
}

// IsApproved reports whether a fuse identity is whitelisted. Pure read.
func (r *FuseRegistry) IsApproved(id string) bool {
	_, ok := r.fuses[id]
	return ok
}

// FuseIDs returns approved fuse identities in stable order.
func (r *FuseRegistry) FuseIDs() []string {
	out := make([]string, 0, len(r.fuses))
	for id := range r.fuses {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SetBalanceFuse assigns or replaces the market's valuation fuse.
func (r *FuseRegistry) SetBalanceFuse(market model.MarketID, f fuse.BalanceFuse) {
	r.balance[market] = f
}

// RemoveBalanceFuse unassigns a market's valuation fuse. hasPositions guards
// the invariant that a market holding positions always has a balance fuse —
// a configuration error prevented here, not discovered at valuation time.
func (r *FuseRegistry) RemoveBalanceFuse(market model.MarketID, hasPositions func(model.MarketID) bool) error {
	if _, ok := r.balance[market]; !ok {
		return nil
	}
	if hasPositions != nil && hasPositions(market) {
		return fmt.Errorf("%w: market %d", ErrMarketHasPositions, market)
	}
	delete(r.balance, market)
	return nil
}

// BalanceFuse resolves the market's valuation fuse.
func (r *FuseRegistry) BalanceFuse(market model.MarketID) (fuse.BalanceFuse, bool) {
	f, ok := r.balance[market]
	return f, ok
}

// BalanceMarkets returns every market with a balance fuse, sorted. This is
// the aggregation domain of totalAssets.
func (r *FuseRegistry) BalanceMarkets() []model.MarketID {
	out := make([]model.MarketID, 0, len(r.balance))
	for m := range r.balance {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot exports fuse IDs and balance assignments for config persistence.
func (r *FuseRegistry) Snapshot() ([]string, map[model.MarketID]string) {
	balance := make(map[model.MarketID]string, len(r.balance))
	for m, f := range r.balance {
		balance[m] = f.ID()
	}
	return r.FuseIDs(), balance
}

// Restore re-binds persisted fuse IDs to concrete implementations from the
// catalog. Unknown IDs fail loudly rather than silently dropping approvals.
func (r *FuseRegistry) Restore(catalog *fuse.Catalog, fuseIDs []string, balance map[model.MarketID]string) error {
	fuses := make(map[string]fuse.StrategyFuse, len(fuseIDs))
	for _, id := range fuseIDs {
		f, ok := catalog.Strategy[id]
		if !ok {
			return fmt.Errorf("%w: %s not in catalog", ErrFuseNotApproved, id)
		}
		fuses[id] = f
	}
	balances := make(map[model.MarketID]fuse.BalanceFuse, len(balance))
	for market, id := range balance {
		f, ok := catalog.Balance[id]
		if !ok {
			return fmt.Errorf("%w: market %d balance fuse %s not in catalog", ErrNoBalanceFuse, market, id)
		}
		balances[market] = f
	}
	r.fuses = fuses
	r.balance = balances
	return nil
}
