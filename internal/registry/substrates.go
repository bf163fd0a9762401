// Package registry holds the engine's whitelists: which substrates each
// market may touch, which strategy fuses are approved, and which balance
// fuse values each market. Every mutation is gated by a separately named
// authorization operation at the service layer; the registries themselves
// are plain owned state injected into the engine.
package registry

import (
	"errors"
	"sort"

	"github.com/custodia/vault-engine/internal/model"
)

var (
	ErrSubstrateNotGranted = errors.New("registry: substrate not granted for market")
	ErrFuseNotApproved     = errors.New("registry: fuse not approved")
	ErrStillReferenced     = errors.New("registry: fuse still referenced by withdrawal cascade")
	ErrNoBalanceFuse       = errors.New("registry: market has no balance fuse")
	ErrMarketHasPositions  = errors.New("registry: market still holds positions")
)

// SubstrateRegistry is the per-market whitelist of instrument identifiers.
// Membership is binary; a market exists implicitly once anything is granted
// under it.
type SubstrateRegistry struct {
	grants map[model.MarketID]map[model.Substrate]struct{}
}

// NewSubstrateRegistry creates an empty registry.
func NewSubstrateRegistry() *SubstrateRegistry {
	return &SubstrateRegistry{grants: make(map[model.MarketID]map[model.Substrate]struct{})}
}

// Grant whitelists substrates under a market. Idempotent: returns the count
// of entries actually added so callers can detect no-ops.
func (r *SubstrateRegistry) Grant(market model.MarketID, subs ...model.Substrate) int {
	set, ok := r.grants[market]
	if !ok {
		set = make(map[model.Substrate]struct{})
		r.grants[market] = set
	}
	changed := 0
	for _, sub := range subs {
		if _, exists := set[sub]; exists {
			continue
		}
		set[sub] = struct{}{}
		changed++
	}
	return changed
}

// Revoke removes substrates from a market's whitelist. Idempotent: returns
// the count actually removed.
func (r *SubstrateRegistry) Revoke(market model.MarketID, subs ...model.Substrate) int {
	set, ok := r.grants[market]
	if !ok {
		return 0
	}
	changed := 0
	for _, sub := range subs {
		if _, exists := set[sub]; !exists {
			continue
		}
		delete(set, sub)
		changed++
	}
	if len(set) == 0 {
		delete(r.grants, market)
	}
	return changed
}

// IsGranted reports whitelist membership. Pure read.
func (r *SubstrateRegistry) IsGranted(market model.MarketID, sub model.Substrate) bool {
	_, ok := r.grants[market][sub]
	return ok
}

// Granted returns the market's whitelisted substrates in stable order.
func (r *SubstrateRegistry) Granted(market model.MarketID) []model.Substrate {
	set := r.grants[market]
	out := make([]model.Substrate, 0, len(set))
	for sub := range set {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Markets returns every market with at least one grant, sorted.
func (r *SubstrateRegistry) Markets() []model.MarketID {
	out := make([]model.MarketID, 0, len(r.grants))
	for m := range r.grants {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot exports all grants for config persistence.
func (r *SubstrateRegistry) Snapshot() map[model.MarketID][]model.Substrate {
	out := make(map[model.MarketID][]model.Substrate, len(r.grants))
	for m := range r.grants {
		out[m] = r.Granted(m)
	}
	return out
}

// Restore replaces all grants wholesale from a config snapshot.
func (r *SubstrateRegistry) Restore(grants map[model.MarketID][]model.Substrate) {
	r.grants = make(map[model.MarketID]map[model.Substrate]struct{}, len(grants))
	for m, subs := range grants {
		if len(subs) == 0 {
			continue
		}
		set := make(map[model.Substrate]struct{}, len(subs))
		for _, sub := range subs {
			set[sub] = struct{}{}
		}
		r.grants[m] = set
	}
}
