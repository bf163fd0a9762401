// Package guard enforces the optional per-market concentration cap: no
// market may exceed its configured share of total net worth. Percentages
// are basis points (parts-per-10000) compared in exact decimal space, so
// the check is deterministic.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/custodia/vault-engine/internal/book"
	"github.com/custodia/vault-engine/internal/model"
	"github.com/custodia/vault-engine/internal/valuation"
)

var (
	ErrConcentrationLimitExceeded = errors.New("guard: concentration limit exceeded")
	ErrInvalidLimit               = errors.New("guard: limit must be between 1 and 10000 bps")
)

// Guard holds the per-market caps and the global activation flag.
type Guard struct {
	limits map[model.MarketID]uint32
	active bool
}

// New creates an inactive guard with no limits.
func New() *Guard {
	return &Guard{limits: make(map[model.MarketID]uint32)}
}

// SetLimits replaces the configured caps wholesale. A zero or >10000 bps
// entry is a configuration error.
func (g *Guard) SetLimits(limits []model.MarketLimit) error {
	next := make(map[model.MarketID]uint32, len(limits))
	for _, l := range limits {
		if l.LimitBps == 0 || l.LimitBps > model.BpsDenominator {
			return fmt.Errorf("%w: market %d got %d", ErrInvalidLimit, l.Market, l.LimitBps)
		}
		next[l.Market] = l.LimitBps
	}
	g.limits = next
	return nil
}

// Activate turns enforcement on.
func (g *Guard) Activate() { g.active = true }

// Deactivate turns enforcement off; limits stay configured.
func (g *Guard) Deactivate() { g.active = false }

// Active reports whether enforcement is on.
func (g *Guard) Active() bool { return g.active }

// Limits exports the configured caps in stable order.
func (g *Guard) Limits() []model.MarketLimit {
	out := make([]model.MarketLimit, 0, len(g.limits))
	for m, bps := range g.limits {
		out = append(out, model.MarketLimit{Market: m, LimitBps: bps})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

// Restore replaces limits and the activation flag from a config snapshot.
func (g *Guard) Restore(limits []model.MarketLimit, active bool) error {
	if err := g.SetLimits(limits); err != nil {
		return err
	}
	g.active = active
	return nil
}

// Check verifies marketValue/totalAssets <= limit for every configured
// market. Valuation is fail-closed: the guard runs only after state
// changes, where a broken venue must abort. A zero total satisfies every
// limit vacuously (freshly created vault).
func (g *Guard) Check(ctx context.Context, agg *valuation.Aggregator, b *book.Book) error {
	if !g.active || len(g.limits) == 0 {
		return nil
	}
	total, err := agg.TotalAssets(ctx, b, valuation.PolicyFailClosed)
	if err != nil {
		return err
	}
	if total.IsZero() {
		return nil
	}
	denominator := decimal.NewFromInt(model.BpsDenominator)
	for _, l := range g.Limits() {
		value, err := agg.MarketValue(ctx, b, l.Market)
		if err != nil {
			return err
		}
		// value/total <= bps/10000, cross-multiplied to stay exact.
		if value.Mul(denominator).GreaterThan(total.Mul(decimal.NewFromInt(int64(l.LimitBps)))) {
			return fmt.Errorf("%w: market %d holds %s of %s (limit %d bps)",
				ErrConcentrationLimitExceeded, l.Market, value, total, l.LimitBps)
		}
	}
	return nil
}
