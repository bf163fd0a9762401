package guard_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/custodia/vault-engine/internal/book"
	"github.com/custodia/vault-engine/internal/depgraph"
	"github.com/custodia/vault-engine/internal/guard"
	"github.com/custodia/vault-engine/internal/model"
	"github.com/custodia/vault-engine/internal/registry"
	"github.com/custodia/vault-engine/internal/valuation"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fixedBalance struct {
	id    string
	value decimal.Decimal
	err   error
}

func (f fixedBalance) ID() string { return f.id }

func (f fixedBalance) MarketValue(context.Context, *book.Book, model.MarketID) (decimal.Decimal, error) {
	return f.value, f.err
}

// aggWith builds an aggregator over fixed per-market values.
func aggWith(values map[model.MarketID]decimal.Decimal) *valuation.Aggregator {
	fuses := registry.NewFuseRegistry()
	for m, v := range values {
		fuses.SetBalanceFuse(m, fixedBalance{id: "fixed", value: v})
	}
	return valuation.NewAggregator(fuses, depgraph.New(), valuation.NewMemoryCache())
}

func TestCheckInactiveOrEmpty(t *testing.T) {
	ctx := context.Background()
	b := book.New()
	agg := aggWith(map[model.MarketID]decimal.Decimal{1: d(100)})

	g := guard.New()
	if err := g.SetLimits([]model.MarketLimit{{Market: 1, LimitBps: 1}}); err != nil {
		t.Fatalf("set limits failed: %v", err)
	}
	// Configured but not activated: no enforcement.
	if err := g.Check(ctx, agg, b); err != nil {
		t.Errorf("inactive guard must pass, got %v", err)
	}

	empty := guard.New()
	empty.Activate()
	if err := empty.Check(ctx, agg, b); err != nil {
		t.Errorf("guard with no limits must pass, got %v", err)
	}
}

func TestCheckBoundaryIsInclusive(t *testing.T) {
	ctx := context.Background()
	b := book.New()
	b.CreditIdle(d(70))
	agg := aggWith(map[model.MarketID]decimal.Decimal{1: d(30)})

	g := guard.New()
	g.SetLimits([]model.MarketLimit{{Market: 1, LimitBps: 3000}})
	g.Activate()

	// 30 of 100 total is exactly 3000 bps: at the limit, not over it.
	if err := g.Check(ctx, agg, b); err != nil {
		t.Errorf("exact limit must pass, got %v", err)
	}

	g.SetLimits([]model.MarketLimit{{Market: 1, LimitBps: 2999}})
	if err := g.Check(ctx, agg, b); !errors.Is(err, guard.ErrConcentrationLimitExceeded) {
		t.Errorf("expected ErrConcentrationLimitExceeded, got %v", err)
	}
}

func TestCheckZeroTotalIsVacuous(t *testing.T) {
	g := guard.New()
	g.SetLimits([]model.MarketLimit{{Market: 1, LimitBps: 1}})
	g.Activate()

	agg := aggWith(map[model.MarketID]decimal.Decimal{1: decimal.Zero})
	if err := g.Check(context.Background(), agg, book.New()); err != nil {
		t.Errorf("empty vault must pass vacuously, got %v", err)
	}
}

func TestCheckFailsClosedOnBrokenValuation(t *testing.T) {
	fuses := registry.NewFuseRegistry()
	fuses.SetBalanceFuse(1, fixedBalance{id: "broken", err: errors.New("venue down")})
	agg := valuation.NewAggregator(fuses, depgraph.New(), valuation.NewMemoryCache())

	g := guard.New()
	g.SetLimits([]model.MarketLimit{{Market: 1, LimitBps: 5000}})
	g.Activate()

	if err := g.Check(context.Background(), agg, book.New()); !errors.Is(err, valuation.ErrValuationUnavailable) {
		t.Errorf("expected ErrValuationUnavailable, got %v", err)
	}
}

func TestSetLimitsValidation(t *testing.T) {
	g := guard.New()
	if err := g.SetLimits([]model.MarketLimit{{Market: 1, LimitBps: 0}}); !errors.Is(err, guard.ErrInvalidLimit) {
		t.Errorf("zero bps: expected ErrInvalidLimit, got %v", err)
	}
	if err := g.SetLimits([]model.MarketLimit{{Market: 1, LimitBps: 10001}}); !errors.Is(err, guard.ErrInvalidLimit) {
		t.Errorf(">10000 bps: expected ErrInvalidLimit, got %v", err)
	}
	if err := g.SetLimits([]model.MarketLimit{{Market: 1, LimitBps: 10000}}); err != nil {
		t.Errorf("10000 bps is valid, got %v", err)
	}
}
