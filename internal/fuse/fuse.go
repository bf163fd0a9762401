// Package fuse defines the strategy-adapter contract. A fuse is an
// identified, stateless unit of logic integrating one external venue. It
// exposes an enter and an exit entry point, operates on the vault's own
// custody book (delegated execution), and reports the economic delta it
// caused. The routing engine depends only on these interfaces, never on
// concrete fuse types.
package fuse

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/custodia/vault-engine/internal/book"
	"github.com/custodia/vault-engine/internal/model"
)

// Call carries one instruction's declared target and parameters into a fuse.
// The registries have already authorized (market, substrate) by the time a
// fuse sees a Call.
type Call struct {
	Market    model.MarketID
	Substrate model.Substrate
	Amount    decimal.Decimal
	Params    map[string]string
}

// StrategyFuse is the routing engine's view of a venue integration.
// Enter deploys vault capital into the venue; Exit unwinds it. Both return
// the value moved in the accounting unit.
type StrategyFuse interface {
	ID() string
	Enter(ctx context.Context, b *book.Book, call Call) (decimal.Decimal, error)
	Exit(ctx context.Context, b *book.Book, call Call) (decimal.Decimal, error)
}

// BalanceFuse computes one market's total value in the accounting unit.
// Exactly one is registered per market.
type BalanceFuse interface {
	ID() string
	MarketValue(ctx context.Context, b *book.Book, market model.MarketID) (decimal.Decimal, error)
}

// LiquidityFuse is a strategy fuse usable by the instant withdrawal cascade:
// it can report how much value its venue can return right now, up to a cap,
// before the cascade calls Exit for that amount.
type LiquidityFuse interface {
	StrategyFuse
	Withdrawable(ctx context.Context, b *book.Book, call Call) (decimal.Decimal, error)
}

// Catalog binds fuse IDs to concrete implementations so persisted
// configuration can be re-bound at startup.
type Catalog struct {
	Strategy map[string]StrategyFuse
	Balance  map[string]BalanceFuse
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		Strategy: make(map[string]StrategyFuse),
		Balance:  make(map[string]BalanceFuse),
	}
}

// AddStrategy registers strategy fuses by their IDs.
func (c *Catalog) AddStrategy(fuses ...StrategyFuse) *Catalog {
	for _, f := range fuses {
		c.Strategy[f.ID()] = f
	}
	return c
}

// AddBalance registers balance fuses by their IDs.
func (c *Catalog) AddBalance(fuses ...BalanceFuse) *Catalog {
	for _, f := range fuses {
		c.Balance[f.ID()] = f
	}
	return c
}
