package fuse

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/custodia/vault-engine/internal/book"
	"github.com/custodia/vault-engine/internal/model"
	"github.com/custodia/vault-engine/internal/quote"
)

// HoldingsBalanceFuse values a market as the sum of its book positions
// marked at quoted prices. One instance can serve any number of markets;
// registration binds it per market.
type HoldingsBalanceFuse struct {
	id     string
	quoter quote.Quoter
}

// NewHoldingsBalanceFuse creates a mark-to-quote balance fuse.
func NewHoldingsBalanceFuse(id string, quoter quote.Quoter) *HoldingsBalanceFuse {
	return &HoldingsBalanceFuse{id: id, quoter: quoter}
}

func (f *HoldingsBalanceFuse) ID() string { return f.id }

// MarketValue marks every position under the market at its quoted price.
// A missing quote fails the valuation; the aggregator's policy decides
// whether that aborts the read.
func (f *HoldingsBalanceFuse) MarketValue(_ context.Context, b *book.Book, market model.MarketID) (decimal.Decimal, error) {
	total := decimal.Zero
	for sub, qty := range b.MarketPositions(market) {
		price, err := f.quoter.Quote(sub)
		if err != nil {
			return decimal.Zero, fmt.Errorf("balance fuse %s: market %d: %w", f.id, market, err)
		}
		total = total.Add(qty.Mul(price))
	}
	return total, nil
}
