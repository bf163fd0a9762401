// Package quote defines the price quotation contract consumed by balance
// fuses to express venue positions in the vault's accounting unit. The
// engine core never calls a quoter directly; it only consumes converted
// values from balance fuses.
package quote

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/custodia/vault-engine/internal/model"
)

var ErrNoQuote = errors.New("quote: no price for instrument")

// Quoter converts one unit of an instrument into the accounting unit.
type Quoter interface {
	Quote(sub model.Substrate) (decimal.Decimal, error)
}

// StaticQuoter serves quotes from an in-memory table. Tests and the
// development server seed it from configuration; production deployments
// replace it with the price-quotation service client.
type StaticQuoter struct {
	mu     sync.RWMutex
	prices map[model.Substrate]decimal.Decimal
}

// NewStaticQuoter creates an empty quoter.
func NewStaticQuoter() *StaticQuoter {
	return &StaticQuoter{prices: make(map[model.Substrate]decimal.Decimal)}
}

// SetQuote sets or replaces the price for an instrument.
func (q *StaticQuoter) SetQuote(sub model.Substrate, price decimal.Decimal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.prices[sub] = price
}

// Quote returns the configured price or ErrNoQuote.
func (q *StaticQuoter) Quote(sub model.Substrate) (decimal.Decimal, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	price, ok := q.prices[sub]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoQuote, sub)
	}
	return price, nil
}
