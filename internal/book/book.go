// Package book holds the vault's custody state: the idle balance in the
// accounting unit and the per-market, per-substrate position quantities.
// Fuses operate directly on the book (delegated custody) — they never hold
// assets of their own.
//
// The book is not safe for concurrent use. The engine serializes access and
// executes routing batches against a clone, swapping it in only on commit.
package book

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/custodia/vault-engine/internal/model"
)

var (
	ErrInsufficientIdle     = errors.New("book: insufficient idle balance")
	ErrInsufficientPosition = errors.New("book: insufficient position quantity")
	ErrNegativeAmount       = errors.New("book: negative amount")
)

// Book is the vault's custody ledger.
type Book struct {
	idle      decimal.Decimal
	positions map[model.MarketID]map[model.Substrate]decimal.Decimal
}

// New creates an empty book.
func New() *Book {
	return &Book{
		idle:      decimal.Zero,
		positions: make(map[model.MarketID]map[model.Substrate]decimal.Decimal),
	}
}

// Idle returns the un-deployed balance in the accounting unit.
func (b *Book) Idle() decimal.Decimal {
	return b.idle
}

// CreditIdle adds to the idle balance.
func (b *Book) CreditIdle(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: credit %s", ErrNegativeAmount, amount)
	}
	b.idle = b.idle.Add(amount)
	return nil
}

// DebitIdle removes from the idle balance, failing if it would go negative.
func (b *Book) DebitIdle(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: debit %s", ErrNegativeAmount, amount)
	}
	if b.idle.LessThan(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientIdle, b.idle, amount)
	}
	b.idle = b.idle.Sub(amount)
	return nil
}

// Position returns the quantity held for a substrate under a market.
func (b *Book) Position(market model.MarketID, sub model.Substrate) decimal.Decimal {
	if subs, ok := b.positions[market]; ok {
		return subs[sub]
	}
	return decimal.Zero
}

// AddPosition adjusts a position by delta, failing if the result would be
// negative. Zero positions are pruned so HasPositions stays meaningful.
func (b *Book) AddPosition(market model.MarketID, sub model.Substrate, delta decimal.Decimal) error {
	current := b.Position(market, sub)
	next := current.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: market %d substrate %s has %s, delta %s",
			ErrInsufficientPosition, market, sub, current, delta)
	}
	subs, ok := b.positions[market]
	if !ok {
		subs = make(map[model.Substrate]decimal.Decimal)
		b.positions[market] = subs
	}
	if next.IsZero() {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.positions, market)
		}
		return nil
	}
	subs[sub] = next
	return nil
}

// HasPositions reports whether any substrate under the market holds a
// non-zero quantity.
func (b *Book) HasPositions(market model.MarketID) bool {
	return len(b.positions[market]) > 0
}

// MarketPositions returns a copy of the substrate→quantity map for a market.
func (b *Book) MarketPositions(market model.MarketID) map[model.Substrate]decimal.Decimal {
	out := make(map[model.Substrate]decimal.Decimal, len(b.positions[market]))
	for sub, qty := range b.positions[market] {
		out[sub] = qty
	}
	return out
}

// Markets returns the sorted list of markets currently holding positions.
func (b *Book) Markets() []model.MarketID {
	out := make([]model.MarketID, 0, len(b.positions))
	for m := range b.positions {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns a deep copy. Routing batches execute against the clone so an
// abort leaves the original untouched.
func (b *Book) Clone() *Book {
	c := New()
	c.idle = b.idle
	for market, subs := range b.positions {
		cp := make(map[model.Substrate]decimal.Decimal, len(subs))
		for sub, qty := range subs {
			cp[sub] = qty
		}
		c.positions[market] = cp
	}
	return c
}

// Snapshot captures the book plus the given share supply for persistence.
func (b *Book) Snapshot(shares decimal.Decimal) *model.StateSnapshot {
	snap := &model.StateSnapshot{
		Idle:      b.idle,
		Shares:    shares,
		Positions: make(map[model.MarketID]map[model.Substrate]decimal.Decimal, len(b.positions)),
		UpdatedAt: time.Now().UTC(),
	}
	for market, subs := range b.positions {
		cp := make(map[model.Substrate]decimal.Decimal, len(subs))
		for sub, qty := range subs {
			cp[sub] = qty
		}
		snap.Positions[market] = cp
	}
	return snap
}

// FromSnapshot reconstructs a book from a persisted snapshot.
func FromSnapshot(snap *model.StateSnapshot) *Book {
	b := New()
	if snap == nil {
		return b
	}
	b.idle = snap.Idle
	for market, subs := range snap.Positions {
		cp := make(map[model.Substrate]decimal.Decimal, len(subs))
		for sub, qty := range subs {
			if qty.IsZero() {
				continue
			}
			cp[sub] = qty
		}
		if len(cp) > 0 {
			b.positions[market] = cp
		}
	}
	return b
}
