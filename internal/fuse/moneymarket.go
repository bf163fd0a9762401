package fuse

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/custodia/vault-engine/internal/book"
	"github.com/custodia/vault-engine/internal/quote"
)

var ErrBadCallAmount = errors.New("fuse: call amount must be positive")

// ParamCap is the optional per-call parameter capping how much value a
// liquidity fuse may return in one Withdrawable probe.
const ParamCap = "cap"

// MoneyMarketFuse is simple venue glue for a supply/withdraw money market.
// Enter converts idle balance into venue share quantity at the quoted
// price; Exit converts share quantity back. The fuse holds no state of its
// own: all custody lives in the vault's book.
type MoneyMarketFuse struct {
	id     string
	quoter quote.Quoter
}

// NewMoneyMarketFuse creates a money-market fuse with the given identity.
func NewMoneyMarketFuse(id string, quoter quote.Quoter) *MoneyMarketFuse {
	return &MoneyMarketFuse{id: id, quoter: quoter}
}

func (f *MoneyMarketFuse) ID() string { return f.id }

// Enter supplies call.Amount of idle balance into the venue.
func (f *MoneyMarketFuse) Enter(_ context.Context, b *book.Book, call Call) (decimal.Decimal, error) {
	if !call.Amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrBadCallAmount, call.Amount)
	}
	price, err := f.quoter.Quote(call.Substrate)
	if err != nil {
		return decimal.Zero, err
	}
	if err := b.DebitIdle(call.Amount); err != nil {
		return decimal.Zero, err
	}
	qty := call.Amount.Div(price)
	if err := b.AddPosition(call.Market, call.Substrate, qty); err != nil {
		return decimal.Zero, err
	}
	return call.Amount, nil
}

// Exit withdraws call.Amount of value from the venue back to idle.
func (f *MoneyMarketFuse) Exit(_ context.Context, b *book.Book, call Call) (decimal.Decimal, error) {
	if !call.Amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrBadCallAmount, call.Amount)
	}
	price, err := f.quoter.Quote(call.Substrate)
	if err != nil {
		return decimal.Zero, err
	}
	qty := call.Amount.Div(price)
	if err := b.AddPosition(call.Market, call.Substrate, qty.Neg()); err != nil {
		return decimal.Zero, err
	}
	value := qty.Mul(price)
	if err := b.CreditIdle(value); err != nil {
		return decimal.Zero, err
	}
	return value, nil
}

// Withdrawable reports the value this venue can return right now: the
// position's mark value, optionally capped by the "cap" parameter.
func (f *MoneyMarketFuse) Withdrawable(_ context.Context, b *book.Book, call Call) (decimal.Decimal, error) {
	price, err := f.quoter.Quote(call.Substrate)
	if err != nil {
		return decimal.Zero, err
	}
	available := b.Position(call.Market, call.Substrate).Mul(price)
	if raw, ok := call.Params[ParamCap]; ok {
		cap, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("fuse %s: bad cap %q: %w", f.id, raw, err)
		}
		if cap.LessThan(available) {
			available = cap
		}
	}
	return available, nil
}
