// Package cascade implements the instant withdrawal fallback: an ordered
// list of (fuse, market, parameters) entries consulted synchronously during
// a redemption to raise liquidity without going through the privileged
// routing path.
//
// The cascade is best-effort by design, the deliberate opposite of the
// routing executor's all-or-nothing policy. A frozen or misbehaving venue
// is skipped, never allowed to block withdrawal from the rest of the chain;
// the caller re-checks how much was actually raised.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/custodia/vault-engine/internal/book"
	"github.com/custodia/vault-engine/internal/fuse"
	"github.com/custodia/vault-engine/internal/metrics"
	"github.com/custodia/vault-engine/internal/model"
	"github.com/custodia/vault-engine/internal/registry"
)

var ErrNotLiquidityFuse = errors.New("cascade: fuse does not support instant withdrawal")

// Cascade is the configured fallback chain.
type Cascade struct {
	fuses   *registry.FuseRegistry
	entries []model.CascadeEntry
}

// New creates an empty cascade bound to the fuse whitelist.
func New(fuses *registry.FuseRegistry) *Cascade {
	return &Cascade{fuses: fuses}
}

// Configure replaces the chain wholesale. Order is meaningful: earlier
// entries are tried first. Every referenced fuse must be approved and must
// support the liquidity probe; rejecting here keeps the redemption path
// free of configuration surprises.
func (c *Cascade) Configure(entries []model.CascadeEntry) error {
	for i, e := range entries {
		f, ok := c.fuses.Fuse(e.FuseID)
		if !ok {
			return fmt.Errorf("%w: entry %d fuse %s", registry.ErrFuseNotApproved, i, e.FuseID)
		}
		if _, ok := f.(fuse.LiquidityFuse); !ok {
			return fmt.Errorf("%w: entry %d fuse %s", ErrNotLiquidityFuse, i, e.FuseID)
		}
	}
	c.entries = append([]model.CascadeEntry(nil), entries...)
	return nil
}

// Entries returns a copy of the configured chain.
func (c *Cascade) Entries() []model.CascadeEntry {
	return append([]model.CascadeEntry(nil), c.entries...)
}

// References reports whether any entry names the given fuse. Fuse removal
// consults this so a fuse cannot silently disappear while the cascade still
// points at it.
func (c *Cascade) References(fuseID string) bool {
	for _, e := range c.entries {
		if e.FuseID == fuseID {
			return true
		}
	}
	return false
}

// InstantWithdraw walks the chain in order, exiting up to the remaining
// need from each entry, and returns the resulting book, the value raised
// (always <= need), and the markets whose positions changed. Each entry runs
// against a clone that is committed only when the entry raised value; a
// failing or panicking fuse leaves no residue in custody, the same guarantee
// the routing executor gives a whole batch. The input book is never mutated.
func (c *Cascade) InstantWithdraw(ctx context.Context, b *book.Book, need decimal.Decimal) (*book.Book, decimal.Decimal, []model.MarketID) {
	raised := decimal.Zero
	var touched []model.MarketID
	cur := b
	if !need.IsPositive() {
		return cur, raised, touched
	}

	for i, entry := range c.entries {
		remaining := need.Sub(raised)
		if !remaining.IsPositive() {
			break
		}
		trial := cur.Clone()
		got, err := c.drawFrom(ctx, trial, entry, remaining)
		if err != nil {
			metrics.CascadeEntries.WithLabelValues("skipped").Inc()
			slog.Warn("cascade entry skipped",
				"entry", i, "fuse", entry.FuseID, "market", entry.Market, "err", err)
			continue
		}
		if got.IsPositive() {
			cur = trial
			touched = append(touched, entry.Market)
			if got.GreaterThanOrEqual(remaining) {
				metrics.CascadeEntries.WithLabelValues("filled").Inc()
			} else {
				metrics.CascadeEntries.WithLabelValues("partial").Inc()
			}
			raised = raised.Add(got)
		} else {
			metrics.CascadeEntries.WithLabelValues("empty").Inc()
		}
	}

	slog.Info("instant withdrawal",
		"mode", string(model.ModeBestEffort),
		"need", need.String(),
		"raised", raised.String(),
	)
	return cur, raised, touched
}

// drawFrom probes one entry for available liquidity and exits up to the
// remaining need. Panics from the fuse are converted to errors so the walk
// continues.
func (c *Cascade) drawFrom(ctx context.Context, b *book.Book, entry model.CascadeEntry, remaining decimal.Decimal) (got decimal.Decimal, err error) {
	defer func() {
		if r := recover(); r != nil {
			got = decimal.Zero
			err = fmt.Errorf("fuse panicked: %v", r)
		}
	}()

	f, ok := c.fuses.Fuse(entry.FuseID)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", registry.ErrFuseNotApproved, entry.FuseID)
	}
	lf, ok := f.(fuse.LiquidityFuse)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNotLiquidityFuse, entry.FuseID)
	}

	call := fuse.Call{
		Market:    entry.Market,
		Substrate: entry.Substrate,
		Params:    entry.Params,
	}
	available, err := lf.Withdrawable(ctx, b, call)
	if err != nil {
		return decimal.Zero, err
	}
	if !available.IsPositive() {
		return decimal.Zero, nil
	}

	want := remaining
	if available.LessThan(want) {
		want = available
	}
	call.Amount = want
	got, err = lf.Exit(ctx, b, call)
	if err != nil {
		return decimal.Zero, err
	}
	if got.GreaterThan(want) {
		got = want
	}
	return got, nil
}
