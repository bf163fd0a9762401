// Package executor runs privileged routing batches: ordered lists of
// (fuse, instruction) pairs, validated against the whitelists, executed
// sequentially with delegated custody, then revalued and limit-checked.
//
// Execution is all-or-nothing. Every instruction runs against a clone of
// the custody book; the clone becomes the vault's state only if validation,
// every fuse call, revaluation, and the concentration guard all succeed.
// Partial fuse success with a failed limit check is never observable.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/custodia/vault-engine/internal/book"
	"github.com/custodia/vault-engine/internal/fuse"
	"github.com/custodia/vault-engine/internal/guard"
	"github.com/custodia/vault-engine/internal/metrics"
	"github.com/custodia/vault-engine/internal/model"
	"github.com/custodia/vault-engine/internal/registry"
	"github.com/custodia/vault-engine/internal/valuation"
)

var (
	ErrEmptyBatch    = errors.New("executor: empty batch")
	ErrInvalidAction = errors.New("executor: invalid action")
)

// Executor validates and runs routing batches.
type Executor struct {
	substrates *registry.SubstrateRegistry
	fuses      *registry.FuseRegistry
	agg        *valuation.Aggregator
	guard      *guard.Guard
}

// New wires the executor to the registries, aggregator, and guard.
func New(substrates *registry.SubstrateRegistry, fuses *registry.FuseRegistry,
	agg *valuation.Aggregator, g *guard.Guard) *Executor {
	return &Executor{substrates: substrates, fuses: fuses, agg: agg, guard: g}
}

// ExecuteBatch runs the batch against a clone of b. On success it returns
// the receipt and the new book for the caller to swap in; on any failure it
// returns the receipt in the aborted state and b remains untouched.
func (e *Executor) ExecuteBatch(ctx context.Context, b *book.Book, batch []model.Instruction) (*model.BatchReceipt, *book.Book, error) {
	start := time.Now()
	receipt := &model.BatchReceipt{
		BatchID:     uuid.New().String(),
		Mode:        model.ModeAtomic,
		Phase:       model.PhaseValidating,
		TotalBefore: decimal.Zero,
		TotalAfter:  decimal.Zero,
	}

	newBook, err := e.run(ctx, b, batch, receipt)
	metrics.BatchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		receipt.FailedPhase = receipt.Phase
		receipt.Phase = model.PhaseAborted
		receipt.Records = nil
		metrics.BatchesTotal.WithLabelValues(string(model.PhaseAborted)).Inc()
		slog.Warn("batch aborted",
			"batch_id", receipt.BatchID,
			"failed_phase", receipt.FailedPhase,
			"instructions", len(batch),
			"err", err,
		)
		return receipt, nil, err
	}

	receipt.Phase = model.PhaseCommitted
	metrics.BatchesTotal.WithLabelValues(string(model.PhaseCommitted)).Inc()
	slog.Info("batch committed",
		"batch_id", receipt.BatchID,
		"instructions", len(batch),
		"total_before", receipt.TotalBefore.String(),
		"total_after", receipt.TotalAfter.String(),
	)
	return receipt, newBook, nil
}

func (e *Executor) run(ctx context.Context, b *book.Book, batch []model.Instruction, receipt *model.BatchReceipt) (*book.Book, error) {
	// Validating: whole batch is checked before any asset moves.
	receipt.Phase = model.PhaseValidating
	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}
	touched := make(map[model.MarketID]struct{})
	for i, ins := range batch {
		if !ins.Action.Valid() {
			return nil, fmt.Errorf("%w: instruction %d action %q", ErrInvalidAction, i, ins.Action)
		}
		if !e.fuses.IsApproved(ins.FuseID) {
			return nil, fmt.Errorf("%w: instruction %d fuse %s", registry.ErrFuseNotApproved, i, ins.FuseID)
		}
		if !e.substrates.IsGranted(ins.Market, ins.Substrate) {
			return nil, fmt.Errorf("%w: instruction %d market %d substrate %s",
				registry.ErrSubstrateNotGranted, i, ins.Market, ins.Substrate)
		}
		if _, ok := e.fuses.BalanceFuse(ins.Market); !ok {
			return nil, fmt.Errorf("%w: instruction %d market %d",
				registry.ErrNoBalanceFuse, i, ins.Market)
		}
		touched[ins.Market] = struct{}{}
	}

	totalBefore, err := e.agg.TotalAssets(ctx, b, valuation.PolicyFailClosed)
	if err != nil {
		return nil, err
	}
	receipt.TotalBefore = totalBefore

	// Executing: sequential fuse calls against the clone.
	receipt.Phase = model.PhaseExecuting
	work := b.Clone()
	now := time.Now().UTC()
	for i, ins := range batch {
		f, _ := e.fuses.Fuse(ins.FuseID)
		delta, err := safeInvoke(ctx, f, work, ins)
		if err != nil {
			return nil, fmt.Errorf("instruction %d fuse %s %s: %w", i, ins.FuseID, ins.Action, err)
		}
		receipt.Records = append(receipt.Records, model.ActionRecord{
			ID:        uuid.New().String(),
			BatchID:   receipt.BatchID,
			FuseID:    ins.FuseID,
			Market:    ins.Market,
			Substrate: ins.Substrate,
			Action:    ins.Action,
			Amount:    ins.Amount,
			Delta:     delta,
			Timestamp: now,
		})
	}

	// Revaluing: drop stale valuations for every touched market plus its
	// dependents, then recompute fail-closed.
	receipt.Phase = model.PhaseRevaluing
	markets := make([]model.MarketID, 0, len(touched))
	for m := range touched {
		markets = append(markets, m)
	}
	if err := e.agg.Invalidate(ctx, markets...); err != nil {
		return nil, err
	}
	totalAfter, err := e.agg.TotalAssets(ctx, work, valuation.PolicyFailClosed)
	if err != nil {
		e.discardCached(ctx, markets)
		return nil, err
	}
	receipt.TotalAfter = totalAfter

	// LimitChecking: the concentration guard may still abort everything.
	receipt.Phase = model.PhaseLimitChecking
	if err := e.guard.Check(ctx, e.agg, work); err != nil {
		if errors.Is(err, guard.ErrConcentrationLimitExceeded) {
			metrics.LimitRejections.Inc()
		}
		// Cached values were computed from the discarded clone.
		e.discardCached(ctx, markets)
		return nil, err
	}

	return work, nil
}

// discardCached drops clone-derived cache entries on an abort path. The
// batch is already failing, so an invalidation error here cannot change the
// outcome; it is escalated in the log instead.
func (e *Executor) discardCached(ctx context.Context, markets []model.MarketID) {
	if err := e.agg.Invalidate(ctx, markets...); err != nil {
		slog.Error("stale valuations left cached after batch abort",
			"markets", markets, "err", err)
	}
}

// safeInvoke dispatches an instruction to the fuse's entry point and
// converts a fuse panic into an error, aborting the batch instead of the
// process.
func safeInvoke(ctx context.Context, f fuse.StrategyFuse, work *book.Book, ins model.Instruction) (delta decimal.Decimal, err error) {
	defer func() {
		if r := recover(); r != nil {
			delta = decimal.Zero
			err = fmt.Errorf("fuse panicked: %v", r)
		}
	}()
	call := fuse.Call{
		Market:    ins.Market,
		Substrate: ins.Substrate,
		Amount:    ins.Amount,
		Params:    ins.Params,
	}
	if ins.Action == model.ActionEnter {
		return f.Enter(ctx, work, call)
	}
	return f.Exit(ctx, work, call)
}
