// Package vault is the engine facade: it owns the custody book, the
// whitelists, the dependency graph, the valuation aggregator, the
// concentration guard, the routing executor, and the instant withdrawal
// cascade, and exposes the privileged operations the service layer routes
// into. Authorization happens outside (the permission authority); the
// engine enforces structure: whitelist soundness, atomic batches,
// reentrancy rejection, and consistent valuation.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/custodia/vault-engine/internal/book"
	"github.com/custodia/vault-engine/internal/cascade"
	"github.com/custodia/vault-engine/internal/depgraph"
	"github.com/custodia/vault-engine/internal/executor"
	"github.com/custodia/vault-engine/internal/fee"
	"github.com/custodia/vault-engine/internal/fuse"
	"github.com/custodia/vault-engine/internal/guard"
	"github.com/custodia/vault-engine/internal/metrics"
	"github.com/custodia/vault-engine/internal/model"
	"github.com/custodia/vault-engine/internal/registry"
	"github.com/custodia/vault-engine/internal/store"
	"github.com/custodia/vault-engine/internal/valuation"
)

var (
	ErrInvalidAmount      = errors.New("vault: amount must be positive")
	ErrInsufficientShares = errors.New("vault: insufficient share balance")
	ErrZeroNetWorth       = errors.New("vault: shares outstanding against zero net worth")
)

// Options configures a new engine. Zero-value fields fall back to in-memory
// collaborators so tests can construct isolated instances with no wiring.
type Options struct {
	Store   store.Store
	Cache   valuation.Cache
	Catalog *fuse.Catalog
	Fees    fee.Notifier
	Events  EventSink
}

// Engine is the strategy-routing and multi-market accounting core.
type Engine struct {
	mu   sync.RWMutex
	gate gate

	substrates *registry.SubstrateRegistry
	fuses      *registry.FuseRegistry
	graph      *depgraph.Graph
	agg        *valuation.Aggregator
	guard      *guard.Guard
	exec       *executor.Executor
	casc       *cascade.Cascade

	book   *book.Book
	shares decimal.Decimal

	catalog *fuse.Catalog
	store   store.Store
	fees    fee.Notifier
	events  EventSink
}

// New builds an engine, restoring persisted configuration and custody state
// when the store holds any.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Cache == nil {
		opts.Cache = valuation.NewMemoryCache()
	}
	if opts.Catalog == nil {
		opts.Catalog = fuse.NewCatalog()
	}
	if opts.Fees == nil {
		opts.Fees = fee.LogNotifier{}
	}

	substrates := registry.NewSubstrateRegistry()
	fuses := registry.NewFuseRegistry()
	graph := depgraph.New()
	g := guard.New()
	agg := valuation.NewAggregator(fuses, graph, opts.Cache)

	e := &Engine{
		substrates: substrates,
		fuses:      fuses,
		graph:      graph,
		agg:        agg,
		guard:      g,
		exec:       executor.New(substrates, fuses, agg, g),
		casc:       cascade.New(fuses),
		book:       book.New(),
		shares:     decimal.Zero,
		catalog:    opts.Catalog,
		store:      opts.Store,
		fees:       opts.Fees,
		events:     opts.Events,
	}

	if err := e.restore(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) restore(ctx context.Context) error {
	cfg, err := e.store.LoadConfig(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Fresh vault.
	case err != nil:
		return fmt.Errorf("vault: restore config: %w", err)
	default:
		e.substrates.Restore(cfg.Grants)
		if err := e.fuses.Restore(e.catalog, cfg.Fuses, cfg.BalanceFuses); err != nil {
			return fmt.Errorf("vault: restore fuses: %w", err)
		}
		if err := e.graph.Restore(cfg.Dependencies); err != nil {
			return fmt.Errorf("vault: restore dependencies: %w", err)
		}
		if err := e.guard.Restore(cfg.Limits, cfg.LimitsActive); err != nil {
			return fmt.Errorf("vault: restore limits: %w", err)
		}
		if err := e.casc.Configure(cfg.Cascade); err != nil {
			return fmt.Errorf("vault: restore cascade: %w", err)
		}
	}

	snap, err := e.store.LoadState(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("vault: restore state: %w", err)
	}
	e.book = book.FromSnapshot(snap)
	e.shares = snap.Shares
	return nil
}

// --- Configuration: substrate registry (fuse-management authority) ---

// GrantSubstrates whitelists substrates under a market. Returns the count
// actually added.
func (e *Engine) GrantSubstrates(ctx context.Context, market model.MarketID, subs ...model.Substrate) (int, error) {
	release, err := e.gate.enter()
	if err != nil {
		return 0, err
	}
	defer release()
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := e.substrates.Grant(market, subs...)
	if changed > 0 {
		if err := e.persistConfig(ctx); err != nil {
			return changed, err
		}
		slog.Info("substrates granted", "market", market, "changed", changed)
	}
	return changed, nil
}

// RevokeSubstrates removes substrates from a market's whitelist.
func (e *Engine) RevokeSubstrates(ctx context.Context, market model.MarketID, subs ...model.Substrate) (int, error) {
	release, err := e.gate.enter()
	if err != nil {
		return 0, err
	}
	defer release()
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := e.substrates.Revoke(market, subs...)
	if changed > 0 {
		if err := e.persistConfig(ctx); err != nil {
			return changed, err
		}
		slog.Info("substrates revoked", "market", market, "changed", changed)
	}
	return changed, nil
}

// GrantedSubstrates is a pure read of a market's whitelist.
func (e *Engine) GrantedSubstrates(market model.MarketID) []model.Substrate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.substrates.Granted(market)
}

// --- Configuration: fuse registry (fuse-management authority) ---

// AddFuses approves strategy fuses by catalog ID.
func (e *Engine) AddFuses(ctx context.Context, fuseIDs ...string) (int, error) {
	release, err := e.gate.enter()
	if err != nil {
		return 0, err
	}
	defer release()
	e.mu.Lock()
	defer e.mu.Unlock()

	resolved := make([]fuse.StrategyFuse, 0, len(fuseIDs))
	for _, id := range fuseIDs {
		f, ok := e.catalog.Strategy[id]
		if !ok {
			return 0, fmt.Errorf("%w: %s not in catalog", registry.ErrFuseNotApproved, id)
		}
		resolved = append(resolved, f)
	}
	changed := e.fuses.AddFuses(resolved...)
	if changed > 0 {
		if err := e.persistConfig(ctx); err != nil {
			return changed, err
		}
		slog.Info("fuses approved", "changed", changed)
	}
	return changed, nil
}

// RemoveFuses revokes fuse approval. A fuse still configured in the
// withdrawal cascade cannot be removed; the cascade must be reconfigured
// first.
func (e *Engine) RemoveFuses(ctx context.Context, fuseIDs ...string) (int, error) {
	release, err := e.gate.enter()
	if err != nil {
		return 0, err
	}
	defer release()
	e.mu.Lock()
	defer e.mu.Unlock()

	changed, err := e.fuses.RemoveFuses(e.casc.References, fuseIDs...)
	if err != nil {
		return 0, err
	}
	if changed > 0 {
		if err := e.persistConfig(ctx); err != nil {
			return changed, err
		}
		slog.Info("fuses removed", "changed", changed)
	}
	return changed, nil
}

// ApprovedFuses lists approved fuse IDs.
func (e *Engine) ApprovedFuses() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fuses.FuseIDs()
}

// SetBalanceFuse assigns a market's valuation fuse by catalog ID.
func (e *Engine) SetBalanceFuse(ctx context.Context, market model.MarketID, balanceFuseID string) error {
	release, err := e.gate.enter()
	if err != nil {
		return err
	}
	defer release()
	e.mu.Lock()
	defer e.mu.Unlock()

	f, ok := e.catalog.Balance[balanceFuseID]
	if !ok {
		return fmt.Errorf("%w: balance fuse %s not in catalog", registry.ErrNoBalanceFuse, balanceFuseID)
	}
	e.fuses.SetBalanceFuse(market, f)
	if err := e.agg.Invalidate(ctx, market); err != nil {
		return err
	}
	if err := e.persistConfig(ctx); err != nil {
		return err
	}
	slog.Info("balance fuse set", "market", market, "fuse", balanceFuseID)
	return nil
}

// RemoveBalanceFuse unassigns a market's valuation fuse; rejected while the
// market still holds positions.
func (e *Engine) RemoveBalanceFuse(ctx context.Context, market model.MarketID) error {
	release, err := e.gate.enter()
	if err != nil {
		return err
	}
	defer release()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fuses.RemoveBalanceFuse(market, e.book.HasPositions); err != nil {
		return err
	}
	if err := e.agg.Invalidate(ctx, market); err != nil {
		return err
	}
	return e.persistConfig(ctx)
}

// --- Configuration: dependency graph (fuse-management authority) ---

// SetDependencies replaces a market's invalidation list wholesale.
func (e *Engine) SetDependencies(ctx context.Context, market model.MarketID, deps []model.MarketID) error {
	release, err := e.gate.enter()
	if err != nil {
		return err
	}
	defer release()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.graph.Set(market, deps); err != nil {
		return err
	}
	if err := e.persistConfig(ctx); err != nil {
		return err
	}
	slog.Info("dependencies set", "market", market, "deps", deps)
	return nil
}

// Dependencies returns a market's direct invalidation list.
func (e *Engine) Dependencies(market model.MarketID) []model.MarketID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.graph.Dependencies(market)
}

// --- Configuration: concentration limits (limits authority) ---

// SetLimits replaces the concentration caps wholesale.
func (e *Engine) SetLimits(ctx context.Context, limits []model.MarketLimit) error {
	release, err := e.gate.enter()
	if err != nil {
		return err
	}
	defer release()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.guard.SetLimits(limits); err != nil {
		return err
	}
	return e.persistConfig(ctx)
}

// ActivateLimits turns concentration enforcement on.
func (e *Engine) ActivateLimits(ctx context.Context) error {
	release, err := e.gate.enter()
	if err != nil {
		return err
	}
	defer release()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.guard.Activate()
	slog.Info("concentration limits activated")
	return e.persistConfig(ctx)
}

// DeactivateLimits turns enforcement off; limits stay configured.
func (e *Engine) DeactivateLimits(ctx context.Context) error {
	release, err := e.gate.enter()
	if err != nil {
		return err
	}
	defer release()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.guard.Deactivate()
	slog.Info("concentration limits deactivated")
	return e.persistConfig(ctx)
}

// Limits returns the configured caps and whether enforcement is active.
func (e *Engine) Limits() ([]model.MarketLimit, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.guard.Limits(), e.guard.Active()
}

// --- Configuration: withdrawal cascade (withdrawal-configuration role) ---

// ConfigureCascade replaces the instant withdrawal chain wholesale.
func (e *Engine) ConfigureCascade(ctx context.Context, entries []model.CascadeEntry) error {
	release, err := e.gate.enter()
	if err != nil {
		return err
	}
	defer release()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.casc.Configure(entries); err != nil {
		return err
	}
	if err := e.persistConfig(ctx); err != nil {
		return err
	}
	slog.Info("withdrawal cascade configured", "entries", len(entries))
	return nil
}

// CascadeEntries returns the configured chain.
func (e *Engine) CascadeEntries() []model.CascadeEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.casc.Entries()
}

// --- Execution ---

// ExecuteBatch runs a strategist routing batch atomically. On any failure
// the vault's observable state is exactly what it was before the call.
func (e *Engine) ExecuteBatch(ctx context.Context, batch []model.Instruction) (*model.BatchReceipt, error) {
	release, err := e.gate.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	e.mu.Lock()
	defer e.mu.Unlock()

	receipt, newBook, err := e.exec.ExecuteBatch(ctx, e.book, batch)
	if err != nil {
		return receipt, err
	}

	e.book = newBook
	if err := e.store.InsertActionRecords(ctx, receipt.Records); err != nil {
		slog.Error("action ledger write failed", "batch_id", receipt.BatchID, "err", err)
	}
	e.persistState(ctx)
	e.fees.ValuationChanged(ctx, receipt.TotalAfter)
	metrics.TotalAssets.Set(receipt.TotalAfter.InexactFloat64())
	e.publish(Event{
		Type:        EventBatchCommitted,
		BatchID:     receipt.BatchID,
		TotalAssets: receipt.TotalAfter.String(),
	})
	return receipt, nil
}

// InstantWithdraw sources liquidity through the cascade, best-effort.
// Returns the amount actually raised into idle balance, always <= need.
func (e *Engine) InstantWithdraw(ctx context.Context, need decimal.Decimal) (decimal.Decimal, error) {
	release, err := e.gate.enter()
	if err != nil {
		return decimal.Zero, err
	}
	defer release()
	e.mu.Lock()
	defer e.mu.Unlock()

	if !need.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, need)
	}
	raised, err := e.instantWithdrawLocked(ctx, need)
	if err != nil {
		return decimal.Zero, err
	}
	e.persistState(ctx)
	return raised, nil
}

// instantWithdrawLocked runs the cascade and swaps in the resulting book
// only after the touched markets are invalidated. If invalidation fails the
// old book stays, so the surviving cache entries still describe the state
// actually held.
func (e *Engine) instantWithdrawLocked(ctx context.Context, need decimal.Decimal) (decimal.Decimal, error) {
	newBook, raised, touched := e.casc.InstantWithdraw(ctx, e.book, need)
	if len(touched) > 0 {
		if err := e.agg.Invalidate(ctx, touched...); err != nil {
			return decimal.Zero, err
		}
	}
	e.book = newBook
	return raised, nil
}

// --- Share accounting (deposit/redemption surface) ---

// Deposit credits assets to the idle balance and mints shares at the
// current share price. Share pricing recomputes net worth synchronously,
// fail-closed: a broken venue must not misprice entries.
func (e *Engine) Deposit(ctx context.Context, assets decimal.Decimal) (decimal.Decimal, error) {
	release, err := e.gate.enter()
	if err != nil {
		return decimal.Zero, err
	}
	defer release()
	e.mu.Lock()
	defer e.mu.Unlock()

	if !assets.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, assets)
	}
	total, err := e.agg.TotalAssets(ctx, e.book, valuation.PolicyFailClosed)
	if err != nil {
		return decimal.Zero, err
	}

	var shares decimal.Decimal
	switch {
	case e.shares.IsZero():
		shares = assets
	case total.IsZero():
		return decimal.Zero, ErrZeroNetWorth
	default:
		shares = assets.Mul(e.shares).Div(total)
	}

	if err := e.book.CreditIdle(assets); err != nil {
		return decimal.Zero, err
	}
	e.shares = e.shares.Add(shares)
	e.persistState(ctx)

	totalAfter := total.Add(assets)
	e.fees.ValuationChanged(ctx, totalAfter)
	metrics.TotalAssets.Set(totalAfter.InexactFloat64())
	e.publish(Event{
		Type:        EventDeposit,
		TotalAssets: totalAfter.String(),
		Shares:      shares.String(),
	})
	slog.Info("deposit", "assets", assets.String(), "shares", shares.String())
	return shares, nil
}

// Redeem burns shares for assets at the current share price, paying from
// idle balance first and then the instant withdrawal cascade. When the
// cascade cannot raise everything, the servable portion is paid, the
// corresponding shares are burned, and the unpaid remainder is returned
// explicitly — a partially-serviced withdrawal, not a failure.
func (e *Engine) Redeem(ctx context.Context, shares decimal.Decimal) (paid, remaining decimal.Decimal, err error) {
	release, err := e.gate.enter()
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	defer release()
	e.mu.Lock()
	defer e.mu.Unlock()

	if !shares.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, shares)
	}
	if shares.GreaterThan(e.shares) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: have %s, want %s", ErrInsufficientShares, e.shares, shares)
	}

	total, err := e.agg.TotalAssets(ctx, e.book, valuation.PolicyFailClosed)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	assetsDue := shares.Mul(total).Div(e.shares)

	if e.book.Idle().LessThan(assetsDue) {
		if _, err := e.instantWithdrawLocked(ctx, assetsDue.Sub(e.book.Idle())); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}

	paid = assetsDue
	if e.book.Idle().LessThan(paid) {
		paid = e.book.Idle()
	}
	if err := e.book.DebitIdle(paid); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	burned := shares
	if paid.LessThan(assetsDue) {
		burned = shares.Mul(paid).Div(assetsDue)
	}
	e.shares = e.shares.Sub(burned)
	remaining = assetsDue.Sub(paid)
	e.persistState(ctx)

	totalAfter := total.Sub(paid)
	e.fees.ValuationChanged(ctx, totalAfter)
	metrics.TotalAssets.Set(totalAfter.InexactFloat64())
	e.publish(Event{
		Type:        EventWithdrawal,
		TotalAssets: totalAfter.String(),
		Raised:      paid.String(),
		Remaining:   remaining.String(),
	})
	slog.Info("redemption",
		"shares", shares.String(),
		"paid", paid.String(),
		"remaining", remaining.String(),
	)
	return paid, remaining, nil
}

// --- Reads ---

// TotalAssets recomputes net worth under the given policy. Informational
// callers use fail-open; anything pricing shares uses fail-closed. Like the
// mutating entry points it rejects reentry: a fuse reading back mid-batch
// would otherwise block forever on the write lock its own batch holds.
func (e *Engine) TotalAssets(ctx context.Context, policy valuation.Policy) (decimal.Decimal, error) {
	if e.gate.inUse() {
		return decimal.Zero, ErrReentrantCall
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	total, err := e.agg.TotalAssets(ctx, e.book, policy)
	if err == nil {
		metrics.TotalAssets.Set(total.InexactFloat64())
	}
	return total, err
}

// MarketValue returns one market's value in the accounting unit.
func (e *Engine) MarketValue(ctx context.Context, market model.MarketID) (decimal.Decimal, error) {
	if e.gate.inUse() {
		return decimal.Zero, ErrReentrantCall
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.agg.MarketValue(ctx, e.book, market)
}

// IdleBalance returns the un-deployed balance.
func (e *Engine) IdleBalance() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.Idle()
}

// ShareSupply returns the outstanding share count.
func (e *Engine) ShareSupply() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.shares
}

// ActionsByMarket returns the action ledger for a market.
func (e *Engine) ActionsByMarket(ctx context.Context, market model.MarketID) ([]model.ActionRecord, error) {
	return e.store.ListActionsByMarket(ctx, market)
}

// ActionsByBatch returns one batch's action records.
func (e *Engine) ActionsByBatch(ctx context.Context, batchID string) ([]model.ActionRecord, error) {
	return e.store.ListActionsByBatch(ctx, batchID)
}

// --- Internal plumbing ---

// persistConfig snapshots all configuration wholesale. Callers hold the
// write lock.
func (e *Engine) persistConfig(ctx context.Context) error {
	fuseIDs, balance := e.fuses.Snapshot()
	limits, active := e.guard.Limits(), e.guard.Active()
	cfg := &model.VaultConfig{
		Grants:       e.substrates.Snapshot(),
		Fuses:        fuseIDs,
		BalanceFuses: balance,
		Dependencies: e.graph.Snapshot(),
		Limits:       limits,
		LimitsActive: active,
		Cascade:      e.casc.Entries(),
	}
	if err := e.store.SaveConfig(ctx, cfg); err != nil {
		return fmt.Errorf("vault: persist config: %w", err)
	}
	return nil
}

// persistState snapshots custody. A failed write is logged, not fatal: the
// in-memory book stays authoritative and the next successful snapshot
// catches up.
func (e *Engine) persistState(ctx context.Context) {
	if err := e.store.SaveState(ctx, e.book.Snapshot(e.shares)); err != nil {
		slog.Error("custody snapshot write failed", "err", err)
	}
}

func (e *Engine) publish(ev Event) {
	if e.events != nil {
		e.events.Publish(ev)
	}
}
