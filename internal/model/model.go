// Package model defines the core domain types shared across the vault engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketID identifies an accounting bucket grouping related positions and
// one valuation method. Markets come into existence implicitly the first
// time a substrate or fuse is registered against them and are never
// explicitly destroyed.
type MarketID uint64

// Action selects which entry point of a strategy fuse an instruction
// invokes.
type Action string

const (
	// ActionEnter moves vault capital into a venue position.
	ActionEnter Action = "enter"
	// ActionExit unwinds a venue position back into idle balance.
	ActionExit Action = "exit"
)

// Valid reports whether the action is one of the two fuse entry points.
func (a Action) Valid() bool {
	return a == ActionEnter || a == ActionExit
}

// Instruction is one step of a routing batch: which fuse to invoke, which
// market and substrate it declares to act on, and fuse-specific parameters.
type Instruction struct {
	FuseID    string            `json:"fuse_id"`
	Market    MarketID          `json:"market"`
	Substrate Substrate         `json:"substrate"`
	Action    Action            `json:"action"`
	Amount    decimal.Decimal   `json:"amount"`
	Params    map[string]string `json:"params,omitempty"`
}

// ActionRecord is an immutable ledger row for one executed instruction.
// Once written these are never modified or deleted.
type ActionRecord struct {
	ID        string          `json:"id" db:"id"`
	BatchID   string          `json:"batch_id" db:"batch_id"`
	FuseID    string          `json:"fuse_id" db:"fuse_id"`
	Market    MarketID        `json:"market" db:"market"`
	Substrate Substrate       `json:"substrate" db:"substrate"`
	Action    Action          `json:"action" db:"action"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Delta     decimal.Decimal `json:"delta" db:"delta"` // economic delta reported by the fuse
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// ExecutionMode names the failure policy of an entry point: routing batches
// are atomic, the withdrawal cascade is best-effort. The distinction is a
// first-class property, not an implementation accident.
type ExecutionMode string

const (
	ModeAtomic     ExecutionMode = "atomic"
	ModeBestEffort ExecutionMode = "best_effort"
)

// Phase is the stage a batch reached in the execution state machine.
type Phase string

const (
	PhaseValidating    Phase = "validating"
	PhaseExecuting     Phase = "executing"
	PhaseRevaluing     Phase = "revaluing"
	PhaseLimitChecking Phase = "limit_checking"
	PhaseCommitted     Phase = "committed"
	PhaseAborted       Phase = "aborted"
)

// BatchReceipt summarizes one routing batch. On abort no state change is
// observable; FailedPhase records where execution stopped.
type BatchReceipt struct {
	BatchID     string          `json:"batch_id"`
	Mode        ExecutionMode   `json:"mode"`
	Phase       Phase           `json:"phase"`
	FailedPhase Phase           `json:"failed_phase,omitempty"`
	Records     []ActionRecord  `json:"records,omitempty"`
	TotalBefore decimal.Decimal `json:"total_before"`
	TotalAfter  decimal.Decimal `json:"total_after"`
}

// BpsDenominator is the fixed-point basis for percentage caps:
// 10000 basis points = 100%.
const BpsDenominator = 10000

// MarketLimit caps one market's share of total net worth, in basis points.
type MarketLimit struct {
	Market   MarketID `json:"market"`
	LimitBps uint32   `json:"limit_bps"`
}

// CascadeEntry is one step of the instant withdrawal cascade. Order in the
// configured list is meaningful: earlier entries are tried first.
type CascadeEntry struct {
	FuseID    string            `json:"fuse_id"`
	Market    MarketID          `json:"market"`
	Substrate Substrate         `json:"substrate"`
	Params    map[string]string `json:"params,omitempty"`
}

// VaultConfig is the wholesale configuration snapshot persisted by the
// store. Fuses are referenced by ID; concrete implementations are re-bound
// from the fuse catalog at startup.
type VaultConfig struct {
	Grants       map[MarketID][]Substrate `json:"grants"`
	Fuses        []string                 `json:"fuses"`
	BalanceFuses map[MarketID]string      `json:"balance_fuses"`
	Dependencies map[MarketID][]MarketID  `json:"dependencies"`
	Limits       []MarketLimit            `json:"limits"`
	LimitsActive bool                     `json:"limits_active"`
	Cascade      []CascadeEntry           `json:"cascade"`
}

// StateSnapshot is the persisted custody state: idle balance, share supply,
// and per-market positions keyed by substrate. Net worth itself is never
// persisted; it is recomputed synchronously whenever needed.
type StateSnapshot struct {
	Idle      decimal.Decimal                            `json:"idle"`
	Shares    decimal.Decimal                            `json:"shares"`
	Positions map[MarketID]map[Substrate]decimal.Decimal `json:"positions"`
	UpdatedAt time.Time                                  `json:"updated_at"`
}
