// Package store defines the persistence interface for the vault engine.
// PostgreSQL is the source of truth for configuration, custody snapshots,
// and the immutable action ledger; an in-memory implementation serves tests
// and development.
package store

import (
	"context"
	"errors"

	"github.com/custodia/vault-engine/internal/model"
)

// ErrNotFound is returned when a requested snapshot has never been saved.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface.
type Store interface {
	// SaveConfig persists the wholesale configuration snapshot.
	SaveConfig(ctx context.Context, cfg *model.VaultConfig) error

	// LoadConfig returns the last saved configuration or ErrNotFound.
	LoadConfig(ctx context.Context) (*model.VaultConfig, error)

	// SaveState persists the custody snapshot (idle, shares, positions).
	SaveState(ctx context.Context, snap *model.StateSnapshot) error

	// LoadState returns the last custody snapshot or ErrNotFound.
	LoadState(ctx context.Context) (*model.StateSnapshot, error)

	// InsertActionRecords appends immutable batch execution records.
	InsertActionRecords(ctx context.Context, records []model.ActionRecord) error

	// ListActionsByMarket returns all records touching a market, oldest first.
	ListActionsByMarket(ctx context.Context, market model.MarketID) ([]model.ActionRecord, error)

	// ListActionsByBatch returns one batch's records in execution order.
	ListActionsByBatch(ctx context.Context, batchID string) ([]model.ActionRecord, error)
}
