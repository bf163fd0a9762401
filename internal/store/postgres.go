package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/custodia/vault-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Configuration and custody snapshots are single-row JSONB documents;
// action records are a typed append-only table with NUMERIC columns for
// exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS vault_config (
			id         INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			config     JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS vault_state (
			id         INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			snapshot   JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS action_records (
			id         TEXT PRIMARY KEY,
			batch_id   TEXT NOT NULL,
			fuse_id    TEXT NOT NULL,
			market     BIGINT NOT NULL,
			substrate  TEXT NOT NULL,
			action     TEXT NOT NULL,
			amount     NUMERIC NOT NULL,
			delta      NUMERIC NOT NULL,
			ts         TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS action_records_market_idx ON action_records (market, ts);
		CREATE INDEX IF NOT EXISTS action_records_batch_idx ON action_records (batch_id, ts);
	`)
	return err
}

func (s *PostgresStore) SaveConfig(ctx context.Context, cfg *model.VaultConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO vault_config (id, config, updated_at) VALUES (1, $1, now())
		 ON CONFLICT (id) DO UPDATE SET config = $1, updated_at = now()`, data)
	return err
}

func (s *PostgresStore) LoadConfig(ctx context.Context) (*model.VaultConfig, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT config FROM vault_config WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	var cfg model.VaultConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *PostgresStore) SaveState(ctx context.Context, snap *model.StateSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO vault_state (id, snapshot, updated_at) VALUES (1, $1, now())
		 ON CONFLICT (id) DO UPDATE SET snapshot = $1, updated_at = now()`, data)
	return err
}

func (s *PostgresStore) LoadState(ctx context.Context) (*model.StateSnapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT snapshot FROM vault_state WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	var snap model.StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *PostgresStore) InsertActionRecords(ctx context.Context, records []model.ActionRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, r := range records {
		if _, err := tx.Exec(ctx,
			`INSERT INTO action_records (id, batch_id, fuse_id, market, substrate, action, amount, delta, ts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9)`,
			r.ID, r.BatchID, r.FuseID, int64(r.Market), r.Substrate.String(),
			string(r.Action), r.Amount.String(), r.Delta.String(), r.Timestamp,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListActionsByMarket(ctx context.Context, market model.MarketID) ([]model.ActionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, batch_id, fuse_id, market, substrate, action, amount::TEXT, delta::TEXT, ts
		 FROM action_records WHERE market = $1 ORDER BY ts`, int64(market))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActionRecords(rows)
}

func (s *PostgresStore) ListActionsByBatch(ctx context.Context, batchID string) ([]model.ActionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, batch_id, fuse_id, market, substrate, action, amount::TEXT, delta::TEXT, ts
		 FROM action_records WHERE batch_id = $1 ORDER BY ts`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActionRecords(rows)
}

func scanActionRecords(rows pgx.Rows) ([]model.ActionRecord, error) {
	var records []model.ActionRecord
	for rows.Next() {
		var r model.ActionRecord
		var market int64
		var substrate, action, amountS, deltaS string

		if err := rows.Scan(&r.ID, &r.BatchID, &r.FuseID, &market,
			&substrate, &action, &amountS, &deltaS, &r.Timestamp); err != nil {
			return nil, err
		}

		r.Market = model.MarketID(market)
		r.Action = model.Action(action)
		sub, err := model.SubstrateFromHex(substrate)
		if err != nil {
			return nil, err
		}
		r.Substrate = sub
		r.Amount, _ = decimal.NewFromString(amountS)
		r.Delta, _ = decimal.NewFromString(deltaS)

		records = append(records, r)
	}
	return records, rows.Err()
}
