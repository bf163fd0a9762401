package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/custodia/vault-engine/internal/model"
)

// MemoryStore implements Store with in-memory state. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	config  []byte
	state   []byte
	actions []model.ActionRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Snapshots are stored as JSON copies so callers can never mutate stored
// state through a retained pointer.

func (s *MemoryStore) SaveConfig(_ context.Context, cfg *model.VaultConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = data
	return nil
}

func (s *MemoryStore) LoadConfig(_ context.Context) (*model.VaultConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.config == nil {
		return nil, ErrNotFound
	}
	var cfg model.VaultConfig
	if err := json.Unmarshal(s.config, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *MemoryStore) SaveState(_ context.Context, snap *model.StateSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = data
	return nil
}

func (s *MemoryStore) LoadState(_ context.Context) (*model.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return nil, ErrNotFound
	}
	var snap model.StateSnapshot
	if err := json.Unmarshal(s.state, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *MemoryStore) InsertActionRecords(_ context.Context, records []model.ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, records...)
	return nil
}

func (s *MemoryStore) ListActionsByMarket(_ context.Context, market model.MarketID) ([]model.ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ActionRecord
	for _, r := range s.actions {
		if r.Market == market {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListActionsByBatch(_ context.Context, batchID string) ([]model.ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ActionRecord
	for _, r := range s.actions {
		if r.BatchID == batchID {
			out = append(out, r)
		}
	}
	return out, nil
}
