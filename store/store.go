// Package store persists directory snapshots.
package store

import (
	"fmt"
	"sync"

	"github.com/zhubert/crabbot-core/config"
	"github.com/zhubert/crabbot-core/paths"
	"github.com/zhubert/crabbot-core/state"
)

// Store loads and saves the full directory as one snapshot.
type Store interface {
	// Load returns the saved snapshot, or nil and no error when nothing
	// has been saved yet.
	Load() (*state.Snapshot, error)
	Save(*state.Snapshot) error
	Close() error
}

// Open returns the store selected by cfg.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case config.StoreMemory:
		return NewMemoryStore(), nil
	case config.StoreJSON:
		path := cfg.Path
		if path == "" {
			p, err := paths.StateFilePath()
			if err != nil {
				return nil, err
			}
			path = p
		}
		return NewFileStore(path), nil
	case config.StoreSQLite, "":
		path := cfg.Path
		if path == "" {
			p, err := paths.DatabasePath()
			if err != nil {
				return nil, err
			}
			path = p
		}
		return OpenSQLite(path)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// MemoryStore keeps the last snapshot in memory.
type MemoryStore struct {
	mu   sync.Mutex
	snap *state.Snapshot
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load() (*state.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return nil, nil
	}
	return m.snap.Clone(), nil
}

func (m *MemoryStore) Save(snap *state.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap.Clone()
	return nil
}

func (m *MemoryStore) Close() error { return nil }
