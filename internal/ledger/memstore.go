package ledger

import (
	"context"
	"sync"

	"github.com/alanyoungcy/domatrade/internal/domain"
)

// MemoryStore is a process-local SnapshotStore used when no database is
// configured.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]domain.LedgerState
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.LedgerState)}
}

// Load returns the state saved under name, or domain.ErrNotFound.
func (m *MemoryStore) Load(_ context.Context, name string) (domain.LedgerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.records[name]
	if !ok {
		return domain.LedgerState{}, domain.ErrNotFound
	}
	return s.Clone(), nil
}

// Save replaces the state saved under name.
func (m *MemoryStore) Save(_ context.Context, name string, state domain.LedgerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[name] = state.Clone()
	return nil
}
