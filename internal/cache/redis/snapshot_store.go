package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/domatrade/internal/domain"
)

// SnapshotStore keeps the ledger state as a JSON string at ledger:{name}.
// It is used when no PostgreSQL database is configured.
type SnapshotStore struct {
	rdb *redis.Client
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore creates a SnapshotStore.
func NewSnapshotStore(c *Client) *SnapshotStore {
	return &SnapshotStore{rdb: c.Underlying()}
}

func snapshotKey(name string) string { return "ledger:" + name }

// Load returns the state saved under name, or domain.ErrNotFound.
func (s *SnapshotStore) Load(ctx context.Context, name string) (domain.LedgerState, error) {
	raw, err := s.rdb.Get(ctx, snapshotKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.LedgerState{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.LedgerState{}, fmt.Errorf("redis: load snapshot %s: %w", name, err)
	}
	var state domain.LedgerState
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.LedgerState{}, fmt.Errorf("redis: decode snapshot %s: %w", name, err)
	}
	return state, nil
}

// Save replaces the state saved under name.
func (s *SnapshotStore) Save(ctx context.Context, name string, state domain.LedgerState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redis: encode snapshot %s: %w", name, err)
	}
	if err := s.rdb.Set(ctx, snapshotKey(name), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis: save snapshot %s: %w", name, err)
	}
	return nil
}
