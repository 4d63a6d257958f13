package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/domatrade/internal/domain"
)

// SnapshotStore keeps the ledger state as one JSONB row per name.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore creates a SnapshotStore.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Load returns the state saved under name, or domain.ErrNotFound.
func (s *SnapshotStore) Load(ctx context.Context, name string) (domain.LedgerState, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM ledger_snapshots WHERE name = $1`, name,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LedgerState{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.LedgerState{}, fmt.Errorf("postgres: load snapshot %s: %w", name, err)
	}

	var state domain.LedgerState
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.LedgerState{}, fmt.Errorf("postgres: decode snapshot %s: %w", name, err)
	}
	return state, nil
}

// Save upserts the state under name.
func (s *SnapshotStore) Save(ctx context.Context, name string, state domain.LedgerState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("postgres: encode snapshot %s: %w", name, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ledger_snapshots (name, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE
		SET state = EXCLUDED.state,
		    version = ledger_snapshots.version + 1,
		    updated_at = EXCLUDED.updated_at`,
		name, raw,
	)
	if err != nil {
		return fmt.Errorf("postgres: save snapshot %s: %w", name, err)
	}
	return nil
}
