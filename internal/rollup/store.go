package rollup

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no snapshot has been persisted yet.
var ErrNotFound = errors.New("rollup snapshot not found")

// SnapshotStore persists generated snapshots for restart continuity and
// trend queries.
type SnapshotStore interface {
	Save(ctx context.Context, s *Snapshot) error
	Latest(ctx context.Context) (*Snapshot, error)
	// Recent returns up to limit snapshots, newest first.
	Recent(ctx context.Context, limit int) ([]*Snapshot, error)
}
