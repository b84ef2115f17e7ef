package rollup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore implements SnapshotStore backed by PostgreSQL. Per-entity
// delta maps are stored as JSONB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed snapshot store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Save(ctx context.Context, snap *Snapshot) error {
	perVenue, err := json.Marshal(snap.PerVenue)
	if err != nil {
		return err
	}
	perActor, err := json.Marshal(snap.PerActor)
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO rollup_snapshots (id, window_start, window_end, per_venue, per_actor, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	_, err = p.db.ExecContext(ctx, q,
		snap.ID, snap.WindowStart, snap.WindowEnd, perVenue, perActor, snap.GeneratedAt)
	if err != nil {
		return fmt.Errorf("save rollup snapshot: %w", err)
	}
	return nil
}

func (p *PostgresStore) Latest(ctx context.Context) (*Snapshot, error) {
	snaps, err := p.Recent(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	return snaps[0], nil
}

func (p *PostgresStore) Recent(ctx context.Context, limit int) ([]*Snapshot, error) {
	const q = `
		SELECT id, window_start, window_end, per_venue, per_actor, generated_at
		FROM rollup_snapshots
		ORDER BY generated_at DESC
		LIMIT $1`

	rows, err := p.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list rollup snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Snapshot
	for rows.Next() {
		var snap Snapshot
		var perVenue, perActor []byte
		if err := rows.Scan(&snap.ID, &snap.WindowStart, &snap.WindowEnd,
			&perVenue, &perActor, &snap.GeneratedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(perVenue, &snap.PerVenue); err != nil {
			return nil, fmt.Errorf("list rollup snapshots: corrupt per_venue for %s: %w", snap.ID, err)
		}
		if err := json.Unmarshal(perActor, &snap.PerActor); err != nil {
			return nil, fmt.Errorf("list rollup snapshots: corrupt per_actor for %s: %w", snap.ID, err)
		}
		out = append(out, &snap)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return out, nil
}
