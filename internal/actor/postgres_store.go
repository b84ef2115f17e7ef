package actor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore implements Store backed by PostgreSQL. Indicators, flags,
// and bonuses are stored as JSONB; decay stays a read-time computation so
// rows are only written on behavioral events.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Load(ctx context.Context, actorID string) (*Profile, error) {
	const q = `
		SELECT actor_id, base, indicators, scam_flags, bonuses, created_at, updated_at
		FROM actor_profiles
		WHERE actor_id = $1`

	var prof Profile
	var indicators, flags, bonuses []byte
	err := p.db.QueryRowContext(ctx, q, actorID).Scan(
		&prof.ActorID, &prof.Base, &indicators, &flags, &bonuses,
		&prof.CreatedAt, &prof.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load actor profile: %w", err)
	}

	if err := json.Unmarshal(indicators, &prof.Indicators); err != nil {
		return nil, fmt.Errorf("load actor profile %s: corrupt indicators: %w", actorID, err)
	}
	if err := json.Unmarshal(flags, &prof.ScamFlags); err != nil {
		return nil, fmt.Errorf("load actor profile %s: corrupt scam flags: %w", actorID, err)
	}
	if err := json.Unmarshal(bonuses, &prof.Bonuses); err != nil {
		return nil, fmt.Errorf("load actor profile %s: corrupt bonuses: %w", actorID, err)
	}
	return &prof, nil
}

func (p *PostgresStore) Save(ctx context.Context, prof *Profile) error {
	indicators, err := json.Marshal(prof.Indicators)
	if err != nil {
		return err
	}
	flags, err := json.Marshal(prof.ScamFlags)
	if err != nil {
		return err
	}
	bonuses, err := json.Marshal(prof.Bonuses)
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO actor_profiles (actor_id, base, indicators, scam_flags, bonuses, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (actor_id) DO UPDATE SET
			base = EXCLUDED.base,
			indicators = EXCLUDED.indicators,
			scam_flags = EXCLUDED.scam_flags,
			bonuses = EXCLUDED.bonuses,
			updated_at = EXCLUDED.updated_at`

	_, err = p.db.ExecContext(ctx, q,
		prof.ActorID, prof.Base, indicators, flags, bonuses,
		prof.CreatedAt, prof.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save actor profile: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Profile, error) {
	const q = `
		SELECT actor_id, base, indicators, scam_flags, bonuses, created_at, updated_at
		FROM actor_profiles
		ORDER BY actor_id`

	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list actor profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Profile
	for rows.Next() {
		var prof Profile
		var indicators, flags, bonuses []byte
		if err := rows.Scan(&prof.ActorID, &prof.Base, &indicators, &flags, &bonuses,
			&prof.CreatedAt, &prof.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(indicators, &prof.Indicators); err != nil {
			return nil, fmt.Errorf("list actor profiles: corrupt indicators for %s: %w", prof.ActorID, err)
		}
		if err := json.Unmarshal(flags, &prof.ScamFlags); err != nil {
			return nil, fmt.Errorf("list actor profiles: corrupt scam flags for %s: %w", prof.ActorID, err)
		}
		if err := json.Unmarshal(bonuses, &prof.Bonuses); err != nil {
			return nil, fmt.Errorf("list actor profiles: corrupt bonuses for %s: %w", prof.ActorID, err)
		}
		out = append(out, &prof)
	}
	return out, rows.Err()
}
