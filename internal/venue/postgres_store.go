package venue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore implements Store backed by PostgreSQL. Category scores and
// reasons are stored as JSONB so the full explainable state round-trips.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Load(ctx context.Context, venueID string) (*Profile, error) {
	const q = `
		SELECT venue_id, categories, reasons, created_at, updated_at
		FROM venue_profiles
		WHERE venue_id = $1`

	var prof Profile
	var categories, reasons []byte
	err := p.db.QueryRowContext(ctx, q, venueID).Scan(
		&prof.VenueID, &categories, &reasons, &prof.CreatedAt, &prof.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load venue profile: %w", err)
	}

	if err := json.Unmarshal(categories, &prof.Categories); err != nil {
		return nil, fmt.Errorf("load venue profile %s: corrupt categories: %w", venueID, err)
	}
	if err := json.Unmarshal(reasons, &prof.Reasons); err != nil {
		return nil, fmt.Errorf("load venue profile %s: corrupt reasons: %w", venueID, err)
	}
	return &prof, nil
}

func (p *PostgresStore) Save(ctx context.Context, prof *Profile) error {
	categories, err := json.Marshal(prof.Categories)
	if err != nil {
		return err
	}
	reasons, err := json.Marshal(prof.Reasons)
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO venue_profiles (venue_id, categories, reasons, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (venue_id) DO UPDATE SET
			categories = EXCLUDED.categories,
			reasons = EXCLUDED.reasons,
			updated_at = EXCLUDED.updated_at`

	_, err = p.db.ExecContext(ctx, q,
		prof.VenueID, categories, reasons, prof.CreatedAt, prof.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save venue profile: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Profile, error) {
	const q = `
		SELECT venue_id, categories, reasons, created_at, updated_at
		FROM venue_profiles
		ORDER BY venue_id`

	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list venue profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Profile
	for rows.Next() {
		var prof Profile
		var categories, reasons []byte
		if err := rows.Scan(&prof.VenueID, &categories, &reasons, &prof.CreatedAt, &prof.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(categories, &prof.Categories); err != nil {
			return nil, fmt.Errorf("list venue profiles: corrupt categories for %s: %w", prof.VenueID, err)
		}
		if err := json.Unmarshal(reasons, &prof.Reasons); err != nil {
			return nil, fmt.Errorf("list venue profiles: corrupt reasons for %s: %w", prof.VenueID, err)
		}
		out = append(out, &prof)
	}
	return out, rows.Err()
}
