package venue

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a venue has no persisted profile.
var ErrNotFound = errors.New("venue: profile not found")

// Store persists venue trust profiles. Profiles round-trip with full
// category and reason granularity; Explain depends on it.
type Store interface {
	// Load returns the persisted profile, or ErrNotFound.
	Load(ctx context.Context, venueID string) (*Profile, error)

	// Save upserts the profile.
	Save(ctx context.Context, p *Profile) error

	// List returns all persisted profiles.
	List(ctx context.Context) ([]*Profile, error)
}
