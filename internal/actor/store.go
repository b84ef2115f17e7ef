package actor

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an actor has no stored profile.
var ErrNotFound = errors.New("actor profile not found")

// Store persists actor profiles. Implementations must treat Save as a full
// replace keyed by ActorID.
type Store interface {
	Load(ctx context.Context, actorID string) (*Profile, error)
	Save(ctx context.Context, p *Profile) error
	List(ctx context.Context) ([]*Profile, error)
}
