package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests. Profiles are
// held serialized so reads hand back independent copies.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string][]byte)}
}

func (s *MemoryStore) Load(ctx context.Context, actorID string) (*Profile, error) {
	s.mu.RLock()
	raw, ok := s.profiles[actorID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode actor profile %s: %w", actorID, err)
	}
	return &p, nil
}

func (s *MemoryStore) Save(ctx context.Context, p *Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode actor profile %s: %w", p.ActorID, err)
	}
	s.mu.Lock()
	s.profiles[p.ActorID] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Profile, 0, len(s.profiles))
	for id, raw := range s.profiles {
		var p Profile
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode actor profile %s: %w", id, err)
		}
		out = append(out, &p)
	}
	return out, nil
}

// Corrupt replaces a stored profile with invalid JSON. Test hook.
func (s *MemoryStore) Corrupt(actorID string) {
	s.mu.Lock()
	s.profiles[actorID] = []byte("{not json")
	s.mu.Unlock()
}
