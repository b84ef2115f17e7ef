package venue

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore implements Store in memory. Used for tests and when no
// DATABASE_URL is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string][]byte // stored serialized so reads get copies
}

// NewMemoryStore creates an in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string][]byte)}
}

func (m *MemoryStore) Load(_ context.Context, venueID string) (*Profile, error) {
	m.mu.RLock()
	raw, ok := m.profiles[venueID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *MemoryStore) Save(_ context.Context, p *Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.profiles[p.VenueID] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Profile, 0, len(m.profiles))
	for _, raw := range m.profiles {
		var p Profile
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, nil
}

// Corrupt overwrites a stored profile with bytes that will not decode.
// Test hook for the corrupted-load fallback path.
func (m *MemoryStore) Corrupt(venueID string) {
	m.mu.Lock()
	m.profiles[venueID] = []byte("{not json")
	m.mu.Unlock()
}
