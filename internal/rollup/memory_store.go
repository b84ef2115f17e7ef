package rollup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory SnapshotStore for development and tests.
// Snapshots are held serialized so reads hand back independent copies.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots [][]byte // oldest first
	retain    int
}

// NewMemoryStore creates a store keeping at most retain snapshots.
func NewMemoryStore(retain int) *MemoryStore {
	if retain <= 0 {
		retain = 1
	}
	return &MemoryStore{retain: retain}
}

func (s *MemoryStore) Save(ctx context.Context, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.ID, err)
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, raw)
	if len(s.snapshots) > s.retain {
		s.snapshots = s.snapshots[len(s.snapshots)-s.retain:]
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Latest(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.snapshots) == 0 {
		return nil, ErrNotFound
	}
	return decode(s.snapshots[len(s.snapshots)-1])
}

func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Snapshot
	for i := len(s.snapshots) - 1; i >= 0 && len(out) < limit; i-- {
		snap, err := decode(s.snapshots[i])
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func decode(raw []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
