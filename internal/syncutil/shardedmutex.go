// Package syncutil provides small synchronization helpers shared by the
// pipeline's per-key single-writer components.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex provides a fixed-size pool of mutexes keyed by string.
// Profiles and session windows are serialized per key through this pool,
// so updates for the same venue, actor, or session are read-modify-write
// atomic while different keys proceed in parallel. Memory stays bounded
// regardless of how many keys are seen, at the cost of occasional false
// sharing between keys that hash to the same shard.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%256]
}
