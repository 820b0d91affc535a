// Package sync holds concurrency helpers shared by the in-memory stores.
package sync

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex spreads per-key exclusion across a fixed set of mutexes
// so unrelated keys (different applications, different session families)
// rarely block each other. Keys are hashed onto shards, so two distinct
// keys may share one; callers rely only on same-key mutual exclusion.
type ShardedMutex struct {
	shards [32]sync.Mutex
}

func NewShardedMutex() *ShardedMutex {
	return &ShardedMutex{}
}

// Lock acquires the shard owning key. Lock and Unlock must be called
// with the same key string.
func (m *ShardedMutex) Lock(key string) {
	m.shards[m.shardFor(key)].Lock()
}

// Unlock releases the shard owning key.
func (m *ShardedMutex) Unlock(key string) {
	m.shards[m.shardFor(key)].Unlock()
}

func (m *ShardedMutex) shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
