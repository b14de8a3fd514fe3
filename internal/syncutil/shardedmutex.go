// Package syncutil provides keyed locking primitives used by the graph and
// cache layers to serialize work per wallet without a lock per key.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedRWMutex provides a fixed-size pool of read-write mutexes keyed by
// string. Memory stays bounded regardless of how many wallets are seen, at
// the cost of occasional false sharing between keys that hash to the same
// shard.
type ShardedRWMutex struct {
	shards [256]sync.RWMutex
}

// Lock acquires the write lock for the given key and returns an unlock
// function.
func (s *ShardedRWMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

// RLock acquires the read lock for the given key and returns an unlock
// function.
func (s *ShardedRWMutex) RLock(key string) func() {
	mu := s.shard(key)
	mu.RLock()
	return mu.RUnlock
}

func (s *ShardedRWMutex) shard(key string) *sync.RWMutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%256]
}

// PairKey builds a canonical lock key for a wallet pair so that both
// directions of an edge serialize on the same shard.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}
