// Package syncutil provides sharded per-key locking primitives. Both types
// hash keys onto a fixed pool of locks, so memory stays bounded no matter
// how many distinct keys pass through, at the cost of occasional false
// sharing between keys that land on the same shard.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ShardedMutex is a fixed pool of mutexes keyed by string. The zero value
// is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}
