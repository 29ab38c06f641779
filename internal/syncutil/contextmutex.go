package syncutil

import "context"

// ContextShardedMutex is the context-aware variant of ShardedMutex: each
// shard is a channel-based mutex, so a caller waiting on a lock can bail
// out when its context is cancelled. Must be created with
// NewContextShardedMutex.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
}

// NewContextShardedMutex creates a context-aware sharded mutex with every
// shard unlocked.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext acquires the shard for key, or gives up when ctx is done.
// On success the caller must invoke the returned unlock function.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[shardIndex(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
