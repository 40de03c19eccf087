package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex is a fixed pool of 256 mutexes keyed by string hash.
// Memory stays bounded no matter how many keys pass through; two keys
// landing on the same shard contend, which is acceptable for the short
// critical sections it guards.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function.
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
