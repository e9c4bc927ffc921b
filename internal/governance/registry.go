package governance

import (
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// RegistryConfig controls sharding and idle-entry eviction of per-key state.
type RegistryConfig struct {
	// Shards is the number of independently locked partitions.
	Shards int
	// MaxEntriesPerShard bounds each shard; the least recently used entry is
	// evicted when the bound is exceeded. Zero means unbounded.
	MaxEntriesPerShard int
	// IdleTTL evicts entries that have not been referenced for this long.
	// Zero disables idle eviction.
	IdleTTL time.Duration
}

// DefaultRegistryConfig returns sensible defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Shards:             32,
		MaxEntriesPerShard: 4096,
		IdleTTL:            30 * time.Minute,
	}
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.Shards <= 0 {
		c.Shards = DefaultRegistryConfig().Shards
	}
	if c.MaxEntriesPerShard < 0 {
		c.MaxEntriesPerShard = 0
	}
	if c.IdleTTL < 0 {
		c.IdleTTL = 0
	}
	return c
}

// shardedRegistry maps string keys to lazily created entries. Each shard has
// its own lock, so lookups for keys in different shards never contend; the
// shard lock only covers map access, entries carry their own locks.
type shardedRegistry[V any] struct {
	shards  []*registryShard[V]
	evicted atomic.Uint64
}

type registryShard[V any] struct {
	mu      sync.Mutex
	entries *simplelru.LRU[string, V]
}

func newShardedRegistry[V any](cfg RegistryConfig) *shardedRegistry[V] {
	cfg = cfg.withDefaults()
	size := cfg.MaxEntriesPerShard
	if size == 0 {
		size = math.MaxInt32
	}

	r := &shardedRegistry[V]{shards: make([]*registryShard[V], cfg.Shards)}
	for i := range r.shards {
		entries, err := simplelru.NewLRU[string, V](size, func(string, V) {
			r.evicted.Add(1)
		})
		if err != nil {
			// size is always positive here
			panic(err)
		}
		r.shards[i] = &registryShard[V]{entries: entries}
	}
	return r
}

func (r *shardedRegistry[V]) shardFor(key string) *registryShard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// getOrCreate returns the entry for key, creating it with create on first reference.
func (r *shardedRegistry[V]) getOrCreate(key string, create func() V) V {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.entries.Get(key); ok {
		return v
	}
	v := create()
	s.entries.Add(key, v)
	return v
}

// peek returns the entry without creating it or touching its recency.
func (r *shardedRegistry[V]) peek(key string) (V, bool) {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Peek(key)
}

// remove drops the entry for key so the next reference recreates it.
func (r *shardedRegistry[V]) remove(key string) {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Remove(key)
}

// each visits every entry. The visitor must not call back into the registry.
func (r *shardedRegistry[V]) each(fn func(key string, v V)) {
	for _, s := range r.shards {
		s.mu.Lock()
		keys := s.entries.Keys()
		values := s.entries.Values()
		s.mu.Unlock()

		for i := range keys {
			fn(keys[i], values[i])
		}
	}
}

// sweep removes every entry for which idle reports true and returns the count.
func (r *shardedRegistry[V]) sweep(idle func(V) bool) int {
	removed := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for _, key := range s.entries.Keys() {
			v, ok := s.entries.Peek(key)
			if ok && idle(v) {
				s.entries.Remove(key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (r *shardedRegistry[V]) len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += s.entries.Len()
		s.mu.Unlock()
	}
	return n
}

func (r *shardedRegistry[V]) evictions() uint64 {
	return r.evicted.Load()
}
