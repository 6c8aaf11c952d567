package cmap

import (
	"sync"

	"github.com/tidwall/btree"
)

// DefaultShardCount is the default number of shards.
const DefaultShardCount = 16

// btreeDegree is the node degree used for each shard's tree.
const btreeDegree = 32

// HashFunc maps a key to a 64-bit hash used for shard selection.
type HashFunc[K any] func(K) uint64

// CompareFunc orders keys within a shard: negative, zero or positive.
type CompareFunc[K any] func(a, b K) int

// Map is a concurrent-safe sharded ordered map.
type Map[K any, V any] struct {
	shards    []*shard[K, V]
	shardMask uint64
	hash      HashFunc[K]
	compare   CompareFunc[K]
}

type entry[K any, V any] struct {
	key   K
	value V
}

type shard[K any, V any] struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[entry[K, V]]
}

// Option configures a Map.
type Option func(*options)

type options struct {
	shardCount int
}

// WithShardCount sets the shard count. Values that are not a positive
// power of two fall back to DefaultShardCount.
func WithShardCount(n int) Option {
	return func(o *options) {
		o.shardCount = n
	}
}

// New creates a new sharded ordered map.
func New[K any, V any](hash HashFunc[K], compare CompareFunc[K], opts ...Option) *Map[K, V] {
	o := options{shardCount: DefaultShardCount}
	for _, opt := range opts {
		opt(&o)
	}
	if o.shardCount <= 0 || o.shardCount&(o.shardCount-1) != 0 {
		o.shardCount = DefaultShardCount
	}

	m := &Map[K, V]{
		shards:    make([]*shard[K, V], o.shardCount),
		shardMask: uint64(o.shardCount - 1),
		hash:      hash,
		compare:   compare,
	}

	less := func(a, b entry[K, V]) bool {
		return compare(a.key, b.key) < 0
	}
	for i := range m.shards {
		m.shards[i] = &shard[K, V]{
			// Each shard has its own mutex; the tree's internal lock is redundant.
			tree: btree.NewBTreeGOptions(less, btree.Options{Degree: btreeDegree, NoLocks: true}),
		}
	}

	return m
}

func (m *Map[K, V]) getShard(key K) *shard[K, V] {
	return m.shards[m.hash(key)&m.shardMask]
}

// Get retrieves a value by key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	s := m.getShard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tree.Get(entry[K, V]{key: key})
	return e.value, ok
}

// Set stores a key-value pair.
func (m *Map[K, V]) Set(key K, value V) {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Set(entry[K, V]{key: key, value: value})
}

// Delete removes a key.
func (m *Map[K, V]) Delete(key K) {
	m.Pop(key)
}

// Pop removes a key and returns its value.
func (m *Map[K, V]) Pop(key K) (V, bool) {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tree.Delete(entry[K, V]{key: key})
	return e.value, ok
}

// Compute atomically reads, transforms and stores the value for key.
//
// fn runs with the shard write lock held and must not call back into the
// map. It returns the new value and whether to store it; returning false
// leaves an existing entry untouched and inserts nothing for a missing one.
// Compute returns the value now stored and whether one is.
func (m *Map[K, V]) Compute(key K, fn func(old V, exists bool) (V, bool)) (V, bool) {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.tree.Get(entry[K, V]{key: key})
	v, store := fn(old.value, exists)
	if !store {
		return old.value, exists
	}
	s.tree.Set(entry[K, V]{key: key, value: v})
	return v, true
}

// Count returns the total number of items.
func (m *Map[K, V]) Count() int {
	count := 0
	for _, s := range m.shards {
		s.mu.RLock()
		count += s.tree.Len()
		s.mu.RUnlock()
	}
	return count
}

// ShardCount returns the number of shards.
func (m *Map[K, V]) ShardCount() int {
	return len(m.shards)
}
