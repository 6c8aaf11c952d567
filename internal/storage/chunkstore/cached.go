package chunkstore

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// Cached is a write-through ARC cache in front of a Store.
//
// Only Put populates the cache. A slot's lifecycle (put, reads, delete,
// reuse) is serialized by the allocator, so filling on Get could race a
// delete and resurrect stale data for a reused slot.
type Cached struct {
	inner Store
	cache *lru.ARCCache

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCached wraps inner with a cache of up to size chunks.
func NewCached(inner Store, size int) (*Cached, error) {
	cache, err := lru.NewARC(size)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Put implements Store.
func (c *Cached) Put(ctx context.Context, slot uint64, data []byte) error {
	if err := c.inner.Put(ctx, slot, data); err != nil {
		c.cache.Remove(slot)
		return err
	}
	c.cache.Add(slot, append([]byte(nil), data...))
	return nil
}

// Get implements Store.
func (c *Cached) Get(ctx context.Context, slot uint64) ([]byte, error) {
	if v, ok := c.cache.Get(slot); ok {
		c.hits.Add(1)
		//nolint:forcetypeassert // Only Put adds, always []byte.
		return append([]byte(nil), v.([]byte)...), nil
	}
	c.misses.Add(1)
	return c.inner.Get(ctx, slot)
}

// Delete implements Store.
func (c *Cached) Delete(ctx context.Context, slot uint64) error {
	c.cache.Remove(slot)
	return c.inner.Delete(ctx, slot)
}

// Close implements Store.
func (c *Cached) Close() error {
	c.cache.Purge()
	return c.inner.Close()
}

// Stats returns cache hits and misses.
func (c *Cached) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
