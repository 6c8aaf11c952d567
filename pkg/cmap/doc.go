// Package cmap provides a concurrent, sharded, ordered map.
//
// Keys are spread across shards by a caller-supplied hash. Each shard
// keeps its entries in a B-tree ordered by a caller-supplied comparison
// and is guarded by its own RWMutex, so:
//
//   - Point operations (Get, Set, Compute, Delete) lock a single shard
//   - Scans (All, Filter) walk shards one at a time in key order within a
//     shard, copying a page at a time
//   - There is no ordering across shards
//
// Usage:
//
//	m := cmap.New[string, int](xxhash.Sum64String, strings.Compare)
//	m.Set("key", 1)
//	val, ok := m.Get("key")
package cmap
