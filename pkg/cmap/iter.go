package cmap

import "iter"

// Page visits up to limit entries of shard i whose key is strictly
// greater than after (or from the start when first is true) and copies
// those for which keep returns true. It returns the copied entries and the last key it
// visited, which is the resume point for the next call; done reports that
// the shard has no further entries.
//
// The shard read lock is held only for the duration of the copy.
func (m *Map[K, V]) Page(i int, after K, first bool, limit int, keep func(K, V) bool) (keys []K, values []V, last K, done bool) {
	s := m.shards[i]
	last = after
	done = true
	visited := 0

	s.mu.RLock()
	defer s.mu.RUnlock()

	visit := func(e entry[K, V]) bool {
		if !first && m.compare(e.key, after) <= 0 {
			return true
		}
		if visited >= limit {
			done = false
			return false
		}
		visited++
		last = e.key
		if keep == nil || keep(e.key, e.value) {
			keys = append(keys, e.key)
			values = append(values, e.value)
		}
		return true
	}

	if first {
		s.tree.Scan(visit)
	} else {
		s.tree.Ascend(entry[K, V]{key: after}, visit)
	}
	return keys, values, last, done
}

// All returns an iterator over every entry. Entries are copied out a page
// at a time, so the iterator never holds a lock while yielding and the
// consumer may write to the map.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return m.Filter(nil)
}

// Filter is All restricted to entries for which keep returns true. keep
// runs under the shard read lock.
func (m *Map[K, V]) Filter(keep func(K, V) bool) iter.Seq2[K, V] {
	const pageSize = 256
	return func(yield func(K, V) bool) {
		for i := range m.shards {
			var after K
			first := true
			for {
				keys, values, last, done := m.Page(i, after, first, pageSize, keep)
				for j := range keys {
					if !yield(keys[j], values[j]) {
						return
					}
				}
				if done {
					break
				}
				after, first = last, false
			}
		}
	}
}
