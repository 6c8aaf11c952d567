// Package snapshot keeps the set of active point-in-time snapshots and
// ages their copy-on-write mappings out in the background.
//
// A snapshot lives only in memory: its id, origin device, chunk size and
// the cow.Manager holding its preserved chunks. At most one snapshot is
// active per origin device. Ids are assigned in strictly increasing order
// and never reused within a process.
//
// The Monitor periodically compares each snapshot's preserved bytes with
// a threshold and merges the oldest mappings back into the origin until
// the snapshot fits again:
//
//	usage = mappings × chunk_size
//	batch = ceil((usage - threshold) / chunk_size)
package snapshot
