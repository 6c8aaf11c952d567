// Package chunkstore holds the preserved pre-snapshot contents of COW
// chunks, keyed by allocator slot.
package chunkstore

import (
	"context"
	"errors"
	"sync"
)

// Common errors
var (
	ErrNotFound = errors.New("chunk not found")
	ErrClosed   = errors.New("chunk store closed")
)

// Store persists chunk data by slot.
//
// Implementations must be safe for concurrent use. A slot is written at
// most once between deletes.
type Store interface {
	// Put stores data for slot. The store keeps its own copy.
	Put(ctx context.Context, slot uint64, data []byte) error

	// Get returns a copy of the data of slot, or ErrNotFound.
	Get(ctx context.Context, slot uint64) ([]byte, error)

	// Delete removes slot. Deleting a missing slot is not an error.
	Delete(ctx context.Context, slot uint64) error

	// Close releases resources.
	Close() error
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu     sync.RWMutex
	chunks map[uint64][]byte
	closed bool
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{chunks: make(map[uint64][]byte)}
}

// Put implements Store.
func (s *MemStore) Put(_ context.Context, slot uint64, data []byte) error {
	buf := append([]byte(nil), data...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.chunks[slot] = buf
	return nil
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, slot uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	data, ok := s.chunks[slot]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Delete implements Store.
func (s *MemStore) Delete(_ context.Context, slot uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.chunks, slot)
	return nil
}

// Len returns the number of stored chunks.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Close implements Store.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.chunks = nil
	return nil
}
