// Package allocator hands out fixed-size COW storage slots from a bitmap.
//
// Allocation is first-fit and serialized by a single mutex. No I/O ever
// happens under that lock; callers do the chunk copy after Allocate returns.
package allocator

import (
	"math/bits"
	"sync"

	"github.com/yndnr/corestate-go/internal/core/domain"
)

// Allocator is a first-fit bitmap allocator.
type Allocator struct {
	mu    sync.Mutex
	words []uint64
	slots uint64
	used  uint64

	// low is the lowest word index that may still contain a free bit.
	low int
}

// New creates an allocator with the given number of slots, all free.
func New(slots uint64) *Allocator {
	return &Allocator{
		words: make([]uint64, (slots+63)/64),
		slots: slots,
	}
}

// Allocate marks the lowest free slot used and returns its index.
// It returns domain.ErrOutOfSpace when every slot is in use.
func (a *Allocator) Allocate() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.used == a.slots {
		return 0, domain.ErrOutOfSpace
	}

	for i := a.low; i < len(a.words); i++ {
		w := a.words[i]
		if w == ^uint64(0) {
			continue
		}
		bit := uint64(bits.TrailingZeros64(^w))
		slot := uint64(i)*64 + bit
		if slot >= a.slots {
			break
		}
		a.words[i] = w | 1<<bit
		a.used++
		a.low = i
		return slot, nil
	}

	return 0, domain.ErrOutOfSpace
}

// Free returns slot to the pool. Freeing a slot that is not in use yields
// domain.ErrDoubleFree and changes nothing.
func (a *Allocator) Free(slot uint64) error {
	if slot >= a.slots {
		return domain.ErrInvalidArgument.WithDetailsf("slot %d out of range [0,%d)", slot, a.slots)
	}

	i, bit := slot/64, slot%64

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.words[i]&(1<<bit) == 0 {
		return domain.ErrDoubleFree.WithDetailsf("slot %d", slot)
	}
	a.words[i] &^= 1 << bit
	a.used--
	if int(i) < a.low {
		a.low = int(i)
	}
	return nil
}

// InUse reports whether slot is currently allocated.
func (a *Allocator) InUse(slot uint64) bool {
	if slot >= a.slots {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.words[slot/64]&(1<<(slot%64)) != 0
}

// Used returns the number of allocated slots.
func (a *Allocator) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Capacity returns the total number of slots.
func (a *Allocator) Capacity() uint64 {
	return a.slots
}

// Available returns the number of free slots.
func (a *Allocator) Available() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slots - a.used
}
