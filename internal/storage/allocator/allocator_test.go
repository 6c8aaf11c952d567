package allocator

import (
	"errors"
	"sync"
	"testing"

	"github.com/yndnr/corestate-go/internal/core/domain"
)

func TestAllocateFirstFit(t *testing.T) {
	a := New(4)

	for want := uint64(0); want < 4; want++ {
		got, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		if got != want {
			t.Errorf("Allocate() = %d, want %d", got, want)
		}
	}

	if _, err := a.Allocate(); !errors.Is(err, domain.ErrOutOfSpace) {
		t.Errorf("Allocate() on full allocator error = %v, want ErrOutOfSpace", err)
	}

	// Freeing a middle slot makes it the next one handed out.
	if err := a.Free(1); err != nil {
		t.Fatalf("Free(1) error = %v", err)
	}
	got, err := a.Allocate()
	if err != nil || got != 1 {
		t.Errorf("Allocate() after Free(1) = (%d, %v), want (1, nil)", got, err)
	}
}

func TestAllocateAcrossWords(t *testing.T) {
	a := New(130)
	for i := 0; i < 130; i++ {
		if _, err := a.Allocate(); err != nil {
			t.Fatalf("Allocate() #%d error = %v", i, err)
		}
	}
	if _, err := a.Allocate(); !errors.Is(err, domain.ErrOutOfSpace) {
		t.Fatalf("Allocate() past capacity error = %v, want ErrOutOfSpace", err)
	}

	if err := a.Free(129); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(3); err != nil {
		t.Fatal(err)
	}
	if got, _ := a.Allocate(); got != 3 {
		t.Errorf("Allocate() = %d, want 3", got)
	}
	if got, _ := a.Allocate(); got != 129 {
		t.Errorf("Allocate() = %d, want 129", got)
	}
}

func TestFree(t *testing.T) {
	tests := []struct {
		name    string
		slot    uint64
		wantErr *domain.DomainError
	}{
		{"allocated slot", 0, nil},
		{"free slot", 2, domain.ErrDoubleFree},
		{"out of range", 8, domain.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(4)
			a.Allocate()

			err := a.Free(tt.slot)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Free(%d) error = %v", tt.slot, err)
				}
				if a.Used() != 0 {
					t.Errorf("Used() = %d, want 0", a.Used())
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Free(%d) error = %v, want %v", tt.slot, err, tt.wantErr)
			}
			if a.Used() != 1 {
				t.Errorf("Used() = %d, want 1 (unchanged)", a.Used())
			}
		})
	}
}

func TestDoubleFreeIsNoOp(t *testing.T) {
	a := New(2)
	s, _ := a.Allocate()
	if err := a.Free(s); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(s); !errors.Is(err, domain.ErrDoubleFree) {
		t.Fatalf("second Free() error = %v, want ErrDoubleFree", err)
	}
	if a.Used() != 0 || a.Available() != 2 {
		t.Errorf("Used/Available = %d/%d, want 0/2", a.Used(), a.Available())
	}
}

func TestConcurrentAllocateUnique(t *testing.T) {
	const slots = 1024
	a := New(slots)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool)
	)
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				s, err := a.Allocate()
				if err != nil {
					return
				}
				mu.Lock()
				if seen[s] {
					t.Errorf("slot %d handed out twice", s)
				}
				seen[s] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != slots {
		t.Errorf("allocated %d distinct slots, want %d", len(seen), slots)
	}
	if a.Used() != slots || a.Available() != 0 {
		t.Errorf("Used/Available = %d/%d, want %d/0", a.Used(), a.Available(), slots)
	}
	if !a.InUse(slots - 1) {
		t.Error("InUse(last) = false, want true")
	}
}
