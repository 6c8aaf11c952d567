package snapshot

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/yndnr/corestate-go/internal/core/domain"
	"github.com/yndnr/corestate-go/internal/storage/allocator"
	"github.com/yndnr/corestate-go/internal/storage/blockio"
	"github.com/yndnr/corestate-go/internal/storage/chunkstore"
)

const testChunkSize = 4

type testEnv struct {
	alloc    *allocator.Allocator
	store    *chunkstore.MemStore
	table    *blockio.Table
	features *domain.Features
	reg      *Registry
}

// newTestEnv builds a registry over two 16-byte memory devices, "a" and
// "b", each filled with a recognisable pattern.
func newTestEnv(t *testing.T, slots uint64) *testEnv {
	t.Helper()

	env := &testEnv{
		alloc:    allocator.New(slots),
		store:    chunkstore.NewMemStore(),
		features: domain.NewFeatures(true, true),
	}
	env.table = blockio.NewTable(env.store, nil)
	for i, name := range []string{"a", "b"} {
		dev := blockio.NewMemDevice(16)
		fill := bytes.Repeat([]byte{byte('A' + i)}, 16)
		for j := range fill {
			fill[j] += byte(j / testChunkSize)
		}
		if _, err := dev.WriteAt(fill, 0); err != nil {
			t.Fatalf("seed device: %v", err)
		}
		env.table.Add(name, dev)
	}

	reg, err := NewRegistry(Config{
		DefaultChunkSize: testChunkSize,
		Allocator:        env.alloc,
		Resolver: ResolverFunc(func(device string, chunkSize uint32) (Origin, error) {
			return env.table.Resolve(device, chunkSize)
		}),
	}, env.features)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	env.reg = reg
	return env
}

func TestNewRegistry_RequiresCollaborators(t *testing.T) {
	if _, err := NewRegistry(Config{}, nil); err == nil {
		t.Error("NewRegistry() without allocator should fail")
	}
	if _, err := NewRegistry(Config{Allocator: allocator.New(1)}, nil); err == nil {
		t.Error("NewRegistry() without resolver should fail")
	}
	resolver := ResolverFunc(func(string, uint32) (Origin, error) { return nil, errors.New("none") })
	if _, err := NewRegistry(Config{Allocator: allocator.New(1), Resolver: resolver, DefaultChunkSize: 48}, nil); err == nil {
		t.Error("NewRegistry() with a non power of two default chunk size should fail")
	}
}

func TestRegistry_IDsAreMonotonic(t *testing.T) {
	env := newTestEnv(t, 8)
	ctx := context.Background()

	id1, err := env.reg.Create(ctx, "a", domain.SnapshotParams{})
	if err != nil {
		t.Fatalf("Create(a) error = %v", err)
	}
	id2, err := env.reg.Create(ctx, "b", domain.SnapshotParams{})
	if err != nil {
		t.Fatalf("Create(b) error = %v", err)
	}
	if err := env.reg.Delete(ctx, id2); err != nil {
		t.Fatalf("Delete(%d) error = %v", id2, err)
	}
	id3, err := env.reg.Create(ctx, "b", domain.SnapshotParams{})
	if err != nil {
		t.Fatalf("Create(b) again error = %v", err)
	}
	if err := env.reg.Delete(ctx, id1); err != nil {
		t.Fatalf("Delete(%d) error = %v", id1, err)
	}
	id4, err := env.reg.Create(ctx, "a", domain.SnapshotParams{})
	if err != nil {
		t.Fatalf("Create(a) again error = %v", err)
	}

	got := []uint64{id1, id2, id3, id4}
	want := []uint64{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids = %v, want %v", got, want)
		}
	}
}

func TestRegistry_CreateErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown device", func(t *testing.T) {
		env := newTestEnv(t, 4)
		_, err := env.reg.Create(ctx, "missing", domain.SnapshotParams{})
		if !errors.Is(err, domain.ErrInvalidDevice) {
			t.Fatalf("Create() error = %v, want ErrInvalidDevice", err)
		}
		if env.reg.Len() != 0 {
			t.Errorf("Len() = %d, want 0", env.reg.Len())
		}
	})

	t.Run("device busy", func(t *testing.T) {
		env := newTestEnv(t, 4)
		if _, err := env.reg.Create(ctx, "a", domain.SnapshotParams{}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		_, err := env.reg.Create(ctx, "a", domain.SnapshotParams{})
		if !errors.Is(err, domain.ErrDeviceBusy) {
			t.Fatalf("second Create() error = %v, want ErrDeviceBusy", err)
		}
		if env.reg.Len() != 1 {
			t.Errorf("Len() = %d, want 1", env.reg.Len())
		}
	})

	t.Run("snapshots disabled", func(t *testing.T) {
		env := newTestEnv(t, 4)
		env.features.SetSnapshots(false)
		_, err := env.reg.Create(ctx, "a", domain.SnapshotParams{})
		if !errors.Is(err, domain.ErrFeatureDisabled) {
			t.Fatalf("Create() error = %v, want ErrFeatureDisabled", err)
		}
	})

	t.Run("chunk size not a power of two", func(t *testing.T) {
		env := newTestEnv(t, 4)
		_, err := env.reg.Create(ctx, "a", domain.SnapshotParams{ChunkSize: 3})
		if !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("Create() error = %v, want ErrInvalidArgument", err)
		}
		if env.reg.Len() != 0 {
			t.Errorf("Len() = %d, want 0", env.reg.Len())
		}
	})

	t.Run("chunk size above maximum", func(t *testing.T) {
		env := newTestEnv(t, 4)
		_, err := env.reg.Create(ctx, "a", domain.SnapshotParams{ChunkSize: 1 << 30})
		if !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("Create() error = %v, want ErrInvalidArgument", err)
		}
		if _, ok := env.reg.ForDevice("a"); ok {
			t.Error("device has a snapshot after a rejected create")
		}
	})

	t.Run("failed create does not consume an id", func(t *testing.T) {
		env := newTestEnv(t, 4)
		_, _ = env.reg.Create(ctx, "missing", domain.SnapshotParams{})
		id, err := env.reg.Create(ctx, "a", domain.SnapshotParams{})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if id != 1 {
			t.Errorf("id = %d, want 1", id)
		}
	})
}

func TestRegistry_DeleteUnknown(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()
	id, err := env.reg.Create(ctx, "a", domain.SnapshotParams{Description: "keep"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	before := env.reg.List()
	if err := env.reg.Delete(ctx, id+10); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Delete(unknown) error = %v, want ErrNotFound", err)
	}
	after := env.reg.List()
	if len(after) != len(before) || after[0].ID != before[0].ID {
		t.Errorf("List() changed after failed delete: %v -> %v", before, after)
	}
}

func TestRegistry_DeleteFreesSlots(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()
	id, err := env.reg.Create(ctx, "a", domain.SnapshotParams{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	h, ok := env.reg.ForDevice("a")
	if !ok || h.ID != id {
		t.Fatalf("ForDevice(a) = %+v, %v", h, ok)
	}
	for _, chunk := range []uint64{0, 1, 2} {
		if _, err := h.Manager.OnWrite(ctx, chunk, nil); err != nil {
			t.Fatalf("OnWrite(%d) error = %v", chunk, err)
		}
	}
	if env.alloc.Used() != 3 {
		t.Fatalf("Used() = %d, want 3", env.alloc.Used())
	}

	if err := env.reg.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if env.alloc.Used() != 0 {
		t.Errorf("Used() after delete = %d, want 0", env.alloc.Used())
	}
	if env.store.Len() != 0 {
		t.Errorf("store holds %d chunks after delete, want 0", env.store.Len())
	}
	if _, ok := env.reg.ForDevice("a"); ok {
		t.Error("ForDevice(a) still reports a snapshot")
	}
	if _, err := env.reg.Get(id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_Info(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()
	id, err := env.reg.Create(ctx, "b", domain.SnapshotParams{Description: "nightly", ChunkSize: 8})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	h, err := env.reg.Lookup(id)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if _, err := h.Manager.OnWrite(ctx, 1, nil); err != nil {
		t.Fatalf("OnWrite() error = %v", err)
	}

	info, err := env.reg.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if info.OriginDevice != "b" || info.Description != "nightly" {
		t.Errorf("info = %+v", info)
	}
	if info.ChunkSize != 8 || info.SizeBytes != 16 {
		t.Errorf("ChunkSize/SizeBytes = %d/%d, want 8/16", info.ChunkSize, info.SizeBytes)
	}
	if !info.Active || info.MappedChunks != 1 || info.UsageBytes != 8 {
		t.Errorf("Active/MappedChunks/UsageBytes = %v/%d/%d", info.Active, info.MappedChunks, info.UsageBytes)
	}
	if info.WriteCounter != 1 || info.Integrity != domain.IntegrityOK {
		t.Errorf("WriteCounter/Integrity = %d/%s", info.WriteCounter, info.Integrity)
	}
}

func TestRegistry_MergeRemovesSnapshot(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()
	id, err := env.reg.Create(ctx, "a", domain.SnapshotParams{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	h, _ := env.reg.Lookup(id)
	for _, chunk := range []uint64{0, 3} {
		if _, err := h.Manager.OnWrite(ctx, chunk, nil); err != nil {
			t.Fatalf("OnWrite(%d) error = %v", chunk, err)
		}
	}

	res, err := env.reg.Merge(ctx, id)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if res.Merged != 2 {
		t.Errorf("Merged = %d, want 2", res.Merged)
	}
	if env.reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0", env.reg.Len())
	}
	if !h.Manager.Closed() {
		t.Error("manager not released after full merge")
	}
	if env.alloc.Used() != 0 {
		t.Errorf("Used() = %d, want 0", env.alloc.Used())
	}
	created, deleted := env.reg.Stats()
	if created != 1 || deleted != 1 {
		t.Errorf("Stats() = %d/%d, want 1/1", created, deleted)
	}
}

func TestRegistry_ConcurrentCreateDelete(t *testing.T) {
	env := newTestEnv(t, 16)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uint64]bool)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(dev string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id, err := env.reg.Create(ctx, dev, domain.SnapshotParams{})
				if err != nil {
					if !errors.Is(err, domain.ErrDeviceBusy) {
						t.Errorf("Create() error = %v", err)
					}
					continue
				}
				mu.Lock()
				if seen[id] {
					t.Errorf("id %d issued twice", id)
				}
				seen[id] = true
				mu.Unlock()
				if err := env.reg.Delete(ctx, id); err != nil {
					t.Errorf("Delete(%d) error = %v", id, err)
				}
			}
		}([]string{"a", "b"}[i%2])
	}
	wg.Wait()

	if env.reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0", env.reg.Len())
	}
}

func TestRegistry_Close(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()
	for _, dev := range []string{"a", "b"} {
		id, err := env.reg.Create(ctx, dev, domain.SnapshotParams{})
		if err != nil {
			t.Fatalf("Create(%s) error = %v", dev, err)
		}
		h, _ := env.reg.Lookup(id)
		if _, err := h.Manager.OnWrite(ctx, 0, nil); err != nil {
			t.Fatalf("OnWrite() error = %v", err)
		}
	}

	if err := env.reg.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if env.reg.Len() != 0 || env.alloc.Used() != 0 {
		t.Errorf("Len/Used after Close = %d/%d, want 0/0", env.reg.Len(), env.alloc.Used())
	}
}
