package service

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/yndnr/corestate-go/internal/core/domain"
	"github.com/yndnr/corestate-go/internal/storage/allocator"
	"github.com/yndnr/corestate-go/internal/storage/backup"
	"github.com/yndnr/corestate-go/internal/storage/blockio"
	"github.com/yndnr/corestate-go/internal/storage/chunkstore"
	"github.com/yndnr/corestate-go/internal/storage/snapshot"
	"github.com/yndnr/corestate-go/internal/storage/tracker"
	"github.com/yndnr/corestate-go/internal/storage/trigger"
)

const (
	testBlockSize = 8
	testChunkSize = 16
	testDevSize   = 64
)

type testEnv struct {
	svc      *Service
	features *domain.Features
	table    *blockio.Table
	alloc    *allocator.Allocator
	tracker  *tracker.Tracker
	trigger  *trigger.Trigger
	registry *snapshot.Registry
	exporter *Exporter
	dirty    *backup.Store
	merged   *backup.Store
}

type envOptions struct {
	slots     uint64
	threshold int64
	sealer    backup.Sealer
	opener    backup.Opener
	maxPerRun int
}

// newTestEnv builds a Service over two 64-byte memory devices "a" and "b"
// whose bytes hold their own offset, plus an exporter writing to a
// temporary directory.
func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	if opts.slots == 0 {
		opts.slots = 16
	}

	env := &testEnv{
		features: domain.NewFeatures(true, true),
		alloc:    allocator.New(opts.slots),
	}
	env.table = blockio.NewTable(chunkstore.NewMemStore(), nil)
	for _, name := range []string{"a", "b"} {
		env.table.Add(name, blockio.NewMemDevice(testDevSize))
		if _, err := mustDevice(t, env.table, name).WriteAt(pattern(0, testDevSize), 0); err != nil {
			t.Fatalf("seed device: %v", err)
		}
	}

	env.trigger = trigger.New(opts.threshold, nil)
	env.tracker = tracker.New(tracker.DefaultConfig(), env.features, env.trigger)

	var err error
	dir := t.TempDir()
	env.dirty, err = backup.NewStore(backup.Config{
		Dir:    dir + "/dirty",
		Sealer: opts.sealer,
		Opener: opts.opener,
	})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	env.merged, err = backup.NewStore(backup.Config{Dir: dir + "/merged"})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() {
		env.dirty.Close()
		env.merged.Close()
	})

	env.exporter, err = NewExporter(ExporterConfig{
		BlockSize:            testBlockSize,
		MaxRecordsPerArchive: opts.maxPerRun,
	}, ExporterDeps{
		Tracker: env.tracker,
		Devices: env.table,
		Dirty:   env.dirty,
		Merged:  env.merged,
	})
	if err != nil {
		t.Fatalf("NewExporter() error = %v", err)
	}
	env.trigger.SetHandler(env.exporter)

	env.registry, err = snapshot.NewRegistry(snapshot.Config{
		DefaultChunkSize: testChunkSize,
		Allocator:        env.alloc,
		Resolver: snapshot.ResolverFunc(func(d string, cs uint32) (snapshot.Origin, error) {
			return env.table.Resolve(d, cs)
		}),
		Sink: env.exporter,
	}, env.features)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	env.svc, err = New(Config{BlockSize: testBlockSize}, Deps{
		Features:  env.features,
		Devices:   env.table,
		Tracker:   env.tracker,
		Trigger:   env.trigger,
		Allocator: env.alloc,
		Registry:  env.registry,
		Monitor:   snapshot.NewMonitor(env.registry, snapshot.MonitorConfig{ThresholdBytes: 1 << 20}),
		Exporter:  env.exporter,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return env
}

func mustDevice(t *testing.T, table *blockio.Table, name string) blockio.Device {
	t.Helper()
	dev, err := table.Device(name)
	if err != nil {
		t.Fatalf("Device(%q) error = %v", name, err)
	}
	return dev
}

// pattern returns n bytes whose values are their offsets from start.
func pattern(start, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(start + i)
	}
	return b
}

func (env *testEnv) read(t *testing.T, device string, off, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := mustDevice(t, env.table, device).ReadAt(buf, int64(off)); err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	return buf
}

func TestNew_MissingDependency(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatal("New() with no dependencies should fail")
	}
}

func TestWrite_TracksCoveredBlocks(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	data := bytes.Repeat([]byte{0xAA}, 10)
	if err := env.svc.Write(ctx, "a", 4, data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if got := env.read(t, "a", 4, 10); !bytes.Equal(got, data) {
		t.Errorf("device contents = %v, want %v", got, data)
	}

	// [4,14) covers block 0 (bytes 4-7) and block 1 (bytes 8-13).
	tests := []struct {
		block   uint64
		payload []byte
	}{
		{0, data[:4]},
		{1, data[4:]},
	}
	for _, tt := range tests {
		rec, ok := env.tracker.Get("a", tt.block)
		if !ok || !rec.Dirty {
			t.Fatalf("block %d: record = %+v, %v, want dirty", tt.block, rec, ok)
		}
		if rec.Checksum != xxhash.Sum64(tt.payload) {
			t.Errorf("block %d checksum = %x, want checksum of written bytes", tt.block, rec.Checksum)
		}
	}
	if _, ok := env.tracker.Get("a", 2); ok {
		t.Error("block 2 tracked but not written")
	}
	if n := env.tracker.DirtyCount(); n != 2 {
		t.Errorf("DirtyCount() = %d, want 2", n)
	}
}

func TestWrite_InvalidArguments(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	tests := []struct {
		name    string
		device  string
		offset  int64
		data    []byte
		wantErr error
	}{
		{"unknown device", "zz", 0, []byte{1}, domain.ErrInvalidDevice},
		{"negative offset", "a", -1, []byte{1}, domain.ErrInvalidArgument},
		{"past end", "a", testDevSize - 1, []byte{1, 2}, domain.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.svc.Write(ctx, tt.device, tt.offset, tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Write() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := env.svc.Write(ctx, "a", 0, nil); err != nil {
		t.Errorf("empty Write() error = %v", err)
	}
	if n := env.tracker.Count(); n != 0 {
		t.Errorf("Count() = %d after rejected writes, want 0", n)
	}
}

func TestWrite_TrackingDisabled(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	env.svc.DisableTracking()
	if err := env.svc.Write(ctx, "a", 0, []byte{9}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n := env.tracker.Count(); n != 0 {
		t.Errorf("Count() = %d with tracking off, want 0", n)
	}

	env.svc.EnableTracking()
	if err := env.svc.Write(ctx, "a", 0, []byte{9}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n := env.tracker.Count(); n != 1 {
		t.Errorf("Count() = %d with tracking on, want 1", n)
	}
}

func TestReadSnapshot_ShowsContentsAtCreation(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	info, err := env.svc.CreateSnapshot(ctx, "a", domain.SnapshotParams{Description: "before upgrade"})
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	if info.ID != 1 || info.OriginDevice != "a" || info.ChunkSize != testChunkSize || !info.Active {
		t.Fatalf("CreateSnapshot() = %+v", info)
	}

	// Two writes into chunk 1 and one spanning chunks 2 and 3.
	writes := []struct {
		off  int64
		data []byte
	}{
		{16, bytes.Repeat([]byte{0x11}, 4)},
		{20, bytes.Repeat([]byte{0x22}, 4)},
		{40, bytes.Repeat([]byte{0x33}, 16)},
	}
	for _, w := range writes {
		if err := env.svc.Write(ctx, "a", w.off, w.data); err != nil {
			t.Fatalf("Write(%d) error = %v", w.off, err)
		}
	}

	for chunk := uint64(0); chunk < testDevSize/testChunkSize; chunk++ {
		got, err := env.svc.ReadSnapshot(ctx, info.ID, chunk)
		if err != nil {
			t.Fatalf("ReadSnapshot(%d) error = %v", chunk, err)
		}
		want := pattern(int(chunk)*testChunkSize, testChunkSize)
		if !bytes.Equal(got, want) {
			t.Errorf("ReadSnapshot(%d) = %v, want %v", chunk, got, want)
		}
	}

	if got := env.read(t, "a", 16, 4); !bytes.Equal(got, writes[0].data) {
		t.Errorf("origin not updated: %v", got)
	}

	snap, err := env.svc.GetSnapshot(info.ID)
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if snap.MappedChunks != 3 {
		t.Errorf("MappedChunks = %d, want 3", snap.MappedChunks)
	}
	if env.alloc.Used() != 3 {
		t.Errorf("allocator used = %d, want 3", env.alloc.Used())
	}

	// Device "b" has no snapshot and is not copied.
	if err := env.svc.Write(ctx, "b", 0, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Write(b) error = %v", err)
	}
	if env.alloc.Used() != 3 {
		t.Errorf("write to device without snapshot allocated a slot")
	}
}

func TestReadSnapshot_Errors(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	if _, err := env.svc.ReadSnapshot(ctx, 42, 0); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown snapshot error = %v, want ErrNotFound", err)
	}

	info, err := env.svc.CreateSnapshot(ctx, "a", domain.SnapshotParams{})
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	if _, err := env.svc.ReadSnapshot(ctx, info.ID, 4); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("chunk past end error = %v, want ErrInvalidArgument", err)
	}
}

func TestWrite_FailedCopyLeavesOriginUnchanged(t *testing.T) {
	env := newTestEnv(t, envOptions{slots: 1})
	ctx := context.Background()

	info, err := env.svc.CreateSnapshot(ctx, "a", domain.SnapshotParams{})
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}

	if err := env.svc.Write(ctx, "a", 0, []byte{0xEE}); err != nil {
		t.Fatalf("first Write() error = %v", err)
	}

	err = env.svc.Write(ctx, "a", 16, []byte{0xEE})
	if !errors.Is(err, domain.ErrOutOfSpace) {
		t.Fatalf("second Write() error = %v, want ErrOutOfSpace", err)
	}
	if got := env.read(t, "a", 16, 1); got[0] != 16 {
		t.Errorf("origin byte = %d after rejected write, want 16", got[0])
	}
	if _, ok := env.tracker.Get("a", 2); ok {
		t.Error("rejected write was tracked")
	}

	snap, _ := env.svc.GetSnapshot(info.ID)
	if snap.Integrity != domain.IntegrityDegraded {
		t.Errorf("Integrity = %q, want degraded", snap.Integrity)
	}

	// A write spanning a protected and an unprotectable chunk is rejected
	// as a whole.
	if err := env.svc.Write(ctx, "a", 12, bytes.Repeat([]byte{0xDD}, 8)); !errors.Is(err, domain.ErrOutOfSpace) {
		t.Fatalf("spanning Write() error = %v, want ErrOutOfSpace", err)
	}
	if got := env.read(t, "a", 12, 4); !bytes.Equal(got, pattern(12, 4)) {
		t.Errorf("origin changed by rejected spanning write: %v", got)
	}
}

func TestWrite_SnapshotsDisabledStillProtectsExisting(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	info, err := env.svc.CreateSnapshot(ctx, "a", domain.SnapshotParams{})
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	env.svc.DisableSnapshots()

	if _, err := env.svc.CreateSnapshot(ctx, "b", domain.SnapshotParams{}); !errors.Is(err, domain.ErrFeatureDisabled) {
		t.Errorf("CreateSnapshot() with snapshots off error = %v, want ErrFeatureDisabled", err)
	}

	if err := env.svc.Write(ctx, "a", 0, []byte{0xFF}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := env.svc.ReadSnapshot(ctx, info.ID, 0)
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	if got[0] != 0 {
		t.Errorf("snapshot byte = %d, want 0", got[0])
	}
}

func TestDeleteSnapshot_FreesSlots(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	info, _ := env.svc.CreateSnapshot(ctx, "a", domain.SnapshotParams{})
	if err := env.svc.Write(ctx, "a", 0, bytes.Repeat([]byte{1}, 32)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if env.alloc.Used() != 2 {
		t.Fatalf("allocator used = %d, want 2", env.alloc.Used())
	}

	if err := env.svc.DeleteSnapshot(ctx, info.ID); err != nil {
		t.Fatalf("DeleteSnapshot() error = %v", err)
	}
	if env.alloc.Used() != 0 {
		t.Errorf("allocator used = %d after delete, want 0", env.alloc.Used())
	}
	if len(env.svc.ListSnapshots()) != 0 {
		t.Error("snapshot still listed after delete")
	}
	if err := env.svc.DeleteSnapshot(ctx, info.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second DeleteSnapshot() error = %v, want ErrNotFound", err)
	}

	// The origin is now free for a new snapshot.
	if _, err := env.svc.CreateSnapshot(ctx, "a", domain.SnapshotParams{}); err != nil {
		t.Errorf("CreateSnapshot() after delete error = %v", err)
	}
}

func TestMergeSnapshot_RestoresOriginAndArchives(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	info, _ := env.svc.CreateSnapshot(ctx, "a", domain.SnapshotParams{})
	if err := env.svc.Write(ctx, "a", 0, bytes.Repeat([]byte{0x77}, 20)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	res, err := env.svc.MergeSnapshot(ctx, info.ID)
	if err != nil {
		t.Fatalf("MergeSnapshot() error = %v", err)
	}
	if res.Merged != 2 || res.Failed != 0 {
		t.Errorf("MergeSnapshot() = %+v, want 2 merged", res)
	}
	if got := env.read(t, "a", 0, 32); !bytes.Equal(got, pattern(0, 32)) {
		t.Errorf("origin after merge = %v, want pre-snapshot contents", got)
	}
	if _, err := env.svc.GetSnapshot(info.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetSnapshot() after full merge error = %v, want ErrNotFound", err)
	}
	if env.alloc.Used() != 0 {
		t.Errorf("allocator used = %d after merge, want 0", env.alloc.Used())
	}

	archives, err := env.merged.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(archives) != 2 {
		t.Fatalf("merged archives = %d, want 2", len(archives))
	}
	for _, a := range archives {
		if a.Kind != backup.KindMerged || a.Records != 1 {
			t.Errorf("archive %+v, want one merged record", a)
		}
	}
	if st := env.exporter.Stats(); st.MergedArchives != 2 {
		t.Errorf("MergedArchives = %d, want 2", st.MergedArchives)
	}
}

func TestQueryDirtyAndAcknowledge(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	since := time.Now().Add(-time.Second)
	if err := env.svc.Write(ctx, "a", 0, bytes.Repeat([]byte{1}, 24)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if got := env.svc.QueryDirty(since, 2); len(got) != 2 {
		t.Errorf("QueryDirty(limit 2) returned %d records", len(got))
	}
	if got := env.svc.QueryDirty(time.Now().Add(time.Hour), 0); len(got) != 0 {
		t.Errorf("QueryDirty(future) returned %d records", len(got))
	}

	records := env.svc.QueryDirty(since, 0)
	if len(records) != 3 {
		t.Fatalf("QueryDirty() returned %d records, want 3", len(records))
	}

	// Block 1 changes after it was read; its acknowledgement must not
	// clear it.
	if err := env.svc.Write(ctx, "a", 8, []byte{0x42}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n := env.svc.Acknowledge(records); n != 2 {
		t.Errorf("Acknowledge() = %d, want 2", n)
	}
	rest := env.svc.QueryDirty(since, 0)
	if len(rest) != 1 || rest[0].Key.Block != 1 {
		t.Errorf("dirty after acknowledge = %+v, want block 1", rest)
	}
}

func TestFeatureSwitches(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	env.svc.Deactivate()
	st := env.svc.Status()
	if st.TrackingEnabled || st.SnapshotsEnabled || st.Active {
		t.Errorf("after Deactivate: %+v", st)
	}

	env.svc.EnableSnapshots()
	if st := env.svc.Status(); !st.SnapshotsEnabled || st.TrackingEnabled {
		t.Errorf("after EnableSnapshots: tracking=%v snapshots=%v", st.TrackingEnabled, st.SnapshotsEnabled)
	}

	env.svc.Activate()
	if st := env.svc.Status(); !st.TrackingEnabled || !st.SnapshotsEnabled || !st.Active {
		t.Errorf("after Activate: %+v", st)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, envOptions{threshold: 100})
	ctx := context.Background()

	env.svc.SetThreshold(50)
	env.svc.SetMergeThreshold(4096)
	if _, err := env.svc.CreateSnapshot(ctx, "b", domain.SnapshotParams{}); err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	if err := env.svc.Write(ctx, "b", 0, []byte{1}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := env.svc.Export(ctx); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	st := env.svc.Status()
	if st.BlockSize != testBlockSize {
		t.Errorf("BlockSize = %d", st.BlockSize)
	}
	if len(st.Devices) != 2 || st.Devices[0] != "a" || st.Devices[1] != "b" {
		t.Errorf("Devices = %v", st.Devices)
	}
	if len(st.Snapshots) != 1 || st.Snapshots[0].OriginDevice != "b" {
		t.Errorf("Snapshots = %+v", st.Snapshots)
	}
	if st.Allocator.Capacity != 16 || st.Allocator.Used != 1 {
		t.Errorf("Allocator = %+v", st.Allocator)
	}
	if st.Trigger.Threshold != 50 || st.Trigger.Pending != 1 {
		t.Errorf("Trigger = %+v", st.Trigger)
	}
	if st.Monitor.ThresholdBytes != 4096 {
		t.Errorf("Monitor threshold = %d", st.Monitor.ThresholdBytes)
	}
	if st.MonitoredBlocks != 1 || st.DirtyRecords != 0 {
		t.Errorf("MonitoredBlocks = %d, DirtyRecords = %d", st.MonitoredBlocks, st.DirtyRecords)
	}
	if st.CompletedBackups != 1 || st.Export == nil || st.Export.Completed != 1 {
		t.Errorf("CompletedBackups = %d, Export = %+v", st.CompletedBackups, st.Export)
	}
}

func TestExport_NotConfigured(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.svc.deps.Exporter = nil

	if _, err := env.svc.Export(context.Background()); !errors.Is(err, domain.ErrFeatureDisabled) {
		t.Errorf("Export() error = %v, want ErrFeatureDisabled", err)
	}
	if st := env.svc.Status(); st.Export != nil || st.CompletedBackups != 0 {
		t.Errorf("Status() without exporter = %+v", st)
	}
}

func TestRunMonitor_MergesOverThreshold(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	if _, err := env.svc.CreateSnapshot(ctx, "a", domain.SnapshotParams{}); err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	if err := env.svc.Write(ctx, "a", 0, bytes.Repeat([]byte{5}, 48)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	env.svc.SetMergeThreshold(testChunkSize)
	res := env.svc.RunMonitor(ctx)
	if res.Merged != 2 {
		t.Errorf("RunMonitor() = %+v, want 2 merged", res)
	}
	if env.alloc.Used() != 1 {
		t.Errorf("allocator used = %d, want 1", env.alloc.Used())
	}
}
