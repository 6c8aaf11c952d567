package benchmark

import (
	"crypto/rand"
	"fmt"
	"runtime"
	"testing"

	"github.com/yndnr/corestate-go/internal/core/domain"
	"github.com/yndnr/corestate-go/internal/core/service"
	"github.com/yndnr/corestate-go/internal/storage/allocator"
	"github.com/yndnr/corestate-go/internal/storage/blockio"
	"github.com/yndnr/corestate-go/internal/storage/chunkstore"
	"github.com/yndnr/corestate-go/internal/storage/snapshot"
	"github.com/yndnr/corestate-go/internal/storage/tracker"
	"github.com/yndnr/corestate-go/internal/storage/trigger"
)

// BlockCounts defines the tracked block counts for benchmarking.
var BlockCounts = []int{10000, 100000, 500000, 1000000}

// SmallBlockCounts for quick benchmarks.
var SmallBlockCounts = []int{1000, 10000, 100000}

const (
	benchBlockSize = 4096
	benchChunkSize = 64 * 1024
	benchDevSize   = 16 << 20
)

// benchEnv is a service over one in-memory device "bench".
type benchEnv struct {
	svc      *service.Service
	registry *snapshot.Registry
	tracker  *tracker.Tracker
}

func newBenchEnv(b *testing.B) *benchEnv {
	b.Helper()
	features := domain.NewFeatures(true, true)
	table := blockio.NewTable(chunkstore.NewMemStore(), nil)
	table.Add("bench", blockio.NewMemDevice(benchDevSize))

	alloc := allocator.New(benchDevSize / benchChunkSize)
	trig := trigger.New(0, nil)
	changes := tracker.New(tracker.DefaultConfig(), features, trig)

	registry, err := snapshot.NewRegistry(snapshot.Config{
		DefaultChunkSize: benchChunkSize,
		Allocator:        alloc,
		Resolver: snapshot.ResolverFunc(func(d string, cs uint32) (snapshot.Origin, error) {
			r, err := table.Resolve(d, cs)
			if err != nil {
				return nil, err
			}
			return r, nil
		}),
	}, features)
	if err != nil {
		b.Fatalf("NewRegistry() error = %v", err)
	}

	svc, err := service.New(service.Config{BlockSize: benchBlockSize}, service.Deps{
		Features:  features,
		Devices:   table,
		Tracker:   changes,
		Trigger:   trig,
		Allocator: alloc,
		Registry:  registry,
		Monitor:   snapshot.NewMonitor(registry, snapshot.MonitorConfig{}),
	})
	if err != nil {
		b.Fatalf("service.New() error = %v", err)
	}
	return &benchEnv{svc: svc, registry: registry, tracker: changes}
}

// randomBytes returns size random bytes.
func randomBytes(size int) []byte {
	buf := make([]byte, size)
	rand.Read(buf)
	return buf
}

// prefillTracker marks count blocks of device dirty.
func prefillTracker(b *testing.B, t *tracker.Tracker, device string, count int) {
	b.Helper()
	payload := randomBytes(64)
	for i := 0; i < count; i++ {
		if err := t.TrackWrite(device, uint64(i), payload); err != nil {
			b.Fatalf("TrackWrite() error = %v", err)
		}
	}
}

// reportMemory reports memory usage.
func reportMemory(b *testing.B, prefix string) {
	var m runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&m)
	b.ReportMetric(float64(m.Alloc)/(1024*1024), prefix+"_MB")
	b.ReportMetric(float64(m.NumGC), prefix+"_GC")
}

// runWithBlockCounts runs a benchmark function with various block counts.
func runWithBlockCounts(b *testing.B, counts []int, benchFn func(b *testing.B, count int)) {
	for _, count := range counts {
		b.Run(fmt.Sprintf("blocks_%d", count), func(b *testing.B) {
			benchFn(b, count)
		})
	}
}

func sizeLabel(size int) string {
	switch {
	case size >= 1024*1024:
		return fmt.Sprintf("%dMB", size/(1024*1024))
	case size >= 1024:
		return fmt.Sprintf("%dKB", size/1024)
	default:
		return fmt.Sprintf("%dB", size)
	}
}
