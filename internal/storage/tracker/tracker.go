// Package tracker records which blocks changed since the last acknowledged
// export.
//
// TrackWrite sits on the write hot path. It touches a single shard of a
// sharded ordered index, never performs I/O and never fails the caller's
// write: when the index is full the write simply goes untracked and the
// omission is logged and counted.
package tracker

import (
	"encoding/binary"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	hll "github.com/axiomhq/hyperloglog"
	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"

	"github.com/yndnr/corestate-go/internal/core/domain"
	"github.com/yndnr/corestate-go/pkg/cmap"
)

// DefaultShardCount is the default number of index shards.
const DefaultShardCount = 64

// TransitionObserver is told about every clean-to-dirty transition.
type TransitionObserver interface {
	OnDirty() bool
}

// Config configures a Tracker.
type Config struct {
	// MaxRecords caps the number of tracked blocks. Zero means unlimited.
	MaxRecords int64

	// ShardCount must be a power of two.
	ShardCount int

	// HashSeed seeds shard selection.
	HashSeed uint32

	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ShardCount: DefaultShardCount,
		Logger:     slog.Default(),
	}
}

type record struct {
	lastModified time.Time
	checksum     uint64
	dirty        bool
}

// Stats is a snapshot of tracker counters.
type Stats struct {
	Records      int64  `json:"records"`
	Dirty        int64  `json:"dirty"`
	Writes       uint64 `json:"writes"`
	Untracked    uint64 `json:"untracked"`
	Acknowledged uint64 `json:"acknowledged"`
	MaxRecords   int64  `json:"max_records"`

	// DistinctEstimate approximates how many distinct blocks were ever tracked.
	DistinctEstimate uint64 `json:"distinct_estimate"`
}

// Tracker is the per-block change index.
type Tracker struct {
	records  *cmap.Map[domain.BlockKey, record]
	features *domain.Features
	observer TransitionObserver
	logger   *slog.Logger
	max      int64
	seed     uint32

	count        atomic.Int64
	dirty        atomic.Int64
	writes       atomic.Uint64
	untracked    atomic.Uint64
	acknowledged atomic.Uint64

	sketchMu sync.Mutex
	sketch   *hll.Sketch

	now func() time.Time
}

// New creates a Tracker. observer may be nil.
func New(cfg Config, features *domain.Features, observer TransitionObserver) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if features == nil {
		features = domain.NewFeatures(true, false)
	}

	t := &Tracker{
		features: features,
		observer: observer,
		logger:   cfg.Logger,
		max:      cfg.MaxRecords,
		seed:     cfg.HashSeed,
		sketch:   hll.New(),
		now:      time.Now,
	}
	t.records = cmap.New[domain.BlockKey, record](t.hash, domain.BlockKey.Compare,
		cmap.WithShardCount(cfg.ShardCount))
	return t
}

func (t *Tracker) hash(k domain.BlockKey) uint64 {
	var buf [64]byte
	return murmur3.Sum64WithSeed(appendKey(buf[:0], k), t.seed)
}

func appendKey(b []byte, k domain.BlockKey) []byte {
	b = append(b, k.Device...)
	return binary.BigEndian.AppendUint64(b, k.Block)
}

// TrackWrite records a write of payload to block of device.
//
// It returns domain.ErrFeatureDisabled when tracking is off and nil
// otherwise, including when the write could not be tracked.
func (t *Tracker) TrackWrite(device string, block uint64, payload []byte) error {
	if !t.features.TrackingEnabled() {
		return domain.ErrFeatureDisabled.WithDetails("change tracking")
	}

	key := domain.BlockKey{Device: device, Block: block}
	sum := xxhash.Sum64(payload)
	now := t.now()

	var created, transitioned bool
	_, stored := t.records.Compute(key, func(old record, exists bool) (record, bool) {
		if !exists {
			if t.max > 0 && t.count.Add(1) > t.max {
				t.count.Add(-1)
				return record{}, false
			}
			if t.max <= 0 {
				t.count.Add(1)
			}
			created = true
		}
		transitioned = !old.dirty
		return record{lastModified: now, checksum: sum, dirty: true}, true
	})
	t.writes.Add(1)

	if !stored {
		n := t.untracked.Add(1)
		t.logger.Debug("write not tracked, record capacity reached",
			"device", device, "block", block, "max_records", t.max, "untracked_total", n)
		return nil
	}

	if created {
		var buf [64]byte
		t.sketchMu.Lock()
		t.sketch.Insert(appendKey(buf[:0], key))
		t.sketchMu.Unlock()
	}

	if transitioned {
		t.dirty.Add(1)
		if t.observer != nil {
			t.observer.OnDirty()
		}
	}
	return nil
}

// Get returns the record of one block.
func (t *Tracker) Get(device string, block uint64) (domain.BlockChangeRecord, bool) {
	key := domain.BlockKey{Device: device, Block: block}
	r, ok := t.records.Get(key)
	if !ok {
		return domain.BlockChangeRecord{}, false
	}
	return toRecord(key, r), true
}

func toRecord(k domain.BlockKey, r record) domain.BlockChangeRecord {
	return domain.BlockChangeRecord{
		Key:          k,
		LastModified: r.lastModified,
		Checksum:     r.checksum,
		Dirty:        r.dirty,
	}
}

// QueryDirtySince returns the dirty records whose LastModified is after ts.
//
// The sequence is lazy and finite. It walks the index a shard at a time and
// holds a shard's read lock only while copying a bounded page, so it is not
// linearizable with concurrent writers; a record that was dirty and
// unchanged when the call began is always produced.
func (t *Tracker) QueryDirtySince(ts time.Time) iter.Seq[domain.BlockChangeRecord] {
	keep := func(_ domain.BlockKey, r record) bool {
		return r.dirty && r.lastModified.After(ts)
	}
	return func(yield func(domain.BlockChangeRecord) bool) {
		for k, r := range t.records.Filter(keep) {
			if !yield(toRecord(k, r)) {
				return
			}
		}
	}
}

// Acknowledge clears the dirty flag of each record that has not been
// written again since it was read. It returns the number of flags cleared.
func (t *Tracker) Acknowledge(records []domain.BlockChangeRecord) int {
	cleared := 0
	for _, ack := range records {
		var hit bool
		t.records.Compute(ack.Key, func(old record, exists bool) (record, bool) {
			if !exists || !old.dirty {
				return old, false
			}
			if old.checksum != ack.Checksum || !old.lastModified.Equal(ack.LastModified) {
				return old, false
			}
			hit = true
			old.dirty = false
			return old, true
		})
		if hit {
			cleared++
			t.dirty.Add(-1)
		}
	}
	t.acknowledged.Add(uint64(cleared))
	return cleared
}

// Forget drops every record of device, e.g. after it leaves the
// configuration. It returns the number of records removed.
func (t *Tracker) Forget(device string) int {
	removed := 0
	for k := range t.records.Filter(func(k domain.BlockKey, _ record) bool { return k.Device == device }) {
		r, ok := t.records.Pop(k)
		if !ok {
			continue
		}
		removed++
		t.count.Add(-1)
		if r.dirty {
			t.dirty.Add(-1)
		}
	}
	return removed
}

// DirtyCount returns the number of dirty records.
func (t *Tracker) DirtyCount() int64 {
	return t.dirty.Load()
}

// Count returns the number of monitored blocks.
func (t *Tracker) Count() int64 {
	return t.count.Load()
}

// Stats returns a snapshot of the tracker counters.
func (t *Tracker) Stats() Stats {
	t.sketchMu.Lock()
	distinct := t.sketch.Estimate()
	t.sketchMu.Unlock()

	return Stats{
		Records:          t.count.Load(),
		Dirty:            t.dirty.Load(),
		Writes:           t.writes.Load(),
		Untracked:        t.untracked.Load(),
		Acknowledged:     t.acknowledged.Load(),
		MaxRecords:       t.max,
		DistinctEstimate: distinct,
	}
}
