// Package cow manages the copy-on-write chunk mappings of one snapshot.
//
// The first write to an origin chunk after the snapshot was taken
// allocates an allocator slot and preserves the chunk's prior contents
// there; later writes to that chunk leave the preserved copy alone.
// MergeOldest ages mappings out, oldest first, by folding their preserved
// data back into the origin and freeing their slots.
//
// Lock order: the manager's mapping lock is taken before the allocator's
// lock and never the other way round. No chunk I/O runs under either.
package cow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/btree"

	"github.com/yndnr/corestate-go/internal/core/domain"
	"github.com/yndnr/corestate-go/internal/storage/allocator"
)

// maxUnprotected bounds the list of unprotected chunks kept for reporting.
const maxUnprotected = 1024

// Redirector moves chunk data between the origin device and preserved
// slots.
type Redirector interface {
	ReadOrigin(ctx context.Context, chunk uint64) ([]byte, error)
	WriteOrigin(ctx context.Context, chunk uint64, data []byte) error
	PreserveChunk(ctx context.Context, slot uint64, data []byte) error
	ReadPreserved(ctx context.Context, slot uint64) ([]byte, error)
	DiscardPreserved(ctx context.Context, slot uint64) error
}

// MergedChunk is preserved data about to be folded into the origin.
type MergedChunk struct {
	Snapshot    uint64
	Origin      string
	Chunk       uint64
	AllocatedAt time.Time
	Data        []byte
}

// MergeSink receives preserved data before a merge overwrites the origin
// with it. An error keeps the mapping for a later attempt.
type MergeSink interface {
	ExportMerged(ctx context.Context, chunk MergedChunk) error
}

// Throttle limits merge I/O in bytes. *rate.Limiter satisfies it.
type Throttle interface {
	WaitN(ctx context.Context, n int) error
	Burst() int
}

// Config configures a Manager.
type Config struct {
	SnapshotID uint64
	Origin     string
	ChunkSize  uint32

	Allocator  *allocator.Allocator
	Redirector Redirector

	// Sink is optional.
	Sink MergeSink

	// Throttle is optional.
	Throttle Throttle

	Logger *slog.Logger
}

type state uint8

const (
	// statePending: slot allocated, preservation in flight.
	statePending state = iota
	stateReady
	stateMerging
)

type slotEntry struct {
	slot        uint64
	allocatedAt time.Time
	seq         uint64
	state       state

	// writers counts Pin holders; a pinned mapping is not merged.
	writers int

	// done is closed when a pending or merging entry settles.
	done chan struct{}
}

// ageKey orders ready mappings by allocation time.
type ageKey struct {
	at    time.Time
	seq   uint64
	chunk uint64
}

func ageLess(a, b ageKey) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.seq < b.seq
}

// MergeResult summarizes a MergeOldest call.
type MergeResult struct {
	Requested  int    `json:"requested"`
	Merged     int    `json:"merged"`
	Failed     int    `json:"failed"`
	FreedBytes uint64 `json:"freed_bytes"`
}

// Manager holds the chunk mappings of one snapshot.
type Manager struct {
	cfg    Config
	alloc  *allocator.Allocator
	redir  Redirector
	logger *slog.Logger

	mu          sync.Mutex
	entries     map[uint64]*slotEntry
	age         *btree.BTreeG[ageKey]
	seq         uint64
	closed      bool
	unprotected []uint64
	degraded    bool

	writeCounter atomic.Uint64
	merged       atomic.Uint64

	now func() time.Time
}

// New creates an empty Manager.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		alloc:   cfg.Allocator,
		redir:   cfg.Redirector,
		logger:  cfg.Logger.With("snapshot_id", cfg.SnapshotID, "origin", cfg.Origin),
		entries: make(map[uint64]*slotEntry),
		age:     btree.NewBTreeGOptions(ageLess, btree.Options{NoLocks: true}),
		now:     time.Now,
	}
}

// OnWrite must be called before chunk of the origin is overwritten.
//
// The first call for a chunk preserves original (the chunk's current
// contents; nil makes the manager read them from the origin) into a newly
// allocated slot and reports true. Later calls are no-ops. Every call
// counts towards the snapshot's write counter.
//
// On failure the chunk is left unprotected, the snapshot is marked
// degraded and the error is returned; the caller must not overwrite the
// origin chunk.
func (m *Manager) OnWrite(ctx context.Context, chunk uint64, original []byte) (bool, error) {
	preserved, _, err := m.onWrite(ctx, chunk, original, false)
	return preserved, err
}

// Pin is OnWrite for a caller about to overwrite chunk itself: on success
// the chunk's mapping is held back from merging until unpin is called, so
// a merge cannot fold stale data over the caller's write. unpin is never
// nil and must be called exactly once.
func (m *Manager) Pin(ctx context.Context, chunk uint64) (preserved bool, unpin func(), err error) {
	preserved, e, err := m.onWrite(ctx, chunk, nil, true)
	if e == nil {
		return preserved, func() {}, err
	}
	return preserved, func() {
		m.mu.Lock()
		e.writers--
		m.mu.Unlock()
	}, err
}

func (m *Manager) onWrite(ctx context.Context, chunk uint64, original []byte, pin bool) (bool, *slotEntry, error) {
	m.writeCounter.Add(1)

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return false, nil, domain.ErrSnapshotClosed
		}

		if e, ok := m.entries[chunk]; ok {
			if e.state == stateReady {
				if !pin {
					m.mu.Unlock()
					return false, nil, nil
				}
				e.writers++
				m.mu.Unlock()
				return false, e, nil
			}
			// Wait for the in-flight preservation or merge to settle. After
			// a merge the origin holds new contents, so re-read it.
			if e.state == stateMerging {
				original = nil
			}
			done := e.done
			m.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return false, nil, ctx.Err()
			}
		}

		slot, err := m.alloc.Allocate()
		if err != nil {
			m.degradeLocked(chunk)
			m.mu.Unlock()
			m.logger.Error("cow allocation failed, chunk unprotected", "chunk", chunk, "error", err)
			return false, nil, err
		}
		e := &slotEntry{slot: slot, state: statePending, done: make(chan struct{})}
		m.entries[chunk] = e
		m.mu.Unlock()

		if err := m.preserve(ctx, chunk, e, original, pin); err != nil {
			return false, nil, err
		}
		if !pin {
			return true, nil, nil
		}
		return true, e, nil
	}
}

func (m *Manager) preserve(ctx context.Context, chunk uint64, e *slotEntry, data []byte, pin bool) error {
	var err error
	if data == nil {
		data, err = m.redir.ReadOrigin(ctx, chunk)
	}
	if err == nil {
		err = m.redir.PreserveChunk(ctx, e.slot, data)
	}

	m.mu.Lock()
	if err != nil || m.closed {
		delete(m.entries, chunk)
		if err != nil {
			m.degradeLocked(chunk)
		}
		closed := m.closed
		close(e.done)
		m.mu.Unlock()

		m.discardAndFree(ctx, e.slot)
		if err != nil {
			m.logger.Error("cow preserve failed, chunk unprotected", "chunk", chunk, "slot", e.slot, "error", err)
			return fmt.Errorf("preserve chunk %d: %w", chunk, err)
		}
		if closed {
			return domain.ErrSnapshotClosed
		}
	}

	m.seq++
	e.seq = m.seq
	e.allocatedAt = m.now()
	e.state = stateReady
	if pin {
		e.writers++
	}
	m.age.Set(ageKey{at: e.allocatedAt, seq: e.seq, chunk: chunk})
	close(e.done)
	m.mu.Unlock()
	return nil
}

// degradeLocked records chunk as unprotected. Caller holds m.mu.
func (m *Manager) degradeLocked(chunk uint64) {
	m.degraded = true
	if len(m.unprotected) >= maxUnprotected {
		return
	}
	for _, c := range m.unprotected {
		if c == chunk {
			return
		}
	}
	m.unprotected = append(m.unprotected, chunk)
}

// discardAndFree drops the preserved data of slot, then returns it to the
// allocator. The discard must come first so a reused slot never loses
// freshly preserved data. Cancellation of ctx does not stop the discard.
func (m *Manager) discardAndFree(ctx context.Context, slot uint64) {
	if err := m.redir.DiscardPreserved(context.WithoutCancel(ctx), slot); err != nil {
		m.logger.Warn("discard preserved chunk failed", "slot", slot, "error", err)
	}
	if err := m.alloc.Free(slot); err != nil {
		m.logger.Error("free cow slot failed", "slot", slot, "error", err)
	}
}

// GetMapping returns where chunk's pre-snapshot contents were preserved.
// ok is false for chunks not yet written since the snapshot was taken;
// readers then read the origin.
func (m *Manager) GetMapping(chunk uint64) (domain.ChunkMapping, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[chunk]
	if !ok || e.state == statePending {
		return domain.ChunkMapping{}, false
	}
	return domain.ChunkMapping{Slot: e.slot, AllocatedAt: e.allocatedAt}, true
}

// MergeOldest merges up to n mappings in ascending allocation time: each
// chunk's preserved data is handed to the sink, written into the origin,
// and its mapping removed and slot freed. Mappings already being merged
// are skipped, so repeated or concurrent calls never free a slot twice.
// Pinned mappings are skipped too.
//
// Per-chunk failures keep that mapping and are joined into the returned
// error; the remaining chunks are still merged.
func (m *Manager) MergeOldest(ctx context.Context, n int) (MergeResult, error) {
	res := MergeResult{Requested: n}
	if n <= 0 {
		return res, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return res, domain.ErrSnapshotClosed
	}
	batch := make([]ageKey, 0, n)
	m.age.Scan(func(k ageKey) bool {
		if m.entries[k.chunk].writers == 0 {
			batch = append(batch, k)
		}
		return len(batch) < n
	})
	for _, k := range batch {
		m.age.Delete(k)
		e := m.entries[k.chunk]
		e.state = stateMerging
		e.done = make(chan struct{})
	}
	m.mu.Unlock()

	var errs []error
	for i, k := range batch {
		if err := ctx.Err(); err != nil {
			for _, rest := range batch[i:] {
				m.unmark(ctx, rest)
			}
			errs = append(errs, err)
			break
		}

		freed, err := m.mergeOne(ctx, k)
		if err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("chunk %d: %w", k.chunk, err))
			m.unmark(ctx, k)
			continue
		}
		res.Merged++
		res.FreedBytes += freed
	}

	if res.Merged > 0 {
		m.merged.Add(uint64(res.Merged))
		m.logger.Debug("merged oldest chunks", "merged", res.Merged, "failed", res.Failed)
	}
	return res, errors.Join(errs...)
}

func (m *Manager) mergeOne(ctx context.Context, k ageKey) (uint64, error) {
	m.mu.Lock()
	e := m.entries[k.chunk]
	m.mu.Unlock()

	data, err := m.redir.ReadPreserved(ctx, e.slot)
	if err != nil {
		return 0, fmt.Errorf("read preserved: %w", err)
	}
	if t := m.cfg.Throttle; t != nil {
		if err := t.WaitN(ctx, min(len(data), t.Burst())); err != nil {
			return 0, err
		}
	}
	if s := m.cfg.Sink; s != nil {
		err := s.ExportMerged(ctx, MergedChunk{
			Snapshot:    m.cfg.SnapshotID,
			Origin:      m.cfg.Origin,
			Chunk:       k.chunk,
			AllocatedAt: e.allocatedAt,
			Data:        data,
		})
		if err != nil {
			return 0, fmt.Errorf("export: %w", err)
		}
	}
	if err := m.redir.WriteOrigin(ctx, k.chunk, data); err != nil {
		return 0, fmt.Errorf("write origin: %w", err)
	}

	m.mu.Lock()
	delete(m.entries, k.chunk)
	close(e.done)
	m.mu.Unlock()

	m.discardAndFree(ctx, e.slot)
	return uint64(len(data)), nil
}

// unmark returns a merging entry to the ready set, or frees it when the
// manager was released meanwhile.
func (m *Manager) unmark(ctx context.Context, k ageKey) {
	m.mu.Lock()
	e := m.entries[k.chunk]
	if m.closed {
		delete(m.entries, k.chunk)
		close(e.done)
		m.mu.Unlock()
		m.discardAndFree(ctx, e.slot)
		return
	}
	e.state = stateReady
	m.age.Set(k)
	close(e.done)
	m.mu.Unlock()
}

// Release closes the manager and returns every settled slot to the
// allocator. Slots with preservation or merge I/O in flight are freed by
// that operation when it completes. Release is idempotent.
func (m *Manager) Release(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	var slots []uint64
	for chunk, e := range m.entries {
		if e.state != stateReady {
			continue
		}
		slots = append(slots, e.slot)
		delete(m.entries, chunk)
	}
	m.age.Clear()
	m.mu.Unlock()

	for _, slot := range slots {
		m.discardAndFree(ctx, slot)
	}

	m.logger.Debug("cow mappings released", "slots", len(slots))
	return nil
}

// Closed reports whether Release was called.
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Len returns the number of live mappings, including those being merged.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.state != statePending {
			n++
		}
	}
	return n
}

// Usage returns Len() × chunk size in bytes.
func (m *Manager) Usage() uint64 {
	return uint64(m.Len()) * uint64(m.cfg.ChunkSize)
}

// ChunkSize returns the chunk size in bytes.
func (m *Manager) ChunkSize() uint32 {
	return m.cfg.ChunkSize
}

// WriteCounter returns the number of OnWrite calls.
func (m *Manager) WriteCounter() uint64 {
	return m.writeCounter.Load()
}

// MergedTotal returns the number of chunks merged so far.
func (m *Manager) MergedTotal() uint64 {
	return m.merged.Load()
}

// Integrity reports whether every overwritten chunk was preserved, and
// lists (up to a bound) the chunks that were not.
func (m *Manager) Integrity() (domain.Integrity, []uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.degraded {
		return domain.IntegrityOK, nil
	}
	out := append([]uint64(nil), m.unprotected...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return domain.IntegrityDegraded, out
}

// Mappings returns the chunks with a live mapping, in ascending order.
func (m *Manager) Mappings() []uint64 {
	m.mu.Lock()
	chunks := make([]uint64, 0, len(m.entries))
	for c, e := range m.entries {
		if e.state != statePending {
			chunks = append(chunks, c)
		}
	}
	m.mu.Unlock()
	sort.Slice(chunks, func(i, j int) bool { return chunks[i] < chunks[j] })
	return chunks
}
