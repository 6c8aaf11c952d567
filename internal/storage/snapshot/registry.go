package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yndnr/corestate-go/internal/core/domain"
	"github.com/yndnr/corestate-go/internal/storage/allocator"
	"github.com/yndnr/corestate-go/internal/storage/cow"
)

const (
	// DefaultChunkSize is used when SnapshotParams.ChunkSize is zero.
	DefaultChunkSize uint32 = 64 * 1024

	// DefaultMaxChunkSize bounds the chunk size a create request may ask for.
	DefaultMaxChunkSize uint32 = 16 * 1024 * 1024
)

// Origin is a resolved origin device as seen by a snapshot.
type Origin interface {
	cow.Redirector
	Size() int64
}

// Resolver maps a device name to its Origin for the given chunk size.
type Resolver interface {
	Resolve(device string, chunkSize uint32) (Origin, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(device string, chunkSize uint32) (Origin, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(device string, chunkSize uint32) (Origin, error) {
	return f(device, chunkSize)
}

// Config configures a Registry.
type Config struct {
	// DefaultChunkSize applies when a create request leaves ChunkSize zero.
	DefaultChunkSize uint32

	// MaxChunkSize is the largest chunk size accepted by Create.
	MaxChunkSize uint32

	// Allocator is shared by every snapshot's COW manager.
	Allocator *allocator.Allocator

	Resolver Resolver

	// Sink, when set, receives merged chunk data before it is folded
	// into the origin.
	Sink cow.MergeSink

	// Throttle, when set, rate limits merge I/O.
	Throttle cow.Throttle

	Logger *slog.Logger
}

// Handle pairs a snapshot id with its COW manager and origin device.
type Handle struct {
	ID        uint64
	Origin    string
	ChunkSize uint32
	Device    Origin
	Manager   *cow.Manager
}

type snapshot struct {
	id          uint64
	origin      string
	description string
	createdAt   time.Time
	chunkSize   uint32
	sizeBytes   uint64
	dev         Origin
	mgr         *cow.Manager
}

// Registry owns the active snapshots.
type Registry struct {
	cfg      Config
	features *domain.Features
	logger   *slog.Logger

	mu        sync.RWMutex
	nextID    uint64
	snapshots map[uint64]*snapshot
	byDevice  map[string]uint64

	created atomic.Uint64
	deleted atomic.Uint64

	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, features *domain.Features) (*Registry, error) {
	if cfg.Allocator == nil {
		return nil, fmt.Errorf("snapshot: allocator is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("snapshot: resolver is required")
	}
	if cfg.DefaultChunkSize == 0 {
		cfg.DefaultChunkSize = DefaultChunkSize
	}
	if cfg.MaxChunkSize == 0 {
		cfg.MaxChunkSize = DefaultMaxChunkSize
	}
	if err := checkChunkSize(cfg.DefaultChunkSize, cfg.MaxChunkSize); err != nil {
		return nil, fmt.Errorf("snapshot: default chunk size: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if features == nil {
		features = domain.NewFeatures(true, true)
	}

	return &Registry{
		cfg:       cfg,
		features:  features,
		logger:    cfg.Logger,
		snapshots: make(map[uint64]*snapshot),
		byDevice:  make(map[string]uint64),
		now:       time.Now,
	}, nil
}

// Create takes a snapshot of origin and returns its id.
//
// Nothing is registered unless every step succeeds.
func (r *Registry) Create(ctx context.Context, origin string, params domain.SnapshotParams) (uint64, error) {
	if !r.features.SnapshotsEnabled() {
		return 0, domain.ErrFeatureDisabled.WithDetails("snapshots are disabled")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	chunkSize := params.ChunkSize
	if chunkSize == 0 {
		chunkSize = r.cfg.DefaultChunkSize
	}
	if err := checkChunkSize(chunkSize, r.cfg.MaxChunkSize); err != nil {
		return 0, err
	}

	dev, err := r.cfg.Resolver.Resolve(origin, chunkSize)
	if err != nil {
		if domain.IsDomainError(err, "") {
			return 0, err
		}
		return 0, domain.ErrInvalidDevice.WithDetailsf("device %q", origin).WithCause(err)
	}

	r.mu.Lock()
	if id, busy := r.byDevice[origin]; busy {
		r.mu.Unlock()
		return 0, domain.ErrDeviceBusy.WithDetailsf("device %q has active snapshot %d", origin, id)
	}
	r.nextID++
	id := r.nextID

	s := &snapshot{
		id:          id,
		origin:      origin,
		description: params.Description,
		createdAt:   r.now(),
		chunkSize:   chunkSize,
		sizeBytes:   uint64(dev.Size()),
		dev:         dev,
	}
	s.mgr = cow.New(cow.Config{
		SnapshotID: id,
		Origin:     origin,
		ChunkSize:  chunkSize,
		Allocator:  r.cfg.Allocator,
		Redirector: dev,
		Sink:       r.cfg.Sink,
		Throttle:   r.cfg.Throttle,
		Logger:     r.logger.With("snapshot_id", id),
	})
	r.snapshots[id] = s
	r.byDevice[origin] = id
	r.mu.Unlock()

	r.created.Add(1)
	r.logger.Info("snapshot created",
		"snapshot_id", id,
		"origin", origin,
		"chunk_size", chunkSize)
	return id, nil
}

func checkChunkSize(size, limit uint32) error {
	if bits.OnesCount32(size) != 1 {
		return domain.ErrInvalidArgument.WithDetailsf("chunk size %d is not a power of two", size)
	}
	if size > limit {
		return domain.ErrInvalidArgument.WithDetailsf("chunk size %d exceeds maximum %d", size, limit)
	}
	return nil
}

// Delete removes a snapshot and releases its preserved chunks.
func (r *Registry) Delete(ctx context.Context, id uint64) error {
	r.mu.Lock()
	s, ok := r.snapshots[id]
	if !ok {
		r.mu.Unlock()
		return domain.ErrNotFound.WithDetailsf("snapshot %d", id)
	}
	r.removeLocked(s)
	r.mu.Unlock()

	if err := s.mgr.Release(ctx); err != nil {
		return fmt.Errorf("release snapshot %d: %w", id, err)
	}
	r.deleted.Add(1)
	r.logger.Info("snapshot deleted", "snapshot_id", id, "origin", s.origin)
	return nil
}

// Merge folds every preserved chunk of a snapshot back into its origin.
// When nothing is left the snapshot becomes inactive and is removed.
func (r *Registry) Merge(ctx context.Context, id uint64) (cow.MergeResult, error) {
	r.mu.RLock()
	s, ok := r.snapshots[id]
	r.mu.RUnlock()
	if !ok {
		return cow.MergeResult{}, domain.ErrNotFound.WithDetailsf("snapshot %d", id)
	}

	res, err := s.mgr.MergeOldest(ctx, s.mgr.Len())
	if err != nil {
		return res, err
	}
	if s.mgr.Len() > 0 {
		return res, nil
	}

	r.mu.Lock()
	if cur, ok := r.snapshots[id]; ok && cur == s {
		r.removeLocked(s)
	} else {
		r.mu.Unlock()
		return res, nil
	}
	r.mu.Unlock()

	if err := s.mgr.Release(ctx); err != nil {
		return res, fmt.Errorf("release snapshot %d: %w", id, err)
	}
	r.deleted.Add(1)
	r.logger.Info("snapshot fully merged", "snapshot_id", id, "origin", s.origin, "merged", res.Merged)
	return res, nil
}

func (r *Registry) removeLocked(s *snapshot) {
	delete(r.snapshots, s.id)
	if r.byDevice[s.origin] == s.id {
		delete(r.byDevice, s.origin)
	}
}

// Get returns a point-in-time view of one snapshot.
func (r *Registry) Get(id uint64) (domain.SnapshotInfo, error) {
	r.mu.RLock()
	s, ok := r.snapshots[id]
	r.mu.RUnlock()
	if !ok {
		return domain.SnapshotInfo{}, domain.ErrNotFound.WithDetailsf("snapshot %d", id)
	}
	return s.info(), nil
}

// List returns every active snapshot ordered by id.
func (r *Registry) List() []domain.SnapshotInfo {
	handles := r.active()
	out := make([]domain.SnapshotInfo, 0, len(handles))
	for _, s := range handles {
		out = append(out, s.info())
	}
	return out
}

// Handles returns the id and manager of every active snapshot, ordered by
// id. The slice is a copy; a snapshot deleted after the call reports
// domain.ErrSnapshotClosed from its manager.
func (r *Registry) Handles() []Handle {
	active := r.active()
	out := make([]Handle, 0, len(active))
	for _, s := range active {
		out = append(out, s.handle())
	}
	return out
}

// Lookup returns the handle of snapshot id.
func (r *Registry) Lookup(id uint64) (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.snapshots[id]
	if !ok {
		return Handle{}, domain.ErrNotFound.WithDetailsf("snapshot %d", id)
	}
	return s.handle(), nil
}

// ForDevice returns the active snapshot of device, if any.
func (r *Registry) ForDevice(device string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byDevice[device]
	if !ok {
		return Handle{}, false
	}
	return r.snapshots[id].handle(), true
}

// Len returns the number of active snapshots.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.snapshots)
}

// Stats returns lifetime create and delete counts.
func (r *Registry) Stats() (created, deleted uint64) {
	return r.created.Load(), r.deleted.Load()
}

// Close releases every snapshot. Call it after the monitor has stopped.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*snapshot, 0, len(r.snapshots))
	for _, s := range r.snapshots {
		all = append(all, s)
	}
	clear(r.snapshots)
	clear(r.byDevice)
	r.mu.Unlock()

	for _, s := range all {
		if err := s.mgr.Release(ctx); err != nil {
			r.logger.Warn("release snapshot failed", "snapshot_id", s.id, "error", err)
		}
	}
	return nil
}

func (r *Registry) active() []*snapshot {
	r.mu.RLock()
	out := make([]*snapshot, 0, len(r.snapshots))
	for _, s := range r.snapshots {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *snapshot) handle() Handle {
	return Handle{ID: s.id, Origin: s.origin, ChunkSize: s.chunkSize, Device: s.dev, Manager: s.mgr}
}

func (s *snapshot) info() domain.SnapshotInfo {
	integrity, unprotected := s.mgr.Integrity()
	return domain.SnapshotInfo{
		ID:           s.id,
		OriginDevice: s.origin,
		Description:  s.description,
		CreatedAt:    s.createdAt,
		ChunkSize:    s.chunkSize,
		SizeBytes:    s.sizeBytes,
		Active:       !s.mgr.Closed(),
		WriteCounter: s.mgr.WriteCounter(),
		MappedChunks: s.mgr.Len(),
		UsageBytes:   s.mgr.Usage(),
		Integrity:    integrity,
		Unprotected:  unprotected,
	}
}
