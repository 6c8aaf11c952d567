package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yndnr/corestate-go/internal/core/domain"
	"github.com/yndnr/corestate-go/internal/storage/allocator"
	"github.com/yndnr/corestate-go/internal/storage/blockio"
	"github.com/yndnr/corestate-go/internal/storage/cow"
	"github.com/yndnr/corestate-go/internal/storage/snapshot"
	"github.com/yndnr/corestate-go/internal/storage/tracker"
	"github.com/yndnr/corestate-go/internal/storage/trigger"
)

// DefaultBlockSize is the change tracking granularity in bytes.
const DefaultBlockSize uint32 = 4096

// maxReadRetries bounds ReadSnapshot's retries against concurrent merges.
const maxReadRetries = 8

// Devices gives access to the configured origin devices.
type Devices interface {
	Device(name string) (blockio.Device, error)
	Names() []string
}

// Config configures a Service.
type Config struct {
	// BlockSize is the change tracking granularity. Zero selects
	// DefaultBlockSize.
	BlockSize uint32

	Logger *slog.Logger
}

// Deps are the collaborators of a Service. Exporter may be nil when
// export is not configured.
type Deps struct {
	Features  *domain.Features
	Devices   Devices
	Tracker   *tracker.Tracker
	Trigger   *trigger.Trigger
	Allocator *allocator.Allocator
	Registry  *snapshot.Registry
	Monitor   *snapshot.Monitor
	Exporter  *Exporter
}

// Service is the entry point for every block-level operation.
type Service struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// New creates a Service.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Features == nil || deps.Devices == nil || deps.Tracker == nil ||
		deps.Trigger == nil || deps.Allocator == nil || deps.Registry == nil || deps.Monitor == nil {
		return nil, fmt.Errorf("service: missing dependency")
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{cfg: cfg, deps: deps, logger: cfg.Logger}, nil
}

// ============================================================================
// Data Path
// ============================================================================

// Write writes data to device at offset.
//
// When the device has an active snapshot, the prior contents of every
// chunk the write covers are preserved first; if that fails the write
// fails and the origin is left unchanged. Every block the write covers is
// then recorded as dirty. Tracking never fails a write.
func (s *Service) Write(ctx context.Context, device string, offset int64, data []byte) error {
	dev, err := s.deps.Devices.Device(device)
	if err != nil {
		return err
	}
	end := offset + int64(len(data))
	if offset < 0 || end > dev.Size() {
		return domain.ErrInvalidArgument.WithDetailsf("write [%d, %d) outside device %q of %d bytes",
			offset, end, device, dev.Size())
	}
	if len(data) == 0 {
		return nil
	}

	if h, ok := s.deps.Registry.ForDevice(device); ok {
		unpin, err := s.protect(ctx, h, offset, end)
		defer unpin()
		if err != nil {
			return err
		}
	}

	if _, err := dev.WriteAt(data, offset); err != nil {
		return fmt.Errorf("write device %q: %w", device, err)
	}
	if err := dev.Sync(); err != nil {
		return fmt.Errorf("sync device %q: %w", device, err)
	}

	s.track(device, offset, data)
	return nil
}

// protect pins every chunk of h covering [offset, end). The returned
// unpin releases all pins taken, also on error.
func (s *Service) protect(ctx context.Context, h snapshot.Handle, offset, end int64) (func(), error) {
	cs := int64(h.ChunkSize)
	first, last := offset/cs, (end-1)/cs

	unpins := make([]func(), 0, last-first+1)
	release := func() {
		for _, u := range unpins {
			u()
		}
	}

	for c := first; c <= last; c++ {
		_, unpin, err := h.Manager.Pin(ctx, uint64(c))
		unpins = append(unpins, unpin)
		if err == nil {
			continue
		}
		if errors.Is(err, domain.ErrSnapshotClosed) {
			// Deleted concurrently; nothing left to protect.
			return release, nil
		}
		s.logger.Error("copy-on-write failed, write rejected",
			"device", h.Origin,
			"snapshot_id", h.ID,
			"chunk", c,
			"error", err)
		return release, fmt.Errorf("copy-on-write chunk %d of snapshot %d: %w", c, h.ID, err)
	}
	return release, nil
}

func (s *Service) track(device string, offset int64, data []byte) {
	if !s.deps.Features.TrackingEnabled() {
		return
	}
	bs := int64(s.cfg.BlockSize)
	end := offset + int64(len(data))
	for b := offset / bs; b*bs < end; b++ {
		lo := max(b*bs, offset) - offset
		hi := min((b+1)*bs, end) - offset
		if err := s.deps.Tracker.TrackWrite(device, uint64(b), data[lo:hi]); err != nil {
			if errors.Is(err, domain.ErrFeatureDisabled) {
				return
			}
			s.logger.Warn("track write failed", "device", device, "block", b, "error", err)
		}
	}
}

// ReadSnapshot returns the contents chunk had when snapshot id was taken.
func (s *Service) ReadSnapshot(ctx context.Context, id uint64, chunk uint64) ([]byte, error) {
	h, err := s.deps.Registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	cs := uint64(h.ChunkSize)
	if chunks := (uint64(h.Device.Size()) + cs - 1) / cs; chunk >= chunks {
		return nil, domain.ErrInvalidArgument.WithDetailsf("chunk %d beyond snapshot of %d chunks", chunk, chunks)
	}

	for range maxReadRetries {
		m, mapped := h.Manager.GetMapping(chunk)
		if !mapped {
			data, err := h.Device.ReadOrigin(ctx, chunk)
			if err != nil {
				return nil, err
			}
			// A write that raced the read has preserved the chunk first.
			if _, now := h.Manager.GetMapping(chunk); now {
				continue
			}
			return data, nil
		}

		data, err := h.Device.ReadPreserved(ctx, m.Slot)
		if cur, ok := h.Manager.GetMapping(chunk); ok && cur.Slot == m.Slot {
			if err != nil {
				return nil, fmt.Errorf("read preserved chunk %d: %w", chunk, err)
			}
			return data, nil
		}
		if h.Manager.Closed() {
			return nil, domain.ErrSnapshotClosed
		}
	}
	return nil, domain.ErrInternal.WithDetailsf("chunk %d of snapshot %d kept changing", chunk, id)
}

// ============================================================================
// Snapshot Lifecycle
// ============================================================================

// CreateSnapshot takes a snapshot of device.
func (s *Service) CreateSnapshot(ctx context.Context, device string, params domain.SnapshotParams) (domain.SnapshotInfo, error) {
	id, err := s.deps.Registry.Create(ctx, device, params)
	if err != nil {
		return domain.SnapshotInfo{}, err
	}
	return s.deps.Registry.Get(id)
}

// DeleteSnapshot removes snapshot id.
func (s *Service) DeleteSnapshot(ctx context.Context, id uint64) error {
	return s.deps.Registry.Delete(ctx, id)
}

// GetSnapshot returns snapshot id.
func (s *Service) GetSnapshot(id uint64) (domain.SnapshotInfo, error) {
	return s.deps.Registry.Get(id)
}

// ListSnapshots returns every active snapshot.
func (s *Service) ListSnapshots() []domain.SnapshotInfo {
	return s.deps.Registry.List()
}

// MergeSnapshot folds snapshot id completely into its origin. The snapshot
// is removed once nothing is left to merge.
func (s *Service) MergeSnapshot(ctx context.Context, id uint64) (cow.MergeResult, error) {
	return s.deps.Registry.Merge(ctx, id)
}

// RunMonitor runs one monitor pass immediately.
func (s *Service) RunMonitor(ctx context.Context) snapshot.ScanResult {
	return s.deps.Monitor.ScanOnce(ctx)
}

// ============================================================================
// Feature Switches
// ============================================================================

func (s *Service) EnableTracking()   { s.setTracking(true) }
func (s *Service) DisableTracking()  { s.setTracking(false) }
func (s *Service) EnableSnapshots()  { s.setSnapshots(true) }
func (s *Service) DisableSnapshots() { s.setSnapshots(false) }

func (s *Service) setTracking(on bool) {
	s.deps.Features.SetTracking(on)
	s.logger.Info("change tracking switched", "enabled", on)
}

func (s *Service) setSnapshots(on bool) {
	s.deps.Features.SetSnapshots(on)
	s.logger.Info("snapshots switched", "enabled", on)
}

// Activate turns tracking and snapshots on together.
func (s *Service) Activate() {
	s.deps.Features.Activate()
	s.logger.Info("module activated")
}

// Deactivate turns tracking and snapshots off together. Existing
// snapshots stay and keep protecting their origins.
func (s *Service) Deactivate() {
	s.deps.Features.Deactivate()
	s.logger.Info("module deactivated")
}

// SetThreshold changes the dirty transition count that requests an export.
func (s *Service) SetThreshold(n int64) {
	s.deps.Trigger.SetThreshold(n)
}

// SetMergeThreshold changes the monitor's merge threshold in bytes.
func (s *Service) SetMergeThreshold(bytes uint64) {
	s.deps.Monitor.SetThreshold(bytes)
}

// ============================================================================
// Dirty Blocks
// ============================================================================

// QueryDirty returns up to limit dirty records modified after since.
// limit <= 0 means no limit.
func (s *Service) QueryDirty(since time.Time, limit int) []domain.BlockChangeRecord {
	var out []domain.BlockChangeRecord
	for r := range s.deps.Tracker.QueryDirtySince(since) {
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Acknowledge clears the dirty flag of records not rewritten since they
// were read, and returns how many were cleared.
func (s *Service) Acknowledge(records []domain.BlockChangeRecord) int {
	return s.deps.Tracker.Acknowledge(records)
}

// ============================================================================
// Export
// ============================================================================

// Export runs an export of every dirty block now.
func (s *Service) Export(ctx context.Context) (*ExportResult, error) {
	if s.deps.Exporter == nil {
		return nil, domain.ErrFeatureDisabled.WithDetails("export is not configured")
	}
	return s.deps.Exporter.ExportNow(ctx)
}

// ============================================================================
// Status
// ============================================================================

// AllocatorStatus reports COW slot usage.
type AllocatorStatus struct {
	Capacity uint64 `json:"capacity"`
	Used     uint64 `json:"used"`
}

// TriggerStatus reports the dirty threshold trigger.
type TriggerStatus struct {
	Threshold int64  `json:"threshold"`
	Pending   int64  `json:"pending"`
	Signals   uint64 `json:"signals"`
}

// Status is a point-in-time view of the whole module.
type Status struct {
	TrackingEnabled  bool                  `json:"tracking_enabled"`
	SnapshotsEnabled bool                  `json:"snapshots_enabled"`
	Active           bool                  `json:"active"`
	MonitoredBlocks  int64                 `json:"monitored_blocks"`
	DirtyRecords     int64                 `json:"dirty_records"`
	CompletedBackups uint64                `json:"completed_backups"`
	BlockSize        uint32                `json:"block_size"`
	Devices          []string              `json:"devices"`
	Snapshots        []domain.SnapshotInfo `json:"snapshots"`
	Allocator        AllocatorStatus       `json:"allocator"`
	Trigger          TriggerStatus         `json:"trigger"`
	Tracker          tracker.Stats         `json:"tracker"`
	Monitor          snapshot.MonitorStats `json:"monitor"`
	Export           *ExporterStats        `json:"export,omitempty"`
}

// Status returns the module status.
func (s *Service) Status() Status {
	f := s.deps.Features
	st := Status{
		TrackingEnabled:  f.TrackingEnabled(),
		SnapshotsEnabled: f.SnapshotsEnabled(),
		Active:           f.Active(),
		MonitoredBlocks:  s.deps.Tracker.Count(),
		DirtyRecords:     s.deps.Tracker.DirtyCount(),
		BlockSize:        s.cfg.BlockSize,
		Devices:          s.deps.Devices.Names(),
		Snapshots:        s.deps.Registry.List(),
		Allocator: AllocatorStatus{
			Capacity: s.deps.Allocator.Capacity(),
			Used:     s.deps.Allocator.Used(),
		},
		Trigger: TriggerStatus{
			Threshold: s.deps.Trigger.Threshold(),
			Pending:   s.deps.Trigger.Pending(),
			Signals:   s.deps.Trigger.Fired(),
		},
		Tracker: s.deps.Tracker.Stats(),
		Monitor: s.deps.Monitor.Stats(),
	}
	if e := s.deps.Exporter; e != nil {
		es := e.Stats()
		st.Export = &es
		st.CompletedBackups = es.Completed
	}
	return st
}
