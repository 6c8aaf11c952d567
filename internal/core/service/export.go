package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/yndnr/corestate-go/internal/core/domain"
	"github.com/yndnr/corestate-go/internal/keyservice"
	"github.com/yndnr/corestate-go/internal/storage/backup"
	"github.com/yndnr/corestate-go/internal/storage/cow"
	"github.com/yndnr/corestate-go/internal/storage/tracker"
	"github.com/yndnr/corestate-go/internal/storage/trigger"
)

// Exporter defaults.
const (
	DefaultMaxRecordsPerArchive = 4096
	DefaultExportTimeout        = 5 * time.Minute
)

// ExporterConfig configures an Exporter.
type ExporterConfig struct {
	// BlockSize must match the Service's tracking granularity.
	BlockSize uint32

	// Interval between periodic exports. Zero disables them; threshold
	// signals and manual requests still export.
	Interval time.Duration

	// MaxRecordsPerArchive caps one archive. Remaining dirty blocks are
	// exported by an immediate follow-up run.
	MaxRecordsPerArchive int

	// Timeout bounds one background export.
	Timeout time.Duration

	Logger *slog.Logger
}

// ExporterDeps are the collaborators of an Exporter. Merged may be nil,
// in which case merged chunks are not archived. Encryption is configured
// on the stores.
type ExporterDeps struct {
	Tracker *tracker.Tracker
	Devices Devices
	Dirty   *backup.Store
	Merged  *backup.Store
}

// ExportResult describes one export run.
type ExportResult struct {
	Reason       string    `json:"reason"`
	ArchiveID    string    `json:"archive_id,omitempty"`
	Records      int       `json:"records"`
	Acknowledged int       `json:"acknowledged"`
	Skipped      int       `json:"skipped"`
	Bytes        int64     `json:"bytes"`
	Pruned       int       `json:"pruned"`
	More         bool      `json:"more"`
	StartedAt    time.Time `json:"started_at"`
	Duration     string    `json:"duration"`
}

// ExporterStats are lifetime exporter counters.
type ExporterStats struct {
	Completed      uint64    `json:"completed"`
	Failed         uint64    `json:"failed"`
	Signals        uint64    `json:"signals"`
	MergedArchives uint64    `json:"merged_archives"`
	LastExport     time.Time `json:"last_export,omitempty"`
	LastArchiveID  string    `json:"last_archive_id,omitempty"`
}

// Exporter writes dirty blocks into backup archives. It implements
// trigger.Handler and cow.MergeSink.
type Exporter struct {
	cfg    ExporterConfig
	deps   ExporterDeps
	logger *slog.Logger

	// runMu serialises export runs.
	runMu sync.Mutex

	wakeCh    chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	completed atomic.Uint64
	failed    atomic.Uint64
	signals   atomic.Uint64
	merged    atomic.Uint64
	last      atomic.Pointer[ExportResult]
}

var (
	_ trigger.Handler = (*Exporter)(nil)
	_ cow.MergeSink   = (*Exporter)(nil)
)

// NewExporter creates an Exporter. Call Start to run its background loop.
func NewExporter(cfg ExporterConfig, deps ExporterDeps) (*Exporter, error) {
	if deps.Tracker == nil || deps.Devices == nil || deps.Dirty == nil {
		return nil, fmt.Errorf("exporter: tracker, devices and dirty archive store are required")
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.MaxRecordsPerArchive <= 0 {
		cfg.MaxRecordsPerArchive = DefaultMaxRecordsPerArchive
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultExportTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Exporter{
		cfg:    cfg,
		deps:   deps,
		logger: cfg.Logger,
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// KeySealer adapts a key service to backup.Sealer and backup.Opener.
type KeySealer struct {
	Keys    *keyservice.Service
	Purpose string
}

// Seal encrypts plaintext on the key service's workers.
func (k KeySealer) Seal(ctx context.Context, archiveID string, plaintext []byte) (backup.Sealed, error) {
	res := <-k.Keys.Encrypt(ctx, plaintext, keyservice.KeyContext{BackupID: archiveID, Purpose: k.Purpose})
	if res.Err != nil {
		return backup.Sealed{}, res.Err
	}
	return backup.Sealed{Ciphertext: res.Ciphertext, KeyID: res.KeyID, Algorithm: res.Algorithm}, nil
}

// Open decrypts an archive sealed by Seal.
func (k KeySealer) Open(ctx context.Context, archiveID, keyID string, ciphertext []byte) ([]byte, error) {
	return k.Keys.Decrypt(ctx, ciphertext, keyservice.KeyContext{BackupID: archiveID, Purpose: k.Purpose}, keyID)
}

// OnSignal requests an export. It never blocks: signals arriving while a
// request is already queued are coalesced into it.
func (e *Exporter) OnSignal(sig trigger.Signal) {
	e.signals.Add(1)
	e.wake()
	e.logger.Debug("export requested by threshold", "seq", sig.Seq, "observed", sig.Observed)
}

func (e *Exporter) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// Start launches the background loop.
func (e *Exporter) Start() {
	e.startOnce.Do(func() {
		go e.loop()
	})
}

// Stop stops the background loop and waits for a running export to end.
func (e *Exporter) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	started := true
	e.startOnce.Do(func() {
		started = false
		close(e.doneCh)
	})
	if started {
		<-e.doneCh
	}
}

func (e *Exporter) loop() {
	defer close(e.doneCh)

	var tick <-chan time.Time
	if e.cfg.Interval > 0 {
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-e.wakeCh:
			e.runBackground("threshold")
		case <-tick:
			e.runBackground("periodic")
		case <-e.stopCh:
			return
		}
	}
}

func (e *Exporter) runBackground(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
	defer cancel()
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	res, err := e.export(ctx, reason)
	if err != nil {
		e.logger.Error("export failed", "reason", reason, "error", err)
		return
	}
	if res.More {
		e.wake()
	}
}

// ExportNow exports dirty blocks immediately, waiting for any running
// export first.
func (e *Exporter) ExportNow(ctx context.Context) (*ExportResult, error) {
	return e.export(ctx, "manual")
}

func (e *Exporter) export(ctx context.Context, reason string) (*ExportResult, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	res := &ExportResult{Reason: reason, StartedAt: time.Now()}

	// Every dirty record is, by definition, changed since the last
	// acknowledged export.
	var pending []domain.BlockChangeRecord
	for r := range e.deps.Tracker.QueryDirtySince(time.Time{}) {
		if len(pending) == e.cfg.MaxRecordsPerArchive {
			res.More = true
			break
		}
		pending = append(pending, r)
	}
	if len(pending) == 0 {
		res.Duration = time.Since(res.StartedAt).String()
		return res, nil
	}

	records := make([]backup.Record, 0, len(pending))
	exported := pending[:0:0]
	buf := make([]byte, e.cfg.BlockSize)
	for _, r := range pending {
		if err := ctx.Err(); err != nil {
			e.failed.Add(1)
			return nil, err
		}
		data, err := e.readBlock(r.Key.Device, r.Key.Block, buf)
		if err != nil {
			res.Skipped++
			e.logger.Warn("skipping dirty block", "device", r.Key.Device, "block", r.Key.Block, "error", err)
			continue
		}
		records = append(records, backup.Record{
			Device:     r.Key.Device,
			Index:      r.Key.Block,
			Checksum:   r.Checksum,
			ModifiedAt: r.LastModified,
			Data:       data,
		})
		exported = append(exported, r)
	}
	if len(records) == 0 {
		e.failed.Add(1)
		return nil, fmt.Errorf("exporter: none of %d dirty blocks could be read", len(pending))
	}

	info, err := e.deps.Dirty.Write(ctx, backup.KindDirty, records)
	if err != nil {
		e.failed.Add(1)
		return nil, fmt.Errorf("exporter: write archive: %w", err)
	}

	res.ArchiveID = info.ID
	res.Records = len(records)
	res.Bytes = info.Size
	res.Acknowledged = e.deps.Tracker.Acknowledge(exported)

	if n, err := e.deps.Dirty.Prune(); err != nil {
		e.logger.Warn("prune archives failed", "error", err)
	} else {
		res.Pruned = n
	}

	res.Duration = time.Since(res.StartedAt).String()
	e.completed.Add(1)
	e.last.Store(res)

	e.logger.Info("export completed",
		"reason", reason,
		"archive_id", info.ID,
		"records", res.Records,
		"acknowledged", res.Acknowledged,
		"skipped", res.Skipped,
		"bytes", res.Bytes)
	return res, nil
}

func (e *Exporter) readBlock(device string, block uint64, buf []byte) ([]byte, error) {
	dev, err := e.deps.Devices.Device(device)
	if err != nil {
		return nil, err
	}
	n, err := dev.ReadAt(buf, int64(block)*int64(len(buf)))
	if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
		return nil, err
	}
	return append([]byte(nil), buf[:n]...), nil
}

// ExportMerged archives a chunk merged out of a snapshot. An error keeps
// the chunk's mapping so the merge is retried later.
func (e *Exporter) ExportMerged(ctx context.Context, mc cow.MergedChunk) error {
	if e.deps.Merged == nil {
		return nil
	}
	_, err := e.deps.Merged.Write(ctx, backup.KindMerged, []backup.Record{{
		Device:     mc.Origin,
		Index:      mc.Chunk,
		Checksum:   xxhash.Sum64(mc.Data),
		ModifiedAt: mc.AllocatedAt,
		Data:       mc.Data,
	}})
	if err != nil {
		return err
	}
	e.merged.Add(1)
	return nil
}

// CompletedBackups returns the number of successful exports.
func (e *Exporter) CompletedBackups() uint64 {
	return e.completed.Load()
}

// Stats returns the exporter counters.
func (e *Exporter) Stats() ExporterStats {
	st := ExporterStats{
		Completed:      e.completed.Load(),
		Failed:         e.failed.Load(),
		Signals:        e.signals.Load(),
		MergedArchives: e.merged.Load(),
	}
	if last := e.last.Load(); last != nil {
		st.LastExport = last.StartedAt
		st.LastArchiveID = last.ArchiveID
	}
	return st
}
