package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/yndnr/corestate-go/internal/core/domain"
	"github.com/yndnr/corestate-go/internal/storage/cow"
)

// DefaultMonitorInterval is the scan period when none is configured.
const DefaultMonitorInterval = 30 * time.Second

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Interval between scans.
	Interval time.Duration

	// ThresholdBytes is the preserved size above which a snapshot's
	// oldest mappings are merged.
	ThresholdBytes uint64

	Logger *slog.Logger
}

// ScanResult summarises one monitor pass.
type ScanResult struct {
	Scanned int    `json:"scanned"`
	Merged  int    `json:"merged"`
	Failed  int    `json:"failed"`
	Freed   uint64 `json:"freed_bytes"`
}

// MonitorStats are lifetime monitor counters.
type MonitorStats struct {
	Scans          uint64    `json:"scans"`
	MergedChunks   uint64    `json:"merged_chunks"`
	Failures       uint64    `json:"failures"`
	ThresholdBytes uint64    `json:"threshold_bytes"`
	LastScan       time.Time `json:"last_scan"`
}

// Monitor merges the oldest mappings of snapshots that grew past the
// threshold.
type Monitor struct {
	reg    *Registry
	cfg    MonitorConfig
	logger *slog.Logger

	threshold atomic.Uint64

	scans    atomic.Uint64
	merged   atomic.Uint64
	failures atomic.Uint64
	lastScan atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewMonitor creates a monitor over reg. Call Start to run it.
func NewMonitor(reg *Registry, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Monitor{
		reg:    reg,
		cfg:    cfg,
		logger: cfg.Logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	m.threshold.Store(cfg.ThresholdBytes)
	return m
}

// NewMergeLimiter returns a byte-rate throttle for merge I/O, or nil when
// bytesPerSec is not positive.
func NewMergeLimiter(bytesPerSec int) cow.Throttle {
	if bytesPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
}

// Start launches the background loop. Calling it more than once has no
// further effect.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		go m.loop()
	})
}

// Stop asks the loop to exit and waits until it has.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	started := true
	m.startOnce.Do(func() {
		started = false
		close(m.doneCh)
	})
	if started {
		<-m.doneCh
	}
}

func (m *Monitor) loop() {
	defer close(m.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			res := m.ScanOnce(ctx)
			if res.Merged > 0 || res.Failed > 0 {
				m.logger.Info("snapshot monitor pass",
					"scanned", res.Scanned,
					"merged", res.Merged,
					"failed", res.Failed,
					"freed_bytes", res.Freed)
			}
		case <-m.stopCh:
			return
		}
	}
}

// ScanOnce runs a single pass over the active snapshots. A failure on one
// snapshot is logged and counted; the pass moves on to the next. The pass
// ends early when ctx is cancelled.
func (m *Monitor) ScanOnce(ctx context.Context) ScanResult {
	var res ScanResult
	threshold := m.threshold.Load()

	for _, h := range m.reg.Handles() {
		if ctx.Err() != nil {
			break
		}
		res.Scanned++

		chunk := uint64(h.Manager.ChunkSize())
		usage := h.Manager.Usage()
		if chunk == 0 || usage <= threshold {
			continue
		}
		n := int((usage - threshold + chunk - 1) / chunk)

		r, err := h.Manager.MergeOldest(ctx, n)
		res.Merged += r.Merged
		res.Freed += r.FreedBytes
		if r.Merged > 0 {
			m.merged.Add(uint64(r.Merged))
		}
		if err == nil {
			continue
		}
		if errors.Is(err, domain.ErrSnapshotClosed) {
			continue
		}
		if ctx.Err() != nil && r.Failed == 0 {
			break
		}
		res.Failed++
		m.failures.Add(1)
		m.logger.Error("snapshot merge failed",
			"snapshot_id", h.ID,
			"origin", h.Origin,
			"requested", n,
			"merged", r.Merged,
			"error", err)
	}

	m.scans.Add(1)
	m.lastScan.Store(time.Now().UnixNano())
	return res
}

// SetThreshold changes the merge threshold for subsequent passes.
func (m *Monitor) SetThreshold(bytes uint64) {
	m.threshold.Store(bytes)
}

// Threshold returns the current merge threshold in bytes.
func (m *Monitor) Threshold() uint64 {
	return m.threshold.Load()
}

// Stats returns the monitor's lifetime counters.
func (m *Monitor) Stats() MonitorStats {
	st := MonitorStats{
		Scans:          m.scans.Load(),
		MergedChunks:   m.merged.Load(),
		Failures:       m.failures.Load(),
		ThresholdBytes: m.threshold.Load(),
	}
	if ns := m.lastScan.Load(); ns != 0 {
		st.LastScan = time.Unix(0, ns)
	}
	return st
}
