package metric

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yndnr/corestate-go/internal/core/domain"
	"github.com/yndnr/corestate-go/internal/core/service"
)

// StatusSource is the module state read at scrape time.
type StatusSource interface {
	Status() service.Status
}

// Collector turns a service status into metrics. Nothing is cached
// between scrapes.
type Collector struct {
	src StatusSource

	trackingEnabled  *prometheus.Desc
	snapshotsEnabled *prometheus.Desc
	trackedBlocks    *prometheus.Desc
	dirtyBlocks      *prometheus.Desc
	distinctBlocks   *prometheus.Desc
	writes           *prometheus.Desc
	untracked        *prometheus.Desc
	acknowledged     *prometheus.Desc
	thresholdSignals *prometheus.Desc
	thresholdPending *prometheus.Desc
	slotsCapacity    *prometheus.Desc
	slotsUsed        *prometheus.Desc
	snapshotsActive  *prometheus.Desc
	snapshotUsage    *prometheus.Desc
	snapshotDegraded *prometheus.Desc
	monitorScans     *prometheus.Desc
	monitorMerged    *prometheus.Desc
	monitorFailures  *prometheus.Desc
	backupsCompleted *prometheus.Desc
	backupsFailed    *prometheus.Desc
	mergedArchives   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector over src.
func NewCollector(src StatusSource) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		src: src,

		trackingEnabled:  desc("tracking", "enabled", "1 when change tracking is enabled"),
		snapshotsEnabled: desc("snapshot", "enabled", "1 when snapshot creation is enabled"),
		trackedBlocks:    desc("tracking", "blocks", "Blocks with a change record"),
		dirtyBlocks:      desc("tracking", "dirty_blocks", "Blocks changed since their last export"),
		distinctBlocks:   desc("tracking", "distinct_blocks_estimate", "Approximate distinct blocks ever tracked"),
		writes:           desc("tracking", "writes_total", "Block writes seen by the tracker"),
		untracked:        desc("tracking", "untracked_writes_total", "Writes dropped because the record cap was reached"),
		acknowledged:     desc("tracking", "acknowledged_total", "Dirty flags cleared by exports"),
		thresholdSignals: desc("trigger", "signals_total", "Incremental backup requests emitted"),
		thresholdPending: desc("trigger", "pending", "Dirty transitions counted since the last signal"),
		slotsCapacity:    desc("cow", "slots", "Copy-on-write slots"),
		slotsUsed:        desc("cow", "slots_used", "Copy-on-write slots in use"),
		snapshotsActive:  desc("snapshot", "active", "Active snapshots"),
		snapshotUsage:    desc("snapshot", "usage_bytes", "Preserved bytes held by a snapshot", "snapshot", "origin"),
		snapshotDegraded: desc("snapshot", "degraded", "1 when a snapshot missed preserving a chunk", "snapshot", "origin"),
		monitorScans:     desc("monitor", "scans_total", "Snapshot monitor passes"),
		monitorMerged:    desc("monitor", "merged_chunks_total", "Chunks merged by the snapshot monitor"),
		monitorFailures:  desc("monitor", "failures_total", "Failed snapshot merges"),
		backupsCompleted: desc("export", "completed_total", "Completed incremental backups"),
		backupsFailed:    desc("export", "failed_total", "Failed incremental backups"),
		mergedArchives:   desc("export", "merged_archives_total", "Archives written for merged chunks"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.trackingEnabled, c.snapshotsEnabled, c.trackedBlocks, c.dirtyBlocks,
		c.distinctBlocks, c.writes, c.untracked, c.acknowledged,
		c.thresholdSignals, c.thresholdPending, c.slotsCapacity, c.slotsUsed,
		c.snapshotsActive, c.snapshotUsage, c.snapshotDegraded,
		c.monitorScans, c.monitorMerged, c.monitorFailures,
		c.backupsCompleted, c.backupsFailed, c.mergedArchives,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Status()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(c.trackingEnabled, boolValue(st.TrackingEnabled))
	gauge(c.snapshotsEnabled, boolValue(st.SnapshotsEnabled))
	gauge(c.trackedBlocks, float64(st.MonitoredBlocks))
	gauge(c.dirtyBlocks, float64(st.DirtyRecords))
	gauge(c.distinctBlocks, float64(st.Tracker.DistinctEstimate))
	counter(c.writes, st.Tracker.Writes)
	counter(c.untracked, st.Tracker.Untracked)
	counter(c.acknowledged, st.Tracker.Acknowledged)

	counter(c.thresholdSignals, st.Trigger.Signals)
	gauge(c.thresholdPending, float64(st.Trigger.Pending))

	gauge(c.slotsCapacity, float64(st.Allocator.Capacity))
	gauge(c.slotsUsed, float64(st.Allocator.Used))

	gauge(c.snapshotsActive, float64(len(st.Snapshots)))
	for _, s := range st.Snapshots {
		id := strconv.FormatUint(s.ID, 10)
		gauge(c.snapshotUsage, float64(s.UsageBytes), id, s.OriginDevice)
		gauge(c.snapshotDegraded, boolValue(s.Integrity == domain.IntegrityDegraded), id, s.OriginDevice)
	}

	counter(c.monitorScans, st.Monitor.Scans)
	counter(c.monitorMerged, st.Monitor.MergedChunks)
	counter(c.monitorFailures, st.Monitor.Failures)

	if e := st.Export; e != nil {
		counter(c.backupsCompleted, e.Completed)
		counter(c.backupsFailed, e.Failed)
		counter(c.mergedArchives, e.MergedArchives)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
