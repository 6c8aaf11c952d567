package command

import (
	"time"

	"github.com/yndnr/corestate-go/internal/core/domain"
)

// Views of the admin API responses. Field names follow the server's
// json tags.

type statusView struct {
	TrackingEnabled  bool                  `json:"tracking_enabled"`
	SnapshotsEnabled bool                  `json:"snapshots_enabled"`
	Active           bool                  `json:"active"`
	MonitoredBlocks  int64                 `json:"monitored_blocks"`
	DirtyRecords     int64                 `json:"dirty_records"`
	CompletedBackups uint64                `json:"completed_backups"`
	BlockSize        uint32                `json:"block_size"`
	Devices          []string              `json:"devices"`
	Snapshots        []domain.SnapshotInfo `json:"snapshots"`
	Allocator        struct {
		Capacity uint64 `json:"capacity"`
		Used     uint64 `json:"used"`
	} `json:"allocator"`
	Trigger triggerView `json:"trigger"`
	Tracker struct {
		Records          int64  `json:"records"`
		Dirty            int64  `json:"dirty"`
		Writes           uint64 `json:"writes"`
		Untracked        uint64 `json:"untracked"`
		Acknowledged     uint64 `json:"acknowledged"`
		MaxRecords       int64  `json:"max_records"`
		DistinctEstimate uint64 `json:"distinct_estimate"`
	} `json:"tracker"`
	Monitor struct {
		Scans          uint64    `json:"scans"`
		MergedChunks   uint64    `json:"merged_chunks"`
		Failures       uint64    `json:"failures"`
		ThresholdBytes uint64    `json:"threshold_bytes"`
		LastScan       time.Time `json:"last_scan"`
	} `json:"monitor"`
	Export *struct {
		Completed      uint64    `json:"completed"`
		Failed         uint64    `json:"failed"`
		Signals        uint64    `json:"signals"`
		MergedArchives uint64    `json:"merged_archives"`
		LastExport     time.Time `json:"last_export"`
		LastArchiveID  string    `json:"last_archive_id"`
	} `json:"export,omitempty"`
}

type triggerView struct {
	Threshold int64  `json:"threshold"`
	Pending   int64  `json:"pending"`
	Signals   uint64 `json:"signals"`
}

type switchView struct {
	TrackingEnabled  bool `json:"tracking_enabled"`
	SnapshotsEnabled bool `json:"snapshots_enabled"`
}

type versionView struct {
	Component string `json:"component"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

type snapshotListView struct {
	Snapshots []domain.SnapshotInfo `json:"snapshots"`
	Total     int                   `json:"total"`
}

type createSnapshotRequest struct {
	Device      string `json:"device"`
	ChunkSize   uint32 `json:"chunk_size,omitempty"`
	Description string `json:"description,omitempty"`
}

type mergeView struct {
	Requested  int    `json:"requested"`
	Merged     int    `json:"merged"`
	Failed     int    `json:"failed"`
	FreedBytes uint64 `json:"freed_bytes"`
}

type scanView struct {
	Scanned int    `json:"scanned"`
	Merged  int    `json:"merged"`
	Failed  int    `json:"failed"`
	Freed   uint64 `json:"freed_bytes"`
}

type exportView struct {
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

type dirtyView struct {
	Records []domain.BlockChangeRecord `json:"records"`
	Count   int                        `json:"count"`
}

type ackView struct {
	Acknowledged int `json:"acknowledged"`
	Stale        int `json:"stale"`
}
