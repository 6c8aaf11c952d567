package config

import "time"

// ServerConfig is the root configuration for corestate-server.
type ServerConfig struct {
	Server   ServerSection     `koanf:"server"`
	Devices  map[string]string `koanf:"devices"`
	Tracking TrackingSection   `koanf:"tracking"`
	Snapshot SnapshotSection   `koanf:"snapshot"`
	Export   ExportSection     `koanf:"export"`
	Security SecuritySection   `koanf:"security"`
	Log      LogSection        `koanf:"log"`
}

// ServerSection configures the control surfaces.
type ServerSection struct {
	HTTP  HTTPConfig  `koanf:"http"`
	Local LocalConfig `koanf:"local"`
}

// HTTPConfig configures the HTTP admin API.
type HTTPConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Addr        string `koanf:"addr"`
	TLSCertFile string `koanf:"tls_cert_file"`
	TLSKeyFile  string `koanf:"tls_key_file"`

	// RateLimit is the sustained request rate per second. Zero disables
	// limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// LocalConfig configures the local command socket.
type LocalConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// TrackingSection configures block change tracking.
type TrackingSection struct {
	Enabled   bool   `koanf:"enabled"`
	BlockSize uint32 `koanf:"block_size"`

	// Threshold is the number of clean-to-dirty transitions that requests
	// an incremental backup. Hot-reloadable.
	Threshold int64 `koanf:"threshold"`

	// MaxRecords caps tracked blocks. Zero means unlimited.
	MaxRecords int64 `koanf:"max_records"`
	ShardCount int   `koanf:"shard_count"`
}

// SnapshotSection configures snapshots and copy-on-write storage.
type SnapshotSection struct {
	Enabled   bool   `koanf:"enabled"`
	ChunkSize uint32 `koanf:"chunk_size"`

	// MaxChunkSize bounds the chunk size of a create request.
	MaxChunkSize uint32 `koanf:"max_chunk_size"`

	// COWSlots is the number of preserved chunk slots shared by every
	// snapshot.
	COWSlots uint64 `koanf:"cow_slots"`
	COWDir   string `koanf:"cow_dir"`

	// CacheChunks is the preserved chunk read cache size. Zero disables it.
	CacheChunks int `koanf:"cache_chunks"`

	MonitorInterval time.Duration `koanf:"monitor_interval"`

	// MergeThresholdBytes is the preserved size above which a snapshot's
	// oldest chunks are merged. Hot-reloadable.
	MergeThresholdBytes uint64 `koanf:"merge_threshold_bytes"`

	// MergeRateBytes limits merge I/O per second. Zero disables limiting.
	MergeRateBytes int `koanf:"merge_rate_bytes"`
}

// ExportSection configures incremental backup archives.
type ExportSection struct {
	Enabled        bool          `koanf:"enabled"`
	Dir            string        `koanf:"dir"`
	RetentionCount int           `koanf:"retention_count"`
	RetentionDays  int           `koanf:"retention_days"`
	Compression    string        `koanf:"compression"`
	Interval       time.Duration `koanf:"interval"`
	Timeout        time.Duration `koanf:"timeout"`
	MaxRecords     int           `koanf:"max_records"`
}

// SecuritySection configures archive encryption. Either MasterKey or
// Passphrase with Salt enables it.
type SecuritySection struct {
	// MasterKey is hex encoded.
	MasterKey  string `koanf:"master_key"`
	Passphrase string `koanf:"passphrase"`
	// Salt is hex encoded.
	Salt      string `koanf:"salt"`
	Algorithm string `koanf:"algorithm"`
	Workers   int    `koanf:"workers"`
}

// LogSection configures logging.
type LogSection struct {
	// Level is hot-reloadable.
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
