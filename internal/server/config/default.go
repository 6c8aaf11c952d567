package config

import "time"

// Default configuration values.
const (
	DefaultHTTPAddr    = "127.0.0.1:5090"
	DefaultLocalSocket = "/var/run/corestate/corestate.sock"

	DefaultBlockSize  = 4096
	DefaultThreshold  = 1000
	DefaultShardCount = 64

	DefaultChunkSize           = 64 * 1024
	DefaultMaxChunkSize        = 16 * 1024 * 1024
	DefaultCOWSlots            = 16384
	DefaultCOWDir              = "/var/lib/corestate/cow"
	DefaultCacheChunks         = 256
	DefaultMonitorInterval     = 30 * time.Second
	DefaultMergeThresholdBytes = 256 * 1024 * 1024

	DefaultExportDir      = "/var/lib/corestate/backups"
	DefaultRetentionCount = 10
	DefaultRetentionDays  = 7
	DefaultCompression    = "zstd"
	DefaultExportInterval = 15 * time.Minute
	DefaultExportTimeout  = 5 * time.Minute

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			HTTP: HTTPConfig{
				Enabled:   true,
				Addr:      DefaultHTTPAddr,
				RateLimit: 100,
				RateBurst: 200,
			},
			Local: LocalConfig{
				Enabled: true,
				Path:    DefaultLocalSocket,
			},
		},
		Devices: map[string]string{},
		Tracking: TrackingSection{
			Enabled:    true,
			BlockSize:  DefaultBlockSize,
			Threshold:  DefaultThreshold,
			ShardCount: DefaultShardCount,
		},
		Snapshot: SnapshotSection{
			Enabled:             true,
			ChunkSize:           DefaultChunkSize,
			MaxChunkSize:        DefaultMaxChunkSize,
			COWSlots:            DefaultCOWSlots,
			COWDir:              DefaultCOWDir,
			CacheChunks:         DefaultCacheChunks,
			MonitorInterval:     DefaultMonitorInterval,
			MergeThresholdBytes: DefaultMergeThresholdBytes,
		},
		Export: ExportSection{
			Enabled:        true,
			Dir:            DefaultExportDir,
			RetentionCount: DefaultRetentionCount,
			RetentionDays:  DefaultRetentionDays,
			Compression:    DefaultCompression,
			Interval:       DefaultExportInterval,
			Timeout:        DefaultExportTimeout,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
