package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"net"

	"github.com/yndnr/corestate-go/internal/telemetry/logger"
)

// Verify validates the configuration. It reports every problem found.
func Verify(cfg *ServerConfig) error {
	return errors.Join(
		verifyServer(&cfg.Server),
		verifyDevices(cfg.Devices),
		verifyTracking(&cfg.Tracking),
		verifySnapshot(&cfg.Snapshot),
		verifyExport(&cfg.Export),
		verifySecurity(&cfg.Security),
		verifyLog(&cfg.Log),
	)
}

func verifyServer(cfg *ServerSection) error {
	var errs []error
	if cfg.HTTP.Enabled {
		if _, _, err := net.SplitHostPort(cfg.HTTP.Addr); err != nil {
			errs = append(errs, fmt.Errorf("server.http.addr: %w", err))
		}
		if (cfg.HTTP.TLSCertFile == "") != (cfg.HTTP.TLSKeyFile == "") {
			errs = append(errs, errors.New("server.http: tls_cert_file and tls_key_file must be set together"))
		}
		if cfg.HTTP.RateLimit < 0 {
			errs = append(errs, errors.New("server.http.rate_limit must not be negative"))
		}
		if cfg.HTTP.RateLimit > 0 && cfg.HTTP.RateBurst < 1 {
			errs = append(errs, errors.New("server.http.rate_burst must be at least 1 when rate limiting"))
		}
	}
	if cfg.Local.Enabled && cfg.Local.Path == "" {
		errs = append(errs, errors.New("server.local.path is required"))
	}
	return errors.Join(errs...)
}

func verifyDevices(devices map[string]string) error {
	var errs []error
	for name, path := range devices {
		if name == "" || path == "" {
			errs = append(errs, fmt.Errorf("devices: %q -> %q needs a name and a path", name, path))
		}
	}
	return errors.Join(errs...)
}

func verifyTracking(cfg *TrackingSection) error {
	var errs []error
	if cfg.BlockSize == 0 || bits.OnesCount32(cfg.BlockSize) != 1 {
		errs = append(errs, fmt.Errorf("tracking.block_size %d must be a power of two", cfg.BlockSize))
	}
	if cfg.Threshold < 1 {
		errs = append(errs, errors.New("tracking.threshold must be at least 1"))
	}
	if cfg.MaxRecords < 0 {
		errs = append(errs, errors.New("tracking.max_records must not be negative"))
	}
	if cfg.ShardCount < 1 || bits.OnesCount(uint(cfg.ShardCount)) != 1 {
		errs = append(errs, fmt.Errorf("tracking.shard_count %d must be a power of two", cfg.ShardCount))
	}
	return errors.Join(errs...)
}

func verifySnapshot(cfg *SnapshotSection) error {
	var errs []error
	if cfg.ChunkSize == 0 || bits.OnesCount32(cfg.ChunkSize) != 1 {
		errs = append(errs, fmt.Errorf("snapshot.chunk_size %d must be a power of two", cfg.ChunkSize))
	}
	if cfg.MaxChunkSize == 0 || bits.OnesCount32(cfg.MaxChunkSize) != 1 {
		errs = append(errs, fmt.Errorf("snapshot.max_chunk_size %d must be a power of two", cfg.MaxChunkSize))
	} else if cfg.ChunkSize > cfg.MaxChunkSize {
		errs = append(errs, errors.New("snapshot.chunk_size must not exceed snapshot.max_chunk_size"))
	}
	if cfg.COWSlots == 0 {
		errs = append(errs, errors.New("snapshot.cow_slots must be at least 1"))
	}
	if cfg.COWDir == "" {
		errs = append(errs, errors.New("snapshot.cow_dir is required"))
	}
	if cfg.CacheChunks < 0 {
		errs = append(errs, errors.New("snapshot.cache_chunks must not be negative"))
	}
	if cfg.MonitorInterval <= 0 {
		errs = append(errs, errors.New("snapshot.monitor_interval must be positive"))
	}
	if cfg.MergeRateBytes < 0 {
		errs = append(errs, errors.New("snapshot.merge_rate_bytes must not be negative"))
	}
	if cfg.MergeRateBytes > 0 && int64(cfg.MergeRateBytes) < int64(cfg.ChunkSize) {
		errs = append(errs, errors.New("snapshot.merge_rate_bytes must be at least one chunk"))
	}
	return errors.Join(errs...)
}

func verifyExport(cfg *ExportSection) error {
	if !cfg.Enabled {
		return nil
	}
	var errs []error
	if cfg.Dir == "" {
		errs = append(errs, errors.New("export.dir is required"))
	}
	switch cfg.Compression {
	case "zstd", "none":
	default:
		errs = append(errs, fmt.Errorf("export.compression %q must be zstd or none", cfg.Compression))
	}
	if cfg.Interval < 0 || cfg.Timeout < 0 || cfg.MaxRecords < 0 {
		errs = append(errs, errors.New("export: interval, timeout and max_records must not be negative"))
	}
	return errors.Join(errs...)
}

func verifySecurity(cfg *SecuritySection) error {
	var errs []error
	if cfg.MasterKey != "" && cfg.Passphrase != "" {
		errs = append(errs, errors.New("security: master_key and passphrase are mutually exclusive"))
	}
	if cfg.MasterKey != "" {
		if _, err := hex.DecodeString(cfg.MasterKey); err != nil {
			errs = append(errs, errors.New("security.master_key must be hex encoded"))
		}
	}
	if cfg.Passphrase != "" && cfg.Salt == "" {
		errs = append(errs, errors.New("security.salt is required with a passphrase"))
	}
	if cfg.Salt != "" {
		if _, err := hex.DecodeString(cfg.Salt); err != nil {
			errs = append(errs, errors.New("security.salt must be hex encoded"))
		}
	}
	switch cfg.Algorithm {
	case "", "aes-gcm", "chacha20-poly1305":
	default:
		errs = append(errs, fmt.Errorf("security.algorithm %q is not supported", cfg.Algorithm))
	}
	return errors.Join(errs...)
}

func verifyLog(cfg *LogSection) error {
	if _, err := logger.ParseLevel(cfg.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch cfg.Format {
	case "", "json", "text", "console":
		return nil
	default:
		return fmt.Errorf("log.format %q must be json or text", cfg.Format)
	}
}
