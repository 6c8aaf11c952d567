package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/yndnr/corestate-go/internal/core/domain"
	"github.com/yndnr/corestate-go/internal/core/service"
	"github.com/yndnr/corestate-go/internal/infra/shutdown"
	"github.com/yndnr/corestate-go/internal/keyservice"
	"github.com/yndnr/corestate-go/internal/server/config"
	"github.com/yndnr/corestate-go/internal/server/httpserver"
	"github.com/yndnr/corestate-go/internal/server/localserver"
	"github.com/yndnr/corestate-go/internal/storage/allocator"
	"github.com/yndnr/corestate-go/internal/storage/backup"
	"github.com/yndnr/corestate-go/internal/storage/blockio"
	"github.com/yndnr/corestate-go/internal/storage/chunkstore"
	"github.com/yndnr/corestate-go/internal/storage/snapshot"
	"github.com/yndnr/corestate-go/internal/storage/tracker"
	"github.com/yndnr/corestate-go/internal/storage/trigger"
	"github.com/yndnr/corestate-go/internal/telemetry/logger"
	"github.com/yndnr/corestate-go/internal/telemetry/metric"
)

// application is the wired server. Components that own goroutines are
// started by start; everything else is live once build returns.
type application struct {
	log *slog.Logger

	svc      *service.Service
	monitor  *snapshot.Monitor
	exporter *service.Exporter
	http     *httpserver.Server
	local    *localserver.Server
}

// build constructs every component, registering a shutdown hook for
// each as it goes. On error the hooks registered so far release the
// partial graph.
func build(cfg *config.ServerConfig, log *slog.Logger, sd *shutdown.Handler) (*application, error) {
	app := &application{log: log}
	metrics := metric.NewRegistry()

	// Preserved chunks live in Badger behind an optional read cache.
	badgerCfg := chunkstore.DefaultBadgerConfig(cfg.Snapshot.COWDir)
	bs, err := chunkstore.NewBadgerStore(badgerCfg, log.With("component", "chunkstore"))
	if err != nil {
		return nil, err
	}
	bs.RegisterMetrics(metrics.Registerer())
	var store chunkstore.Store = bs
	if cfg.Snapshot.CacheChunks > 0 {
		cached, err := chunkstore.NewCached(bs, cfg.Snapshot.CacheChunks)
		if err != nil {
			bs.Close()
			return nil, fmt.Errorf("chunk cache: %w", err)
		}
		store = cached
	}
	sd.OnShutdown("chunk store", func(context.Context) error { return store.Close() })

	devices, err := blockio.OpenTable(cfg.Devices, store, log.With("component", "blockio"))
	if err != nil {
		return nil, err
	}
	sd.OnShutdown("devices", func(context.Context) error { return devices.Close() })

	features := domain.NewFeatures(cfg.Tracking.Enabled, cfg.Snapshot.Enabled)
	trig := trigger.New(cfg.Tracking.Threshold, log.With("component", "trigger"))
	changes := tracker.New(tracker.Config{
		MaxRecords: cfg.Tracking.MaxRecords,
		ShardCount: cfg.Tracking.ShardCount,
		Logger:     log.With("component", "tracker"),
	}, features, trig)

	if cfg.Export.Enabled {
		app.exporter, err = buildExporter(cfg, log, sd, changes, devices)
		if err != nil {
			return nil, err
		}
		trig.SetHandler(app.exporter)
		sd.OnShutdown("exporter", func(context.Context) error {
			app.exporter.Stop()
			return nil
		})
	}

	regCfg := snapshot.Config{
		DefaultChunkSize: cfg.Snapshot.ChunkSize,
		MaxChunkSize:     cfg.Snapshot.MaxChunkSize,
		Allocator:        allocator.New(cfg.Snapshot.COWSlots),
		Resolver: snapshot.ResolverFunc(func(device string, chunkSize uint32) (snapshot.Origin, error) {
			r, err := devices.Resolve(device, chunkSize)
			if err != nil {
				return nil, err
			}
			return r, nil
		}),
		Throttle: snapshot.NewMergeLimiter(cfg.Snapshot.MergeRateBytes),
		Logger:   log.With("component", "snapshot"),
	}
	if app.exporter != nil {
		regCfg.Sink = app.exporter
	}
	registry, err := snapshot.NewRegistry(regCfg, features)
	if err != nil {
		return nil, err
	}
	sd.OnShutdown("snapshots", registry.Close)

	app.monitor = snapshot.NewMonitor(registry, snapshot.MonitorConfig{
		Interval:       cfg.Snapshot.MonitorInterval,
		ThresholdBytes: cfg.Snapshot.MergeThresholdBytes,
		Logger:         log.With("component", "monitor"),
	})
	sd.OnShutdown("monitor", func(context.Context) error {
		app.monitor.Stop()
		return nil
	})

	app.svc, err = service.New(service.Config{
		BlockSize: cfg.Tracking.BlockSize,
		Logger:    log,
	}, service.Deps{
		Features:  features,
		Devices:   devices,
		Tracker:   changes,
		Trigger:   trig,
		Allocator: regCfg.Allocator,
		Registry:  registry,
		Monitor:   app.monitor,
		Exporter:  app.exporter,
	})
	if err != nil {
		return nil, err
	}
	metrics.Registerer().MustRegister(metric.NewCollector(app.svc))

	if cfg.Server.HTTP.Enabled {
		routerCfg := httpserver.DefaultRouterConfig()
		routerCfg.Service = app.svc
		routerCfg.Metrics = metrics
		routerCfg.Logger = log.With("component", "http")
		routerCfg.RateLimit = cfg.Server.HTTP.RateLimit
		routerCfg.RateBurst = cfg.Server.HTTP.RateBurst

		app.http, err = httpserver.New(httpserver.ServerConfig{
			Addr:        cfg.Server.HTTP.Addr,
			Handler:     httpserver.NewRouter(routerCfg),
			TLSCertFile: cfg.Server.HTTP.TLSCertFile,
			TLSKeyFile:  cfg.Server.HTTP.TLSKeyFile,
			Logger:      routerCfg.Logger,
		})
		if err != nil {
			return nil, err
		}
	}

	if cfg.Server.Local.Enabled {
		app.local = localserver.New(cfg.Server.Local.Path,
			localserver.NewHandler(app.svc), log.With("component", "local"))
	}
	return app, nil
}

// buildExporter opens the dirty and merged archive stores and the
// exporter over them. Archives are sealed when security is configured.
func buildExporter(cfg *config.ServerConfig, log *slog.Logger, sd *shutdown.Handler,
	changes *tracker.Tracker, devices *blockio.Table) (*service.Exporter, error) {
	keys, err := buildKeyService(&cfg.Security, log)
	if err != nil {
		return nil, err
	}

	openStore := func(kind string) (*backup.Store, error) {
		bc := backup.Config{
			Dir:            filepath.Join(cfg.Export.Dir, kind),
			RetentionCount: cfg.Export.RetentionCount,
			RetentionDays:  cfg.Export.RetentionDays,
			Compression:    cfg.Export.Compression,
			Logger:         log.With("component", "backup", "kind", kind),
		}
		if keys != nil {
			sealer := service.KeySealer{Keys: keys, Purpose: kind}
			bc.Sealer = sealer
			bc.Opener = sealer
		}
		s, err := backup.NewStore(bc)
		if err != nil {
			return nil, err
		}
		sd.OnShutdown(kind+" archives", func(context.Context) error { return s.Close() })
		return s, nil
	}

	dirty, err := openStore(string(backup.KindDirty))
	if err != nil {
		return nil, err
	}
	merged, err := openStore(string(backup.KindMerged))
	if err != nil {
		return nil, err
	}

	return service.NewExporter(service.ExporterConfig{
		BlockSize:            cfg.Tracking.BlockSize,
		Interval:             cfg.Export.Interval,
		MaxRecordsPerArchive: cfg.Export.MaxRecords,
		Timeout:              cfg.Export.Timeout,
		Logger:               log.With("component", "exporter"),
	}, service.ExporterDeps{
		Tracker: changes,
		Devices: devices,
		Dirty:   dirty,
		Merged:  merged,
	})
}

// buildKeyService returns nil when no key material is configured.
func buildKeyService(sec *config.SecuritySection, log *slog.Logger) (*keyservice.Service, error) {
	if sec.MasterKey == "" && sec.Passphrase == "" {
		return nil, nil
	}
	kc := keyservice.Config{
		Algorithm: sec.Algorithm,
		Workers:   sec.Workers,
		Logger:    log.With("component", "keyservice"),
	}
	if sec.Passphrase != "" {
		salt, err := hex.DecodeString(sec.Salt)
		if err != nil {
			return nil, fmt.Errorf("security.salt: %w", err)
		}
		kc.Passphrase = []byte(sec.Passphrase)
		kc.Salt = salt
	} else {
		key, err := hex.DecodeString(sec.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("security.master_key: %w", err)
		}
		kc.MasterKey = key
	}
	keys, err := keyservice.New(kc)
	if err != nil {
		return nil, err
	}
	log.Info("archive encryption enabled", "key_id", keys.KeyID())
	return keys, nil
}

// start launches the background loops and the control surfaces.
func (a *application) start(sd *shutdown.Handler) error {
	a.monitor.Start()
	if a.exporter != nil {
		a.exporter.Start()
	}

	if a.local != nil {
		if err := a.local.Listen(); err != nil {
			return err
		}
		sd.OnShutdown("local socket", a.local.Shutdown)
		go func() {
			if err := a.local.Serve(); err != nil {
				a.log.Error("local socket stopped", "error", err)
				sd.Trigger("local socket failed")
			}
		}()
	}

	if a.http != nil {
		if err := a.http.Start(func(error) { sd.Trigger("admin API failed") }); err != nil {
			return err
		}
		sd.OnShutdown("admin API", a.http.Shutdown)
	}
	return nil
}

// reload applies the hot-reloadable subset of cfg.
func (a *application) reload(cfg *config.ServerConfig) {
	a.svc.SetThreshold(cfg.Tracking.Threshold)
	a.svc.SetMergeThreshold(cfg.Snapshot.MergeThresholdBytes)
	if cfg.Log.Level != logger.GetLevel() {
		if err := logger.SetLevel(cfg.Log.Level); err != nil {
			a.log.Warn("log level not changed", "level", cfg.Log.Level, "error", err)
		}
	}
	a.log.Info("configuration reloaded",
		"threshold", cfg.Tracking.Threshold,
		"merge_threshold_bytes", cfg.Snapshot.MergeThresholdBytes,
		"log_level", logger.GetLevel())
}
