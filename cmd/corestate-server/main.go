package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/corestate-go/internal/infra/buildinfo"
	"github.com/yndnr/corestate-go/internal/infra/confloader"
	"github.com/yndnr/corestate-go/internal/infra/shutdown"
	"github.com/yndnr/corestate-go/internal/server/config"
	"github.com/yndnr/corestate-go/internal/telemetry/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	app := &cli.App{
		Name:    "corestate-server",
		Usage:   "Block change tracking and snapshot server",
		Version: buildinfo.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				EnvVars: []string{"CORESTATE_CONFIG"},
			},
		},
		Action: func(c *cli.Context) error {
			return run(c.Context, c.String("config"))
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(log)

	log.Info("starting corestate-server",
		"build", buildinfo.Get(),
		"config", configFile,
		"devices", len(cfg.Devices))
	log.Debug("effective configuration", "config", config.Sanitize(cfg))

	sd := shutdown.NewHandler(shutdownTimeout, log)

	app, err := build(cfg, log, sd)
	if err != nil {
		// Release whatever was built before the failure.
		sd.Trigger("startup failed")
		if werr := sd.Wait(ctx); werr != nil {
			log.Error("cleanup after failed startup", "error", werr)
		}
		return err
	}

	if err := app.start(sd); err != nil {
		sd.Trigger("startup failed")
		if werr := sd.Wait(ctx); werr != nil {
			log.Error("cleanup after failed startup", "error", werr)
		}
		return err
	}

	if configFile != "" {
		watchConfig(configFile, app, log, sd)
	}

	log.Info("server started")
	if err := sd.Wait(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}
	log.Info("server stopped")
	return nil
}

// loadConfig layers the file and CORESTATE_* variables over the defaults.
func loadConfig(configFile string) (*config.ServerConfig, error) {
	cfg := config.Default()

	opts := []confloader.Option{confloader.WithKnownKeys(config.Keys()...)}
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}
	if err := confloader.NewLoader(opts...).Load(cfg); err != nil {
		return nil, err
	}
	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// watchConfig applies the hot-reloadable settings whenever the file
// changes. Everything else needs a restart.
func watchConfig(path string, app *application, log *slog.Logger, sd *shutdown.Handler) {
	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(log))
	if err != nil {
		log.Warn("configuration reload disabled", "error", err)
		return
	}
	if err := w.Watch(path); err != nil {
		w.Stop()
		log.Warn("configuration reload disabled", "error", err)
		return
	}
	w.OnChange(func(file string) {
		cfg, err := loadConfig(file)
		if err != nil {
			log.Error("configuration reload rejected", "file", file, "error", err)
			return
		}
		app.reload(cfg)
	})
	w.StartAsync()
	sd.OnShutdown("config watcher", func(context.Context) error {
		return w.Stop()
	})
}
