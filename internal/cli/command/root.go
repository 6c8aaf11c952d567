package command

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/corestate-go/internal/cli/config"
	"github.com/yndnr/corestate-go/internal/cli/connection"
	"github.com/yndnr/corestate-go/internal/cli/output"
	"github.com/yndnr/corestate-go/internal/infra/buildinfo"
)

const connMgrKey = "connMgr"

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:                 "corestate-cli",
		Usage:                "corestate block tracking and snapshot management tool",
		Version:              buildinfo.String(),
		Flags:                globalFlags(),
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			StatusCommand(),
			HealthCommand(),
			VersionCommand(),
			TrackingCommand(),
			ActivateCommand(),
			DeactivateCommand(),
			ThresholdCommand(),
			SnapshotCommand(),
			DirtyCommand(),
			ExportCommand(),
			MonitorCommand(),
			LocalCommand(),
			ConfigCommand(),
			ShellCommand(),
		},
		Before: setup,
		After:  teardown,
	}
}

// globalFlags returns the global CLI flags. Unset flags fall back to
// the CLI config file and CORESTATE_CLI_* variables.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "CLI config file",
			Value: config.DefaultConfigPath(),
		},
		&cli.StringFlag{
			Name:    "server",
			Aliases: []string{"s"},
			Usage:   "admin API address, host:port or URL (default " + config.DefaultServer + ")",
		},
		&cli.StringFlag{
			Name:  "socket",
			Usage: "local command socket (default " + config.DefaultSocket + ")",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "output format: table, json, yaml",
		},
		&cli.BoolFlag{
			Name:    "wide",
			Aliases: []string{"w"},
			Usage:   "show nested columns in tables",
		},
		&cli.StringFlag{
			Name:  "ca-file",
			Usage: "PEM bundle trusted for https servers",
		},
		&cli.BoolFlag{
			Name:  "insecure",
			Usage: "skip TLS certificate verification",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "request timeout",
		},
	}
}

// setup resolves the config and installs the connection manager. A
// manager already present, as in shell mode, is kept.
func setup(c *cli.Context) error {
	if _, err := output.ParseFormat(c.String("output")); err != nil {
		return err
	}
	if GetConnectionManager(c) != nil {
		return nil
	}

	cfg, err := resolveConfig(c)
	if err != nil {
		return err
	}
	if c.App.Metadata == nil {
		c.App.Metadata = make(map[string]any)
	}
	c.App.Metadata[connMgrKey] = connection.NewManager(cfg)
	return nil
}

func teardown(c *cli.Context) error {
	if shellSession(c) {
		return nil
	}
	if mgr := GetConnectionManager(c); mgr != nil {
		return mgr.Close()
	}
	return nil
}

// resolveConfig layers set flags over the loaded CLI config.
func resolveConfig(c *cli.Context) (*config.CLIConfig, error) {
	overrides := make(map[string]any)
	for flag, key := range flagKeys {
		if c.IsSet(flag) {
			overrides[key] = c.Value(flag)
		}
	}
	if d, ok := overrides["timeout"].(time.Duration); ok {
		overrides["timeout"] = d.String()
	}

	cfg, err := config.LoadWithOverrides(c.String("config"), overrides)
	if err != nil {
		return nil, fmt.Errorf("load CLI config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid CLI config: %w", err)
	}
	return cfg, nil
}

// flagKeys maps global flags to CLI config keys.
var flagKeys = map[string]string{
	"server":   "server",
	"socket":   "socket",
	"output":   "output",
	"ca-file":  "ca_file",
	"insecure": "insecure_skip_verify",
	"timeout":  "timeout",
}

// GetConnectionManager retrieves the connection manager from context.
func GetConnectionManager(c *cli.Context) *connection.Manager {
	if mgr, ok := c.App.Metadata[connMgrKey].(*connection.Manager); ok {
		return mgr
	}
	return nil
}

// EnsureConnected returns the admin API client.
func EnsureConnected(c *cli.Context) (*connection.HTTPClient, error) {
	mgr := GetConnectionManager(c)
	if mgr == nil {
		return nil, fmt.Errorf("connection manager not initialized")
	}
	return mgr.HTTP()
}

// requestContext bounds one request by the configured timeout.
func requestContext(c *cli.Context) (context.Context, context.CancelFunc) {
	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := config.Default().RequestTimeout()
	if mgr := GetConnectionManager(c); mgr != nil {
		timeout = mgr.Config().RequestTimeout()
	}
	return context.WithTimeout(ctx, timeout)
}

// outputFormat is the --output flag of this invocation, else the
// configured default.
func outputFormat(c *cli.Context) output.Format {
	if c.IsSet("output") {
		f, _ := output.ParseFormat(c.String("output"))
		return f
	}
	if mgr := GetConnectionManager(c); mgr != nil {
		if f, err := output.ParseFormat(mgr.Config().Output); err == nil {
			return f
		}
	}
	return output.FormatTable
}

// printResult writes data in the selected output format.
func printResult(c *cli.Context, data any) error {
	return output.NewFormatter(outputFormat(c), c.Bool("wide")).Format(c.App.Writer, data)
}

// printMessage writes a line in table mode only, so JSON and YAML
// output stays machine readable.
func printMessage(c *cli.Context, format string, args ...any) {
	if outputFormat(c) == output.FormatTable {
		fmt.Fprintf(c.App.Writer, format+"\n", args...)
	}
}

// withSpinner runs fn behind a spinner on stderr in table mode.
func withSpinner(c *cli.Context, message string, fn func() error) error {
	if outputFormat(c) != output.FormatTable || c.App.ErrWriter == nil {
		return fn()
	}
	s := output.NewSpinner(c.App.ErrWriter, message)
	s.Start()
	err := fn()
	if err != nil {
		s.Fail(message + " failed")
	} else {
		s.Stop()
	}
	return err
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}
