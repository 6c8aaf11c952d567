package command

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/corestate-go/internal/cli/config"
	"github.com/yndnr/corestate-go/internal/cli/output"
	"github.com/yndnr/corestate-go/internal/infra/confloader"
	srvconfig "github.com/yndnr/corestate-go/internal/server/config"
)

// ConfigCommand returns the config subcommand group.
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "CLI and server configuration",
		Subcommands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "Show the effective CLI configuration",
				Action: configShow,
			},
			{
				Name:   "save",
				Usage:  "Write the effective CLI configuration to --config",
				Action: configSave,
			},
			{
				Name:      "check",
				Usage:     "Validate a corestate-server config file",
				ArgsUsage: "FILE",
				Action:    configCheck,
			},
		},
	}
}

func configShow(c *cli.Context) error {
	mgr := GetConnectionManager(c)
	if mgr == nil {
		return fmt.Errorf("connection manager not initialized")
	}
	return printResult(c, mgr.Config())
}

func configSave(c *cli.Context) error {
	mgr := GetConnectionManager(c)
	if mgr == nil {
		return fmt.Errorf("connection manager not initialized")
	}
	path := c.String("config")
	if path == "" {
		path = config.DefaultConfigPath()
	}
	if err := config.Save(mgr.Config(), path); err != nil {
		return err
	}
	printMessage(c, "Saved %s.", path)
	return nil
}

// configCheck loads FILE over the server defaults, without the
// environment, and runs the server's own validation.
func configCheck(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return fmt.Errorf("usage: config check FILE")
	}

	loader := confloader.NewLoader(confloader.WithKnownKeys(srvconfig.Keys()...))
	if err := loader.LoadFile(path); err != nil {
		return err
	}
	cfg := srvconfig.Default()
	if err := loader.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if err := srvconfig.Verify(cfg); err != nil {
		return fmt.Errorf("%s is invalid:\n%w", path, err)
	}

	if outputFormat(c) == output.FormatTable {
		fmt.Fprintf(c.App.Writer, "✓ %s is valid (%d devices)\n", path, len(cfg.Devices))
		return nil
	}
	return printResult(c, map[string]any{"file": path, "valid": true, "devices": len(cfg.Devices)})
}
