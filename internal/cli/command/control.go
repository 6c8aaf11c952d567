package command

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"
)

// TrackingCommand returns the tracking subcommand group.
func TrackingCommand() *cli.Command {
	return &cli.Command{
		Name:  "tracking",
		Usage: "Turn block change tracking on or off",
		Subcommands: []*cli.Command{
			{
				Name:   "enable",
				Usage:  "Start recording block changes",
				Action: switchAction("/admin/v1/tracking/enable"),
			},
			{
				Name:   "disable",
				Usage:  "Stop recording block changes",
				Action: switchAction("/admin/v1/tracking/disable"),
			},
		},
	}
}

// ActivateCommand returns the activate command.
func ActivateCommand() *cli.Command {
	return &cli.Command{
		Name:   "activate",
		Usage:  "Enable tracking and snapshots together",
		Action: switchAction("/admin/v1/activate"),
	}
}

// DeactivateCommand returns the deactivate command.
func DeactivateCommand() *cli.Command {
	return &cli.Command{
		Name:   "deactivate",
		Usage:  "Disable tracking and snapshots together",
		Action: switchAction("/admin/v1/deactivate"),
	}
}

func switchAction(path string) cli.ActionFunc {
	return func(c *cli.Context) error {
		client, err := EnsureConnected(c)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(c)
		defer cancel()

		var sw switchView
		if err := client.PostJSON(ctx, path, nil, &sw); err != nil {
			return err
		}
		return printResult(c, sw)
	}
}

// ThresholdCommand returns the threshold command.
func ThresholdCommand() *cli.Command {
	return &cli.Command{
		Name:      "threshold",
		Usage:     "Set how many newly dirty blocks trigger an export",
		ArgsUsage: "COUNT",
		Action:    thresholdAction,
	}
}

func thresholdAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: threshold COUNT")
	}
	n, err := strconv.ParseInt(c.Args().First(), 10, 64)
	if err != nil || n < 1 {
		return fmt.Errorf("threshold must be a positive integer, got %q", c.Args().First())
	}

	client, err := EnsureConnected(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	var tv triggerView
	if err := client.PostJSON(ctx, "/admin/v1/trigger/threshold", map[string]int64{"threshold": n}, &tv); err != nil {
		return err
	}
	return printResult(c, tv)
}

// ExportCommand returns the export command.
func ExportCommand() *cli.Command {
	return &cli.Command{
		Name:   "export",
		Usage:  "Archive dirty blocks now and acknowledge them",
		Action: exportAction,
	}
}

func exportAction(c *cli.Context) error {
	client, err := EnsureConnected(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	var res exportView
	err = withSpinner(c, "exporting dirty blocks", func() error {
		return client.PostJSON(ctx, "/admin/v1/export", nil, &res)
	})
	if err != nil {
		return err
	}
	if res.ArchiveID == "" {
		printMessage(c, "Nothing to export.")
	}
	return printResult(c, res)
}

// MonitorCommand returns the monitor subcommand group.
func MonitorCommand() *cli.Command {
	return &cli.Command{
		Name:  "monitor",
		Usage: "Snapshot space monitor",
		Subcommands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Scan snapshots now and merge those over the threshold",
				Action: monitorRunAction,
			},
		},
	}
}

func monitorRunAction(c *cli.Context) error {
	client, err := EnsureConnected(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	var res scanView
	err = withSpinner(c, "scanning snapshots", func() error {
		return client.PostJSON(ctx, "/admin/v1/monitor/run", nil, &res)
	})
	if err != nil {
		return err
	}
	return printResult(c, res)
}
