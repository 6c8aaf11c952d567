package command

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/corestate-go/internal/cli/output"
	"github.com/yndnr/corestate-go/internal/infra/buildinfo"
)

// StatusCommand returns the status command.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show tracking, snapshot and export status",
		Action: statusAction,
	}
}

func statusAction(c *cli.Context) error {
	client, err := EnsureConnected(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	var st statusView
	if err := client.GetJSON(ctx, "/admin/v1/status", &st); err != nil {
		return err
	}
	return printResult(c, st)
}

// HealthCommand returns the health command.
func HealthCommand() *cli.Command {
	return &cli.Command{
		Name:   "health",
		Usage:  "Check that the server is up and ready",
		Action: healthAction,
	}
}

func healthAction(c *cli.Context) error {
	client, err := EnsureConnected(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	var health map[string]string
	if err := client.GetJSON(ctx, "/health", &health); err != nil {
		return fmt.Errorf("server unhealthy: %w", err)
	}
	var ready struct {
		Status  string `json:"status"`
		Active  bool   `json:"active"`
		Devices int    `json:"devices"`
	}
	if err := client.GetJSON(ctx, "/ready", &ready); err != nil {
		return fmt.Errorf("server not ready: %w", err)
	}

	if outputFormat(c) != output.FormatTable {
		return printResult(c, map[string]any{
			"server":  client.BaseURL(),
			"health":  health["status"],
			"ready":   ready.Status,
			"active":  ready.Active,
			"devices": ready.Devices,
		})
	}
	fmt.Fprintf(c.App.Writer, "✓ %s is %s\n", client.BaseURL(), health["status"])
	fmt.Fprintf(c.App.Writer, "  %s, active=%t, devices=%d\n", ready.Status, ready.Active, ready.Devices)
	return nil
}

// VersionCommand returns the version command.
func VersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show client and server versions",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "client", Usage: "client version only"},
		},
		Action: versionAction,
	}
}

func versionAction(c *cli.Context) error {
	info := buildinfo.Get()
	views := []versionView{{
		Component: "client",
		Version:   info.Version,
		Commit:    info.Commit,
		BuildTime: info.BuildTime,
		GoVersion: info.GoVersion,
	}}

	if !c.Bool("client") {
		client, err := EnsureConnected(c)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(c)
		defer cancel()

		var srv versionView
		if err := client.GetJSON(ctx, "/admin/v1/version", &srv); err != nil {
			return err
		}
		srv.Component = "server"
		views = append(views, srv)
	}
	return printResult(c, views)
}
