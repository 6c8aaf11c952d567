package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/corestate-go/internal/cli/repl"
	"github.com/yndnr/corestate-go/internal/infra/buildinfo"
)

const shellKey = "shell"

// ShellCommand returns the interactive shell command.
func ShellCommand() *cli.Command {
	return &cli.Command{
		Name:  "shell",
		Usage: "Start an interactive session",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "history",
				Usage: "history file",
				Value: repl.DefaultHistoryFile(),
			},
			&cli.BoolFlag{
				Name:  "no-history",
				Usage: "do not read or write the history file",
			},
		},
		Action: shellAction,
	}
}

func shellSession(c *cli.Context) bool {
	on, _ := c.App.Metadata[shellKey].(bool)
	return on
}

func shellAction(c *cli.Context) error {
	if shellSession(c) {
		return errors.New("already in a shell")
	}
	mgr := GetConnectionManager(c)
	if mgr == nil {
		return fmt.Errorf("connection manager not initialized")
	}

	// Each line runs on a fresh App sharing this process's connections.
	// Connection flags are fixed for the session; -o and -w may lead a line.
	exec := func(ctx context.Context, args []string) error {
		app := App()
		app.Reader = c.App.Reader
		app.Writer = c.App.Writer
		app.ErrWriter = c.App.ErrWriter
		app.HideVersion = true
		app.ExitErrHandler = func(*cli.Context, error) {}
		app.Metadata = map[string]any{connMgrKey: mgr, shellKey: true}
		return app.RunContext(ctx, append([]string{app.Name}, args...))
	}

	history := repl.NewHistory(c.String("history"))
	if c.Bool("no-history") {
		history = repl.NewHistory("")
	}
	shell := repl.New(exec, repl.NewCompleter(commandPaths("", c.App.Commands)),
		repl.WithIO(c.App.Reader, c.App.Writer),
		repl.WithHistory(history),
	)

	fmt.Fprintf(c.App.Writer, "corestate-cli %s connected to %s\n", buildinfo.Get().Version, mgr.Config().Server)
	fmt.Fprintln(c.App.Writer, "Type 'help' for commands, a prefix followed by '?' to complete, 'exit' to leave.")

	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return shell.Run(ctx)
}

// commandPaths lists "group sub" paths for completion.
func commandPaths(prefix string, cmds []*cli.Command) []string {
	var paths []string
	for _, cmd := range cmds {
		if cmd.Hidden || cmd.Name == "shell" {
			continue
		}
		path := prefix + cmd.Name
		paths = append(paths, path)
		paths = append(paths, commandPaths(path+" ", cmd.Subcommands)...)
	}
	return paths
}
