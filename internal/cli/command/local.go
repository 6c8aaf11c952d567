package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
)

// LocalCommand returns the local command, which talks to the server
// over its unix socket instead of HTTP.
func LocalCommand() *cli.Command {
	return &cli.Command{
		Name:      "local",
		Usage:     "Send a command over the local socket (try 'local help')",
		ArgsUsage: "COMMAND [ARGS...]",
		Action:    localAction,
	}
}

func localAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("usage: local COMMAND [ARGS...]")
	}
	mgr := GetConnectionManager(c)
	if mgr == nil {
		return fmt.Errorf("connection manager not initialized")
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	payload, err := mgr.Socket().Execute(ctx, strings.Join(c.Args().Slice(), " "))
	if err != nil {
		return err
	}
	return printResult(c, decodePayload(payload))
}

// decodePayload returns JSON payloads decoded, anything else as text.
func decodePayload(payload string) any {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return "OK"
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return payload
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return payload
	}
	return v
}
