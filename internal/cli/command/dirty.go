package command

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/corestate-go/internal/cli/output"
	"github.com/yndnr/corestate-go/internal/core/domain"
)

// DirtyCommand returns the dirty subcommand group.
func DirtyCommand() *cli.Command {
	return &cli.Command{
		Name:  "dirty",
		Usage: "Query and acknowledge changed blocks",
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List dirty blocks",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "since",
						Usage: "only blocks modified after an RFC 3339 time or a duration ago (e.g. 1h)",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "maximum records (0 for all)",
					},
				},
				Action: dirtyListAction,
			},
			{
				Name:  "ack",
				Usage: "Acknowledge records saved by 'dirty list -o json'",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "file",
						Aliases:  []string{"f"},
						Usage:    "records file, or - for stdin",
						Required: true,
					},
				},
				Action: dirtyAckAction,
			},
		},
	}
}

// parseSince accepts an RFC 3339 time or a duration before now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("since %q is neither an RFC 3339 time nor a duration", s)
	}
	return now.Add(-d), nil
}

func dirtyListAction(c *cli.Context) error {
	since, err := parseSince(c.String("since"), time.Now())
	if err != nil {
		return err
	}
	if c.Int("limit") < 0 {
		return fmt.Errorf("limit must not be negative")
	}

	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if n := c.Int("limit"); n > 0 {
		q.Set("limit", strconv.Itoa(n))
	}
	path := "/admin/v1/dirty"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	client, err := EnsureConnected(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	var res dirtyView
	if err := client.GetJSON(ctx, path, &res); err != nil {
		return err
	}
	if outputFormat(c) != output.FormatTable {
		return printResult(c, res)
	}
	if res.Count == 0 {
		printMessage(c, "No dirty blocks.")
		return nil
	}
	return printResult(c, res.Records)
}

// readRecords accepts the 'dirty list' JSON object or a bare array.
func readRecords(r io.Reader) ([]domain.BlockChangeRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var wrapped dirtyView
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Records != nil {
		return wrapped.Records, nil
	}
	var records []domain.BlockChangeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse records: %w", err)
	}
	return records, nil
}

func dirtyAckAction(c *cli.Context) error {
	var in io.Reader
	switch path := c.String("file"); path {
	case "-":
		in = c.App.Reader
	default:
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	records, err := readRecords(in)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		printMessage(c, "No records to acknowledge.")
		return nil
	}

	client, err := EnsureConnected(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	var res ackView
	if err := client.PostJSON(ctx, "/admin/v1/dirty/ack", map[string]any{"records": records}, &res); err != nil {
		return err
	}
	if res.Stale > 0 {
		printMessage(c, "%d records changed since they were listed and stay dirty.", res.Stale)
	}
	return printResult(c, res)
}
