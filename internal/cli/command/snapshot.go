package command

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/corestate-go/internal/cli/output"
	"github.com/yndnr/corestate-go/internal/core/domain"
)

// SnapshotCommand returns the snapshot subcommand group.
func SnapshotCommand() *cli.Command {
	return &cli.Command{
		Name:    "snapshot",
		Aliases: []string{"snap"},
		Usage:   "Manage copy-on-write snapshots",
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List snapshots",
				Action:  snapshotList,
			},
			{
				Name:      "get",
				Usage:     "Show one snapshot",
				ArgsUsage: "ID",
				Action:    snapshotGet,
			},
			{
				Name:      "create",
				Usage:     "Create a snapshot of a device",
				ArgsUsage: "DEVICE",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:  "chunk-size",
						Usage: "COW granularity in bytes (server default when 0)",
					},
					&cli.StringFlag{
						Name:    "description",
						Aliases: []string{"d"},
						Usage:   "free-form label",
					},
				},
				Action: snapshotCreate,
			},
			{
				Name:      "delete",
				Aliases:   []string{"rm"},
				Usage:     "Delete a snapshot and release its COW slots",
				ArgsUsage: "ID",
				Action:    snapshotDelete,
			},
			{
				Name:      "merge",
				Usage:     "Fold a snapshot's COW data into the backup stream",
				ArgsUsage: "ID",
				Action:    snapshotMerge,
			},
			{
				Name:      "read",
				Usage:     "Read one chunk as of snapshot creation",
				ArgsUsage: "ID CHUNK",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "out",
						Usage: "write to file instead of stdout",
					},
				},
				Action: snapshotRead,
			},
			{
				Name:      "dump",
				Usage:     "Write the whole point-in-time image to a file",
				ArgsUsage: "ID",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "out",
						Usage:    "destination file",
						Required: true,
					},
				},
				Action: snapshotDump,
			},
			{
				Name:   "enable",
				Usage:  "Allow snapshot creation and COW",
				Action: switchAction("/admin/v1/snapshots/enable"),
			},
			{
				Name:   "disable",
				Usage:  "Stop snapshot creation and COW",
				Action: switchAction("/admin/v1/snapshots/disable"),
			},
		},
	}
}

// uintArg parses positional argument i as a non-negative integer.
func uintArg(c *cli.Context, i int, name string) (uint64, error) {
	s := c.Args().Get(i)
	if s == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return n, nil
}

func snapshotList(c *cli.Context) error {
	client, err := EnsureConnected(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	var list snapshotListView
	if err := client.GetJSON(ctx, "/admin/v1/snapshots", &list); err != nil {
		return err
	}
	if outputFormat(c) != output.FormatTable {
		return printResult(c, list)
	}
	if list.Total == 0 {
		printMessage(c, "No snapshots.")
		return nil
	}
	return printResult(c, list.Snapshots)
}

func snapshotGet(c *cli.Context) error {
	id, err := uintArg(c, 0, "ID")
	if err != nil {
		return err
	}
	client, err := EnsureConnected(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	var info domain.SnapshotInfo
	if err := client.GetJSON(ctx, fmt.Sprintf("/admin/v1/snapshots/%d", id), &info); err != nil {
		return err
	}
	return printResult(c, info)
}

func snapshotCreate(c *cli.Context) error {
	device := c.Args().First()
	if device == "" {
		return fmt.Errorf("DEVICE is required")
	}
	chunkSize := c.Uint("chunk-size")
	if uint64(chunkSize) > uint64(^uint32(0)) {
		return fmt.Errorf("chunk-size %d is too large", chunkSize)
	}

	client, err := EnsureConnected(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	req := createSnapshotRequest{
		Device:      device,
		ChunkSize:   uint32(chunkSize),
		Description: c.String("description"),
	}
	var info domain.SnapshotInfo
	if err := client.PostJSON(ctx, "/admin/v1/snapshots", req, &info); err != nil {
		return err
	}
	printMessage(c, "Created snapshot %d of %s.", info.ID, info.OriginDevice)
	return printResult(c, info)
}

func snapshotDelete(c *cli.Context) error {
	id, err := uintArg(c, 0, "ID")
	if err != nil {
		return err
	}
	client, err := EnsureConnected(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	var res map[string]uint64
	if err := client.PostJSON(ctx, fmt.Sprintf("/admin/v1/snapshots/%d/delete", id), nil, &res); err != nil {
		return err
	}
	if outputFormat(c) == output.FormatTable {
		printMessage(c, "Deleted snapshot %d.", id)
		return nil
	}
	return printResult(c, res)
}

func snapshotMerge(c *cli.Context) error {
	id, err := uintArg(c, 0, "ID")
	if err != nil {
		return err
	}
	client, err := EnsureConnected(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	var res mergeView
	err = withSpinner(c, fmt.Sprintf("merging snapshot %d", id), func() error {
		return client.PostJSON(ctx, fmt.Sprintf("/admin/v1/snapshots/%d/merge", id), nil, &res)
	})
	if err != nil {
		return err
	}
	return printResult(c, res)
}

func snapshotRead(c *cli.Context) error {
	id, err := uintArg(c, 0, "ID")
	if err != nil {
		return err
	}
	chunk, err := uintArg(c, 1, "CHUNK")
	if err != nil {
		return err
	}
	client, err := EnsureConnected(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	data, err := client.GetBytes(ctx, fmt.Sprintf("/admin/v1/snapshots/%d/chunks/%d", id, chunk))
	if err != nil {
		return err
	}

	if path := c.String("out"); path != "" {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		printMessage(c, "Wrote %s to %s.", output.FormatBytes(int64(len(data))), path)
		return nil
	}
	_, err = c.App.Writer.Write(data)
	return err
}

// snapshotDump reads every chunk in order. Each request gets its own
// timeout so large images are not cut off.
func snapshotDump(c *cli.Context) error {
	id, err := uintArg(c, 0, "ID")
	if err != nil {
		return err
	}
	client, err := EnsureConnected(c)
	if err != nil {
		return err
	}

	ctx, cancel := requestContext(c)
	var info domain.SnapshotInfo
	err = client.GetJSON(ctx, fmt.Sprintf("/admin/v1/snapshots/%d", id), &info)
	cancel()
	if err != nil {
		return err
	}
	if info.ChunkSize == 0 {
		return fmt.Errorf("snapshot %d reports a zero chunk size", id)
	}

	path := c.String("out")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	progressOut := io.Discard
	if outputFormat(c) == output.FormatTable && c.App.ErrWriter != nil {
		progressOut = c.App.ErrWriter
	}
	bar := output.NewProgressBar(progressOut, fmt.Sprintf("snapshot %d", id), int64(info.SizeBytes))

	chunks := (info.SizeBytes + uint64(info.ChunkSize) - 1) / uint64(info.ChunkSize)
	for i := uint64(0); i < chunks; i++ {
		ctx, cancel := requestContext(c)
		data, err := client.GetBytes(ctx, fmt.Sprintf("/admin/v1/snapshots/%d/chunks/%d", id, i))
		cancel()
		if err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		bar.Add(int64(len(data)))
	}
	bar.Finish()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}

	return printResult(c, map[string]any{
		"snapshot": id,
		"file":     path,
		"chunks":   chunks,
		"bytes":    bar.Current(),
	})
}
