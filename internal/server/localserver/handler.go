package localserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/yndnr/corestate-go/internal/core/domain"
	"github.com/yndnr/corestate-go/internal/core/service"
	"github.com/yndnr/corestate-go/internal/storage/cow"
)

// Service is the part of service.Service reachable over the socket.
type Service interface {
	Status() service.Status
	EnableTracking()
	DisableTracking()
	EnableSnapshots()
	DisableSnapshots()
	Activate()
	Deactivate()
	CreateSnapshot(ctx context.Context, device string, params domain.SnapshotParams) (domain.SnapshotInfo, error)
	DeleteSnapshot(ctx context.Context, id uint64) error
	MergeSnapshot(ctx context.Context, id uint64) (cow.MergeResult, error)
	ListSnapshots() []domain.SnapshotInfo
	Export(ctx context.Context) (*service.ExportResult, error)
}

var _ Service = (*service.Service)(nil)

// errQuit ends the session after the reply is written.
var errQuit = errors.New("quit")

type command struct {
	args  int
	usage string
	run   func(ctx context.Context, args []string) (any, error)
}

// Handler executes local management commands.
type Handler struct {
	svc      Service
	commands map[string]command
}

// NewHandler creates a Handler.
func NewHandler(svc Service) *Handler {
	h := &Handler{svc: svc}
	switchCmd := func(fn func()) command {
		return command{run: func(context.Context, []string) (any, error) {
			fn()
			st := h.svc.Status()
			return map[string]bool{
				"tracking_enabled":  st.TrackingEnabled,
				"snapshots_enabled": st.SnapshotsEnabled,
			}, nil
		}}
	}
	h.commands = map[string]command{
		"enable_tracking":   switchCmd(svc.EnableTracking),
		"disable_tracking":  switchCmd(svc.DisableTracking),
		"enable_snapshots":  switchCmd(svc.EnableSnapshots),
		"disable_snapshots": switchCmd(svc.DisableSnapshots),
		"activate":          switchCmd(svc.Activate),
		"deactivate":        switchCmd(svc.Deactivate),
		"create_snapshot":   {args: 1, usage: "create_snapshot <device>", run: h.createSnapshot},
		"delete_snapshot":   {args: 1, usage: "delete_snapshot <id>", run: h.deleteSnapshot},
		"merge_snapshot":    {args: 1, usage: "merge_snapshot <id>", run: h.mergeSnapshot},
		"snapshots": {run: func(context.Context, []string) (any, error) {
			return h.svc.ListSnapshots(), nil
		}},
		"status": {run: func(context.Context, []string) (any, error) {
			return h.svc.Status(), nil
		}},
		"export": {run: func(ctx context.Context, _ []string) (any, error) {
			return h.svc.Export(ctx)
		}},
		"help": {run: func(context.Context, []string) (any, error) {
			return h.Commands(), nil
		}},
		"quit": {run: func(context.Context, []string) (any, error) {
			return "bye", errQuit
		}},
	}
	return h
}

// Commands returns the sorted command names.
func (h *Handler) Commands() []string {
	names := make([]string, 0, len(h.commands))
	for name := range h.commands {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Execute runs one command line and writes the reply line to w. It
// returns errQuit when the client asked to end the session.
func (h *Handler) Execute(ctx context.Context, w io.Writer, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name, args := strings.ToLower(fields[0]), fields[1:]

	cmd, ok := h.commands[name]
	if !ok {
		return writeErr(w, domain.ErrInvalidArgument.Code, "unknown command: "+name)
	}
	if len(args) != cmd.args {
		usage := cmd.usage
		if usage == "" {
			usage = name
		}
		return writeErr(w, domain.ErrInvalidArgument.Code, "usage: "+usage)
	}

	result, err := cmd.run(ctx, args)
	if err != nil && err != errQuit {
		code := domain.GetErrorCode(err)
		if code == "" {
			code = domain.ErrInternal.Code
		}
		return writeErr(w, code, err.Error())
	}
	if werr := writeOK(w, result); werr != nil {
		return werr
	}
	return err
}

func (h *Handler) createSnapshot(ctx context.Context, args []string) (any, error) {
	return h.svc.CreateSnapshot(ctx, args[0], domain.SnapshotParams{Description: "local"})
}

func (h *Handler) deleteSnapshot(ctx context.Context, args []string) (any, error) {
	id, err := parseID(args[0])
	if err != nil {
		return nil, err
	}
	if err := h.svc.DeleteSnapshot(ctx, id); err != nil {
		return nil, err
	}
	return map[string]uint64{"deleted": id}, nil
}

func (h *Handler) mergeSnapshot(ctx context.Context, args []string) (any, error) {
	id, err := parseID(args[0])
	if err != nil {
		return nil, err
	}
	return h.svc.MergeSnapshot(ctx, id)
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, domain.ErrInvalidArgument.WithDetailsf("snapshot id %q", s)
	}
	return id, nil
}

func writeOK(w io.Writer, v any) error {
	if s, ok := v.(string); ok {
		_, err := fmt.Fprintf(w, "OK %s\n", s)
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return writeErr(w, domain.ErrInternal.Code, "encode reply: "+err.Error())
	}
	_, err = fmt.Fprintf(w, "OK %s\n", data)
	return err
}

func writeErr(w io.Writer, code, msg string) error {
	msg = strings.ReplaceAll(msg, "\n", " ")
	_, err := fmt.Fprintf(w, "ERR %s %s\n", code, msg)
	return err
}
