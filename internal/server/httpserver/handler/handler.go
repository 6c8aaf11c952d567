package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yndnr/corestate-go/internal/core/domain"
	"github.com/yndnr/corestate-go/internal/core/service"
	"github.com/yndnr/corestate-go/internal/storage/cow"
	"github.com/yndnr/corestate-go/internal/storage/snapshot"
	"github.com/yndnr/corestate-go/internal/telemetry/logger"
)

// Service is the part of service.Service the API drives.
type Service interface {
	Status() service.Status

	EnableTracking()
	DisableTracking()
	EnableSnapshots()
	DisableSnapshots()
	Activate()
	Deactivate()
	SetThreshold(n int64)

	CreateSnapshot(ctx context.Context, device string, params domain.SnapshotParams) (domain.SnapshotInfo, error)
	DeleteSnapshot(ctx context.Context, id uint64) error
	GetSnapshot(id uint64) (domain.SnapshotInfo, error)
	ListSnapshots() []domain.SnapshotInfo
	MergeSnapshot(ctx context.Context, id uint64) (cow.MergeResult, error)
	ReadSnapshot(ctx context.Context, id, chunk uint64) ([]byte, error)
	RunMonitor(ctx context.Context) snapshot.ScanResult

	QueryDirty(since time.Time, limit int) []domain.BlockChangeRecord
	Acknowledge(records []domain.BlockChangeRecord) int
	Export(ctx context.Context) (*service.ExportResult, error)
}

var _ Service = (*service.Service)(nil)

// Config configures a Handler.
type Config struct {
	Service Service

	// Metrics serves GET /metrics when set.
	Metrics http.Handler

	Logger *slog.Logger
}

// Handler routes admin API requests.
type Handler struct {
	svc    Service
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates a Handler.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Handler{
		svc:    cfg.Service,
		logger: cfg.Logger,
		mux:    http.NewServeMux(),
	}
	h.registerRoutes(cfg.Metrics)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes(metrics http.Handler) {
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /ready", h.handleReady)
	if metrics != nil {
		h.mux.Handle("GET /metrics", metrics)
	}

	h.mux.HandleFunc("GET /admin/v1/status", h.handleStatus)
	h.mux.HandleFunc("GET /admin/v1/version", h.handleVersion)

	h.mux.HandleFunc("POST /admin/v1/tracking/{action}", h.handleTrackingSwitch)
	h.mux.HandleFunc("POST /admin/v1/snapshots/{action}", h.handleSnapshotSwitch)
	h.mux.HandleFunc("POST /admin/v1/activate", h.handleActivate)
	h.mux.HandleFunc("POST /admin/v1/deactivate", h.handleDeactivate)
	h.mux.HandleFunc("POST /admin/v1/trigger/threshold", h.handleSetThreshold)

	h.mux.HandleFunc("GET /admin/v1/snapshots", h.handleListSnapshots)
	h.mux.HandleFunc("POST /admin/v1/snapshots", h.handleCreateSnapshot)
	h.mux.HandleFunc("GET /admin/v1/snapshots/{id}", h.handleGetSnapshot)
	h.mux.HandleFunc("POST /admin/v1/snapshots/{id}/delete", h.handleDeleteSnapshot)
	h.mux.HandleFunc("POST /admin/v1/snapshots/{id}/merge", h.handleMergeSnapshot)
	h.mux.HandleFunc("GET /admin/v1/snapshots/{id}/chunks/{chunk}", h.handleReadChunk)
	h.mux.HandleFunc("POST /admin/v1/monitor/run", h.handleRunMonitor)

	h.mux.HandleFunc("GET /admin/v1/dirty", h.handleQueryDirty)
	h.mux.HandleFunc("POST /admin/v1/dirty/ack", h.handleAcknowledge)
	h.mux.HandleFunc("POST /admin/v1/export", h.handleExport)
}

// writeJSON writes data inside the success envelope.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	requestID := logger.RequestIDFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(NewResponse(requestID, data)); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError writes an error envelope.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID := logger.RequestIDFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", code)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(NewErrorResponse(requestID, code, message))
}

// handleServiceError converts service errors to HTTP responses.
func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if code := domain.GetErrorCode(err); code != "" {
		h.writeError(w, r, ErrorCodeToHTTPStatus(code), code, err.Error())
		return
	}
	if r.Context().Err() != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "CS-SYS-5030", "request cancelled")
		return
	}

	logger.L(r.Context()).Error("internal error", "path", r.URL.Path, "error", err)
	h.writeError(w, r, http.StatusInternalServerError, domain.ErrInternal.Code, "internal server error")
}

// ErrorCodeToHTTPStatus maps a domain error code to an HTTP status.
func ErrorCodeToHTTPStatus(code string) int {
	switch {
	case strings.HasSuffix(code, "-4040"):
		return http.StatusNotFound
	case strings.HasSuffix(code, "-4090"):
		return http.StatusConflict
	case strings.HasSuffix(code, "-4100"):
		return http.StatusGone
	case strings.HasSuffix(code, "-4030"):
		return http.StatusForbidden
	case strings.HasSuffix(code, "-4290"):
		return http.StatusTooManyRequests
	case strings.HasSuffix(code, "-4000"), strings.HasPrefix(code, "CS-ARG-"):
		return http.StatusBadRequest
	case strings.HasSuffix(code, "-5070"):
		return http.StatusInsufficientStorage
	case strings.HasSuffix(code, "-5020"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON request body into v, writing a 400 on failure.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, r, http.StatusBadRequest, domain.ErrInvalidArgument.Code, "invalid request body: "+err.Error())
		return false
	}
	return true
}

const maxBodyBytes = 4 << 20
