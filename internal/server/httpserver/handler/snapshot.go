package handler

import (
	"net/http"
	"strconv"

	"github.com/yndnr/corestate-go/internal/core/domain"
)

func (h *Handler) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps := h.svc.ListSnapshots()
	if snaps == nil {
		snaps = []domain.SnapshotInfo{}
	}
	h.writeJSON(w, r, http.StatusOK, ListSnapshotsResponse{Snapshots: snaps, Total: len(snaps)})
}

func (h *Handler) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req CreateSnapshotRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Device == "" {
		h.writeError(w, r, http.StatusBadRequest, domain.ErrInvalidArgument.Code, "device is required")
		return
	}

	info, err := h.svc.CreateSnapshot(r.Context(), req.Device, domain.SnapshotParams{
		ChunkSize:   req.ChunkSize,
		Description: req.Description,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, info)
}

func (h *Handler) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUint(w, r, "id")
	if !ok {
		return
	}
	info, err := h.svc.GetSnapshot(id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, info)
}

func (h *Handler) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUint(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.DeleteSnapshot(r.Context(), id); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]uint64{"deleted": id})
}

func (h *Handler) handleMergeSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUint(w, r, "id")
	if !ok {
		return
	}
	res, err := h.svc.MergeSnapshot(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, res)
}

// handleReadChunk serves one chunk of a snapshot as it was at creation.
func (h *Handler) handleReadChunk(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUint(w, r, "id")
	if !ok {
		return
	}
	chunk, ok := h.pathUint(w, r, "chunk")
	if !ok {
		return
	}
	data, err := h.svc.ReadSnapshot(r.Context(), id, chunk)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handler) handleRunMonitor(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, h.svc.RunMonitor(r.Context()))
}

func (h *Handler) pathUint(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	v, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, domain.ErrInvalidArgument.Code, "invalid "+name+": "+r.PathValue(name))
		return 0, false
	}
	return v, true
}
