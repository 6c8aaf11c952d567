package handler

import (
	"net/http"

	"github.com/yndnr/corestate-go/internal/core/domain"
)

// handleStatus handles GET /admin/v1/status.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, h.svc.Status())
}

// handleTrackingSwitch handles POST /admin/v1/tracking/{enable|disable}.
func (h *Handler) handleTrackingSwitch(w http.ResponseWriter, r *http.Request) {
	switch r.PathValue("action") {
	case "enable":
		h.svc.EnableTracking()
	case "disable":
		h.svc.DisableTracking()
	default:
		h.writeError(w, r, http.StatusNotFound, "CS-SYS-4040", "unknown action")
		return
	}
	h.writeSwitches(w, r)
}

// handleSnapshotSwitch handles POST /admin/v1/snapshots/{enable|disable}.
func (h *Handler) handleSnapshotSwitch(w http.ResponseWriter, r *http.Request) {
	switch r.PathValue("action") {
	case "enable":
		h.svc.EnableSnapshots()
	case "disable":
		h.svc.DisableSnapshots()
	default:
		h.writeError(w, r, http.StatusNotFound, "CS-SYS-4040", "unknown action")
		return
	}
	h.writeSwitches(w, r)
}

func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	h.svc.Activate()
	h.writeSwitches(w, r)
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	h.svc.Deactivate()
	h.writeSwitches(w, r)
}

func (h *Handler) writeSwitches(w http.ResponseWriter, r *http.Request) {
	st := h.svc.Status()
	h.writeJSON(w, r, http.StatusOK, SwitchResponse{
		TrackingEnabled:  st.TrackingEnabled,
		SnapshotsEnabled: st.SnapshotsEnabled,
	})
}

// handleSetThreshold handles POST /admin/v1/trigger/threshold.
func (h *Handler) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	var req SetThresholdRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Threshold < 1 {
		h.writeError(w, r, http.StatusBadRequest, domain.ErrInvalidArgument.Code, "threshold must be at least 1")
		return
	}
	h.svc.SetThreshold(req.Threshold)
	h.writeJSON(w, r, http.StatusOK, h.svc.Status().Trigger)
}

// handleExport handles POST /admin/v1/export.
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Export(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, res)
}
