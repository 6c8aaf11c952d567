package handler

import (
	"net/http"
	"time"

	"github.com/yndnr/corestate-go/internal/infra/buildinfo"
)

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports ready once the service answers a status query.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	st := h.svc.Status()
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"status":  "ready",
		"active":  st.Active,
		"devices": len(st.Devices),
	})
}

func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, buildinfo.Get())
}
