package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/yndnr/corestate-go/internal/core/domain"
)

// handleQueryDirty handles GET /admin/v1/dirty?since=<RFC3339>&limit=<n>.
func (h *Handler) handleQueryDirty(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var since time.Time
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, domain.ErrInvalidArgument.Code, "since must be RFC 3339")
			return
		}
		since = t
	}

	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(w, r, http.StatusBadRequest, domain.ErrInvalidArgument.Code, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records := h.svc.QueryDirty(since, limit)
	if records == nil {
		records = []domain.BlockChangeRecord{}
	}
	h.writeJSON(w, r, http.StatusOK, DirtyResponse{Records: records, Count: len(records)})
}

// handleAcknowledge handles POST /admin/v1/dirty/ack.
func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req AcknowledgeRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	n := h.svc.Acknowledge(req.Records)
	h.writeJSON(w, r, http.StatusOK, AcknowledgeResponse{Acknowledged: n, Stale: len(req.Records) - n})
}
