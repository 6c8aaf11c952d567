package handler

import (
	"time"

	"github.com/yndnr/corestate-go/internal/core/domain"
)

// Response is the standard API response envelope. /metrics and chunk
// reads are the only responses without it.
type Response struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// NewResponse creates a success response.
func NewResponse(requestID string, data any) *Response {
	return &Response{
		Code:      "OK",
		Message:   "Success",
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(requestID, code, message string) *Response {
	return &Response{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// CreateSnapshotRequest is the body of POST /admin/v1/snapshots.
type CreateSnapshotRequest struct {
	Device      string `json:"device"`
	ChunkSize   uint32 `json:"chunk_size,omitempty"`
	Description string `json:"description,omitempty"`
}

// ListSnapshotsResponse is the body of GET /admin/v1/snapshots.
type ListSnapshotsResponse struct {
	Snapshots []domain.SnapshotInfo `json:"snapshots"`
	Total     int                   `json:"total"`
}

// SwitchResponse reports a feature switch after a change.
type SwitchResponse struct {
	TrackingEnabled  bool `json:"tracking_enabled"`
	SnapshotsEnabled bool `json:"snapshots_enabled"`
}

// SetThresholdRequest is the body of POST /admin/v1/trigger/threshold.
type SetThresholdRequest struct {
	Threshold int64 `json:"threshold"`
}

// DirtyResponse is the body of GET /admin/v1/dirty.
type DirtyResponse struct {
	Records []domain.BlockChangeRecord `json:"records"`
	Count   int                        `json:"count"`
}

// AcknowledgeRequest is the body of POST /admin/v1/dirty/ack. Records
// should be sent back exactly as returned by GET /admin/v1/dirty.
type AcknowledgeRequest struct {
	Records []domain.BlockChangeRecord `json:"records"`
}

// AcknowledgeResponse reports how many records were cleared.
type AcknowledgeResponse struct {
	Acknowledged int `json:"acknowledged"`
	Stale        int `json:"stale"`
}
