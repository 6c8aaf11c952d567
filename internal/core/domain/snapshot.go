package domain

import "time"

// Integrity describes whether every overwritten chunk of a snapshot was
// preserved before the origin changed.
type Integrity string

const (
	IntegrityOK       Integrity = "ok"
	IntegrityDegraded Integrity = "degraded"
)

// SnapshotParams configures a new snapshot.
type SnapshotParams struct {
	// ChunkSize is the COW granularity in bytes. Zero means the registry default.
	ChunkSize uint32 `json:"chunk_size"`

	// Description is free text shown in listings.
	Description string `json:"description,omitempty"`
}

// SnapshotInfo is a point-in-time copy of a snapshot's state.
type SnapshotInfo struct {
	ID           uint64    `json:"id"`
	OriginDevice string    `json:"origin_device"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ChunkSize    uint32    `json:"chunk_size"`
	SizeBytes    uint64    `json:"size_bytes"`
	Active       bool      `json:"active"`
	WriteCounter uint64    `json:"write_counter"`

	// MappedChunks is the number of live chunk mappings.
	MappedChunks int `json:"mapped_chunks"`

	// UsageBytes is MappedChunks × ChunkSize.
	UsageBytes uint64 `json:"usage_bytes"`

	Integrity   Integrity `json:"integrity"`
	Unprotected []uint64  `json:"unprotected,omitempty"`
}

// ChunkMapping records where the pre-snapshot contents of an origin chunk
// were preserved.
type ChunkMapping struct {
	Slot        uint64    `json:"slot"`
	AllocatedAt time.Time `json:"allocated_at"`
}
