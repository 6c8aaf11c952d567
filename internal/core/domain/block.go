package domain

import (
	"fmt"
	"time"
)

// BlockKey identifies one tracked block.
type BlockKey struct {
	Device string `json:"device"`
	Block  uint64 `json:"block"`
}

// String returns "device:block".
func (k BlockKey) String() string {
	return fmt.Sprintf("%s:%d", k.Device, k.Block)
}

// Compare orders keys by device, then block number.
func (k BlockKey) Compare(o BlockKey) int {
	switch {
	case k.Device < o.Device:
		return -1
	case k.Device > o.Device:
		return 1
	case k.Block < o.Block:
		return -1
	case k.Block > o.Block:
		return 1
	}
	return 0
}

// BlockChangeRecord is the change tracking state of one block.
//
// Dirty stays set until the export path acknowledges the record; it is
// never cleared implicitly.
type BlockChangeRecord struct {
	Key          BlockKey  `json:"key"`
	LastModified time.Time `json:"last_modified"`
	Checksum     uint64    `json:"checksum"`
	Dirty        bool      `json:"dirty"`
}

// SameVersion reports whether r still describes the write that o observed.
func (r BlockChangeRecord) SameVersion(o BlockChangeRecord) bool {
	return r.Key == o.Key && r.Checksum == o.Checksum && r.LastModified.Equal(o.LastModified)
}
