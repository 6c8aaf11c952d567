// Package domain defines the core domain models for corestate.
//
// Domain models are plain values without IO dependencies. This package
// contains:
//
//   - BlockKey, BlockChangeRecord: change tracking records
//   - SnapshotInfo, ChunkMapping: COW snapshot state as seen by callers
//   - Features: runtime feature toggles shared by every component
//   - Errors: domain error codes
package domain
