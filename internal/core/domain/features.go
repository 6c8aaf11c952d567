package domain

import "sync/atomic"

// Features holds the runtime feature switches shared by every component.
// The zero value has everything disabled.
type Features struct {
	tracking  atomic.Bool
	snapshots atomic.Bool
	active    atomic.Bool
}

// NewFeatures returns Features with the given initial switches.
func NewFeatures(tracking, snapshots bool) *Features {
	f := &Features{}
	f.tracking.Store(tracking)
	f.snapshots.Store(snapshots)
	f.active.Store(tracking || snapshots)
	return f
}

func (f *Features) TrackingEnabled() bool  { return f.tracking.Load() }
func (f *Features) SnapshotsEnabled() bool { return f.snapshots.Load() }

// Active reports whether the module has been activated.
func (f *Features) Active() bool { return f.active.Load() }

func (f *Features) SetTracking(on bool)  { f.tracking.Store(on) }
func (f *Features) SetSnapshots(on bool) { f.snapshots.Store(on) }

// Activate turns on tracking and snapshots together.
func (f *Features) Activate() {
	f.active.Store(true)
	f.tracking.Store(true)
	f.snapshots.Store(true)
}

// Deactivate turns off tracking and snapshots together.
func (f *Features) Deactivate() {
	f.active.Store(false)
	f.tracking.Store(false)
	f.snapshots.Store(false)
}
