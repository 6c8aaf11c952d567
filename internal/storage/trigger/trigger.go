// Package trigger turns a stream of clean-to-dirty block transitions into
// "incremental backup requested" signals, one per threshold crossing.
package trigger

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultThreshold is the dirty transition count that requests a backup.
const DefaultThreshold = 1000

// Signal is emitted once per threshold crossing.
type Signal struct {
	// Seq numbers signals from 1.
	Seq uint64

	// Observed is the counter value seen by the caller that reset it.
	Observed int64

	At time.Time
}

// Handler receives signals. It is called synchronously on the write path
// that caused the crossing and must not block.
type Handler interface {
	OnSignal(Signal)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Signal)

// OnSignal calls f(s).
func (f HandlerFunc) OnSignal(s Signal) { f(s) }

// Trigger counts dirty transitions and fires exactly one signal each time
// the count rises above the threshold.
type Trigger struct {
	counter   atomic.Int64
	threshold atomic.Int64
	fired     atomic.Uint64
	handler   atomic.Pointer[Handler]
	logger    *slog.Logger
}

// New creates a trigger. A threshold < 1 selects DefaultThreshold.
func New(threshold int64, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Trigger{logger: logger}
	t.SetThreshold(threshold)
	return t
}

// SetHandler installs h, replacing any previous handler. nil removes it.
func (t *Trigger) SetHandler(h Handler) {
	if h == nil {
		t.handler.Store(nil)
		return
	}
	t.handler.Store(&h)
}

// SetThreshold changes the threshold. Values < 1 select DefaultThreshold.
func (t *Trigger) SetThreshold(n int64) {
	if n < 1 {
		n = DefaultThreshold
	}
	t.threshold.Store(n)
}

// Threshold returns the current threshold.
func (t *Trigger) Threshold() int64 {
	return t.threshold.Load()
}

// OnDirty records one clean-to-dirty transition. It reports whether this
// call emitted a signal.
func (t *Trigger) OnDirty() bool {
	v := t.counter.Add(1)
	threshold := t.threshold.Load()

	for v > threshold {
		if t.counter.CompareAndSwap(v, 0) {
			t.emit(v)
			return true
		}
		// Another writer moved the counter. Retry only while it is still over
		// the threshold; a competing reset means that crossing is handled.
		v = t.counter.Load()
	}
	return false
}

func (t *Trigger) emit(observed int64) {
	s := Signal{
		Seq:      t.fired.Add(1),
		Observed: observed,
		At:       time.Now(),
	}
	t.logger.Debug("dirty threshold crossed", "seq", s.Seq, "observed", observed)

	if h := t.handler.Load(); h != nil {
		(*h).OnSignal(s)
	}
}

// Pending returns the transitions counted since the last signal.
func (t *Trigger) Pending() int64 {
	return t.counter.Load()
}

// Fired returns the number of signals emitted.
func (t *Trigger) Fired() uint64 {
	return t.fired.Load()
}
