package trigger

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestDefaultThreshold(t *testing.T) {
	tr := New(0, nil)
	if tr.Threshold() != DefaultThreshold {
		t.Errorf("Threshold() = %d, want %d", tr.Threshold(), DefaultThreshold)
	}
	tr.SetThreshold(-5)
	if tr.Threshold() != DefaultThreshold {
		t.Errorf("SetThreshold(-5) gave %d, want %d", tr.Threshold(), DefaultThreshold)
	}
}

func TestStrictlyGreaterThanThreshold(t *testing.T) {
	tr := New(3, nil)

	for i := 0; i < 3; i++ {
		if tr.OnDirty() {
			t.Fatalf("OnDirty() #%d fired at or below threshold", i+1)
		}
	}
	if !tr.OnDirty() {
		t.Fatal("OnDirty() #4 should fire")
	}
	if tr.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0 after reset", tr.Pending())
	}
	if tr.Fired() != 1 {
		t.Errorf("Fired() = %d, want 1", tr.Fired())
	}
}

func TestHandlerReceivesSignal(t *testing.T) {
	tr := New(1, nil)

	var got []Signal
	tr.SetHandler(HandlerFunc(func(s Signal) {
		got = append(got, s)
	}))

	for i := 0; i < 4; i++ {
		tr.OnDirty()
	}

	if len(got) != 2 {
		t.Fatalf("handler called %d times, want 2", len(got))
	}
	for i, s := range got {
		if s.Seq != uint64(i+1) {
			t.Errorf("signal %d Seq = %d, want %d", i, s.Seq, i+1)
		}
		if s.Observed != 2 {
			t.Errorf("signal %d Observed = %d, want 2", i, s.Observed)
		}
		if s.At.IsZero() {
			t.Errorf("signal %d has zero time", i)
		}
	}

	tr.SetHandler(nil)
	tr.OnDirty()
	tr.OnDirty()
	if len(got) != 2 {
		t.Error("removed handler should not be called")
	}
}

// A single crossing with many concurrent writers produces exactly one signal.
func TestExactlyOnceConcurrent(t *testing.T) {
	for _, threshold := range []int64{1, 1000} {
		for _, writers := range []int{1, 64} {
			t.Run(fmt.Sprintf("T=%d/N=%d", threshold, writers), func(t *testing.T) {
				tr := New(threshold, nil)
				var signals atomic.Int64
				tr.SetHandler(HandlerFunc(func(Signal) { signals.Add(1) }))

				total := int(threshold) + 1
				per := make([]int, writers)
				for i := 0; i < total; i++ {
					per[i%writers]++
				}

				var (
					wg    sync.WaitGroup
					start = make(chan struct{})
				)
				for _, n := range per {
					wg.Add(1)
					go func(n int) {
						defer wg.Done()
						<-start
						for j := 0; j < n; j++ {
							tr.OnDirty()
						}
					}(n)
				}
				close(start)
				wg.Wait()

				if got := signals.Load(); got != 1 {
					t.Errorf("signals = %d, want 1", got)
				}
				if tr.Pending() != 0 {
					t.Errorf("Pending() = %d, want 0", tr.Pending())
				}
			})
		}
	}
}

// Every transition is accounted for exactly once: either inside a signal's
// Observed count or still pending.
func TestNoTransitionLostOrDoubleCounted(t *testing.T) {
	const (
		writers   = 64
		perWriter = 5000
		threshold = 1000
	)

	tr := New(threshold, nil)
	var observed atomic.Int64
	var signals atomic.Int64
	tr.SetHandler(HandlerFunc(func(s Signal) {
		if s.Observed <= threshold {
			t.Errorf("signal observed %d, want > %d", s.Observed, threshold)
		}
		observed.Add(s.Observed)
		signals.Add(1)
	}))

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				tr.OnDirty()
			}
		}()
	}
	wg.Wait()

	total := int64(writers * perWriter)
	if got := observed.Load() + tr.Pending(); got != total {
		t.Errorf("observed+pending = %d, want %d", got, total)
	}
	if uint64(signals.Load()) != tr.Fired() {
		t.Errorf("handler saw %d signals, Fired() = %d", signals.Load(), tr.Fired())
	}
	if tr.Pending() > threshold {
		t.Errorf("Pending() = %d, should not exceed threshold once writers stop", tr.Pending())
	}
}
