package shutdown

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestHandler_HooksRunInReverseOrder(t *testing.T) {
	h := NewHandler(time.Second, nil)

	var (
		mu    sync.Mutex
		order []string
	)
	for _, name := range []string{"store", "service", "http"} {
		h.OnShutdown(name, func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	h.Trigger("test")
	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	want := []string{"http", "service", "store"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	select {
	case <-h.Done():
	default:
		t.Error("Done() not closed after Wait()")
	}
}

func TestHandler_HookErrorsAreJoined(t *testing.T) {
	h := NewHandler(time.Second, nil)
	errA := errors.New("flush failed")
	ran := false

	h.OnShutdown("last", func(context.Context) error {
		ran = true
		return nil
	})
	h.OnShutdown("first", func(context.Context) error { return errA })

	h.Trigger("test")
	err := h.Wait(context.Background())
	if !errors.Is(err, errA) {
		t.Fatalf("Wait() error = %v, want %v", err, errA)
	}
	if !ran {
		t.Error("hook after a failing hook did not run")
	}
}

func TestHandler_Timeout(t *testing.T) {
	h := NewHandler(20*time.Millisecond, nil)
	h.OnShutdown("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	h.Trigger("test")
	if err := h.Wait(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want deadline exceeded", err)
	}
}

func TestHandler_ContextCancel(t *testing.T) {
	h := NewHandler(time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestHandler_TriggerKeepsFirstReason(t *testing.T) {
	h := NewHandler(time.Second, nil)
	h.Trigger("first")
	h.Trigger("second")

	if got := <-h.trigger; got != "first" {
		t.Errorf("reason = %q, want first", got)
	}
}

func TestHandler_Signal(t *testing.T) {
	h := NewHandler(time.Second, nil)
	called := make(chan struct{})
	h.OnShutdown("probe", func(context.Context) error {
		close(called)
		return nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- h.Wait(context.Background()) }()

	// Signal delivery needs Notify registered first.
	time.Sleep(50 * time.Millisecond)
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait() did not return after SIGTERM")
	}
	select {
	case <-called:
	default:
		t.Error("hook not run")
	}
}
