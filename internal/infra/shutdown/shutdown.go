package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout bounds the hook phase when NewHandler is given zero.
const DefaultTimeout = 30 * time.Second

// Hook releases one component. It should return once ctx is done.
type Hook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   Hook
}

// Handler runs registered hooks when the process is asked to stop.
type Handler struct {
	timeout time.Duration
	logger  *slog.Logger
	signals []os.Signal

	mu    sync.Mutex
	hooks []namedHook

	trigger     chan string
	triggerOnce sync.Once
	done        chan struct{}
}

// NewHandler creates a handler whose hooks share the given timeout.
func NewHandler(timeout time.Duration, logger *slog.Logger) *Handler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		timeout: timeout,
		logger:  logger,
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		trigger: make(chan string, 1),
		done:    make(chan struct{}),
	}
}

// OnShutdown registers a hook. Hooks run in reverse registration order,
// so components stop before the things they depend on.
func (h *Handler) OnShutdown(name string, hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, namedHook{name: name, fn: hook})
}

// Trigger starts shutdown without a signal, e.g. when a server fails.
// Only the first reason is kept.
func (h *Handler) Trigger(reason string) {
	h.triggerOnce.Do(func() {
		h.trigger <- reason
	})
}

// Wait blocks until a termination signal, Trigger or the end of ctx, then
// runs every hook. Hook errors are joined; a hook that fails does not
// prevent the rest from running.
func (h *Handler) Wait(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, h.signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		h.logger.Info("shutdown requested", "signal", sig.String())
	case reason := <-h.trigger:
		h.logger.Info("shutdown requested", "reason", reason)
	case <-ctx.Done():
		h.logger.Info("shutdown requested", "reason", context.Cause(ctx))
	}
	return h.run()
}

func (h *Handler) run() error {
	defer close(h.done)

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	h.mu.Lock()
	hooks := make([]namedHook, len(h.hooks))
	copy(hooks, h.hooks)
	h.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		hk := hooks[i]
		start := time.Now()
		if err := hk.fn(ctx); err != nil {
			h.logger.Error("shutdown hook failed", "hook", hk.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", hk.name, err))
			continue
		}
		h.logger.Debug("shutdown hook done", "hook", hk.name, "took", time.Since(start))
	}
	if ctx.Err() != nil {
		errs = append(errs, fmt.Errorf("shutdown exceeded %s: %w", h.timeout, ctx.Err()))
	}
	return errors.Join(errs...)
}

// Done is closed once every hook has run.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}
