package confloader

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events one editor save produces.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reports changes to one configuration file.
type Watcher struct {
	watcher   *fsnotify.Watcher
	debounce  time.Duration
	logger    *slog.Logger
	file      string
	mu        sync.Mutex
	callbacks []func(string)
	timer     *time.Timer
	done      chan struct{}
	stopOnce  sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithDebounce sets how long the watcher waits for events to settle.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher creates a watcher. Call Watch, then Start.
func NewWatcher(opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:  fw,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Watch selects the file to watch. Its directory is watched so that
// editors replacing the file by rename are seen.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Error("failed to watch directory", "path", dir, "error", err)
		return err
	}
	w.mu.Lock()
	w.file = abs
	w.mu.Unlock()
	w.logger.Debug("watching configuration file", "path", abs)
	return nil
}

// OnChange registers a callback run once the file has changed and the
// debounce interval passed without further events.
func (w *Watcher) OnChange(callback func(string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start processes events until Stop is called.
func (w *Watcher) Start() {
	w.logger.Info("configuration watcher started")
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if abs, _ := filepath.Abs(event.Name); abs != w.watchedFile() {
				continue
			}
			w.logger.Debug("configuration file changed", "file", event.Name, "op", event.Op.String())
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("configuration watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// StartAsync runs Start in a goroutine.
func (w *Watcher) StartAsync() {
	go w.Start()
}

// Stop stops the watcher. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.watcher.Close()
		w.logger.Info("configuration watcher stopped")
	})
	return err
}

func (w *Watcher) watchedFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	select {
	case <-w.done:
		return
	default:
	}
	w.mu.Lock()
	file := w.file
	callbacks := append([]func(string){}, w.callbacks...)
	w.mu.Unlock()
	for _, cb := range callbacks {
		cb(file)
	}
}
