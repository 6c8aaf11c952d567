package tlsroots

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce absorbs the burst of events a certificate rotation
// produces (cert and key are usually replaced separately).
const DefaultDebounce = 500 * time.Millisecond

// KeyPair serves a certificate that follows its files on disk.
type KeyPair struct {
	certFile string
	keyFile  string
	debounce time.Duration
	logger   *slog.Logger

	cert    atomic.Pointer[tls.Certificate]
	reloads atomic.Uint64

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	timer    *time.Timer
	stopOnce sync.Once
	done     chan struct{}
}

// Option configures a KeyPair.
type Option func(*KeyPair)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(k *KeyPair) { k.logger = logger }
}

// WithDebounce sets how long to wait after the last change before
// reloading.
func WithDebounce(d time.Duration) Option {
	return func(k *KeyPair) { k.debounce = d }
}

// NewKeyPair loads the certificate pair. It fails if the files cannot be
// loaded now; later reload failures keep the previous certificate.
func NewKeyPair(certFile, keyFile string, opts ...Option) (*KeyPair, error) {
	k := &KeyPair{
		certFile: certFile,
		keyFile:  keyFile,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	if err := k.reload(); err != nil {
		return nil, fmt.Errorf("tlsroots: %w", err)
	}
	return k, nil
}

// ServerConfig returns a TLS configuration that always presents the
// current certificate.
func (k *KeyPair) ServerConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: k.GetCertificate,
	}
}

// GetCertificate implements tls.Config.GetCertificate.
func (k *KeyPair) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return k.cert.Load(), nil
}

// Reloads returns how many times the pair has been loaded.
func (k *KeyPair) Reloads() uint64 {
	return k.reloads.Load()
}

// Watch starts following the files. The directories are watched rather
// than the files so that atomic replacement by rename is seen.
func (k *KeyPair) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tlsroots: create watcher: %w", err)
	}
	dirs := map[string]struct{}{
		filepath.Dir(k.certFile): {},
		filepath.Dir(k.keyFile):  {},
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return fmt.Errorf("tlsroots: watch %s: %w", dir, err)
		}
	}

	k.mu.Lock()
	k.watcher = w
	k.mu.Unlock()

	go k.loop(w)
	k.logger.Info("watching TLS certificate", "cert_file", k.certFile, "key_file", k.keyFile)
	return nil
}

func (k *KeyPair) loop(w *fsnotify.Watcher) {
	certFile := filepath.Clean(k.certFile)
	keyFile := filepath.Clean(k.keyFile)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			name := filepath.Clean(ev.Name)
			if name != certFile && name != keyFile {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				k.schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			k.logger.Warn("certificate watcher error", "error", err)
		case <-k.done:
			return
		}
	}
}

func (k *KeyPair) schedule() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.timer != nil {
		k.timer.Stop()
	}
	k.timer = time.AfterFunc(k.debounce, func() {
		if err := k.reload(); err != nil {
			k.logger.Error("certificate reload failed, keeping previous certificate", "error", err)
		}
	})
}

func (k *KeyPair) reload() error {
	cert, err := tls.LoadX509KeyPair(k.certFile, k.keyFile)
	if err != nil {
		return fmt.Errorf("load key pair: %w", err)
	}
	k.cert.Store(&cert)
	if k.reloads.Add(1) > 1 {
		k.logger.Info("certificate reloaded", "cert_file", k.certFile)
	}
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (k *KeyPair) Stop() {
	k.stopOnce.Do(func() {
		close(k.done)
		k.mu.Lock()
		defer k.mu.Unlock()
		if k.timer != nil {
			k.timer.Stop()
		}
		if k.watcher != nil {
			k.watcher.Close()
		}
	})
}
