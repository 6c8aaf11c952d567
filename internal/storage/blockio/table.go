package blockio

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/yndnr/corestate-go/internal/core/domain"
	"github.com/yndnr/corestate-go/internal/storage/chunkstore"
)

// Table maps configured device names to open devices.
type Table struct {
	mu      sync.RWMutex
	devices map[string]Device
	store   chunkstore.Store
	logger  *slog.Logger
}

// NewTable creates an empty table whose redirectors preserve chunks in store.
func NewTable(store chunkstore.Store, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		devices: make(map[string]Device),
		store:   store,
		logger:  logger,
	}
}

// OpenTable opens every path in devices (name -> path) as a FileDevice.
// On error, already opened devices are closed.
func OpenTable(devices map[string]string, store chunkstore.Store, logger *slog.Logger) (*Table, error) {
	t := NewTable(store, logger)
	for name, path := range devices {
		dev, err := OpenFile(path, 0)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("device %q: %w", name, err)
		}
		t.Add(name, dev)
		t.logger.Info("device attached", "device", name, "path", path, "size_bytes", dev.Size())
	}
	return t, nil
}

// Add registers dev under name, replacing any previous device.
func (t *Table) Add(name string, dev Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices[name] = dev
}

// Device returns the device registered under name.
func (t *Table) Device(name string) (Device, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	dev, ok := t.devices[name]
	if !ok {
		return nil, domain.ErrInvalidDevice.WithDetailsf("unknown device %q", name)
	}
	return dev, nil
}

// Resolve returns a Redirector for device with the given chunk size.
func (t *Table) Resolve(device string, chunkSize uint32) (*Redirector, error) {
	if chunkSize == 0 {
		return nil, domain.ErrInvalidArgument.WithDetails("chunk size must be positive")
	}
	dev, err := t.Device(device)
	if err != nil {
		return nil, err
	}
	if dev.Size() == 0 {
		return nil, domain.ErrInvalidDevice.WithDetailsf("device %q is empty", device)
	}
	return NewRedirector(dev, t.store, chunkSize), nil
}

// Names returns the registered device names in order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.devices))
	for name := range t.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every device.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for name, dev := range t.devices {
		if err := dev.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close device %q: %w", name, err)
		}
	}
	t.devices = make(map[string]Device)
	return firstErr
}
