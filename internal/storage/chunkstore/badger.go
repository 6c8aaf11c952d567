package chunkstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/prometheus/client_golang/prometheus"
)

// keyPrefix namespaces chunk keys inside the Badger DB.
var keyPrefix = []byte("cow/")

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Dir is the storage directory.
	Dir string

	// InMemory runs Badger without touching disk (tests).
	InMemory bool

	// SyncWrites fsyncs every write. Preserved chunks must survive a crash
	// of the writer that overwrote the origin, so this defaults to true.
	SyncWrites bool

	// GCInterval is the interval between value log GC runs.
	GCInterval time.Duration

	// GCThreshold is the value log discard ratio (0.0-1.0).
	GCThreshold float64

	// CacheSize is the block cache size in bytes.
	CacheSize int64
}

// DefaultBadgerConfig returns the default configuration for dir.
func DefaultBadgerConfig(dir string) BadgerConfig {
	return BadgerConfig{
		Dir:         dir,
		SyncWrites:  true,
		GCInterval:  10 * time.Minute,
		GCThreshold: 0.5,
		CacheSize:   64 << 20,
	}
}

// BadgerStore is a Store backed by Badger v3.
type BadgerStore struct {
	db     *badger.DB
	cfg    BadgerConfig
	logger *slog.Logger

	closed       atomic.Bool
	lastGCTime   atomic.Int64 // Unix milliseconds
	gcRuns       atomic.Uint64
	bytesWritten atomic.Uint64

	// Prometheus metrics
	metricsLSMSize  prometheus.GaugeFunc
	metricsVLogSize prometheus.GaugeFunc
	metricsGCRuns   prometheus.CounterFunc
	metricsBytesPut prometheus.CounterFunc

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBadgerStore opens (or creates) a BadgerStore.
func NewBadgerStore(cfg BadgerConfig, logger *slog.Logger) (*BadgerStore, error) {
	if cfg.Dir == "" && !cfg.InMemory {
		return nil, fmt.Errorf("chunkstore: dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 10 * time.Minute
	}
	if cfg.GCThreshold <= 0 || cfg.GCThreshold >= 1 {
		cfg.GCThreshold = 0.5
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = &badgerLogger{logger: logger}
	opts.SyncWrites = cfg.SyncWrites
	if cfg.CacheSize > 0 {
		opts.BlockCacheSize = cfg.CacheSize
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: open badger: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go s.gcLoop()

	logger.Info("chunk store opened",
		"dir", cfg.Dir,
		"in_memory", cfg.InMemory,
		"sync_writes", cfg.SyncWrites,
		"gc_interval", cfg.GCInterval)

	return s, nil
}

func slotKey(slot uint64) []byte {
	key := make([]byte, len(keyPrefix)+8)
	copy(key, keyPrefix)
	binary.BigEndian.PutUint64(key[len(keyPrefix):], slot)
	return key
}

// Put implements Store.
func (s *BadgerStore) Put(_ context.Context, slot uint64, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(slotKey(slot), data)
	})
	if err != nil {
		return fmt.Errorf("chunkstore: put slot %d: %w", slot, err)
	}
	s.bytesWritten.Add(uint64(len(data)))
	return nil
}

// Get implements Store.
func (s *BadgerStore) Get(_ context.Context, slot uint64) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(slotKey(slot))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(_ context.Context, slot uint64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(slotKey(slot))
	})
}

// Slots returns every stored slot in ascending order.
func (s *BadgerStore) Slots(_ context.Context) ([]uint64, error) {
	var slots []uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			slots = append(slots, binary.BigEndian.Uint64(key[len(keyPrefix):]))
		}
		return nil
	})
	return slots, err
}

// Purge deletes every stored chunk. Preserved data does not outlive the
// process that created the snapshot, so leftovers from a previous run are
// dropped at startup.
func (s *BadgerStore) Purge(ctx context.Context) (int, error) {
	slots, err := s.Slots(ctx)
	if err != nil {
		return 0, err
	}
	if len(slots) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	for _, slot := range slots {
		if err := wb.Delete(slotKey(slot)); err != nil {
			wb.Cancel()
			return 0, fmt.Errorf("chunkstore: purge: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("chunkstore: purge: %w", err)
	}

	s.logger.Info("purged stale preserved chunks", "count", len(slots))
	return len(slots), nil
}

// GC runs value log garbage collection until Badger reports nothing left
// to rewrite.
func (s *BadgerStore) GC() error {
	if s.cfg.InMemory {
		return nil
	}
	for {
		err := s.db.RunValueLogGC(s.cfg.GCThreshold)
		if err != nil {
			if errors.Is(err, badger.ErrNoRewrite) {
				break
			}
			return fmt.Errorf("chunkstore: gc: %w", err)
		}
		s.gcRuns.Add(1)
	}
	s.lastGCTime.Store(time.Now().UnixMilli())
	return nil
}

// Close gracefully shuts down the store.
func (s *BadgerStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(s.stopCh)
	<-s.doneCh

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("chunkstore: close db: %w", err)
	}
	s.logger.Info("chunk store closed")
	return nil
}

// RegisterMetrics registers Badger size and GC metrics with reg.
func (s *BadgerStore) RegisterMetrics(reg prometheus.Registerer) *BadgerStore {
	s.metricsLSMSize = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "corestate",
		Subsystem: "chunkstore",
		Name:      "lsm_size_bytes",
		Help:      "Badger LSM tree size in bytes",
	}, func() float64 {
		lsm, _ := s.db.Size()
		return float64(lsm)
	})

	s.metricsVLogSize = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "corestate",
		Subsystem: "chunkstore",
		Name:      "value_log_size_bytes",
		Help:      "Badger value log size in bytes",
	}, func() float64 {
		_, vlog := s.db.Size()
		return float64(vlog)
	})

	s.metricsGCRuns = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "corestate",
		Subsystem: "chunkstore",
		Name:      "gc_rewrites_total",
		Help:      "Value log files rewritten by garbage collection",
	}, func() float64 {
		return float64(s.gcRuns.Load())
	})

	s.metricsBytesPut = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "corestate",
		Subsystem: "chunkstore",
		Name:      "written_bytes_total",
		Help:      "Bytes of preserved chunk data written",
	}, func() float64 {
		return float64(s.bytesWritten.Load())
	})

	reg.MustRegister(s.metricsLSMSize, s.metricsVLogSize, s.metricsGCRuns, s.metricsBytesPut)
	return s
}

func (s *BadgerStore) gcLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.GC(); err != nil {
				s.logger.Error("chunk store gc failed", "error", err)
			}
		case <-s.stopCh:
			return
		}
	}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
