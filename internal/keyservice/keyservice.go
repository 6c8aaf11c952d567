// Package keyservice derives per-archive backup keys from a master secret
// and encrypts export data off the caller's goroutine.
//
// The master secret is either a raw key or a passphrase stretched with
// Argon2id. Each backup gets its own key, derived with HKDF-SHA256 from
// the master and the backup id. Rotating the master keeps the retired
// secrets so older archives stay readable.
package keyservice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/yndnr/corestate-go/internal/core/domain"
	"github.com/yndnr/corestate-go/pkg/crypto/adaptive"
)

// DefaultWorkers bounds concurrent Encrypt calls.
const DefaultWorkers = 4

// Config configures a Service.
type Config struct {
	// MasterKey is the raw master secret. Ignored when Passphrase is set.
	MasterKey []byte

	// Passphrase and Salt derive the master secret with Argon2id.
	Passphrase []byte
	Salt       []byte

	// Algorithm is "aes-gcm", "chacha20-poly1305", or empty for the
	// hardware-preferred cipher.
	Algorithm string

	Workers int

	Logger *slog.Logger
}

// KeyContext binds an encryption to one backup.
type KeyContext struct {
	// BackupID selects the derived key and is authenticated with the data.
	BackupID string

	// Purpose separates key spaces, e.g. "dirty" or "merged".
	Purpose string
}

// Result is the outcome of an asynchronous Encrypt.
type Result struct {
	Ciphertext []byte
	KeyID      string
	Algorithm  string
	Err        error
}

// Stats are lifetime counters.
type Stats struct {
	Enabled   bool   `json:"enabled"`
	KeyID     string `json:"key_id,omitempty"`
	Encrypted uint64 `json:"encrypted"`
	Failures  uint64 `json:"failures"`
	Rotations uint64 `json:"rotations"`
}

// Service holds the master secret and performs backup encryption.
type Service struct {
	algo   adaptive.CipherType
	logger *slog.Logger
	sem    chan struct{}

	mu      sync.RWMutex
	keyID   string
	master  []byte
	retired map[string][]byte

	encrypted atomic.Uint64
	failures  atomic.Uint64
	rotations atomic.Uint64
}

// New creates a Service. A config with neither key nor passphrase yields
// a disabled service whose Encrypt calls fail.
func New(cfg Config) (*Service, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Service{
		logger:  cfg.Logger,
		sem:     make(chan struct{}, cfg.Workers),
		retired: make(map[string][]byte),
	}

	switch cfg.Algorithm {
	case "":
	case string(adaptive.CipherAESGCM), string(adaptive.CipherChaCha20):
		s.algo = adaptive.CipherType(cfg.Algorithm)
	default:
		return nil, fmt.Errorf("keyservice: unsupported algorithm %q", cfg.Algorithm)
	}

	var master []byte
	switch {
	case len(cfg.Passphrase) > 0:
		k, err := DeriveFromPassphrase(cfg.Passphrase, cfg.Salt)
		if err != nil {
			return nil, err
		}
		master = k
	case len(cfg.MasterKey) > 0:
		if len(cfg.MasterKey) < MinKeyLength {
			return nil, ErrKeyTooShort
		}
		master = append([]byte(nil), cfg.MasterKey...)
	default:
		return s, nil
	}

	s.master = master
	s.keyID = keyIDOf(master)
	return s, nil
}

func keyIDOf(master []byte) string {
	sum := sha256.Sum256(master)
	return hex.EncodeToString(sum[:8])
}

// Enabled reports whether a master secret is configured.
func (s *Service) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.master != nil
}

// KeyID identifies the current master secret.
func (s *Service) KeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyID
}

// DeriveBackupKey returns the key for one backup and the id of the master
// it was derived from.
func (s *Service) DeriveBackupKey(kc KeyContext) ([]byte, string, error) {
	s.mu.RLock()
	master, keyID := s.master, s.keyID
	s.mu.RUnlock()
	if master == nil {
		return nil, "", domain.ErrKeyService.WithDetails("no master key configured")
	}
	key, err := deriveBackupKey(master, kc)
	if err != nil {
		return nil, "", domain.ErrKeyService.WithCause(err)
	}
	return key, keyID, nil
}

func deriveBackupKey(master []byte, kc KeyContext) ([]byte, error) {
	if kc.BackupID == "" {
		return nil, fmt.Errorf("keyservice: backup id is required")
	}
	return DeriveSubkey(master, "corestate/backup/"+kc.Purpose+"/"+kc.BackupID, KeyLength)
}

// Encrypt seals data for kc on a worker goroutine. The channel yields
// exactly one Result and is then closed. Cancelling ctx before a worker
// is free yields ctx's error.
func (s *Service) Encrypt(ctx context.Context, data []byte, kc KeyContext) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			s.failures.Add(1)
			out <- Result{Err: ctx.Err()}
			return
		}
		defer func() { <-s.sem }()

		res := s.encrypt(data, kc)
		if res.Err != nil {
			s.failures.Add(1)
			s.logger.Warn("backup encryption failed", "backup_id", kc.BackupID, "error", res.Err)
		} else {
			s.encrypted.Add(1)
		}
		out <- res
	}()
	return out
}

func (s *Service) encrypt(data []byte, kc KeyContext) Result {
	key, keyID, err := s.DeriveBackupKey(kc)
	if err != nil {
		return Result{Err: err}
	}
	defer ZeroKey(key)

	c, err := s.cipher(key)
	if err != nil {
		return Result{Err: domain.ErrKeyService.WithCause(err)}
	}
	ct, err := c.Encrypt(data, []byte(kc.BackupID))
	if err != nil {
		return Result{Err: domain.ErrKeyService.WithCause(err)}
	}
	return Result{Ciphertext: ct, KeyID: keyID, Algorithm: string(c.Type())}
}

// Decrypt opens data sealed by Encrypt under the master identified by
// keyID, which may be a retired one.
func (s *Service) Decrypt(_ context.Context, data []byte, kc KeyContext, keyID string) ([]byte, error) {
	s.mu.RLock()
	master := s.master
	if keyID != s.keyID {
		master = s.retired[keyID]
	}
	s.mu.RUnlock()
	if master == nil {
		return nil, domain.ErrKeyService.WithDetailsf("unknown key id %q", keyID)
	}

	key, err := deriveBackupKey(master, kc)
	if err != nil {
		return nil, domain.ErrKeyService.WithCause(err)
	}
	defer ZeroKey(key)

	c, err := s.cipher(key)
	if err != nil {
		return nil, domain.ErrKeyService.WithCause(err)
	}
	plain, err := c.Decrypt(data, []byte(kc.BackupID))
	if err != nil {
		return nil, domain.ErrKeyService.WithDetails("decryption failed").WithCause(err)
	}
	return plain, nil
}

func (s *Service) cipher(key []byte) (adaptive.Cipher, error) {
	if s.algo == "" {
		return adaptive.New(key)
	}
	return adaptive.NewWithType(key, s.algo)
}

// RotateMasterKey installs a new master secret and returns its id. The
// previous secret is retained for decryption only.
func (s *Service) RotateMasterKey(newKey []byte) (string, error) {
	if len(newKey) < MinKeyLength {
		return "", ErrKeyTooShort
	}
	master := append([]byte(nil), newKey...)
	id := keyIDOf(master)

	s.mu.Lock()
	if s.master != nil {
		s.retired[s.keyID] = s.master
	}
	delete(s.retired, id)
	s.master = master
	s.keyID = id
	s.mu.Unlock()

	s.rotations.Add(1)
	s.logger.Info("master key rotated", "key_id", id)
	return id, nil
}

// Stats returns the service counters.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	enabled, keyID := s.master != nil, s.keyID
	s.mu.RUnlock()
	return Stats{
		Enabled:   enabled,
		KeyID:     keyID,
		Encrypted: s.encrypted.Load(),
		Failures:  s.failures.Load(),
		Rotations: s.rotations.Load(),
	}
}
