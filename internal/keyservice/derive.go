package keyservice

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrKeyTooShort       = errors.New("keyservice: key too short (minimum 16 bytes)")
	ErrPassphraseTooWeak = errors.New("keyservice: passphrase too weak (minimum 8 characters)")
	ErrSaltRequired      = errors.New("keyservice: passphrase requires a salt of at least 16 bytes")
)

const (
	// MinKeyLength is the minimum master key length.
	MinKeyLength = 16

	// MinPassphraseLength is the minimum passphrase length.
	MinPassphraseLength = 8

	// SaltLength is the minimum salt length for passphrase derivation.
	SaltLength = 16

	// KeyLength is the length of every derived key.
	KeyLength = 32

	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4
)

// DeriveFromPassphrase stretches a passphrase into a master key with
// Argon2id. The same passphrase and salt always yield the same key.
func DeriveFromPassphrase(passphrase, salt []byte) ([]byte, error) {
	if len(passphrase) < MinPassphraseLength {
		return nil, ErrPassphraseTooWeak
	}
	if len(salt) < SaltLength {
		return nil, ErrSaltRequired
	}
	return argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Threads, KeyLength), nil
}

// DeriveSubkey derives a purpose-bound key from a master key using
// HKDF-SHA256.
func DeriveSubkey(masterKey []byte, info string, length int) ([]byte, error) {
	if len(masterKey) < MinKeyLength {
		return nil, ErrKeyTooShort
	}

	reader := hkdf.New(sha256.New, masterKey, nil, []byte(info))
	key := make([]byte, length)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("keyservice: derive subkey: %w", err)
	}
	return key, nil
}

// GenerateKey returns length random bytes.
func GenerateKey(length int) ([]byte, error) {
	if length < MinKeyLength {
		return nil, ErrKeyTooShort
	}

	key := make([]byte, length)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("keyservice: generate key: %w", err)
	}
	return key, nil
}

// ZeroKey overwrites key with zeros.
func ZeroKey(key []byte) {
	clear(key)
}
