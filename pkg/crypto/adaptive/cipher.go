package adaptive

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/sys/cpu"
)

// CipherType identifies the cipher algorithm.
type CipherType string

const (
	CipherAESGCM   CipherType = "aes-gcm"
	CipherChaCha20 CipherType = "chacha20-poly1305"
)

var errShortCiphertext = errors.New("adaptive: ciphertext too short")

// Cipher provides authenticated encryption.
type Cipher interface {
	Type() CipherType

	// Encrypt returns nonce || sealed(plaintext). additionalData is
	// authenticated but not stored.
	Encrypt(plaintext, additionalData []byte) ([]byte, error)

	Decrypt(ciphertext, additionalData []byte) ([]byte, error)

	NonceSize() int
	Overhead() int
}

// New returns the preferred cipher for this CPU.
func New(key []byte) (Cipher, error) {
	return NewWithType(key, Preferred())
}

// NewWithType creates a cipher of the given type.
func NewWithType(key []byte, t CipherType) (Cipher, error) {
	switch t {
	case CipherAESGCM:
		return NewAESGCM(key)
	case CipherChaCha20:
		return NewChaCha20(key)
	default:
		return nil, fmt.Errorf("adaptive: unknown cipher type %q", t)
	}
}

// Preferred returns the cipher type New would choose: AES-GCM where the
// CPU accelerates it, ChaCha20-Poly1305 otherwise.
func Preferred() CipherType {
	if hasAESHardware() {
		return CipherAESGCM
	}
	return CipherChaCha20
}

func hasAESHardware() bool {
	switch runtime.GOARCH {
	case "amd64":
		return cpu.X86.HasAES && cpu.X86.HasPCLMULQDQ
	case "arm64":
		return cpu.ARM64.HasAES && cpu.ARM64.HasPMULL
	case "s390x":
		return cpu.S390X.HasAES && cpu.S390X.HasAESGCM
	default:
		return false
	}
}

// NewAESGCM creates an AES-GCM cipher. Key must be 16, 24 or 32 bytes.
func NewAESGCM(key []byte) (*AEAD, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("adaptive: invalid AES-GCM key size %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AEAD{typ: CipherAESGCM, aead: aead}, nil
}

// NewChaCha20 creates a ChaCha20-Poly1305 cipher. Key must be 32 bytes.
func NewChaCha20(key []byte) (*AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("adaptive: invalid ChaCha20-Poly1305 key size %d", len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &AEAD{typ: CipherChaCha20, aead: aead}, nil
}

// AEAD is a Cipher backed by a crypto/cipher.AEAD. It is safe for
// concurrent use.
type AEAD struct {
	typ  CipherType
	aead cipher.AEAD
}

func (c *AEAD) Type() CipherType { return c.typ }
func (c *AEAD) NonceSize() int   { return c.aead.NonceSize() }
func (c *AEAD) Overhead() int    { return c.aead.Overhead() }

// Encrypt seals plaintext under a fresh random nonce.
func (c *AEAD) Encrypt(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (c *AEAD) Decrypt(ciphertext, additionalData []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(ciphertext) < n+c.aead.Overhead() {
		return nil, errShortCiphertext
	}
	return c.aead.Open(nil, ciphertext[:n], ciphertext[n:], additionalData)
}
