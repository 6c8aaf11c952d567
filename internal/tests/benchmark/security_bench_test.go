package benchmark

import (
	"context"
	"fmt"
	"testing"

	"github.com/yndnr/corestate-go/internal/keyservice"
	"github.com/yndnr/corestate-go/pkg/crypto/adaptive"
)

// Benchmarks for backup encryption.

// BenchmarkAdaptiveCipherEncrypt benchmarks each cipher at block and
// chunk sized payloads.
func BenchmarkAdaptiveCipherEncrypt(b *testing.B) {
	dataSizes := []int{benchBlockSize, benchChunkSize, 1 << 20}

	for _, typ := range []adaptive.CipherType{adaptive.CipherAESGCM, adaptive.CipherChaCha20} {
		for _, size := range dataSizes {
			b.Run(fmt.Sprintf("%s/%s", typ, sizeLabel(size)), func(b *testing.B) {
				cipher, err := adaptive.NewWithType(randomBytes(32), typ)
				if err != nil {
					b.Fatalf("Failed to create cipher: %v", err)
				}
				data := randomBytes(size)

				b.ResetTimer()
				b.ReportAllocs()
				b.SetBytes(int64(size))

				for i := 0; i < b.N; i++ {
					if _, err := cipher.Encrypt(data, nil); err != nil {
						b.Fatalf("Encrypt failed: %v", err)
					}
				}
			})
		}
	}
}

// BenchmarkAdaptiveCipherDecrypt benchmarks the preferred cipher.
func BenchmarkAdaptiveCipherDecrypt(b *testing.B) {
	cipher, err := adaptive.New(randomBytes(32))
	if err != nil {
		b.Fatalf("Failed to create cipher: %v", err)
	}
	ciphertext, err := cipher.Encrypt(randomBytes(benchChunkSize), nil)
	if err != nil {
		b.Fatalf("Encrypt failed: %v", err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	b.SetBytes(benchChunkSize)

	for i := 0; i < b.N; i++ {
		if _, err := cipher.Decrypt(ciphertext, nil); err != nil {
			b.Fatalf("Decrypt failed: %v", err)
		}
	}
}

// BenchmarkKeyServiceEncrypt includes per-backup key derivation and the
// worker hand-off.
func BenchmarkKeyServiceEncrypt(b *testing.B) {
	keys, err := keyservice.New(keyservice.Config{MasterKey: randomBytes(32)})
	if err != nil {
		b.Fatalf("keyservice.New() error = %v", err)
	}
	data := randomBytes(benchChunkSize)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	b.SetBytes(benchChunkSize)

	for i := 0; i < b.N; i++ {
		kc := keyservice.KeyContext{BackupID: fmt.Sprintf("bench-%d", i), Purpose: "dirty"}
		if res := <-keys.Encrypt(ctx, data, kc); res.Err != nil {
			b.Fatalf("Encrypt failed: %v", res.Err)
		}
	}
}

// BenchmarkDeriveFromPassphrase measures Argon2id master key stretching.
func BenchmarkDeriveFromPassphrase(b *testing.B) {
	salt := randomBytes(16)

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := keyservice.DeriveFromPassphrase([]byte("correct horse battery staple"), salt); err != nil {
			b.Fatalf("DeriveFromPassphrase failed: %v", err)
		}
	}
}
