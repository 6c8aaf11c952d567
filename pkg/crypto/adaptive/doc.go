// Package adaptive picks an AEAD cipher for export archives.
//
// AES-256-GCM is used where the CPU accelerates AES (amd64, arm64);
// ChaCha20-Poly1305 everywhere else. Ciphertexts carry their random nonce
// as a prefix, so Encrypt and Decrypt need nothing but the key and the
// associated data.
package adaptive
