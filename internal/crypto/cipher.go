// Package crypto seals project secrets (environment variables, webhook
// secrets) before they land in SQLite. Payloads are nonce-prefixed AES-GCM
// blobs keyed from the daemon's encryption key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"
)

// newAEAD derives a fixed-size key from the configured secret and builds the
// GCM cipher. The secret is operator-provided free text, so it is hashed to
// the 32 bytes AES-256 wants rather than used directly.
func newAEAD(secret string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptString seals plaintext with a fresh random nonce. The nonce is
// stored as the payload prefix so DecryptToString needs nothing but the
// secret.
func EncryptString(secret string, plaintext string) ([]byte, error) {
	gcm, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// DecryptToString opens a payload produced by EncryptString. A payload too
// short to even hold the nonce is reported as truncated rather than handed
// to GCM.
func DecryptToString(secret string, payload []byte) (string, error) {
	gcm, err := newAEAD(secret)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(payload) < nonceSize {
		return "", io.ErrUnexpectedEOF
	}
	plain, err := gcm.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
