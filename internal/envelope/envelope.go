// Package envelope seals frames for transport: AES-256-GCM under a key derived
// from the shared pre-provisioned secret, encoded as text-safe base64.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	NonceSize = 12 // AES-GCM standard nonce
	TagSize   = 16
	KeySize   = 32 // AES-256

	// Salt is fixed and version-tagged; both peers must agree on it.
	Salt = "push-tunnel-v1"
)

var (
	ErrEmptySecret = errors.New("empty shared secret")
	ErrDecrypt     = errors.New("envelope decrypt failed")
)

// Envelope encrypts and decrypts frames with a key fixed for its lifetime.
// It is safe for concurrent use.
type Envelope struct {
	aead cipher.AEAD
}

// New derives the AES-256 key from secret with HKDF-SHA256 and returns a
// ready-to-use Envelope.
func New(secret string) (*Envelope, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), []byte(Salt), nil), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Envelope{aead: aead}, nil
}

// Seal encrypts plaintext with a fresh random nonce and returns
// base64(nonce || ciphertext || tag).
func (e *Envelope) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decodes and authenticates an envelope. Every failure wraps ErrDecrypt
// and no plaintext is returned with it.
func (e *Envelope) Open(envelope string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecrypt, err)
	}
	if len(data) < NonceSize+e.aead.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrDecrypt, len(data))
	}
	plaintext, err := e.aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// SealedLen returns the envelope length for a plaintext of n bytes.
func SealedLen(n int) int {
	return base64.StdEncoding.EncodedLen(NonceSize + n + TagSize)
}
