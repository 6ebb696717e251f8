package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// encryptionKeySize is AES-256.
const encryptionKeySize = 32

// Encryptor encrypts sensitive fields before they reach storage, using
// AES-256-GCM. A nil or empty key disables encryption and turns
// Encrypt/Decrypt into pass-throughs, so callers never need to branch.
type Encryptor struct {
	aead    cipher.AEAD
	enabled bool
}

// NewEncryptor creates an encryptor from a 32-byte key. An empty key yields
// a disabled encryptor.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{}, nil
	}
	if len(key) != encryptionKeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d",
			encryptionKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: aead, enabled: true}, nil
}

// IsEnabled reports whether values are actually being encrypted.
func (e *Encryptor) IsEnabled() bool {
	return e.enabled
}

// Encrypt seals plaintext and returns base64([nonce || ciphertext]).
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if !e.enabled {
		return plaintext, nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tampered or truncated input fails GCM
// authentication and returns an error.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	if !e.enabled {
		return encoded, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := e.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// GenerateKey returns a fresh random AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, encryptionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded key and checks its size.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != encryptionKeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", encryptionKeySize, len(key))
	}
	return key, nil
}

// KeyToBase64 encodes a key for storage in configuration.
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
