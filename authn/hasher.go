package authn

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost balances login latency against brute-force cost.
const DefaultBcryptCost = 12

// Hasher hashes and verifies secrets. Implementations must be safe for
// concurrent use.
type Hasher interface {
	// Hash returns the encoded hash of a plaintext secret
	Hash(secret string) (string, error)

	// Compare checks a plaintext secret against an encoded hash.
	// Returns ErrAuthenticationFailed on mismatch.
	Compare(encodedHash, secret string) error
}

// BcryptHasher is a bcrypt-backed Hasher.
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher creates a hasher with the default cost.
func NewBcryptHasher() *BcryptHasher {
	return &BcryptHasher{Cost: DefaultBcryptCost}
}

// Hash implements Hasher.
func (h *BcryptHasher) Hash(secret string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hashed), nil
}

// Compare implements Hasher.
func (h *BcryptHasher) Compare(encodedHash, secret string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(secret)); err != nil {
		return ErrAuthenticationFailed
	}
	return nil
}
