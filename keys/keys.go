// Package keys manages the signing keys the server mints tokens with.
//
// The registry holds exactly one current signing key plus previously current
// keys that remain valid for verification until their retirement window ends.
// Rotation swaps the current key without invalidating tokens signed by its
// predecessor.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Supported signing algorithms
const (
	AlgES256 = "ES256"
	AlgRS256 = "RS256"
)

// rsaKeyBits is the modulus size for RS256 keys
const rsaKeyBits = 2048

// Sentinel errors returned by the registry
var (
	// ErrKeyNotFound indicates no key exists for the requested kid
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrKeyRetired indicates the key exists but is past its retirement window
	ErrKeyRetired = errors.New("signing key retired")

	// ErrUnsupportedAlgorithm indicates the algorithm is not ES256 or RS256
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
)

// SigningKey is one generation of signing material. Private is nil for keys
// reconstructed from a published JWKS.
type SigningKey struct {
	KID       string
	Alg       string
	Private   crypto.Signer
	Public    crypto.PublicKey
	NotBefore time.Time
	NotAfter  time.Time // zero for the current key (no retirement scheduled)
}

// Verifiable reports whether the key may still verify signatures at t.
func (k *SigningKey) Verifiable(t time.Time) bool {
	if t.Before(k.NotBefore) {
		return false
	}
	return k.NotAfter.IsZero() || t.Before(k.NotAfter)
}

// Registry holds the current signing key and retired-but-verifiable keys.
type Registry struct {
	mu        sync.RWMutex
	current   *SigningKey
	retired   []*SigningKey
	alg       string
	retention time.Duration
	logger    *slog.Logger
}

// NewRegistry creates a registry with a freshly generated current key.
// retention controls how long a rotated-out key remains verifiable; it must
// be at least the longest lifetime of any token the key may have signed.
func NewRegistry(alg string, retention time.Duration, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		return nil, fmt.Errorf("key retention must be positive")
	}

	key, err := generate(alg)
	if err != nil {
		return nil, err
	}

	logger.Info("Generated initial signing key", "kid", key.KID, "alg", alg)

	return &Registry{
		current:   key,
		alg:       alg,
		retention: retention,
		logger:    logger,
	}, nil
}

// Current returns the key new tokens are signed with.
func (r *Registry) Current() *SigningKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Rotate generates a new current key. The previous key moves to the retired
// set and keeps verifying signatures until the retention window ends.
func (r *Registry) Rotate() (*SigningKey, error) {
	next, err := generate(r.alg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.current
	previous.NotAfter = time.Now().Add(r.retention)
	r.retired = append(r.retired, previous)
	r.current = next

	// Drop keys whose window already ended; they can never verify again.
	kept := r.retired[:0]
	now := time.Now()
	for _, k := range r.retired {
		if k.Verifiable(now) {
			kept = append(kept, k)
		}
	}
	r.retired = kept

	r.logger.Info("Rotated signing key",
		"new_kid", next.KID,
		"previous_kid", previous.KID,
		"previous_verifiable_until", previous.NotAfter)

	return next, nil
}

// VerificationKey returns the key for a kid if it may still verify
// signatures. Retired keys past their window return ErrKeyRetired.
func (r *Registry) VerificationKey(kid string) (*SigningKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	if r.current.KID == kid {
		return r.current, nil
	}
	for _, k := range r.retired {
		if k.KID != kid {
			continue
		}
		if !k.Verifiable(now) {
			return nil, fmt.Errorf("%w: %s", ErrKeyRetired, kid)
		}
		return k, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
}

// VerifiableKeys returns the current key plus every retired key still inside
// its window. This is the set published as the JWKS.
func (r *Registry) VerifiableKeys() []*SigningKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	out := []*SigningKey{r.current}
	for _, k := range r.retired {
		if k.Verifiable(now) {
			out = append(out, k)
		}
	}
	return out
}

// JWKS returns the public key set for the jwks endpoint.
func (r *Registry) JWKS() (*JWKSet, error) {
	verifiable := r.VerifiableKeys()
	set := &JWKSet{Keys: make([]JWK, 0, len(verifiable))}
	for _, k := range verifiable {
		jwk, err := FromPublicKey(k.KID, k.Alg, k.Public)
		if err != nil {
			return nil, err
		}
		set.Keys = append(set.Keys, jwk)
	}
	return set, nil
}

func generate(alg string) (*SigningKey, error) {
	kid := uuid.NewString()
	now := time.Now()

	switch alg {
	case AlgES256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ES256 key: %w", err)
		}
		return &SigningKey{
			KID:       kid,
			Alg:       AlgES256,
			Private:   priv,
			Public:    &priv.PublicKey,
			NotBefore: now,
		}, nil
	case AlgRS256:
		priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RS256 key: %w", err)
		}
		return &SigningKey{
			KID:       kid,
			Alg:       AlgRS256,
			Private:   priv,
			Public:    &priv.PublicKey,
			NotBefore: now,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
}
