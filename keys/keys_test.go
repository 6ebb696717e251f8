package keys

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, alg string) *Registry {
	t.Helper()
	r, err := NewRegistry(alg, time.Hour, nil)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return r
}

func TestNewRegistry_GeneratesCurrentKey(t *testing.T) {
	r := newTestRegistry(t, AlgES256)

	current := r.Current()
	if current == nil {
		t.Fatal("Current() = nil")
	}
	if current.KID == "" {
		t.Error("current key has no kid")
	}
	if _, ok := current.Public.(*ecdsa.PublicKey); !ok {
		t.Errorf("ES256 public key type = %T, want *ecdsa.PublicKey", current.Public)
	}
	if !current.Verifiable(time.Now()) {
		t.Error("fresh current key should be verifiable")
	}
}

func TestNewRegistry_RS256(t *testing.T) {
	r := newTestRegistry(t, AlgRS256)

	if _, ok := r.Current().Public.(*rsa.PublicKey); !ok {
		t.Errorf("RS256 public key type = %T, want *rsa.PublicKey", r.Current().Public)
	}
}

func TestNewRegistry_UnsupportedAlgorithm(t *testing.T) {
	_, err := NewRegistry("HS256", time.Hour, nil)
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("error = %v, want ErrUnsupportedAlgorithm", err)
	}
}

func TestRegistry_Rotate(t *testing.T) {
	r := newTestRegistry(t, AlgES256)
	oldKID := r.Current().KID

	next, err := r.Rotate()
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if next.KID == oldKID {
		t.Error("rotation must produce a new kid")
	}
	if r.Current().KID != next.KID {
		t.Error("Current() should return the new key after rotation")
	}

	// Tokens signed before rotation must still verify: the old key stays
	// resolvable until its retirement window ends.
	old, err := r.VerificationKey(oldKID)
	if err != nil {
		t.Fatalf("VerificationKey(old) error = %v", err)
	}
	if old.NotAfter.IsZero() {
		t.Error("retired key should have a retirement deadline")
	}
}

func TestRegistry_VerificationKey_Unknown(t *testing.T) {
	r := newTestRegistry(t, AlgES256)

	_, err := r.VerificationKey("no-such-kid")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("error = %v, want ErrKeyNotFound", err)
	}
}

func TestRegistry_JWKS_IncludesRetiredKeys(t *testing.T) {
	r := newTestRegistry(t, AlgES256)
	oldKID := r.Current().KID

	if _, err := r.Rotate(); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	set, err := r.JWKS()
	if err != nil {
		t.Fatalf("JWKS() error = %v", err)
	}
	if len(set.Keys) != 2 {
		t.Fatalf("len(Keys) = %d, want 2 (current + retired)", len(set.Keys))
	}
	if _, ok := set.KeyByID(oldKID); !ok {
		t.Error("retired key missing from JWKS")
	}
	if _, ok := set.KeyByID(r.Current().KID); !ok {
		t.Error("current key missing from JWKS")
	}
}

func TestSigningKey_Verifiable_Window(t *testing.T) {
	now := time.Now()
	key := &SigningKey{
		NotBefore: now.Add(-time.Hour),
		NotAfter:  now.Add(-time.Minute),
	}
	if key.Verifiable(now) {
		t.Error("key past NotAfter should not be verifiable")
	}

	key.NotAfter = now.Add(time.Minute)
	if !key.Verifiable(now) {
		t.Error("key inside its window should be verifiable")
	}
}

func TestJWK_RoundTrip_EC(t *testing.T) {
	r := newTestRegistry(t, AlgES256)
	current := r.Current()

	jwk, err := FromPublicKey(current.KID, current.Alg, current.Public)
	if err != nil {
		t.Fatalf("FromPublicKey() error = %v", err)
	}
	if jwk.Kty != "EC" || jwk.Crv != "P-256" || jwk.Use != "sig" {
		t.Errorf("unexpected JWK shape: %+v", jwk)
	}

	pub, err := jwk.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey() error = %v", err)
	}
	decoded, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		t.Fatalf("decoded type = %T, want *ecdsa.PublicKey", pub)
	}
	orig := current.Public.(*ecdsa.PublicKey)
	if decoded.X.Cmp(orig.X) != 0 || decoded.Y.Cmp(orig.Y) != 0 {
		t.Error("decoded EC key does not match original")
	}
}

func TestJWK_RoundTrip_RSA(t *testing.T) {
	r := newTestRegistry(t, AlgRS256)
	current := r.Current()

	jwk, err := FromPublicKey(current.KID, current.Alg, current.Public)
	if err != nil {
		t.Fatalf("FromPublicKey() error = %v", err)
	}

	pub, err := jwk.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey() error = %v", err)
	}
	decoded, ok := pub.(*rsa.PublicKey)
	if !ok {
		t.Fatalf("decoded type = %T, want *rsa.PublicKey", pub)
	}
	orig := current.Public.(*rsa.PublicKey)
	if decoded.N.Cmp(orig.N) != 0 || decoded.E != orig.E {
		t.Error("decoded RSA key does not match original")
	}
}

func TestJWK_PublicKey_UnsupportedType(t *testing.T) {
	jwk := JWK{Kty: "oct"}
	if _, err := jwk.PublicKey(); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("error = %v, want ErrUnsupportedAlgorithm", err)
	}
}
