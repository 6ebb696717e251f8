package verify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tidegate/oauth-idp/keys"
	"github.com/tidegate/oauth-idp/token"
)

const (
	testIssuer   = "https://idp.example.com"
	testAudience = "https://api.example.com"
)

type testIssuerSetup struct {
	registry *keys.Registry
	minter   *token.Minter
	verifier *Verifier
}

func newTestIssuer(t *testing.T) *testIssuerSetup {
	t.Helper()
	registry, err := keys.NewRegistry(keys.AlgES256, time.Hour, nil)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	minter, err := token.NewMinter(testIssuer, registry, nil)
	if err != nil {
		t.Fatalf("NewMinter() error = %v", err)
	}
	verifier, err := NewVerifier(testIssuer, &LocalKeys{Registry: registry}, nil)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	return &testIssuerSetup{registry: registry, minter: minter, verifier: verifier}
}

func (s *testIssuerSetup) mint(t *testing.T, scope string, ttl time.Duration) string {
	t.Helper()
	signed, _, err := s.minter.MintAccessToken(token.AccessTokenParams{
		SubjectID: "subject-1",
		ClientID:  "client-1",
		Audience:  testAudience,
		Scope:     scope,
		TTL:       ttl,
	})
	if err != nil {
		t.Fatalf("MintAccessToken() error = %v", err)
	}
	return signed
}

func TestVerifier_ValidToken(t *testing.T) {
	s := newTestIssuer(t)
	signed := s.mint(t, "openid profile", time.Hour)

	claims, err := s.verifier.Verify(context.Background(), signed, testAudience, "profile")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "subject-1" {
		t.Errorf("sub = %q, want subject-1", claims.Subject)
	}
	if claims.ClientID != "client-1" {
		t.Errorf("client_id = %q, want client-1", claims.ClientID)
	}
}

func TestVerifier_Malformed(t *testing.T) {
	s := newTestIssuer(t)

	_, err := s.verifier.Verify(context.Background(), "not-a-jwt", testAudience)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("error = %v, want ErrMalformed", err)
	}
}

func TestVerifier_Expired(t *testing.T) {
	s := newTestIssuer(t)
	signed := s.mint(t, "openid", time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	_, err := s.verifier.Verify(context.Background(), signed, testAudience)
	if !errors.Is(err, ErrExpired) {
		t.Errorf("error = %v, want ErrExpired", err)
	}
}

func TestVerifier_AudienceMismatch(t *testing.T) {
	s := newTestIssuer(t)
	signed := s.mint(t, "openid", time.Hour)

	_, err := s.verifier.Verify(context.Background(), signed, "https://other-api.example.com")
	if !errors.Is(err, ErrAudienceMismatch) {
		t.Errorf("error = %v, want ErrAudienceMismatch", err)
	}
}

func TestVerifier_InsufficientScope(t *testing.T) {
	s := newTestIssuer(t)
	signed := s.mint(t, "openid", time.Hour)

	_, err := s.verifier.Verify(context.Background(), signed, testAudience, "admin")
	if !errors.Is(err, ErrInsufficientScope) {
		t.Errorf("error = %v, want ErrInsufficientScope", err)
	}
}

func TestVerifier_ForeignSignature(t *testing.T) {
	s := newTestIssuer(t)

	// A token signed by a different issuer's key must not verify, even with
	// matching claims.
	foreign := newTestIssuer(t)
	signed := foreign.mint(t, "openid", time.Hour)

	_, err := s.verifier.Verify(context.Background(), signed, testAudience)
	if err == nil {
		t.Fatal("token signed with a foreign key must not verify")
	}
	if !errors.Is(err, ErrUnknownKey) && !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("error = %v, want ErrUnknownKey or ErrSignatureInvalid", err)
	}
}

func TestVerifier_SurvivesKeyRotation(t *testing.T) {
	s := newTestIssuer(t)
	signed := s.mint(t, "openid", time.Hour)

	if _, err := s.registry.Rotate(); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	if _, err := s.verifier.Verify(context.Background(), signed, testAudience); err != nil {
		t.Errorf("pre-rotation token should verify after rotation, got %v", err)
	}
}

type fakeRevocations struct {
	revoked map[string]bool
}

func (f *fakeRevocations) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	return f.revoked[jti], nil
}

func TestVerifier_RevokedToken(t *testing.T) {
	s := newTestIssuer(t)

	signed, jti, err := s.minter.MintAccessToken(token.AccessTokenParams{
		SubjectID: "subject-1",
		ClientID:  "client-1",
		Audience:  testAudience,
		TTL:       time.Hour,
	})
	if err != nil {
		t.Fatalf("MintAccessToken() error = %v", err)
	}

	s.verifier.SetRevocationChecker(&fakeRevocations{revoked: map[string]bool{jti: true}})

	_, err = s.verifier.Verify(context.Background(), signed, testAudience)
	if !errors.Is(err, ErrRevoked) {
		t.Errorf("error = %v, want ErrRevoked", err)
	}
}

// ============================================================
// RemoteKeys Tests
// ============================================================

func jwksHandler(t *testing.T, registry *keys.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		set, err := registry.JWKS()
		if err != nil {
			t.Errorf("JWKS() error = %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}
}

func TestRemoteKeys_VerifiesAgainstPublishedJWKS(t *testing.T) {
	s := newTestIssuer(t)

	srv := httptest.NewServer(jwksHandler(t, s.registry))
	defer srv.Close()

	remote, err := NewRemoteKeys(srv.URL, nil)
	if err != nil {
		t.Fatalf("NewRemoteKeys() error = %v", err)
	}
	verifier, err := NewVerifier(testIssuer, remote, nil)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	signed := s.mint(t, "openid", time.Hour)
	if _, err := verifier.Verify(context.Background(), signed, testAudience); err != nil {
		t.Errorf("Verify() via remote JWKS error = %v", err)
	}
}

func TestRemoteKeys_RefreshOnUnknownKid(t *testing.T) {
	s := newTestIssuer(t)

	srv := httptest.NewServer(jwksHandler(t, s.registry))
	defer srv.Close()

	remote, err := NewRemoteKeys(srv.URL, nil)
	if err != nil {
		t.Fatalf("NewRemoteKeys() error = %v", err)
	}
	remote.SetMinRefreshInterval(0)
	verifier, err := NewVerifier(testIssuer, remote, nil)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	// Warm the cache with the pre-rotation key set.
	signed := s.mint(t, "openid", time.Hour)
	if _, err := verifier.Verify(context.Background(), signed, testAudience); err != nil {
		t.Fatalf("warm-up Verify() error = %v", err)
	}

	// Rotate: the next token has a kid the cache has never seen, which must
	// trigger a refetch rather than a rejection.
	if _, err := s.registry.Rotate(); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	rotated := s.mint(t, "openid", time.Hour)

	if _, err := verifier.Verify(context.Background(), rotated, testAudience); err != nil {
		t.Errorf("Verify() after rotation error = %v", err)
	}
}

func TestRemoteKeys_UnknownKidAfterRefresh(t *testing.T) {
	s := newTestIssuer(t)

	srv := httptest.NewServer(jwksHandler(t, s.registry))
	defer srv.Close()

	remote, err := NewRemoteKeys(srv.URL, nil)
	if err != nil {
		t.Fatalf("NewRemoteKeys() error = %v", err)
	}
	remote.SetMinRefreshInterval(0)

	_, err = remote.Key(context.Background(), "never-published")
	if !errors.Is(err, ErrUnknownKey) {
		t.Errorf("error = %v, want ErrUnknownKey", err)
	}
}
