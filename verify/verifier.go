// Package verify validates access tokens on the resource-server side.
//
// A Verifier checks signature, issuer, audience, lifetime, and scope against
// a KeySource. Resources running in the same process use LocalKeys; remote
// resources use RemoteKeys, which caches the published JWKS.
package verify

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tidegate/oauth-idp/keys"
	"github.com/tidegate/oauth-idp/token"
)

// Verification errors. Resource servers map these onto 401/403 responses;
// the distinction matters because insufficient_scope is the only one the
// client can fix by re-authorizing.
var (
	// ErrMalformed indicates the token is not a parseable JWT
	ErrMalformed = errors.New("token malformed")

	// ErrSignatureInvalid indicates the signature did not verify against the
	// resolved key
	ErrSignatureInvalid = errors.New("token signature invalid")

	// ErrExpired indicates the token is outside its validity window
	ErrExpired = errors.New("token expired")

	// ErrAudienceMismatch indicates the token was issued for another audience
	ErrAudienceMismatch = errors.New("token audience mismatch")

	// ErrInsufficientScope indicates the token is valid but lacks a required scope
	ErrInsufficientScope = errors.New("insufficient scope")

	// ErrUnknownKey indicates no verification key could be resolved for the
	// token's kid, even after refreshing the key set
	ErrUnknownKey = errors.New("unknown signing key")

	// ErrRevoked indicates the token's jti has been revoked
	ErrRevoked = errors.New("token revoked")
)

// allowedAlgorithms are the signature algorithms a verifier accepts.
// Restricting them defeats alg-substitution attacks.
var allowedAlgorithms = []string{keys.AlgES256, keys.AlgRS256}

// KeySource resolves a kid to a public verification key.
type KeySource interface {
	Key(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// LocalKeys resolves kids against an in-process key registry.
type LocalKeys struct {
	Registry *keys.Registry
}

// Key implements KeySource.
func (l *LocalKeys) Key(_ context.Context, kid string) (crypto.PublicKey, error) {
	key, err := l.Registry.VerificationKey(kid)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}
	return key.Public, nil
}

// RevocationChecker reports whether a jti has been revoked. The server's
// TokenStore satisfies this; remote resources usually skip it and accept the
// signed token at face value.
type RevocationChecker interface {
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// Verifier validates access tokens.
type Verifier struct {
	issuer      string
	source      KeySource
	revocations RevocationChecker
	logger      *slog.Logger
}

// NewVerifier creates a verifier for tokens issued by issuer.
func NewVerifier(issuer string, source KeySource, logger *slog.Logger) (*Verifier, error) {
	if issuer == "" {
		return nil, fmt.Errorf("issuer cannot be empty")
	}
	if source == nil {
		return nil, fmt.Errorf("key source cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{issuer: issuer, source: source, logger: logger}, nil
}

// SetRevocationChecker enables jti denylist checks on every verification.
func (v *Verifier) SetRevocationChecker(rc RevocationChecker) {
	v.revocations = rc
}

// Verify validates tokenString for the given audience and required scopes,
// returning the token's claims on success.
func (v *Verifier) Verify(ctx context.Context, tokenString, audience string, requiredScopes ...string) (*token.AccessClaims, error) {
	claims := &token.AccessClaims{}

	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(tok *jwt.Token) (interface{}, error) {
		kid, _ := tok.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid header", ErrUnknownKey)
		}
		return v.source.Key(ctx, kid)
	},
		jwt.WithValidMethods(allowedAlgorithms),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, v.mapParseError(err)
	}
	if !parsed.Valid {
		return nil, ErrSignatureInvalid
	}

	if err := requireScopes(claims.Scope, requiredScopes); err != nil {
		return nil, err
	}

	if v.revocations != nil && claims.ID != "" {
		revoked, err := v.revocations.IsAccessTokenRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("revocation check failed: %w", err)
		}
		if revoked {
			return nil, fmt.Errorf("%w: jti %s", ErrRevoked, claims.ID)
		}
	}

	return claims, nil
}

// mapParseError translates jwt/v5 errors into the package's taxonomy.
// Order matters: a malformed token can trip several checks at once.
func (v *Verifier) mapParseError(err error) error {
	switch {
	case errors.Is(err, ErrUnknownKey):
		return err
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrAudienceMismatch
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	default:
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
}

func requireScopes(granted string, required []string) error {
	if len(required) == 0 {
		return nil
	}
	have := make(map[string]bool)
	for _, s := range strings.Fields(granted) {
		have[s] = true
	}
	for _, s := range required {
		if !have[s] {
			return fmt.Errorf("%w: missing %s", ErrInsufficientScope, s)
		}
	}
	return nil
}
