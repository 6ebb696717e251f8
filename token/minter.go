// Package token mints the artifacts the token endpoint hands out: signed
// access tokens, signed OIDC ID tokens, and opaque refresh tokens.
package token

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/tidegate/oauth-idp/keys"
)

// AccessClaims are the claims carried by an access token.
type AccessClaims struct {
	jwt.RegisteredClaims

	// Scope is the space-separated granted scope
	Scope string `json:"scope,omitempty"`

	// ClientID identifies the client the token was issued to
	ClientID string `json:"client_id"`
}

// IDClaims are the claims carried by an OIDC ID token.
type IDClaims struct {
	jwt.RegisteredClaims

	// Nonce echoes the client-supplied nonce from the authorization request
	Nonce string `json:"nonce,omitempty"`

	// AuthTime is when the subject authenticated (seconds since epoch)
	AuthTime int64 `json:"auth_time,omitempty"`
}

// Minter signs tokens with the registry's current key.
type Minter struct {
	issuer   string
	registry *keys.Registry
	logger   *slog.Logger
}

// NewMinter creates a minter. issuer becomes the iss claim of every token.
func NewMinter(issuer string, registry *keys.Registry, logger *slog.Logger) (*Minter, error) {
	if issuer == "" {
		return nil, fmt.Errorf("issuer cannot be empty")
	}
	if registry == nil {
		return nil, fmt.Errorf("key registry cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Minter{issuer: issuer, registry: registry, logger: logger}, nil
}

// AccessTokenParams describes the access token to mint.
type AccessTokenParams struct {
	SubjectID string // empty for client_credentials tokens
	ClientID  string
	Audience  string // defaults to ClientID when empty
	Scope     string
	TTL       time.Duration
	AuthTime  time.Time
}

// MintAccessToken signs an access token and returns it with its jti.
func (m *Minter) MintAccessToken(params AccessTokenParams) (string, string, error) {
	if params.ClientID == "" {
		return "", "", fmt.Errorf("client ID cannot be empty")
	}
	if params.TTL <= 0 {
		return "", "", fmt.Errorf("access token TTL must be positive")
	}

	audience := params.Audience
	if audience == "" {
		audience = params.ClientID
	}

	now := time.Now()
	jti := uuid.NewString()
	subject := params.SubjectID
	if subject == "" {
		// client_credentials: the client acts on its own behalf
		subject = params.ClientID
	}

	claims := &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(params.TTL)),
			ID:        jti,
		},
		Scope:    params.Scope,
		ClientID: params.ClientID,
	}

	signed, err := m.sign(claims)
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

// IDTokenParams describes the ID token to mint. The audience is the client
// the subject authorized.
type IDTokenParams struct {
	SubjectID string
	ClientID  string
	Nonce     string
	TTL       time.Duration
	AuthTime  time.Time
}

// MintIDToken signs an OIDC ID token.
func (m *Minter) MintIDToken(params IDTokenParams) (string, error) {
	if params.SubjectID == "" {
		return "", fmt.Errorf("subject ID cannot be empty")
	}
	if params.ClientID == "" {
		return "", fmt.Errorf("client ID cannot be empty")
	}
	if params.TTL <= 0 {
		return "", fmt.Errorf("ID token TTL must be positive")
	}

	now := time.Now()
	authTime := params.AuthTime
	if authTime.IsZero() {
		authTime = now
	}

	claims := &IDClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   params.SubjectID,
			Audience:  jwt.ClaimStrings{params.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(params.TTL)),
		},
		Nonce:    params.Nonce,
		AuthTime: authTime.Unix(),
	}

	return m.sign(claims)
}

func (m *Minter) sign(claims jwt.Claims) (string, error) {
	key := m.registry.Current()
	method := jwt.GetSigningMethod(key.Alg)
	if method == nil {
		return "", fmt.Errorf("unknown signing method %s", key.Alg)
	}

	tok := jwt.NewWithClaims(method, claims)
	// The kid header lets verifiers resolve the right key across rotations.
	tok.Header["kid"] = key.KID

	signed, err := tok.SignedString(key.Private)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// NewOpaqueToken returns a high-entropy opaque token suitable for
// authorization codes and refresh tokens (43 chars, 256 bits).
func NewOpaqueToken() string {
	return oauth2.GenerateVerifier()
}

// NewFamilyID returns an identifier for a refresh-token family.
func NewFamilyID() string {
	return uuid.NewString()
}
