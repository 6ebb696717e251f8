// Package storage defines interfaces for persisting OAuth clients, authorization
// flows, tokens, and consent records. It supports multiple backend
// implementations including in-memory and Valkey.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Sentinel errors returned by storage implementations. Callers match them
// with errors.Is; backends wrap them with additional detail where useful.
var (
	// ErrClientNotFound indicates no client is registered under the given ID
	ErrClientNotFound = errors.New("client not found")

	// ErrFlowNotFound indicates no authorization flow exists for the given ID
	ErrFlowNotFound = errors.New("authorization flow not found")

	// ErrCodeNotFound indicates the authorization code does not exist
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeConsumed indicates the authorization code was already redeemed.
	// Implementations return the consumed record alongside this error so the
	// caller can revoke everything derived from the first redemption.
	ErrCodeConsumed = errors.New("authorization code already consumed")

	// ErrRefreshTokenNotFound indicates the refresh token hash has no record
	ErrRefreshTokenNotFound = errors.New("refresh token not found")

	// ErrRefreshTokenReused indicates the presented refresh token is not in
	// the active state (it was already rotated or its family was revoked).
	// Implementations return the stale record alongside this error so the
	// caller can revoke the whole family.
	ErrRefreshTokenReused = errors.New("refresh token reuse detected")

	// ErrAccessTokenNotFound indicates no access-token record exists for the jti
	ErrAccessTokenNotFound = errors.New("access token not found")

	// ErrConsentNotFound indicates no consent record exists for the
	// subject+client pair
	ErrConsentNotFound = errors.New("consent not found")

	// ErrRecordExpired indicates the record exists but is past its expiry.
	// Backends treat expired records as eligible for cleanup.
	ErrRecordExpired = errors.New("record expired")
)

// HashToken returns the hex-encoded SHA-256 digest of an opaque token.
// Stores index refresh tokens by this hash so the plaintext token never
// touches the backend.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// FlowState tracks where an authorization flow is in its lifecycle.
// Transitions only move forward; anything else is a protocol error.
type FlowState string

const (
	// FlowStateReceived is set when the /authorize request has been validated
	// and the flow persisted, before any authentication attempt.
	FlowStateReceived FlowState = "received"

	// FlowStateAuthenticating is set after at least one failed credential
	// submission, while retries remain.
	FlowStateAuthenticating FlowState = "authenticating"

	// FlowStateConsentPending is set once the subject authenticated and a
	// consent decision is still outstanding.
	FlowStateConsentPending FlowState = "consent_pending"

	// FlowStateCodeIssued is terminal: the authorization code was minted.
	FlowStateCodeIssued FlowState = "code_issued"

	// FlowStateRejected is terminal: the subject failed authentication too
	// many times, denied consent, or the flow was abandoned.
	FlowStateRejected FlowState = "rejected"
)

// RefreshTokenStatus is the lifecycle state of a refresh-token record.
type RefreshTokenStatus string

const (
	// RefreshTokenActive means the token is the current head of its family
	// and may be redeemed exactly once.
	RefreshTokenActive RefreshTokenStatus = "active"

	// RefreshTokenRotated means the token was redeemed and replaced by a
	// successor. Presenting it again is reuse.
	RefreshTokenRotated RefreshTokenStatus = "rotated"

	// RefreshTokenRevoked means the token (or its whole family) was revoked.
	RefreshTokenRevoked RefreshTokenStatus = "revoked"
)

// ClientStore defines the interface for managing registered OAuth clients.
// Registration is administrative; there is no dynamic registration endpoint.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// DeleteClient removes a client registration
	DeleteClient(ctx context.Context, clientID string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// FlowStore defines the interface for managing authorization flows and the
// codes they produce.
// All methods accept context.Context for tracing and cancellation.
type FlowStore interface {
	// SaveFlow persists an authorization flow. Saving an existing flow ID
	// overwrites the record; the flow logic uses this to advance the state.
	SaveFlow(ctx context.Context, flow *AuthorizationFlow) error

	// GetFlow retrieves an authorization flow by its server-generated ID
	GetFlow(ctx context.Context, flowID string) (*AuthorizationFlow, error)

	// DeleteFlow removes an authorization flow
	DeleteFlow(ctx context.Context, flowID string) error

	// AtomicIncrementAuthAttempts atomically increments a flow's failed-attempt
	// counter, moves the flow to FlowStateAuthenticating, and returns the new
	// count. Errors:
	//   - ErrFlowNotFound: flow does not exist
	//   - ErrRecordExpired: flow exists but expired
	// SECURITY: This operation MUST be atomic so concurrent failed logins
	// cannot observe the same counter value.
	AtomicIncrementAuthAttempts(ctx context.Context, flowID string) (int, error)

	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code without consuming it
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// AtomicConsumeAuthorizationCode atomically checks that a code is unused
	// and marks it consumed, returning the record. Errors:
	//   - ErrCodeNotFound: code does not exist
	//   - ErrRecordExpired: code exists but expired (record is nil)
	//   - ErrCodeConsumed: code was already redeemed; the consumed record is
	//     returned alongside the error so the caller can revoke derived tokens
	// SECURITY: This operation MUST be atomic so exactly one concurrent
	// exchange wins.
	AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore defines the interface for refresh-token families and
// access-token records.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveRefreshToken persists a refresh-token record, keyed by TokenHash
	SaveRefreshToken(ctx context.Context, record *RefreshTokenRecord) error

	// GetRefreshToken retrieves a refresh-token record by token hash
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshTokenRecord, error)

	// AtomicRotateRefreshToken atomically moves an active record to the
	// rotated state and returns it; the caller then mints and saves the
	// successor with the same family ID and Generation+1. Errors:
	//   - ErrRefreshTokenNotFound: no record for the hash
	//   - ErrRecordExpired: record expired (record is nil)
	//   - ErrRefreshTokenReused: record is rotated or revoked; the stale
	//     record is returned alongside the error for family revocation
	// SECURITY: This operation MUST be atomic so exactly one concurrent
	// refresh wins.
	AtomicRotateRefreshToken(ctx context.Context, tokenHash string) (*RefreshTokenRecord, error)

	// RevokeRefreshToken revokes a single refresh-token record by hash.
	// Revoking an unknown token is not an error (RFC 7009 semantics).
	RevokeRefreshToken(ctx context.Context, tokenHash string) error

	// RevokeRefreshTokenFamily revokes every record in a family.
	// Returns the number of records revoked.
	RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error)

	// RevokeTokensForSubjectClient revokes all refresh-token records and
	// access-token records for a subject+client pair. Called when
	// authorization code replay is detected.
	// Returns the number of records revoked.
	RevokeTokensForSubjectClient(ctx context.Context, subjectID, clientID string) (int, error)

	// SaveAccessToken records an issued access token by jti so lineage
	// revocation can reach self-contained tokens
	SaveAccessToken(ctx context.Context, record *AccessTokenRecord) error

	// GetAccessToken retrieves an access-token record by jti
	GetAccessToken(ctx context.Context, jti string) (*AccessTokenRecord, error)

	// IsAccessTokenRevoked reports whether the jti has been revoked.
	// Unknown jtis are not revoked; the signed token speaks for itself.
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// ConsentStore defines the interface for stored consent decisions.
// All methods accept context.Context for tracing and cancellation.
type ConsentStore interface {
	// SaveConsent saves a consent record, replacing any prior record for the
	// same subject+client pair
	SaveConsent(ctx context.Context, consent *Consent) error

	// GetConsent retrieves the consent record for a subject+client pair
	GetConsent(ctx context.Context, subjectID, clientID string) (*Consent, error)

	// DeleteConsent removes the consent record for a subject+client pair
	DeleteConsent(ctx context.Context, subjectID, clientID string) error
}

// Client represents a registered OAuth client
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash; empty for public clients
	ClientType       string // "public" or "confidential"
	ClientName       string
	RedirectURIs     []string // compared byte for byte, no normalization
	GrantTypes       []string
	Scopes           []string
	RequirePKCE      bool

	// Per-client TTL overrides; zero means use the server default.
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	CreatedAt time.Time
}

// AuthorizationFlow represents an in-flight authorization request, from the
// validated /authorize call until a code is issued or the flow is rejected.
type AuthorizationFlow struct {
	FlowID              string // server-generated, opaque to the client
	State               FlowState
	ClientID            string
	RedirectURI         string
	Scope               string
	ClientState         string // client CSRF state, echoed verbatim on redirect
	Nonce               string // OIDC nonce, carried into the ID token
	CodeChallenge       string
	CodeChallengeMethod string
	SubjectID           string // set once authentication succeeds
	AuthAttempts        int    // failed credential submissions so far
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code                string
	ClientID            string
	SubjectID           string
	RedirectURI         string // echoed for byte-equality check at exchange
	Scope               string // scopes granted by consent, not merely requested
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Consumed            bool
}

// RefreshTokenRecord represents a stored refresh token. The plaintext token
// is returned to the client once and never persisted; TokenHash is the key.
type RefreshTokenRecord struct {
	TokenHash  string
	ClientID   string
	SubjectID  string
	Scope      string
	FamilyID   string // shared by every token descended from one grant
	Generation int    // 1 for the initial grant, incremented on rotation
	Status     RefreshTokenStatus
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// AccessTokenRecord tracks an issued access token by jti. Access tokens are
// self-contained JWTs; these records exist so replay-triggered revocation can
// reach tokens that are still within their lifetime.
type AccessTokenRecord struct {
	JTI       string
	ClientID  string
	SubjectID string // empty for client_credentials tokens
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// Consent represents a subject's stored consent decision for a client
type Consent struct {
	SubjectID string
	ClientID  string
	Scopes    []string
	GrantedAt time.Time
	ExpiresAt time.Time
}

// Covers reports whether this consent record covers all requested scopes.
func (c *Consent) Covers(requested []string) bool {
	granted := make(map[string]bool, len(c.Scopes))
	for _, s := range c.Scopes {
		granted[s] = true
	}
	for _, s := range requested {
		if !granted[s] {
			return false
		}
	}
	return true
}
