package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/tidegate/oauth-idp/security"
	"github.com/tidegate/oauth-idp/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	// defaultRotatedRetentionHours is how long rotated and revoked refresh
	// records are kept for reuse detection when the server does not override it
	defaultRotatedRetentionHours = 72

	// hashLogLength is the number of characters to include when logging
	// token hashes and family IDs
	hashLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxIDLength is the maximum allowed length for identifiers
	// (subjectID, clientID, familyID, token hashes)
	MaxIDLength = 256
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of all storage interfaces.
// It implements ClientStore, FlowStore, TokenStore, and ConsentStore.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	// rotatedRetentionHours is how long rotated/revoked refresh records stay
	// for reuse detection. Accessed atomically.
	rotatedRetentionHours atomic.Int64

	// encryptor provides optional subject encryption at rest.
	// Access must be synchronized via encryptorMu.
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore  = (*Store)(nil)
	_ storage.FlowStore    = (*Store)(nil)
	_ storage.TokenStore   = (*Store)(nil)
	_ storage.ConsentStore = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	s := &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}
	s.rotatedRetentionHours.Store(defaultRotatedRetentionHours)
	return s, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor sets the encryptor for subject identifiers at rest.
// When set, the SubjectID field of refresh-token records is encrypted before
// storing in Valkey and decrypted when retrieved. Index keys stay
// hash-derived so lookups never need the plaintext.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Subject encryption at rest enabled for Valkey storage")
	}
}

// getEncryptor returns the current encryptor (thread-safe)
func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// SetRotatedRetentionHours sets how long rotated and revoked refresh-token
// records are kept. The records must outlive the tokens they describe or
// reuse of an old token would look like an unknown token instead of theft.
func (s *Store) SetRotatedRetentionHours(hours int64) {
	if hours <= 0 {
		return
	}
	s.rotatedRetentionHours.Store(hours)
	s.logger.Info("Set rotated refresh-token retention", "retention_hours", hours)
}

// retentionTTL returns the retention window for stale refresh records
func (s *Store) retentionTTL() time.Duration {
	return time.Duration(s.rotatedRetentionHours.Load()) * time.Hour
}

// ============================================================
// Key Helpers
// ============================================================
//
// Subject-scoped index keys use the SHA-256 hash of the subject ID, never the
// plaintext, so the key space stays stable when subject encryption at rest
// is enabled.

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// flowKey returns the key for an authorization flow: {prefix}flow:{flowID}
func (s *Store) flowKey(flowID string) string {
	return fmt.Sprintf("%sflow:%s", s.prefix, flowID)
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// refreshKey returns the key for a refresh record: {prefix}refresh:{tokenHash}
func (s *Store) refreshKey(tokenHash string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, tokenHash)
}

// familyKey returns the key for a family set: {prefix}family:{familyID}
func (s *Store) familyKey(familyID string) string {
	return fmt.Sprintf("%sfamily:%s", s.prefix, familyID)
}

// subjectRefreshKey returns the key for the subject+client refresh-token set:
// {prefix}subject:refresh:{subjectHash}:{clientID}
func (s *Store) subjectRefreshKey(subjectID, clientID string) string {
	return fmt.Sprintf("%ssubject:refresh:%s:%s", s.prefix, storage.HashToken(subjectID), clientID)
}

// subjectAccessKey returns the key for the subject+client access-token set:
// {prefix}subject:access:{subjectHash}:{clientID}
func (s *Store) subjectAccessKey(subjectID, clientID string) string {
	return fmt.Sprintf("%ssubject:access:%s:%s", s.prefix, storage.HashToken(subjectID), clientID)
}

// accessKey returns the key for an access-token record: {prefix}access:{jti}
func (s *Store) accessKey(jti string) string {
	return fmt.Sprintf("%saccess:%s", s.prefix, jti)
}

// consentKey returns the key for a consent record:
// {prefix}consent:{subjectHash}:{clientID}
func (s *Store) consentKey(subjectID, clientID string) string {
	return fmt.Sprintf("%sconsent:%s:%s", s.prefix, storage.HashToken(subjectID), clientID)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// The code exchange and the refresh rotation are single-winner operations:
// exactly one concurrent request may succeed, and the loser must be able to
// tell theft from a benign miss. Lua scripts give the same atomicity the
// in-memory store gets from its write lock.

// luaConsumeAuthorizationCode atomically checks that an authorization code is
// unconsumed and marks it consumed, preserving the key's TTL.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns:
//   - the updated JSON record when the code was unconsumed
//   - "NOT_FOUND" if the key does not exist
//   - "EXPIRED" if the record is past its expiry
//   - "CONSUMED:<json>" if the code was already redeemed (the record is
//     returned so the caller can revoke everything derived from it)
const luaConsumeAuthorizationCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local record = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(record.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

if record.consumed then
    return 'CONSUMED:' .. data
end

record.consumed = true
local updated = cjson.encode(record)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')

return updated
`

// luaRotateRefreshToken atomically moves an active refresh record to the
// rotated state. The rotated record is re-stored with the retention TTL so a
// later replay of the same token is recognized as reuse, not an unknown
// token.
//
// KEYS[1] = refresh record key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = retention TTL in seconds for the rotated record
//
// Returns:
//   - the updated JSON record when the token was active
//   - "NOT_FOUND" if the key does not exist
//   - "EXPIRED" if the record is past its expiry
//   - "REUSED:<json>" if the record is not active (the stale record is
//     returned so the caller can revoke the whole family)
const luaRotateRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local record = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(record.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

if record.status ~= 'active' then
    return 'REUSED:' .. data
end

record.status = 'rotated'
local updated = cjson.encode(record)
redis.call('SET', KEYS[1], updated, 'EX', ARGV[2])

return updated
`

// luaIncrementAuthAttempts atomically increments a flow's failed-attempt
// counter and moves the flow to the authenticating state, preserving the
// key's TTL.
//
// KEYS[1] = flow key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns:
//   - the new attempt count as a string when the flow exists
//   - "NOT_FOUND" if the key does not exist
//   - "EXPIRED" if the record is past its expiry
const luaIncrementAuthAttempts = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local record = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(record.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

record.auth_attempts = (record.auth_attempts or 0) + 1
record.state = 'authenticating'
redis.call('SET', KEYS[1], cjson.encode(record), 'KEEPTTL')

return tostring(record.auth_attempts)
`

// ============================================================
// JSON Serialization
// ============================================================
//
// Records are stored as JSON with Unix-second timestamps. The expires_at and
// status fields are read by the Lua scripts above; renaming them breaks the
// atomic operations.

// clientJSON is the JSON representation of a registered client
type clientJSON struct {
	ClientID         string   `json:"client_id"`
	ClientSecretHash string   `json:"client_secret_hash,omitempty"`
	ClientType       string   `json:"client_type"`
	ClientName       string   `json:"client_name,omitempty"`
	RedirectURIs     []string `json:"redirect_uris"`
	GrantTypes       []string `json:"grant_types,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
	RequirePKCE      bool     `json:"require_pkce"`
	AccessTokenTTL   int64    `json:"access_token_ttl,omitempty"`
	RefreshTokenTTL  int64    `json:"refresh_token_ttl,omitempty"`
	CreatedAt        int64    `json:"created_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:         client.ClientID,
		ClientSecretHash: client.ClientSecretHash,
		ClientType:       client.ClientType,
		ClientName:       client.ClientName,
		RedirectURIs:     client.RedirectURIs,
		GrantTypes:       client.GrantTypes,
		Scopes:           client.Scopes,
		RequirePKCE:      client.RequirePKCE,
		AccessTokenTTL:   int64(client.AccessTokenTTL.Seconds()),
		RefreshTokenTTL:  int64(client.RefreshTokenTTL.Seconds()),
		CreatedAt:        client.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientType:       j.ClientType,
		ClientName:       j.ClientName,
		RedirectURIs:     j.RedirectURIs,
		GrantTypes:       j.GrantTypes,
		Scopes:           j.Scopes,
		RequirePKCE:      j.RequirePKCE,
		AccessTokenTTL:   time.Duration(j.AccessTokenTTL) * time.Second,
		RefreshTokenTTL:  time.Duration(j.RefreshTokenTTL) * time.Second,
		CreatedAt:        time.Unix(j.CreatedAt, 0),
	}
}

// flowJSON is the JSON representation of an authorization flow.
// The state, auth_attempts, and expires_at fields are read by
// luaIncrementAuthAttempts.
type flowJSON struct {
	FlowID              string `json:"flow_id"`
	State               string `json:"state"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	ClientState         string `json:"client_state,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	SubjectID           string `json:"subject_id,omitempty"`
	AuthAttempts        int    `json:"auth_attempts"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
}

func toFlowJSON(flow *storage.AuthorizationFlow) *flowJSON {
	return &flowJSON{
		FlowID:              flow.FlowID,
		State:               string(flow.State),
		ClientID:            flow.ClientID,
		RedirectURI:         flow.RedirectURI,
		Scope:               flow.Scope,
		ClientState:         flow.ClientState,
		Nonce:               flow.Nonce,
		CodeChallenge:       flow.CodeChallenge,
		CodeChallengeMethod: flow.CodeChallengeMethod,
		SubjectID:           flow.SubjectID,
		AuthAttempts:        flow.AuthAttempts,
		CreatedAt:           flow.CreatedAt.Unix(),
		ExpiresAt:           flow.ExpiresAt.Unix(),
	}
}

func fromFlowJSON(j *flowJSON) *storage.AuthorizationFlow {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationFlow{
		FlowID:              j.FlowID,
		State:               storage.FlowState(j.State),
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		ClientState:         j.ClientState,
		Nonce:               j.Nonce,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		SubjectID:           j.SubjectID,
		AuthAttempts:        j.AuthAttempts,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
	}
}

// codeJSON is the JSON representation of an authorization code.
// The consumed and expires_at fields are read by luaConsumeAuthorizationCode.
type codeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	SubjectID           string `json:"subject_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	Nonce               string `json:"nonce,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Consumed            bool   `json:"consumed"`
}

func toCodeJSON(code *storage.AuthorizationCode) *codeJSON {
	return &codeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		SubjectID:           code.SubjectID,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope,
		Nonce:               code.Nonce,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Consumed:            code.Consumed,
	}
}

func fromCodeJSON(j *codeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		SubjectID:           j.SubjectID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		Nonce:               j.Nonce,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Consumed:            j.Consumed,
	}
}

// refreshJSON is the JSON representation of a refresh-token record.
// The status and expires_at fields are read by luaRotateRefreshToken.
type refreshJSON struct {
	TokenHash  string `json:"token_hash"`
	ClientID   string `json:"client_id"`
	SubjectID  string `json:"subject_id"`
	Scope      string `json:"scope"`
	FamilyID   string `json:"family_id"`
	Generation int    `json:"generation"`
	Status     string `json:"status"`
	IssuedAt   int64  `json:"issued_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

func toRefreshJSON(record *storage.RefreshTokenRecord) *refreshJSON {
	return &refreshJSON{
		TokenHash:  record.TokenHash,
		ClientID:   record.ClientID,
		SubjectID:  record.SubjectID,
		Scope:      record.Scope,
		FamilyID:   record.FamilyID,
		Generation: record.Generation,
		Status:     string(record.Status),
		IssuedAt:   record.IssuedAt.Unix(),
		ExpiresAt:  record.ExpiresAt.Unix(),
	}
}

func fromRefreshJSON(j *refreshJSON) *storage.RefreshTokenRecord {
	if j == nil {
		return nil
	}
	return &storage.RefreshTokenRecord{
		TokenHash:  j.TokenHash,
		ClientID:   j.ClientID,
		SubjectID:  j.SubjectID,
		Scope:      j.Scope,
		FamilyID:   j.FamilyID,
		Generation: j.Generation,
		Status:     storage.RefreshTokenStatus(j.Status),
		IssuedAt:   time.Unix(j.IssuedAt, 0),
		ExpiresAt:  time.Unix(j.ExpiresAt, 0),
	}
}

// accessJSON is the JSON representation of an access-token record
type accessJSON struct {
	JTI       string `json:"jti"`
	ClientID  string `json:"client_id"`
	SubjectID string `json:"subject_id,omitempty"`
	Scope     string `json:"scope"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
	Revoked   bool   `json:"revoked"`
}

func toAccessJSON(record *storage.AccessTokenRecord) *accessJSON {
	return &accessJSON{
		JTI:       record.JTI,
		ClientID:  record.ClientID,
		SubjectID: record.SubjectID,
		Scope:     record.Scope,
		IssuedAt:  record.IssuedAt.Unix(),
		ExpiresAt: record.ExpiresAt.Unix(),
		Revoked:   record.Revoked,
	}
}

func fromAccessJSON(j *accessJSON) *storage.AccessTokenRecord {
	if j == nil {
		return nil
	}
	return &storage.AccessTokenRecord{
		JTI:       j.JTI,
		ClientID:  j.ClientID,
		SubjectID: j.SubjectID,
		Scope:     j.Scope,
		IssuedAt:  time.Unix(j.IssuedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
		Revoked:   j.Revoked,
	}
}

// consentJSON is the JSON representation of a consent record
type consentJSON struct {
	SubjectID string   `json:"subject_id"`
	ClientID  string   `json:"client_id"`
	Scopes    []string `json:"scopes"`
	GrantedAt int64    `json:"granted_at"`
	ExpiresAt int64    `json:"expires_at"`
}

func toConsentJSON(consent *storage.Consent) *consentJSON {
	return &consentJSON{
		SubjectID: consent.SubjectID,
		ClientID:  consent.ClientID,
		Scopes:    consent.Scopes,
		GrantedAt: consent.GrantedAt.Unix(),
		ExpiresAt: consent.ExpiresAt.Unix(),
	}
}

func fromConsentJSON(j *consentJSON) *storage.Consent {
	if j == nil {
		return nil
	}
	return &storage.Consent{
		SubjectID: j.SubjectID,
		ClientID:  j.ClientID,
		Scopes:    j.Scopes,
		GrantedAt: time.Unix(j.GrantedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
	}
}

// ============================================================
// Helpers
// ============================================================

// getAndUnmarshal fetches a key, unmarshals the JSON data, and converts it to
// the target type. A missing key maps to notFoundErr.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// safeTruncate safely truncates a string to n characters
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// calculateTTL calculates the TTL for a key based on expiry time.
// Returns 0 if the key has already expired.
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// validateStringLength checks if a string exceeds the maximum allowed length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, maxLen)
	}
	return nil
}
