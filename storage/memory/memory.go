// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tidegate/oauth-idp/instrumentation"
	"github.com/tidegate/oauth-idp/internal/util"
	"github.com/tidegate/oauth-idp/security"
	"github.com/tidegate/oauth-idp/storage"
)

const (
	// hashLogLength is the number of characters to include when logging token
	// hashes. Enough uniqueness for debugging while keeping logs safe.
	hashLogLength = 8

	// maxRefreshRecords is the threshold for warning about excessive refresh
	// token records. Helps detect memory exhaustion attacks.
	maxRefreshRecords = 10000

	// hardMaxRefreshRecords is the hard limit for refresh-token records.
	// Exceeding it causes SaveRefreshToken to fail. Rotated records count
	// toward the limit until the retention window expires them.
	hardMaxRefreshRecords = 50000
)

// Store is an in-memory implementation of all storage interfaces.
// It implements ClientStore, FlowStore, TokenStore, and ConsentStore.
type Store struct {
	mu sync.RWMutex

	// Client storage
	clients map[string]*storage.Client

	// Flow storage
	flows     map[string]*storage.AuthorizationFlow
	authCodes map[string]*storage.AuthorizationCode

	// Token storage. Refresh records are keyed by token hash, access records
	// by jti. SubjectID fields are encrypted at rest if an encryptor is set.
	refreshTokens map[string]*storage.RefreshTokenRecord
	accessTokens  map[string]*storage.AccessTokenRecord

	// Consent storage, keyed by subject+client
	consents map[string]*storage.Consent

	// Security
	encryptor *security.Encryptor

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	meter           metric.Meter

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCountAtomic  atomic.Int64
	flowsCountAtomic    atomic.Int64
	codesCountAtomic    atomic.Int64
	refreshCountAtomic  atomic.Int64
	consentsCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval       time.Duration
	rotatedRetentionHours int64 // how long rotated/revoked records stay for reuse detection
	stopCleanup           chan struct{}
	logger                *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore  = (*Store)(nil)
	_ storage.FlowStore    = (*Store)(nil)
	_ storage.TokenStore   = (*Store)(nil)
	_ storage.ConsentStore = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
// and default rotated-record retention (72 hours)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:               make(map[string]*storage.Client),
		flows:                 make(map[string]*storage.AuthorizationFlow),
		authCodes:             make(map[string]*storage.AuthorizationCode),
		refreshTokens:         make(map[string]*storage.RefreshTokenRecord),
		accessTokens:          make(map[string]*storage.AccessTokenRecord),
		consents:              make(map[string]*storage.Consent),
		cleanupInterval:       cleanupInterval,
		rotatedRetentionHours: 72,
		stopCleanup:           make(chan struct{}),
		logger:                slog.Default(),
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor sets the encryptor for subject identifiers at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Subject encryption at rest enabled for storage")
	}
}

// SetRotatedRetentionHours sets how long rotated and revoked refresh-token
// records are kept. The records must outlive the tokens they describe or
// reuse of an old token would look like an unknown token instead of theft.
func (s *Store) SetRotatedRetentionHours(hours int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotatedRetentionHours = hours
	s.logger.Info("Set rotated refresh-token retention", "retention_hours", hours)
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}

	// Initialize atomic counters with current counts
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.flowsCountAtomic.Store(int64(len(s.flows)))
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.refreshCountAtomic.Store(int64(len(s.refreshTokens)))
	s.consentsCountAtomic.Store(int64(len(s.consents)))
	s.mu.Unlock()

	if inst != nil {
		// Register storage size callbacks using atomic counters (lock-free).
		// These provide visibility for capacity planning and DoS monitoring.
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.flowsCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.refreshCountAtomic.Load() },
			func() int64 { return s.consentsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	close(s.stopCleanup)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]
	s.clients[client.ClientID] = client
	if !existed {
		s.clientsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	return client, nil
}

// DeleteClient removes a client registration
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.clients[clientID]; existed {
		delete(s.clients, clientID)
		s.clientsCountAtomic.Add(-1)
	}

	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}

	return clients, nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveFlow persists an authorization flow. Saving an existing flow ID
// overwrites the record, which is how the flow logic advances the state.
func (s *Store) SaveFlow(ctx context.Context, flow *storage.AuthorizationFlow) error {
	ctx, span := s.startStorageSpan(ctx, "save_flow")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_flow", err, startTime)
	}()

	if flow == nil || flow.FlowID == "" {
		err = fmt.Errorf("invalid authorization flow")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.flows[flow.FlowID]
	flowCopy := *flow
	s.flows[flow.FlowID] = &flowCopy
	if !existed {
		s.flowsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved authorization flow",
		"flow_id", util.SafeTruncate(flow.FlowID, hashLogLength),
		"state", flow.State)
	return nil
}

// GetFlow retrieves an authorization flow by ID.
// Returns a copy so callers cannot mutate the stored record.
func (s *Store) GetFlow(ctx context.Context, flowID string) (*storage.AuthorizationFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flow, ok := s.flows[flowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrFlowNotFound, util.SafeTruncate(flowID, hashLogLength))
	}

	// Check if expired with clock skew grace period
	if security.IsTokenExpired(flow.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization flow expired", storage.ErrRecordExpired)
	}

	flowCopy := *flow
	return &flowCopy, nil
}

// DeleteFlow removes an authorization flow
func (s *Store) DeleteFlow(ctx context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.flows[flowID]; existed {
		delete(s.flows, flowID)
		s.flowsCountAtomic.Add(-1)
	}

	s.logger.Debug("Deleted authorization flow",
		"flow_id", util.SafeTruncate(flowID, hashLogLength))
	return nil
}

// AtomicIncrementAuthAttempts atomically increments a flow's failed-attempt
// counter and moves the flow to the authenticating state.
//
// SECURITY: The increment happens under the write lock; concurrent failed
// logins each observe a distinct counter value.
func (s *Store) AtomicIncrementAuthAttempts(ctx context.Context, flowID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.flows[flowID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", storage.ErrFlowNotFound, util.SafeTruncate(flowID, hashLogLength))
	}
	if security.IsTokenExpired(flow.ExpiresAt) {
		return 0, fmt.Errorf("%w: authorization flow expired", storage.ErrRecordExpired)
	}

	flow.AuthAttempts++
	flow.State = storage.FlowStateAuthenticating

	s.logger.Debug("Recorded failed authentication attempt",
		"flow_id", util.SafeTruncate(flowID, hashLogLength),
		"attempts", flow.AuthAttempts)
	return flow.AuthAttempts, nil
}

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.authCodes[code.Code]
	codeCopy := *code
	s.authCodes[code.Code] = &codeCopy
	if !existed {
		s.codesCountAtomic.Add(1)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, hashLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it.
// For code exchange use AtomicConsumeAuthorizationCode instead.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}

	// Check if expired with clock skew grace period
	if security.IsTokenExpired(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrRecordExpired)
	}

	codeCopy := *authCode
	return &codeCopy, nil
}

// AtomicConsumeAuthorizationCode atomically checks that a code is unused and
// marks it consumed.
//
// SECURITY: This operation is atomic under the write lock; only ONE
// concurrent exchange can succeed. All others observe Consumed=true.
//
// The record is ONLY returned alongside ErrCodeConsumed to enable reuse
// detection and revocation. For not-found and expired, nil is returned to
// prevent information leakage.
func (s *Store) AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}

	// Check if expired with clock skew grace period
	if security.IsTokenExpired(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrRecordExpired)
	}

	if authCode.Consumed {
		// Replay. The caller needs subject and client for lineage revocation.
		codeCopy := *authCode
		return &codeCopy, storage.ErrCodeConsumed
	}

	authCode.Consumed = true
	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, hashLogLength))

	codeCopy := *authCode
	return &codeCopy, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.authCodes[code]; existed {
		delete(s.authCodes, code)
		s.codesCountAtomic.Add(-1)
	}

	s.logger.Debug("Deleted authorization code")
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveRefreshToken persists a refresh-token record keyed by token hash.
// The SubjectID field is encrypted at rest when an encryptor is configured.
func (s *Store) SaveRefreshToken(ctx context.Context, record *storage.RefreshTokenRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime)
	}()

	if record == nil || record.TokenHash == "" {
		err = fmt.Errorf("invalid refresh token record")
		return err
	}
	if record.FamilyID == "" {
		err = fmt.Errorf("family ID cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// SECURITY: Hard limit on refresh records to prevent memory exhaustion
	if _, exists := s.refreshTokens[record.TokenHash]; !exists {
		if count := len(s.refreshTokens); count >= hardMaxRefreshRecords {
			s.logger.Error("Refresh token record limit exceeded, blocking save",
				"current_count", count,
				"hard_limit", hardMaxRefreshRecords,
				"client_id", record.ClientID)
			err = fmt.Errorf("refresh token record limit exceeded (%d entries)", count)
			return err
		}
	}

	stored := *record
	stored.SubjectID, err = storage.EncryptSubjectID(record.SubjectID, s.encryptor)
	if err != nil {
		return err
	}

	_, existed := s.refreshTokens[record.TokenHash]
	s.refreshTokens[record.TokenHash] = &stored
	if !existed {
		s.refreshCountAtomic.Add(1)
	}

	s.logger.Debug("Saved refresh token",
		"hash_prefix", util.SafeTruncate(record.TokenHash, hashLogLength),
		"family_id", util.SafeTruncate(record.FamilyID, hashLogLength),
		"generation", record.Generation)
	return nil
}

// GetRefreshToken retrieves a refresh-token record by token hash
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshTokenRecord, error) {
	s.mu.RLock()
	encryptor := s.encryptor
	record, ok := s.refreshTokens[tokenHash]
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}

	return s.decryptRefreshRecord(record, encryptor)
}

// AtomicRotateRefreshToken atomically moves an active record to the rotated
// state and returns it.
//
// SECURITY: This operation is atomic under the write lock; only ONE
// concurrent refresh can succeed. Rotated and revoked records stay in the
// store for the retention window so a replay of an old token is recognized
// as reuse rather than an unknown token.
func (s *Store) AtomicRotateRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshTokenRecord, error) {
	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[tokenHash]
	if !ok {
		return nil, fmt.Errorf("%w: not found or already cleaned up", storage.ErrRefreshTokenNotFound)
	}

	// Check if expired with clock skew grace period
	if security.IsTokenExpired(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrRecordExpired)
	}

	if record.Status != storage.RefreshTokenActive {
		// Reuse. Return the stale record so the caller can revoke the family.
		stale, err := s.decryptRefreshRecord(record, s.encryptor)
		if err != nil {
			return nil, err
		}
		return stale, storage.ErrRefreshTokenReused
	}

	record.Status = storage.RefreshTokenRotated

	s.logger.Debug("Rotated refresh token",
		"hash_prefix", util.SafeTruncate(tokenHash, hashLogLength),
		"family_id", util.SafeTruncate(record.FamilyID, hashLogLength),
		"generation", record.Generation)

	return s.decryptRefreshRecord(record, s.encryptor)
}

// RevokeRefreshToken revokes a single refresh-token record by hash.
// Revoking an unknown token is not an error.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.refreshTokens[tokenHash]; ok {
		record.Status = storage.RefreshTokenRevoked
		s.logger.Debug("Revoked refresh token",
			"hash_prefix", util.SafeTruncate(tokenHash, hashLogLength))
	}
	return nil
}

// RevokeRefreshTokenFamily revokes every record in a family.
// Called when refresh-token reuse is detected.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, record := range s.refreshTokens {
		if record.FamilyID == familyID && record.Status != storage.RefreshTokenRevoked {
			record.Status = storage.RefreshTokenRevoked
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Warn("Revoked refresh token family",
			"family_id", util.SafeTruncate(familyID, hashLogLength),
			"tokens_revoked", revoked)
	}

	return revoked, nil
}

// RevokeTokensForSubjectClient revokes all refresh and access token records
// for a subject+client pair. Called when authorization code replay is
// detected.
func (s *Store) RevokeTokensForSubjectClient(ctx context.Context, subjectID, clientID string) (int, error) {
	if subjectID == "" || clientID == "" {
		return 0, fmt.Errorf("subjectID and clientID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, record := range s.refreshTokens {
		if record.ClientID != clientID || record.Status == storage.RefreshTokenRevoked {
			continue
		}
		stored, err := storage.DecryptSubjectID(record.SubjectID, s.encryptor)
		if err != nil {
			return revoked, err
		}
		if stored == subjectID {
			record.Status = storage.RefreshTokenRevoked
			revoked++
		}
	}

	for _, record := range s.accessTokens {
		if record.ClientID == clientID && record.SubjectID == subjectID && !record.Revoked {
			record.Revoked = true
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Warn("Revoked all tokens for subject+client",
			"subject_id", util.SafeTruncate(storage.HashToken(subjectID), hashLogLength),
			"client_id", clientID,
			"tokens_revoked", revoked)
	}

	return revoked, nil
}

// SaveAccessToken records an issued access token by jti
func (s *Store) SaveAccessToken(ctx context.Context, record *storage.AccessTokenRecord) error {
	if record == nil || record.JTI == "" {
		return fmt.Errorf("invalid access token record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recordCopy := *record
	s.accessTokens[record.JTI] = &recordCopy
	return nil
}

// GetAccessToken retrieves an access-token record by jti
func (s *Store) GetAccessToken(ctx context.Context, jti string) (*storage.AccessTokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.accessTokens[jti]
	if !ok {
		return nil, storage.ErrAccessTokenNotFound
	}

	recordCopy := *record
	return &recordCopy, nil
}

// IsAccessTokenRevoked reports whether the jti has been revoked.
// Unknown jtis are not revoked.
func (s *Store) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.accessTokens[jti]
	if !ok {
		return false, nil
	}
	return record.Revoked, nil
}

// ============================================================
// ConsentStore Implementation
// ============================================================

func consentKey(subjectID, clientID string) string {
	return subjectID + "\x00" + clientID
}

// SaveConsent saves a consent record, replacing any prior record for the pair
func (s *Store) SaveConsent(ctx context.Context, consent *storage.Consent) error {
	if consent == nil || consent.SubjectID == "" || consent.ClientID == "" {
		return fmt.Errorf("invalid consent record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := consentKey(consent.SubjectID, consent.ClientID)
	_, existed := s.consents[key]
	consentCopy := *consent
	s.consents[key] = &consentCopy
	if !existed {
		s.consentsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved consent",
		"subject_id", util.SafeTruncate(storage.HashToken(consent.SubjectID), hashLogLength),
		"client_id", consent.ClientID,
		"scopes", consent.Scopes)
	return nil
}

// GetConsent retrieves the consent record for a subject+client pair
func (s *Store) GetConsent(ctx context.Context, subjectID, clientID string) (*storage.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	consent, ok := s.consents[consentKey(subjectID, clientID)]
	if !ok {
		return nil, storage.ErrConsentNotFound
	}

	// Check if expired with clock skew grace period
	if security.IsTokenExpired(consent.ExpiresAt) {
		return nil, fmt.Errorf("%w: consent expired", storage.ErrRecordExpired)
	}

	consentCopy := *consent
	return &consentCopy, nil
}

// DeleteConsent removes the consent record for a subject+client pair
func (s *Store) DeleteConsent(ctx context.Context, subjectID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := consentKey(subjectID, clientID)
	if _, existed := s.consents[key]; existed {
		delete(s.consents, key)
		s.consentsCountAtomic.Add(-1)
	}
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	// Expired flows (with clock skew grace period)
	for flowID, flow := range s.flows {
		if security.IsTokenExpired(flow.ExpiresAt) {
			delete(s.flows, flowID)
			s.flowsCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Expired authorization codes. Consumed codes stay until expiry so
	// replays within the code lifetime are detected, not mistaken for
	// unknown codes.
	for code, authCode := range s.authCodes {
		if security.IsTokenExpired(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			s.codesCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Refresh records: expired ones go immediately; rotated and revoked
	// ones are kept for the retention window for reuse detection.
	retention := time.Duration(s.rotatedRetentionHours) * time.Hour
	staleThreshold := time.Now().Add(-retention)
	for hash, record := range s.refreshTokens {
		remove := security.IsTokenExpired(record.ExpiresAt)
		if !remove && record.Status != storage.RefreshTokenActive {
			remove = record.IssuedAt.Before(staleThreshold)
		}
		if remove {
			delete(s.refreshTokens, hash)
			s.refreshCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Expired access-token records
	for jti, record := range s.accessTokens {
		if security.IsTokenExpired(record.ExpiresAt) {
			delete(s.accessTokens, jti)
			cleaned++
		}
	}

	// Expired consents
	for key, consent := range s.consents {
		if security.IsTokenExpired(consent.ExpiresAt) {
			delete(s.consents, key)
			s.consentsCountAtomic.Add(-1)
			cleaned++
		}
	}

	// SECURITY MONITORING: excessive refresh-record growth can indicate a
	// memory exhaustion attack via repeated grants
	if count := len(s.refreshTokens); count > maxRefreshRecords {
		s.logger.Warn("Refresh token records approaching limit",
			"current_count", count,
			"max_threshold", maxRefreshRecords)
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// decryptRefreshRecord returns a copy of the record with the subject decrypted
func (s *Store) decryptRefreshRecord(record *storage.RefreshTokenRecord, encryptor *security.Encryptor) (*storage.RefreshTokenRecord, error) {
	recordCopy := *record
	subject, err := storage.DecryptSubjectID(record.SubjectID, encryptor)
	if err != nil {
		return nil, err
	}
	recordCopy.SubjectID = subject
	return &recordCopy, nil
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else {
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
