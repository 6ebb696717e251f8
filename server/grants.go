package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tidegate/oauth-idp/storage"
	"github.com/tidegate/oauth-idp/token"
)

// Grant type constants (duplicated from the root package; keep in sync with
// constants.go)
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// ScopeOpenID in a granted scope requests an ID token alongside the access
// token.
const ScopeOpenID = "openid"

// TokenRequest carries the decoded parameters of a POST /token request.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string

	// authorization_code grant
	Code         string
	RedirectURI  string
	CodeVerifier string

	// refresh_token grant
	RefreshToken string

	// refresh_token and client_credentials grants
	Scope string
}

// TokenResult is a successful token endpoint response before JSON encoding.
type TokenResult struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	IDToken      string
	Scope        string
}

// Exchange authenticates the client and dispatches on grant_type.
func (s *Server) Exchange(ctx context.Context, req TokenRequest, clientIP string) (*TokenResult, *Error) {
	if req.GrantType == "" {
		return nil, errInvalidRequest("grant_type is required")
	}

	client, oerr := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if oerr != nil {
		if s.Auditor != nil && s.auditEventAllowed(clientIP) {
			s.Auditor.LogAuthFailure("", req.ClientID, clientIP, "client authentication failed")
		}
		return nil, oerr
	}

	if !clientSupportsGrant(client, req.GrantType) {
		switch req.GrantType {
		case GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeClientCredentials:
			return nil, errUnauthorizedClient("client is not authorized for this grant type")
		default:
			return nil, errUnsupportedGrantType("unsupported grant_type")
		}
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, client, req, clientIP)
	case GrantTypeRefreshToken:
		return s.refreshGrant(ctx, client, req, clientIP)
	case GrantTypeClientCredentials:
		return s.clientCredentialsGrant(ctx, client, req, clientIP)
	default:
		return nil, errUnsupportedGrantType("unsupported grant_type")
	}
}

// exchangeAuthorizationCode redeems an authorization code for a token set.
//
// The consume is atomic: exactly one concurrent exchange wins. A replay of an
// already-consumed code is treated as code interception and revokes every
// token derived from the first redemption.
func (s *Server) exchangeAuthorizationCode(ctx context.Context, client *storage.Client, req TokenRequest, clientIP string) (*TokenResult, *Error) {
	if req.Code == "" {
		return nil, errInvalidRequest("code is required")
	}

	code, err := s.flowStore.AtomicConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCodeConsumed):
			return nil, s.handleCodeReplay(ctx, code, clientIP)
		case errors.Is(err, storage.ErrCodeNotFound):
			return nil, errInvalidGrant("invalid authorization code")
		case errors.Is(err, storage.ErrRecordExpired):
			return nil, errInvalidGrant("authorization code expired")
		default:
			s.Logger.Error("Code consumption failed", "error", err)
			return nil, errTemporarilyUnavailable("token store unavailable")
		}
	}

	if code.ClientID != client.ClientID {
		if s.Auditor != nil && s.auditEventAllowed(clientIP) {
			s.Auditor.LogSuspiciousActivity(code.SubjectID, client.ClientID, clientIP,
				"authorization code presented by a different client")
		}
		return nil, errInvalidGrant("invalid authorization code")
	}

	// Byte-for-byte equality with the URI the code was issued for
	if req.RedirectURI != code.RedirectURI {
		if s.Auditor != nil && s.auditEventAllowed(clientIP) {
			s.Auditor.LogInvalidRedirect(client.ClientID, clientIP, req.RedirectURI,
				"redirect_uri mismatch at code exchange")
		}
		return nil, errInvalidGrant("redirect_uri does not match the authorization request")
	}

	if err := s.validatePKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		if s.Auditor != nil && s.auditEventAllowed(clientIP) {
			s.Auditor.LogPKCEFailure(client.ClientID, clientIP, err.Error())
		}
		return nil, errInvalidGrant("PKCE verification failed")
	}

	result, oerr := s.mintTokenSet(ctx, client, code.SubjectID, code.Scope, code.Nonce, clientIP)
	if oerr != nil {
		return nil, oerr
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(code.SubjectID, client.ClientID, clientIP, GrantTypeAuthorizationCode, code.Scope)
	}
	return result, nil
}

// handleCodeReplay revokes everything derived from the code's first
// redemption. The consumed record travels with ErrCodeConsumed, so the
// lineage (subject, client) is known even though the code is spent.
func (s *Server) handleCodeReplay(ctx context.Context, code *storage.AuthorizationCode, clientIP string) *Error {
	if code == nil {
		return errInvalidGrant("invalid authorization code")
	}

	revoked, err := s.tokenStore.RevokeTokensForSubjectClient(ctx, code.SubjectID, code.ClientID)
	if err != nil {
		s.Logger.Error("Failed to revoke tokens after code replay",
			"client_id", code.ClientID, "error", err)
		return errTemporarilyUnavailable("token store unavailable")
	}

	s.Logger.Warn("Authorization code replay detected",
		"client_id", code.ClientID,
		"tokens_revoked", revoked)
	if s.Auditor != nil {
		s.Auditor.LogCodeReplayDetected(code.SubjectID, code.ClientID, clientIP, revoked)
	}
	return errInvalidGrant("invalid authorization code")
}

// refreshGrant rotates a refresh token and mints a fresh token set.
//
// Rotation is atomic: exactly one concurrent refresh wins. Presenting a
// rotated or revoked token is treated as theft and revokes the whole family.
func (s *Server) refreshGrant(ctx context.Context, client *storage.Client, req TokenRequest, clientIP string) (*TokenResult, *Error) {
	if req.RefreshToken == "" {
		return nil, errInvalidRequest("refresh_token is required")
	}

	tokenHash := storage.HashToken(req.RefreshToken)
	record, err := s.tokenStore.AtomicRotateRefreshToken(ctx, tokenHash)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrRefreshTokenReused):
			return nil, s.handleRefreshReuse(ctx, record, clientIP)
		case errors.Is(err, storage.ErrRefreshTokenNotFound):
			return nil, errInvalidGrant("invalid refresh token")
		case errors.Is(err, storage.ErrRecordExpired):
			return nil, errInvalidGrant("refresh token expired")
		default:
			s.Logger.Error("Refresh token rotation failed", "error", err)
			return nil, errTemporarilyUnavailable("token store unavailable")
		}
	}

	if record.ClientID != client.ClientID {
		// The token rotated before the mismatch was visible, so the family is
		// burned either way. Revoke it rather than leave a rotated head.
		if _, revErr := s.tokenStore.RevokeRefreshTokenFamily(ctx, record.FamilyID); revErr != nil {
			s.Logger.Error("Failed to revoke family after client mismatch", "error", revErr)
		}
		if s.Auditor != nil && s.auditEventAllowed(clientIP) {
			s.Auditor.LogSuspiciousActivity(record.SubjectID, client.ClientID, clientIP,
				"refresh token presented by a different client")
		}
		return nil, errInvalidGrant("invalid refresh token")
	}

	// Scope may only narrow relative to the original grant. The record keeps
	// the original grant's scope as the ceiling across rotations.
	grantedScope := record.Scope
	if req.Scope != "" {
		if !scopeSubset(req.Scope, record.Scope) {
			return nil, errInvalidScope("requested scope exceeds the original grant")
		}
		grantedScope = req.Scope
	}

	now := time.Now()
	successorPlain := token.NewOpaqueToken()
	successor := &storage.RefreshTokenRecord{
		TokenHash:  storage.HashToken(successorPlain),
		ClientID:   record.ClientID,
		SubjectID:  record.SubjectID,
		Scope:      record.Scope,
		FamilyID:   record.FamilyID,
		Generation: record.Generation + 1,
		Status:     storage.RefreshTokenActive,
		IssuedAt:   now,
		// The family's absolute expiry is fixed at the original grant;
		// rotation never extends it.
		ExpiresAt: record.ExpiresAt,
	}
	if err := s.tokenStore.SaveRefreshToken(ctx, successor); err != nil {
		s.Logger.Error("Failed to save rotated refresh token", "error", err)
		return nil, errTemporarilyUnavailable("token store unavailable")
	}

	accessToken, _, oerr := s.mintAccessToken(ctx, client, record.SubjectID, grantedScope)
	if oerr != nil {
		return nil, oerr
	}

	result := &TokenResult{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTokenTTL(client).Seconds()),
		RefreshToken: successorPlain,
		Scope:        grantedScope,
	}
	if scopeContains(grantedScope, ScopeOpenID) {
		idToken, err := s.minter.MintIDToken(token.IDTokenParams{
			SubjectID: record.SubjectID,
			ClientID:  client.ClientID,
			TTL:       s.idTokenTTL(),
		})
		if err != nil {
			s.Logger.Error("Failed to mint ID token on refresh", "error", err)
			return nil, errServerError("failed to mint tokens")
		}
		result.IDToken = idToken
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(record.SubjectID, client.ClientID, clientIP, successor.Generation)
	}
	return result, nil
}

// handleRefreshReuse revokes the whole family of a reused refresh token. The
// stale record travels with ErrRefreshTokenReused, so the family is known.
func (s *Server) handleRefreshReuse(ctx context.Context, record *storage.RefreshTokenRecord, clientIP string) *Error {
	if record == nil {
		return errInvalidGrant("invalid refresh token")
	}

	revoked, err := s.tokenStore.RevokeRefreshTokenFamily(ctx, record.FamilyID)
	if err != nil {
		s.Logger.Error("Failed to revoke family after token reuse",
			"family_id", record.FamilyID, "error", err)
		return errTemporarilyUnavailable("token store unavailable")
	}

	s.Logger.Warn("Refresh token reuse detected",
		"client_id", record.ClientID,
		"family_id", record.FamilyID,
		"tokens_revoked", revoked)
	if s.Auditor != nil {
		s.Auditor.LogRefreshReuseDetected(record.SubjectID, record.ClientID, clientIP, record.FamilyID, revoked)
	}
	return errInvalidGrant("invalid refresh token")
}

// clientCredentialsGrant issues an access token to a confidential client
// acting on its own behalf. No subject, no refresh token, no ID token.
func (s *Server) clientCredentialsGrant(ctx context.Context, client *storage.Client, req TokenRequest, clientIP string) (*TokenResult, *Error) {
	if client.ClientType != ClientTypeConfidential {
		return nil, errUnauthorizedClient("client_credentials requires a confidential client")
	}

	scope := req.Scope
	if err := s.validateScopes(scope); err != nil {
		return nil, errInvalidScope(err.Error())
	}
	if err := s.validateClientScopes(scope, client.Scopes); err != nil {
		return nil, errInvalidScope(err.Error())
	}

	accessToken, _, oerr := s.mintAccessToken(ctx, client, "", scope)
	if oerr != nil {
		return nil, oerr
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued("", client.ClientID, clientIP, GrantTypeClientCredentials, scope)
	}
	return &TokenResult{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.accessTokenTTL(client).Seconds()),
		Scope:       scope,
	}, nil
}

// RevocationRequest carries the decoded parameters of a POST /revoke request.
type RevocationRequest struct {
	ClientID      string
	ClientSecret  string
	Token         string
	TokenTypeHint string
}

// Revoke implements RFC 7009 token revocation. Revoking an unknown token
// succeeds; only failed client authentication and infrastructure problems
// produce errors. Revoking a refresh token invalidates its whole family,
// per the RFC's recommendation to invalidate tokens from the same grant.
func (s *Server) Revoke(ctx context.Context, req RevocationRequest, clientIP string) *Error {
	client, oerr := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if oerr != nil {
		return oerr
	}
	if req.Token == "" {
		return errInvalidRequest("token is required")
	}

	// Refresh tokens are opaque and indexed by hash; try that first unless
	// the hint says otherwise.
	if req.TokenTypeHint != "access_token" {
		if done := s.revokeRefreshToken(ctx, client, req.Token, clientIP); done {
			return nil
		}
	}
	s.revokeAccessToken(ctx, client, req.Token, clientIP)
	return nil
}

// revokeRefreshToken revokes the family of the presented refresh token.
// Returns true when the token resolved to a refresh-token record owned by
// the authenticated client.
func (s *Server) revokeRefreshToken(ctx context.Context, client *storage.Client, plaintext, clientIP string) bool {
	record, err := s.tokenStore.GetRefreshToken(ctx, storage.HashToken(plaintext))
	if err != nil || record.ClientID != client.ClientID {
		return false
	}

	if _, err := s.tokenStore.RevokeRefreshTokenFamily(ctx, record.FamilyID); err != nil {
		s.Logger.Error("Failed to revoke refresh token family",
			"family_id", record.FamilyID, "error", err)
		return false
	}
	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(record.SubjectID, client.ClientID, clientIP, "refresh_token")
	}
	return true
}

// revokeAccessToken marks the access-token record for the presented JWT
// revoked. The token is parsed without signature verification just to read
// the jti; ownership is checked against the stored record, so a forged jti
// can only ever revoke the caller's own token.
func (s *Server) revokeAccessToken(ctx context.Context, client *storage.Client, raw, clientIP string) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil || claims.ID == "" {
		return
	}

	record, err := s.tokenStore.GetAccessToken(ctx, claims.ID)
	if err != nil || record.ClientID != client.ClientID || record.Revoked {
		return
	}

	record.Revoked = true
	if err := s.tokenStore.SaveAccessToken(ctx, record); err != nil {
		s.Logger.Error("Failed to revoke access token", "error", err)
		return
	}
	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(record.SubjectID, client.ClientID, clientIP, "access_token")
	}
}

// mintTokenSet mints the full token set for an authorization-code exchange:
// access token, refresh token (when the client is registered for the grant),
// and ID token when the grant includes openid.
func (s *Server) mintTokenSet(ctx context.Context, client *storage.Client, subjectID, scope, nonce, clientIP string) (*TokenResult, *Error) {
	accessToken, _, oerr := s.mintAccessToken(ctx, client, subjectID, scope)
	if oerr != nil {
		return nil, oerr
	}

	result := &TokenResult{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.accessTokenTTL(client).Seconds()),
		Scope:       scope,
	}

	if clientSupportsGrant(client, GrantTypeRefreshToken) {
		now := time.Now()
		plaintext := token.NewOpaqueToken()
		record := &storage.RefreshTokenRecord{
			TokenHash:  storage.HashToken(plaintext),
			ClientID:   client.ClientID,
			SubjectID:  subjectID,
			Scope:      scope,
			FamilyID:   token.NewFamilyID(),
			Generation: 1,
			Status:     storage.RefreshTokenActive,
			IssuedAt:   now,
			ExpiresAt:  now.Add(s.refreshTokenTTL(client)),
		}
		if err := s.tokenStore.SaveRefreshToken(ctx, record); err != nil {
			s.Logger.Error("Failed to save refresh token", "error", err)
			return nil, errTemporarilyUnavailable("token store unavailable")
		}
		result.RefreshToken = plaintext
	}

	if scopeContains(scope, ScopeOpenID) {
		idToken, err := s.minter.MintIDToken(token.IDTokenParams{
			SubjectID: subjectID,
			ClientID:  client.ClientID,
			Nonce:     nonce,
			TTL:       s.idTokenTTL(),
		})
		if err != nil {
			s.Logger.Error("Failed to mint ID token", "error", err)
			return nil, errServerError("failed to mint tokens")
		}
		result.IDToken = idToken
	}

	return result, nil
}

// mintAccessToken signs an access token and records its jti so lineage
// revocation can reach it later.
func (s *Server) mintAccessToken(ctx context.Context, client *storage.Client, subjectID, scope string) (string, string, *Error) {
	ttl := s.accessTokenTTL(client)
	signed, jti, err := s.minter.MintAccessToken(token.AccessTokenParams{
		SubjectID: subjectID,
		ClientID:  client.ClientID,
		Scope:     scope,
		TTL:       ttl,
	})
	if err != nil {
		s.Logger.Error("Failed to mint access token", "error", err)
		return "", "", errServerError("failed to mint tokens")
	}

	now := time.Now()
	record := &storage.AccessTokenRecord{
		JTI:       jti,
		ClientID:  client.ClientID,
		SubjectID: subjectID,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.tokenStore.SaveAccessToken(ctx, record); err != nil {
		// Fail closed: an access token we cannot later revoke is not issued.
		s.Logger.Error("Failed to record access token", "error", err)
		return "", "", errTemporarilyUnavailable("token store unavailable")
	}
	return signed, jti, nil
}

func scopeContains(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}
