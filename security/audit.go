// Package security provides security features for the authorization server
// including encryption, rate limiting, audit logging, and secure header
// management.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	SubjectID string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_id_hash", hashForLogging(event.SubjectID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when tokens are issued at the token endpoint
func (a *Auditor) LogTokenIssued(subjectID, clientID, ipAddress, grantType, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs a successful refresh-token rotation
func (a *Auditor) LogTokenRefreshed(subjectID, clientID, ipAddress string, generation int) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"generation": generation,
		},
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(subjectID, clientID, ipAddress, tokenType string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(subjectID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogSubjectAuthenticated logs a successful login step
func (a *Auditor) LogSubjectAuthenticated(subjectID, clientID, ipAddress, method string) {
	a.LogEvent(Event{
		Type:      EventSubjectAuthenticated,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"method": method,
		},
	})
}

// LogConsentDecision logs a consent grant or denial
func (a *Auditor) LogConsentDecision(subjectID, clientID, ipAddress string, granted bool, scopes []string) {
	eventType := EventConsentGranted
	if !granted {
		eventType = EventConsentDenied
	}
	a.LogEvent(Event{
		Type:      eventType,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scopes": scopes,
		},
	})
}

// LogCodeReplayDetected logs a double redemption of an authorization code
func (a *Auditor) LogCodeReplayDetected(subjectID, clientID, ipAddress string, tokensRevoked int) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeReuseDetected,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"tokens_revoked": tokensRevoked,
		},
	})
}

// LogRefreshReuseDetected logs presentation of a rotated or revoked refresh token
func (a *Auditor) LogRefreshReuseDetected(subjectID, clientID, ipAddress, familyID string, tokensRevoked int) {
	a.LogEvent(Event{
		Type:      EventRefreshTokenReuseDetected,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"family_id_hash": hashForLogging(familyID),
			"tokens_revoked": tokensRevoked,
		},
	})
}

// LogPKCEFailure logs a failed code_verifier check
func (a *Auditor) LogPKCEFailure(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventPKCEValidationFailed,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogInvalidRedirect logs use of an unregistered redirect URI
func (a *Auditor) LogInvalidRedirect(clientID, ipAddress, redirectURI, reason string) {
	a.LogEvent(Event{
		Type:      EventInvalidRedirect,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"redirect_uri": redirectURI,
			"reason":       reason,
		},
	})
}

// LogSuspiciousActivity logs general suspicious behavior
func (a *Auditor) LogSuspiciousActivity(subjectID, clientID, ipAddress, description string) {
	a.LogEvent(Event{
		Type:      EventSuspiciousActivity,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"description": description,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, subjectID string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		SubjectID: subjectID,
		IPAddress: ipAddress,
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
