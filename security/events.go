package security

// Audit event types. One vocabulary for every security-relevant log line.
const (
	// Token lifecycle
	EventTokenIssued      = "token_issued"
	EventTokenRefreshed   = "token_refreshed"
	EventTokenRevoked     = "token_revoked"
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // event name, not a credential

	// Authorization flow
	EventAuthorizationFlowStarted       = "authorization_flow_started"
	EventSubjectAuthenticated           = "subject_authenticated"
	EventConsentGranted                 = "consent_granted"
	EventConsentDenied                  = "consent_denied"
	EventAuthorizationCodeIssued        = "authorization_code_issued"
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// Violations
	EventAuthFailure                 = "auth_failure"
	EventRateLimitExceeded           = "rate_limit_exceeded"
	EventPKCEValidationFailed        = "pkce_validation_failed"
	EventPKCERequiredForPublicClient = "pkce_required_for_public_client"
	EventRefreshTokenReuseDetected   = "refresh_token_reuse_detected"
	EventSuspiciousActivity          = "suspicious_activity"
	EventInvalidRedirect             = "invalid_redirect"
	EventScopeEscalationAttempt      = "scope_escalation_attempt"

	// Operational
	EventSigningKeyRotated = "signing_key_rotated"
)
