package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never put actual sensitive values (access tokens, refresh
// tokens, authorization codes, client secrets, subject credentials) in traces
// or metrics. Only record metadata such as token types, expiry times, family
// IDs, and validation results. Traces are persisted, widely readable, and
// replicated across monitoring infrastructure.
const (
	// OAuth flow attributes - metadata only
	AttrClientID         = "oauth.client_id"         // Client identifier (non-secret)
	AttrSubjectID        = "oauth.subject_id"        // Hashed subject identifier
	AttrScope            = "oauth.scope"             // Requested scopes
	AttrPKCEMethod       = "oauth.pkce.method"       // PKCE method used (S256, plain)
	AttrTokenFamilyID    = "oauth.token.family_id"   //nolint:gosec // Token family identifier for rotation tracking
	AttrTokenGeneration  = "oauth.token.generation"  //nolint:gosec // Token generation number
	AttrCodeReplay       = "oauth.code.replay"       // Whether code replay was detected (boolean)
	AttrTokenReuse       = "oauth.token.reuse"       //nolint:gosec // Whether refresh reuse was detected (boolean)
	AttrGrantType        = "oauth.grant_type"        // OAuth grant type
	AttrResponseType     = "oauth.response_type"     // OAuth response type
	AttrClientType       = "oauth.client_type"       // Client type (public/confidential)
	AttrRedirectURI      = "oauth.redirect_uri"      // Redirect URI
	AttrFlowID           = "oauth.flow_id"           // Authorization flow identifier
	AttrFlowState        = "oauth.flow_state"        // Authorization flow state
	AttrAuthMethod       = "oauth.auth_method"       // Subject authentication method
	AttrTokenType        = "oauth.token_type"        //nolint:gosec // Token type (Bearer, etc.) - NOT the actual token
	AttrExpiresIn        = "oauth.expires_in"        // Token expiry duration
	AttrError            = "oauth.error"             // Error code
	AttrErrorDescription = "oauth.error_description" // Error description

	// Key management attributes
	AttrKeyID        = "keys.kid"
	AttrKeyAlgorithm = "keys.alg"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"
	AttrStorageKey       = "storage.key"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrClientIP        = "security.client_ip"
	AttrAuditEventType  = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common authorization flow attributes to a span (nil-safe)
func AddFlowAttributes(span trace.Span, clientID, flowID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if flowID != "" {
		SetSpanAttributes(span, attribute.String(AttrFlowID, flowID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddPKCEAttributes adds PKCE-related attributes to a span (nil-safe)
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// AddTokenFamilyAttributes adds token family tracking attributes to a span (nil-safe)
func AddTokenFamilyAttributes(span trace.Span, familyID string, generation int) {
	if familyID != "" {
		SetSpanAttributes(span,
			attribute.String(AttrTokenFamilyID, familyID),
			attribute.Int(AttrTokenGeneration, generation),
		)
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds security-related attributes to a span (nil-safe)
//
// Client IP addresses may be PII. Callers should check
// Instrumentation.ShouldLogClientIPs() before recording them.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
