package oauth

import (
	"fmt"
	"net/http"

	"github.com/tidegate/oauth-idp/server"
)

// OAuth error codes carried in the "error" member of error responses.
const (
	ErrorCodeInvalidRequest         = "invalid_request"
	ErrorCodeInvalidGrant           = "invalid_grant"
	ErrorCodeInvalidClient          = "invalid_client"
	ErrorCodeInvalidScope           = "invalid_scope"
	ErrorCodeInvalidToken           = "invalid_token"
	ErrorCodeUnauthorizedClient     = "unauthorized_client"
	ErrorCodeUnsupportedGrantType   = "unsupported_grant_type"
	ErrorCodeAccessDenied           = "access_denied"
	ErrorCodeServerError            = "server_error"
	ErrorCodeTemporarilyUnavailable = "temporarily_unavailable"
	ErrorCodeRateLimitExceeded      = "rate_limit_exceeded"
)

// OAuthError is the public protocol error: a standardized OAuth error code,
// a client-safe description, and the HTTP status it is served with. The
// handler lifts every internal server.Error into this type before writing
// it, so embedders see a single typed error surface.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError builds an error with an explicit HTTP status. Prefer the
// per-code constructors below, which carry the conventional status.
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: description, Status: status}
}

// FromServerError lifts the server package's internal error into the public
// type. Returns nil for nil.
func FromServerError(oerr *server.Error) *OAuthError {
	if oerr == nil {
		return nil
	}
	return &OAuthError{Code: oerr.Code, Description: oerr.Description, Status: oerr.Status}
}

// ErrInvalidRequest reports a malformed request (RFC 6749 section 5.2).
func ErrInvalidRequest(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
}

// ErrInvalidGrant reports an invalid or expired code or refresh token.
func ErrInvalidGrant(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
}

// ErrInvalidClient reports failed client authentication.
func ErrInvalidClient(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
}

// ErrInvalidScope reports a scope outside what is supported or granted.
func ErrInvalidScope(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
}

// ErrInvalidToken reports an invalid or expired bearer token (RFC 6750).
func ErrInvalidToken(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
}

// ErrUnauthorizedClient reports a client not registered for the grant type.
func ErrUnauthorizedClient(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
}

// ErrUnsupportedGrantType reports a grant type this server does not issue.
func ErrUnsupportedGrantType(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
}

// ErrAccessDenied reports a request refused by the resource owner or server.
func ErrAccessDenied(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
}

// ErrServerError reports an internal failure. The description stays generic;
// the detailed cause goes to the server log, not the wire.
func ErrServerError(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
}

// ErrTemporarilyUnavailable reports an unreachable backing store or
// authenticator. The request is safe to retry.
func ErrTemporarilyUnavailable(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeTemporarilyUnavailable, desc, http.StatusServiceUnavailable)
}

// ErrRateLimitExceeded reports a throttled request.
func ErrRateLimitExceeded(desc string) *OAuthError {
	return NewOAuthError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
}
