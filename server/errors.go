package server

import (
	"fmt"
	"net/http"
)

// OAuth error codes returned by the flow engine and grant dispatcher.
// Duplicated from the root package to avoid a circular import; keep in sync.
const (
	ErrorCodeInvalidRequest         = "invalid_request"
	ErrorCodeInvalidGrant           = "invalid_grant"
	ErrorCodeInvalidClient          = "invalid_client"
	ErrorCodeInvalidScope           = "invalid_scope"
	ErrorCodeUnauthorizedClient     = "unauthorized_client"
	ErrorCodeUnsupportedGrantType   = "unsupported_grant_type"
	ErrorCodeAccessDenied           = "access_denied"
	ErrorCodeServerError            = "server_error"
	ErrorCodeTemporarilyUnavailable = "temporarily_unavailable"
	ErrorCodeRateLimitExceeded      = "rate_limit_exceeded"
)

// Error is a protocol-level error with the standardized OAuth error code.
// Descriptions are written for clients: generic, no internal detail. The
// detailed cause goes to the server log, not the wire.
type Error struct {
	Code        string
	Description string
	Status      int
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func errInvalidRequest(desc string) *Error {
	return &Error{Code: ErrorCodeInvalidRequest, Description: desc, Status: http.StatusBadRequest}
}

func errInvalidGrant(desc string) *Error {
	return &Error{Code: ErrorCodeInvalidGrant, Description: desc, Status: http.StatusBadRequest}
}

func errInvalidClient(desc string) *Error {
	return &Error{Code: ErrorCodeInvalidClient, Description: desc, Status: http.StatusUnauthorized}
}

func errInvalidScope(desc string) *Error {
	return &Error{Code: ErrorCodeInvalidScope, Description: desc, Status: http.StatusBadRequest}
}

func errUnauthorizedClient(desc string) *Error {
	return &Error{Code: ErrorCodeUnauthorizedClient, Description: desc, Status: http.StatusBadRequest}
}

func errUnsupportedGrantType(desc string) *Error {
	return &Error{Code: ErrorCodeUnsupportedGrantType, Description: desc, Status: http.StatusBadRequest}
}

func errAccessDenied(desc string) *Error {
	return &Error{Code: ErrorCodeAccessDenied, Description: desc, Status: http.StatusForbidden}
}

func errServerError(desc string) *Error {
	return &Error{Code: ErrorCodeServerError, Description: desc, Status: http.StatusInternalServerError}
}

func errTemporarilyUnavailable(desc string) *Error {
	return &Error{Code: ErrorCodeTemporarilyUnavailable, Description: desc, Status: http.StatusServiceUnavailable}
}

func errRateLimited(desc string) *Error {
	return &Error{Code: ErrorCodeRateLimitExceeded, Description: desc, Status: http.StatusTooManyRequests}
}
