package oauth

import (
	"net/http"
	"testing"

	"github.com/tidegate/oauth-idp/server"
)

func TestOAuthErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		build      func(string) *OAuthError
		wantCode   string
		wantStatus int
	}{
		{"invalid_request", ErrInvalidRequest, ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"invalid_grant", ErrInvalidGrant, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"invalid_client", ErrInvalidClient, ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"invalid_scope", ErrInvalidScope, ErrorCodeInvalidScope, http.StatusBadRequest},
		{"invalid_token", ErrInvalidToken, ErrorCodeInvalidToken, http.StatusUnauthorized},
		{"unauthorized_client", ErrUnauthorizedClient, ErrorCodeUnauthorizedClient, http.StatusBadRequest},
		{"unsupported_grant_type", ErrUnsupportedGrantType, ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{"access_denied", ErrAccessDenied, ErrorCodeAccessDenied, http.StatusForbidden},
		{"server_error", ErrServerError, ErrorCodeServerError, http.StatusInternalServerError},
		{"temporarily_unavailable", ErrTemporarilyUnavailable, ErrorCodeTemporarilyUnavailable, http.StatusServiceUnavailable},
		{"rate_limit_exceeded", ErrRateLimitExceeded, ErrorCodeRateLimitExceeded, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oerr := tt.build("something went wrong")
			if oerr.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", oerr.Code, tt.wantCode)
			}
			if oerr.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", oerr.Status, tt.wantStatus)
			}
			if oerr.Description != "something went wrong" {
				t.Errorf("Description = %q", oerr.Description)
			}
		})
	}
}

func TestOAuthError_ErrorString(t *testing.T) {
	var err error = ErrInvalidGrant("invalid authorization code")
	if err.Error() != "invalid_grant: invalid authorization code" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestFromServerError(t *testing.T) {
	got := FromServerError(&server.Error{
		Code:        server.ErrorCodeInvalidClient,
		Description: "client authentication failed",
		Status:      http.StatusUnauthorized,
	})
	if got.Code != ErrorCodeInvalidClient {
		t.Errorf("Code = %q, want %s", got.Code, ErrorCodeInvalidClient)
	}
	if got.Status != http.StatusUnauthorized {
		t.Errorf("Status = %d, want 401", got.Status)
	}
	if got.Description != "client authentication failed" {
		t.Errorf("Description = %q", got.Description)
	}

	if FromServerError(nil) != nil {
		t.Error("FromServerError(nil) should be nil")
	}
}
