package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewAuditor(t *testing.T) {
	tests := []struct {
		name    string
		logger  *slog.Logger
		enabled bool
	}{
		{
			name:    "enabled with logger",
			logger:  slog.Default(),
			enabled: true,
		},
		{
			name:    "disabled with logger",
			logger:  slog.Default(),
			enabled: false,
		},
		{
			name:    "enabled with nil logger",
			logger:  nil,
			enabled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor := NewAuditor(tt.logger, tt.enabled)
			if auditor == nil {
				t.Fatal("NewAuditor() returned nil")
			}
			if auditor.enabled != tt.enabled {
				t.Errorf("enabled = %v, want %v", auditor.enabled, tt.enabled)
			}
			if auditor.logger == nil {
				t.Error("logger should not be nil")
			}
		})
	}
}

func TestAuditor_LogEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	tests := []struct {
		name    string
		enabled bool
		wantLog bool
	}{
		{name: "enabled", enabled: true, wantLog: true},
		{name: "disabled", enabled: false, wantLog: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			auditor := NewAuditor(logger, tt.enabled)

			auditor.LogEvent(Event{
				Type:      "test_event",
				SubjectID: "subject-123",
				ClientID:  "client-456",
				IPAddress: "192.168.1.1",
				Details:   map[string]any{"key": "value"},
			})

			hasLog := buf.Len() > 0
			if hasLog != tt.wantLog {
				t.Errorf("LogEvent() logged = %v, want %v", hasLog, tt.wantLog)
			}
		})
	}
}

func TestAuditor_LogEvent_HashesSubjectID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	auditor := NewAuditor(logger, true)

	auditor.LogEvent(Event{
		Type:      "test_event",
		SubjectID: "alice@example.com",
	})

	if strings.Contains(buf.String(), "alice@example.com") {
		t.Error("audit log must not contain the raw subject identifier")
	}
}

func TestAuditor_EventMethods(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	auditor := NewAuditor(logger, true)

	tests := []struct {
		name      string
		log       func()
		wantEvent string
	}{
		{
			name:      "token issued",
			log:       func() { auditor.LogTokenIssued("subject-1", "client-1", "192.168.1.1", "authorization_code", "openid") },
			wantEvent: EventTokenIssued,
		},
		{
			name:      "token refreshed",
			log:       func() { auditor.LogTokenRefreshed("subject-1", "client-1", "192.168.1.1", 2) },
			wantEvent: EventTokenRefreshed,
		},
		{
			name:      "token revoked",
			log:       func() { auditor.LogTokenRevoked("subject-1", "client-1", "192.168.1.1", "refresh_token") },
			wantEvent: EventTokenRevoked,
		},
		{
			name:      "auth failure",
			log:       func() { auditor.LogAuthFailure("subject-1", "client-1", "192.168.1.1", "invalid credentials") },
			wantEvent: EventAuthFailure,
		},
		{
			name:      "subject authenticated",
			log:       func() { auditor.LogSubjectAuthenticated("subject-1", "client-1", "192.168.1.1", "password") },
			wantEvent: EventSubjectAuthenticated,
		},
		{
			name:      "consent granted",
			log:       func() { auditor.LogConsentDecision("subject-1", "client-1", "192.168.1.1", true, []string{"openid"}) },
			wantEvent: EventConsentGranted,
		},
		{
			name:      "consent denied",
			log:       func() { auditor.LogConsentDecision("subject-1", "client-1", "192.168.1.1", false, []string{"openid"}) },
			wantEvent: EventConsentDenied,
		},
		{
			name:      "code replay",
			log:       func() { auditor.LogCodeReplayDetected("subject-1", "client-1", "192.168.1.1", 3) },
			wantEvent: EventAuthorizationCodeReuseDetected,
		},
		{
			name:      "refresh reuse",
			log:       func() { auditor.LogRefreshReuseDetected("subject-1", "client-1", "192.168.1.1", "fam-1", 4) },
			wantEvent: EventRefreshTokenReuseDetected,
		},
		{
			name:      "pkce failure",
			log:       func() { auditor.LogPKCEFailure("client-1", "192.168.1.1", "challenge mismatch") },
			wantEvent: EventPKCEValidationFailed,
		},
		{
			name:      "invalid redirect",
			log:       func() { auditor.LogInvalidRedirect("client-1", "192.168.1.1", "https://evil.example.com", "not registered") },
			wantEvent: EventInvalidRedirect,
		},
		{
			name:      "suspicious activity",
			log:       func() { auditor.LogSuspiciousActivity("subject-1", "client-1", "192.168.1.1", "unusual access pattern") },
			wantEvent: EventSuspiciousActivity,
		},
		{
			name:      "rate limit exceeded",
			log:       func() { auditor.LogRateLimitExceeded("192.168.1.1", "subject-1") },
			wantEvent: EventRateLimitExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.log()
			if buf.Len() == 0 {
				t.Fatal("expected log output")
			}
			if !strings.Contains(buf.String(), tt.wantEvent) {
				t.Errorf("log output missing event type %q: %s", tt.wantEvent, buf.String())
			}
		})
	}
}

func Test_hashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q, want <empty>", got)
	}

	got := hashForLogging("sensitive-data")
	if got == "" || got == "sensitive-data" {
		t.Errorf("hashForLogging() = %q, want truncated hash", got)
	}
	if len(got) != 16 {
		t.Errorf("hash length = %d, want 16", len(got))
	}
}

func Test_hashForLogging_Deterministic(t *testing.T) {
	if hashForLogging("test-data") != hashForLogging("test-data") {
		t.Error("hashForLogging() should return same hash for same input")
	}
	if hashForLogging("data1") == hashForLogging("data2") {
		t.Error("hashForLogging() should return different hashes for different inputs")
	}
}
