package security

import (
	"net/http/httptest"
	"testing"
)

func TestSetSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSecurityHeaders(rec, "https://auth.example.com")

	want := map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":           "no-referrer",
		"Cache-Control":             "no-store, no-cache, must-revalidate, private",
		"Pragma":                    "no-cache",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	}
	for header, value := range want {
		if got := rec.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
}

func TestSetSecurityHeaders_KeepsEndpointCachePolicy(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Cache-Control", "public, max-age=300")
	SetSecurityHeaders(rec, "https://auth.example.com")

	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=300" {
		t.Errorf("Cache-Control = %q, endpoint policy should be preserved", got)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("the rest of the header set must still apply")
	}
}

func TestSetSecurityHeaders_HSTSOnlyOverHTTPS(t *testing.T) {
	tests := []struct {
		name      string
		serverURL string
		wantHSTS  bool
	}{
		{"https issuer", "https://auth.example.com", true},
		{"http issuer", "http://localhost:8080", false},
		{"unparseable issuer", "://bad", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			SetSecurityHeaders(rec, tt.serverURL)

			got := rec.Header().Get("Strict-Transport-Security") != ""
			if got != tt.wantHSTS {
				t.Errorf("HSTS present = %v, want %v", got, tt.wantHSTS)
			}
			// The rest of the header set does not depend on the scheme
			if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
				t.Error("nosniff must be set regardless of scheme")
			}
		})
	}
}
