package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newRequestWithIP(remoteAddr, forwardedFor, realIP string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	if realIP != "" {
		req.Header.Set("X-Real-IP", realIP)
	}
	return req
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name         string
		remoteAddr   string
		forwardedFor string
		realIP       string
		trustProxy   bool
		proxyCount   int
		want         string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.168.1.100:41234",
			want:       "192.168.1.100",
		},
		{
			name:       "ipv6 remote address",
			remoteAddr: "[::1]:41234",
			want:       "::1",
		},
		{
			name:       "remote address without port",
			remoteAddr: "192.168.1.100",
			want:       "192.168.1.100",
		},
		{
			name:         "forwarded header ignored without trust",
			remoteAddr:   "10.0.0.1:41234",
			forwardedFor: "203.0.113.9",
			want:         "10.0.0.1",
		},
		{
			name:       "real-ip header ignored without trust",
			remoteAddr: "10.0.0.1:41234",
			realIP:     "203.0.113.9",
			want:       "10.0.0.1",
		},
		{
			name:         "forwarded header honored with trust",
			remoteAddr:   "10.0.0.1:41234",
			forwardedFor: "203.0.113.9, 10.0.0.2",
			trustProxy:   true,
			want:         "203.0.113.9",
		},
		{
			name:       "real-ip honored with trust",
			remoteAddr: "10.0.0.1:41234",
			realIP:     "203.0.113.9",
			trustProxy: true,
			want:       "203.0.113.9",
		},
		{
			name:         "two trusted proxies",
			remoteAddr:   "10.0.0.1:41234",
			forwardedFor: "203.0.113.9, 10.0.0.2, 10.0.0.3",
			trustProxy:   true,
			proxyCount:   2,
			want:         "203.0.113.9",
		},
		{
			name:         "whitespace around entries",
			remoteAddr:   "10.0.0.1:41234",
			forwardedFor: " 203.0.113.9 , 10.0.0.2 ",
			trustProxy:   true,
			want:         "203.0.113.9",
		},
		{
			name:         "invalid forwarded entry falls back to remote addr",
			remoteAddr:   "10.0.0.1:41234",
			forwardedFor: "not-an-ip",
			trustProxy:   true,
			want:         "10.0.0.1",
		},
		{
			name:         "more trusted proxies than entries clamps to leftmost",
			remoteAddr:   "10.0.0.1:41234",
			forwardedFor: "203.0.113.9",
			trustProxy:   true,
			proxyCount:   5,
			want:         "203.0.113.9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequestWithIP(tt.remoteAddr, tt.forwardedFor, tt.realIP)
			got := GetClientIP(req, tt.trustProxy, tt.proxyCount)
			if got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetClientIP_ForwardedBeatsRealIP(t *testing.T) {
	req := newRequestWithIP("10.0.0.1:41234", "203.0.113.9", "203.0.113.10")

	if got := GetClientIP(req, true, 0); got != "203.0.113.9" {
		t.Errorf("GetClientIP() = %q, want X-Forwarded-For to win", got)
	}
}

func TestGetClientIP_SpoofedExtraHops(t *testing.T) {
	// An attacker prepends fake hops to X-Forwarded-For. With the proxy count
	// set correctly, the entry the trusted proxy recorded still wins.
	req := newRequestWithIP("10.0.0.1:41234", "1.2.3.4, 5.6.7.8, 203.0.113.9", "")

	if got := GetClientIP(req, true, 0); got != "5.6.7.8" {
		t.Errorf("GetClientIP() = %q, want the hop one left of the trusted proxy", got)
	}
}
