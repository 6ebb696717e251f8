package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders applies the response-hardening header set used on every
// endpoint. Token and authorization responses carry credentials, so nothing
// here may be cached, framed, or sniffed into a different content type.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	h := w.Header()

	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "1; mode=block")

	// The endpoints serve JSON and redirects only; nothing may load
	// subresources or embed these responses.
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	// Endpoints with their own caching policy (JWKS, discovery metadata)
	// set Cache-Control first; everything else defaults to uncacheable.
	if h.Get("Cache-Control") == "" {
		h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		h.Set("Pragma", "no-cache")
	}

	// HSTS only makes sense when the issuer itself is https
	if parsed, err := url.Parse(serverURL); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}
