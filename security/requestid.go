package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"regexp"
)

// RequestIDHeader carries the request ID between proxies, this server, and
// the response.
const RequestIDHeader = "X-Request-ID"

type requestIDContextKey struct{}

// validRequestID accepts the formats common load balancers emit while
// rejecting anything that could smuggle CRLF into a response header or blow
// up log storage. 1-128 chars of [A-Za-z0-9_-].
var validRequestID = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// GenerateRequestID returns a fresh 128-bit random ID, base64url without
// padding. Panics if the system RNG fails; a host that cannot produce
// randomness cannot run an authorization server.
func GenerateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// WithRequestID stores the request ID on the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// GetRequestID returns the request ID from the context, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}

// RequestIDMiddleware ensures every request carries a usable request ID.
// A valid upstream ID is kept so log correlation spans the proxy chain; a
// missing or malformed one is replaced. The ID is echoed on the response and
// placed on the request context.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if !validRequestID.MatchString(requestID) {
			requestID = GenerateRequestID()
		}

		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
	})
}
