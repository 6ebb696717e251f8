package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidegate/oauth-idp/storage"
)

// Note: PKCE and state constants are intentionally duplicated from the root
// package to avoid circular imports (the root package imports server).
// Keep these in sync with constants.go.

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// MinStateLength is the minimum accepted client state length
const MinStateLength = 8

// ResponseTypeCode is the only supported response_type
const ResponseTypeCode = "code"

// validateRedirectURI checks that the redirect URI is registered for the
// client. Comparison is byte for byte: no prefix matching, no case folding,
// no trailing-slash normalization. Anything looser opens redirects.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}
	// OAuth 2.0 Security BCP: redirect_uri must not contain fragments
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments")
	}

	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return nil
		}
	}
	return fmt.Errorf("redirect URI not registered for client")
}

// validateScopes validates requested scopes against the server-wide allow
// list. An empty SupportedScopes config allows everything.
func (s *Server) validateScopes(scope string) error {
	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}
	if scope == "" {
		return nil
	}

	for _, reqScope := range strings.Fields(scope) {
		found := false
		for _, supported := range s.Config.SupportedScopes {
			if reqScope == supported {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unsupported scope: %s", reqScope)
		}
	}
	return nil
}

// validateClientScopes checks the requested scopes against the client's
// registered scopes. Prevents a compromised client from escalating into
// scopes it was never registered for.
func (s *Server) validateClientScopes(requestedScope string, clientScopes []string) error {
	if len(clientScopes) == 0 {
		return nil
	}
	if requestedScope == "" {
		return nil
	}

	for _, reqScope := range strings.Fields(requestedScope) {
		found := false
		for _, allowed := range clientScopes {
			if reqScope == allowed {
				found = true
				break
			}
		}
		if !found {
			// Generic on purpose: naming the offending scope lets clients
			// enumerate the registered scope set.
			return fmt.Errorf("client is not authorized for one or more requested scopes")
		}
	}
	return nil
}

// scopeSubset reports whether every scope in requested appears in granted.
// Both arguments are space-separated scope strings.
func scopeSubset(requested, granted string) bool {
	grantedSet := make(map[string]bool)
	for _, s := range strings.Fields(granted) {
		grantedSet[s] = true
	}
	for _, s := range strings.Fields(requested) {
		if !grantedSet[s] {
			return false
		}
	}
	return true
}

// validateStateParameter enforces presence and minimum length of the client
// CSRF state. Short state values are brute-forceable and defeat the purpose.
func (s *Server) validateStateParameter(state string) error {
	if state == "" {
		return fmt.Errorf("state parameter is required for CSRF protection")
	}
	if len(state) < MinStateLength {
		return fmt.Errorf("state parameter must be at least %d characters", MinStateLength)
	}
	return nil
}

// validateChallenge validates the code_challenge parameters presented at the
// authorization endpoint. PKCE is mandatory for public clients and for any
// client registered with RequirePKCE; the server-wide RequirePKCE setting
// extends that to everyone else.
func (s *Server) validateChallenge(client *storage.Client, challenge, method string) error {
	required := s.Config.RequirePKCE || client.RequirePKCE || client.ClientType == "public"

	if challenge == "" {
		if required {
			return fmt.Errorf("code_challenge is required for this client")
		}
		return nil
	}

	switch method {
	case PKCEMethodS256:
		// base64url(SHA-256) is always 43 characters
		if len(challenge) != 43 {
			return fmt.Errorf("code_challenge has invalid length for S256")
		}
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("'plain' code_challenge_method is not allowed")
		}
	case "":
		return fmt.Errorf("code_challenge_method is required when code_challenge is present")
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	for _, ch := range challenge {
		if !isVerifierChar(ch) {
			return fmt.Errorf("code_challenge contains invalid characters")
		}
	}
	return nil
}

// validatePKCE validates the code verifier against the stored challenge per
// RFC 7636. An empty stored challenge means the flow did not use PKCE.
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}

	// RFC 7636: code_verifier must be 43-128 characters
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters", MaxCodeVerifierLength)
	}

	// RFC 7636: only [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
	for _, ch := range verifier {
		if !isVerifierChar(ch) {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	var computedChallenge string
	switch method {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computedChallenge = base64.RawURLEncoding.EncodeToString(hash[:])

	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("'plain' code_challenge_method is not allowed")
		}
		computedChallenge = verifier
		s.Logger.Warn("Using insecure 'plain' PKCE method",
			"recommendation", "upgrade client to use S256")

	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	// Constant-time comparison to close the timing side channel
	if subtle.ConstantTimeCompare([]byte(computedChallenge), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

func isVerifierChar(ch rune) bool {
	return (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
		ch == '-' || ch == '.' || ch == '_' || ch == '~'
}
