package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL). It becomes the
	// iss claim of every minted token and must use https except for
	// localhost development.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 90

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// IDTokenTTL is how long ID tokens are valid
	IDTokenTTL int64 // seconds, default: 3600 (1 hour)

	// FlowTTL is how long an in-flight authorization flow may live before
	// the subject must start over
	FlowTTL int64 // seconds, default: 600 (10 minutes)

	// MaxAuthAttempts bounds failed credential submissions per flow
	MaxAuthAttempts int // default: 3

	// ConsentTTL is how long a stored consent decision covers repeat
	// authorization requests
	ConsentTTL int64 // seconds, default: 15552000 (180 days)

	// SkipConsentForStoredGrant skips the interactive consent step when a
	// non-expired stored consent already covers the requested scopes.
	// Default: true
	SkipConsentForStoredGrant bool

	// RequirePKCE enforces PKCE for all authorization requests.
	// WARNING: Disabling this significantly weakens security. Public
	// clients are required to use PKCE regardless of this setting.
	// Default: true
	RequirePKCE bool

	// AllowPKCEPlain allows the 'plain' code_challenge_method.
	// WARNING: The 'plain' method is insecure and deprecated in OAuth 2.1.
	// When false, only S256 is accepted (secure by default).
	// Default: false
	AllowPKCEPlain bool

	// RotatedRetentionHours is how long rotated and revoked refresh-token
	// records are retained so replays are recognized as reuse rather than
	// unknown tokens
	RotatedRetentionHours int64 // default: 72

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// WARNING: Only enable behind a trusted reverse proxy.
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used with TrustProxy to extract the client IP
	TrustedProxyCount int // default: 1

	// ClockSkewGracePeriod is the grace period for expiry checks (seconds).
	// Prevents false expiration errors from clock drift between hosts.
	ClockSkewGracePeriod int64 // seconds, default: 5

	// SupportedScopes lists the scopes the server will grant.
	// If empty, any scope a client is registered for is allowed.
	SupportedScopes []string
}

// applySecureDefaults applies secure-by-default configuration values.
// Secure by default, opt-in for less secure options.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 90
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = 3600
	}
	if config.FlowTTL == 0 {
		config.FlowTTL = 600 // 10 minutes
	}
	if config.MaxAuthAttempts == 0 {
		config.MaxAuthAttempts = 3
	}
	if config.ConsentTTL == 0 {
		config.ConsentTTL = 15552000 // 180 days
	}
	if config.RotatedRetentionHours == 0 {
		config.RotatedRetentionHours = 72
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
}

// applySecurityDefaults sets secure defaults for security-related settings.
// If all security bools are at their zero value, the config is treated as
// fresh and gets the secure defaults; otherwise warnings are logged for
// insecure choices.
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	isDefaultConfig := !config.RequirePKCE &&
		!config.AllowPKCEPlain &&
		!config.SkipConsentForStoredGrant &&
		!config.TrustProxy

	if isDefaultConfig {
		config.RequirePKCE = true
		config.AllowPKCEPlain = false
		config.SkipConsentForStoredGrant = true
		config.TrustProxy = false
		return
	}

	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("SECURITY WARNING: PKCE is not required for confidential clients",
			"risk", "authorization code interception",
			"recommendation", "set RequirePKCE=true for OAuth 2.1 compliance")
	}
	if config.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: plain PKCE method is allowed",
			"risk", "weak code challenge protection",
			"recommendation", "set AllowPKCEPlain=false to require S256")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: trusting proxy headers",
			"risk", "IP spoofing if the proxy chain is misconfigured",
			"config", "TrustedProxyCount must match your proxy chain length")
	}
}

// validateIssuer checks that the issuer is an absolute URL and uses https,
// with a loopback exception for development.
func validateIssuer(issuer string) error {
	if issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	parsed, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("issuer is not a valid URL: %w", err)
	}
	if parsed.Scheme == "https" {
		return nil
	}
	if parsed.Scheme == "http" && isLoopbackHost(parsed.Hostname()) {
		return nil
	}
	return fmt.Errorf("issuer must use https (got %q)", issuer)
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1" ||
		strings.HasSuffix(host, ".localhost")
}
