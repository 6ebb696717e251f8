package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tidegate/oauth-idp/authn"
	"github.com/tidegate/oauth-idp/keys"
	"github.com/tidegate/oauth-idp/security"
	"github.com/tidegate/oauth-idp/storage"
	"github.com/tidegate/oauth-idp/token"
)

// Server implements the authorization server logic: the authorization
// endpoint state machine, the token endpoint dispatcher, and revocation.
// HTTP routing lives in the root package; Server methods take validated
// parameters and return domain results.
type Server struct {
	clientStore    storage.ClientStore
	flowStore      storage.FlowStore
	tokenStore     storage.TokenStore
	consentStore   storage.ConsentStore
	authenticators map[string]authn.Authenticator
	minter         *token.Minter
	registry       *keys.Registry

	Encryptor                *security.Encryptor
	Auditor                  *security.Auditor
	RateLimiter              *security.RateLimiter // IP-based rate limiter
	SubjectRateLimiter       *security.RateLimiter // per-subject rate limiter
	SecurityEventRateLimiter *security.RateLimiter // caps security event log volume
	Logger                   *slog.Logger
	Config                   *Config
}

// New creates a new authorization server
func New(
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
	tokenStore storage.TokenStore,
	consentStore storage.ConsentStore,
	registry *keys.Registry,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if consentStore == nil {
		return nil, fmt.Errorf("consent store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("key registry is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := validateIssuer(config.Issuer); err != nil {
		return nil, err
	}

	minter, err := token.NewMinter(config.Issuer, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create token minter: %w", err)
	}

	srv := &Server{
		clientStore:    clientStore,
		flowStore:      flowStore,
		tokenStore:     tokenStore,
		consentStore:   consentStore,
		authenticators: make(map[string]authn.Authenticator),
		minter:         minter,
		registry:       registry,
		Config:         config,
		Logger:         logger,
	}

	// Let the store keep rotated records long enough for reuse detection.
	type retentionSetter interface {
		SetRotatedRetentionHours(hours int64)
	}
	if setter, ok := tokenStore.(retentionSetter); ok {
		setter.SetRotatedRetentionHours(config.RotatedRetentionHours)
	}

	return srv, nil
}

// RegisterAuthenticator makes an authentication method available to the
// login step. The method name is what clients submit as auth_method.
func (s *Server) RegisterAuthenticator(a authn.Authenticator) error {
	if a == nil {
		return fmt.Errorf("authenticator cannot be nil")
	}
	method := a.Method()
	if method == "" {
		return fmt.Errorf("authenticator method name cannot be empty")
	}
	if _, exists := s.authenticators[method]; exists {
		return fmt.Errorf("authenticator %q already registered", method)
	}
	s.authenticators[method] = a
	return nil
}

// Registry returns the signing key registry, for JWKS publication
func (s *Server) Registry() *keys.Registry {
	return s.registry
}

// TokenStore exposes the token store for revocation checks by embedders
func (s *Server) TokenStore() storage.TokenStore {
	return s.tokenStore
}

// SetEncryptor sets the subject encryptor for server and storage
func (s *Server) SetEncryptor(enc *security.Encryptor) {
	s.Encryptor = enc

	type encryptorSetter interface {
		SetEncryptor(*security.Encryptor)
	}
	if setter, ok := s.tokenStore.(encryptorSetter); ok {
		setter.SetEncryptor(enc)
	}
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetSubjectRateLimiter sets the per-subject rate limiter
func (s *Server) SetSubjectRateLimiter(rl *security.RateLimiter) {
	s.SubjectRateLimiter = rl
}

// SetSecurityEventRateLimiter sets the rate limiter for security event
// logging. This prevents log flooding from repeated security events.
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// accessTokenTTL returns the access token lifetime for a client,
// honoring per-client overrides
func (s *Server) accessTokenTTL(client *storage.Client) time.Duration {
	if client.AccessTokenTTL > 0 {
		return client.AccessTokenTTL
	}
	return time.Duration(s.Config.AccessTokenTTL) * time.Second
}

// refreshTokenTTL returns the refresh token lifetime for a client,
// honoring per-client overrides
func (s *Server) refreshTokenTTL(client *storage.Client) time.Duration {
	if client.RefreshTokenTTL > 0 {
		return client.RefreshTokenTTL
	}
	return time.Duration(s.Config.RefreshTokenTTL) * time.Second
}

func (s *Server) idTokenTTL() time.Duration {
	return time.Duration(s.Config.IDTokenTTL) * time.Second
}

// auditEventAllowed rate-limits security event logging per identifier
func (s *Server) auditEventAllowed(identifier string) bool {
	if s.SecurityEventRateLimiter == nil {
		return true
	}
	return s.SecurityEventRateLimiter.Allow(identifier)
}

// subjectAllowed enforces the per-subject rate limiter. Unset limiter and
// empty subject both pass; the IP limiter covers unauthenticated traffic.
func (s *Server) subjectAllowed(subjectID string) bool {
	if s.SubjectRateLimiter == nil || subjectID == "" {
		return true
	}
	return s.SubjectRateLimiter.Allow(subjectID)
}
