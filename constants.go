package oauth

// Grant types supported by the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// Response types supported by the authorization endpoint.
const (
	ResponseTypeCode = "code"
)

// PKCE constants (RFC 7636)
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"

	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// TokenTypeBearer is the only token type this server issues.
const TokenTypeBearer = "Bearer"

// Well-known endpoint paths registered by the handler.
const (
	PathAuthorize        = "/authorize"
	PathAuthorizeLogin   = "/authorize/login"
	PathAuthorizeConsent = "/authorize/consent"
	PathToken            = "/token"
	PathRevoke           = "/revoke"
	PathIntrospect       = "/introspect"
	PathJWKS             = "/jwks.json"

	MetadataPathAuthServer = "/.well-known/oauth-authorization-server"
	MetadataPathOpenID     = "/.well-known/openid-configuration"
)

// MinStateLength is the minimum accepted length of the client-supplied state
// parameter. Short state values are trivially brute-forceable and defeat the
// CSRF protection the parameter exists for.
const MinStateLength = 8
