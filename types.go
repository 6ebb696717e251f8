package oauth

// ErrorResponse represents an OAuth error response body
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse struct {
	// AccessToken is the signed access token
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "Bearer")
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken is the rotating refresh token (absent for client_credentials)
	RefreshToken string `json:"refresh_token,omitempty"`

	// IDToken is the signed OIDC ID token (present when "openid" was granted)
	IDToken string `json:"id_token,omitempty"`

	// Scope is the scope of the access token
	Scope string `json:"scope,omitempty"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// JWKSURI is the URL of the published signing-key set
	JWKSURI string `json:"jwks_uri"`

	// RevocationEndpoint is the URL of the OAuth 2.0 token revocation endpoint (RFC 7009)
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// IntrospectionEndpoint is the URL of the OAuth 2.0 token introspection endpoint (RFC 7662)
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	// ScopesSupported lists the OAuth scopes supported
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods supported
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods supported
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`

	// IDTokenSigningAlgValuesSupported lists the ID token signing algorithms
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported,omitempty"`
}

// IntrospectionResponse represents an OAuth 2.0 token introspection response (RFC 7662)
type IntrospectionResponse struct {
	// Active reports whether the token is currently valid
	Active bool `json:"active"`

	// Scope is the scope of the token
	Scope string `json:"scope,omitempty"`

	// ClientID is the client the token was issued to
	ClientID string `json:"client_id,omitempty"`

	// TokenType is the type of the token
	TokenType string `json:"token_type,omitempty"`

	// Exp is the expiration time as a Unix timestamp
	Exp int64 `json:"exp,omitempty"`

	// Iat is the issuance time as a Unix timestamp
	Iat int64 `json:"iat,omitempty"`

	// Sub is the subject the token was issued for
	Sub string `json:"sub,omitempty"`

	// JTI is the token identifier (access tokens only)
	JTI string `json:"jti,omitempty"`
}

// LoginChallenge is returned by the authorization endpoint once the request
// has been validated. The embedding application renders its login UI from it
// and posts credentials back with the flow ID.
type LoginChallenge struct {
	// FlowID identifies the in-flight authorization flow
	FlowID string `json:"flow_id"`

	// ClientID is the requesting client
	ClientID string `json:"client_id"`

	// Scopes are the scopes the client asked for
	Scopes []string `json:"scopes"`
}

// ConsentChallenge is returned after successful authentication when no stored
// consent covers the requested scopes.
type ConsentChallenge struct {
	// FlowID identifies the in-flight authorization flow
	FlowID string `json:"flow_id"`

	// ClientID is the requesting client
	ClientID string `json:"client_id"`

	// ClientName is the client's registered display name, for the consent UI
	ClientName string `json:"client_name,omitempty"`

	// Scopes are the scopes awaiting the subject's decision
	Scopes []string `json:"scopes"`
}
