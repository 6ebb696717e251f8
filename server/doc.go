// Package server implements the authorization server logic.
//
// It provides the authorization endpoint state machine (login, consent, code
// issuance), the token endpoint dispatcher (authorization_code with PKCE,
// refresh_token with rotation and theft detection, client_credentials), and
// RFC 7009 token revocation. HTTP routing lives in the root package; Server
// methods take decoded parameters and return domain results.
//
// Key behaviors:
//   - OAuth 2.1 style: PKCE required by default, S256 only, exact-string
//     redirect URI matching, state parameter mandatory
//   - Authorization code replay revokes every token from the first redemption
//   - Refresh token reuse revokes the whole token family
//   - Security auditing and rate limiting via the security package
//
// Example usage:
//
//	store := memory.New()
//	registry, err := keys.NewRegistry(keys.AlgES256, 72*time.Hour, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	srv, err := server.New(store, store, store, store, registry, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv.RegisterAuthenticator(passwordAuth)
package server
