// Package oauth is a first-party OAuth 2.1 / OIDC authorization server
// library. It implements the authorization-code grant with mandatory PKCE, a
// flow state machine with pluggable authentication and stored consent,
// refresh-token rotation with family-wide theft detection, client_credentials
// for machine clients, RFC 7009 revocation, and discovery metadata with a
// published JWKS.
//
// The root package is the HTTP surface: Handler decodes requests and encodes
// responses, the server package holds the protocol logic, storage defines the
// persistence contracts (with in-memory and Valkey backends), keys manages
// the signing-key registry, and verify is the resource-server side.
//
// Minimal wiring:
//
//	store := memory.New()
//	registry, _ := keys.NewRegistry(keys.AlgES256, 72*time.Hour, logger)
//	srv, err := server.New(store, store, store, store, registry, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv.RegisterAuthenticator(passwordAuth)
//
//	mux := http.NewServeMux()
//	oauth.NewHandler(srv, nil, logger).RegisterRoutes(mux)
package oauth
