// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for
// the authorization server.
//
// It exposes metrics (counters, histograms, observable gauges) and traces for
// the HTTP layer, the authorization flow engine, the token grant paths, key
// management, and the storage backends.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "oauth-idp",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	store.SetInstrumentation(inst)
//
// # Available Metrics
//
// HTTP layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Authorization flows:
//   - oauth.authorization.started{client_id}
//   - oauth.subject.authenticated{method}
//   - oauth.consent.decisions{client_id, granted}
//   - oauth.code.issued{client_id}
//   - oauth.code.exchanged{client_id, pkce_method}
//   - oauth.token.refreshed{client_id}
//   - oauth.token.revoked{client_id}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.replay_detected
//   - oauth.refresh.reuse_detected
//
// Keys:
//   - oauth.signing_key.rotations{alg}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.clients.count, storage.flows.count, storage.codes.count,
//     storage.refresh_tokens.count, storage.consents.count
//
// When instrumentation is disabled the package wires no-op providers, so
// recording calls cost nothing and callers never need nil checks.
//
// # Security Considerations
//
// Never put actual credential values (tokens, codes, secrets, verifiers) in
// metric attributes or span attributes. Only record metadata: token types,
// expiry times, family IDs, validation results. Client IP addresses may be
// PII; gate them on Config.LogClientIPs.
package instrumentation
