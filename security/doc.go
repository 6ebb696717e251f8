// Package security collects the hardening primitives shared by the server
// and storage layers: per-identifier rate limiting, AES-256-GCM encryption
// at rest, client IP resolution behind proxies, audit logging with hashed
// identifiers, clock-skew-tolerant expiry checks, request ID propagation,
// and the response security-header set.
//
// # Rate limiting
//
// RateLimiter keeps one token bucket per identifier (client IP or subject
// ID) with a hard cap on tracked identifiers. When the cap is reached the
// least recently seen bucket is evicted, and a background sweep reclaims
// idle buckets, so the memory footprint stays bounded even under attacks
// from many unique sources:
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // answer 429
//	}
//
// GetStats exposes occupancy counters (entries, evictions, capacity
// pressure) for monitoring; sustained pressure near 100% or a fast-growing
// eviction count usually means the capacity needs raising or an attack is in
// progress.
//
// # Encryption at rest
//
// Encryptor seals values with AES-256-GCM before they reach a storage
// backend. Constructed with an empty key it becomes a pass-through, so the
// call sites are identical whether or not a deployment enables encryption.
//
// # Audit logging
//
// Auditor emits structured security events (token issuance, replay
// detection, consent decisions) with subject identifiers hashed, so audit
// trails correlate without holding PII.
package security
