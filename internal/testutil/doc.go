// Package testutil provides test fixtures and helpers shared across packages:
// client, flow, code, and refresh-token fixtures, a deterministic time source,
// PKCE pair generation, and a small HTTP request builder.
package testutil
