// Package storage provides interfaces and utilities for OAuth client, flow,
// token, and consent persistence.
//
// The storage package defines the core storage interfaces used throughout the
// library:
//   - ClientStore: registered OAuth clients
//   - FlowStore: authorization flows and authorization codes
//   - TokenStore: refresh-token families and access-token records
//   - ConsentStore: stored consent decisions
//
// It also provides shared record types, sentinel errors, and helpers for
// hashing tokens and encrypting sensitive record fields at rest.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development, testing, and
//     single-instance deployments
//   - storage/valkey: Valkey/Redis-compatible distributed storage for
//     multi-instance production deployments
package storage
