// Package valkey provides a Valkey storage backend for the authorization
// server.
//
// Valkey is a high-performance key-value store that is wire-compatible with
// Redis. This package implements all four storage interfaces, making it the
// backend for deployments that need:
//
//   - Distributed storage for horizontal scaling
//   - Persistence across server restarts
//   - Automatic TTL-based expiration
//   - High availability with clustering
//
// # Implemented Interfaces
//
// The Store type implements:
//
//   - [storage.ClientStore]: registered client management
//   - [storage.FlowStore]: authorization flows and codes
//   - [storage.TokenStore]: refresh-token families and access-token records
//   - [storage.ConsentStore]: stored consent decisions
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:") to avoid conflicts
// with other applications sharing the same Valkey instance. Subject-scoped
// index keys use the SHA-256 hash of the subject ID, never the plaintext:
//
//	{prefix}client:{clientID}                       -> JSON(Client)
//	{prefix}flow:{flowID}                           -> JSON(AuthorizationFlow), TTL
//	{prefix}code:{code}                             -> JSON(AuthorizationCode), TTL
//	{prefix}refresh:{tokenHash}                     -> JSON(RefreshTokenRecord), TTL
//	{prefix}family:{familyID}                       -> SET of token hashes
//	{prefix}subject:refresh:{subjectHash}:{cid}     -> SET of token hashes
//	{prefix}subject:access:{subjectHash}:{cid}      -> SET of jtis
//	{prefix}access:{jti}                            -> JSON(AccessTokenRecord), TTL
//	{prefix}consent:{subjectHash}:{clientID}        -> JSON(Consent), TTL
//
// # Atomic Operations
//
// The code exchange and refresh rotation are single-winner operations:
//
//   - AtomicConsumeAuthorizationCode: exactly one exchange of a code succeeds
//   - AtomicRotateRefreshToken: exactly one refresh with a token succeeds
//
// Both use Lua scripts, giving the same atomicity guarantees as the
// in-memory store's write lock but across server instances. Rotated and
// revoked refresh records are re-stored with a retention TTL rather than
// deleted, so a replay of an old token is recognized as reuse rather than an
// unknown token.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "oauth:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// # Subject Encryption at Rest
//
// The SubjectID field of refresh-token records can be encrypted before
// storage:
//
//	key, _ := security.GenerateKey()
//	encryptor, _ := security.NewEncryptor(key)
//	store.SetEncryptor(encryptor)
//
// Index keys are derived from the subject hash, so lookups and bulk
// revocation work without the plaintext.
package valkey
