// Package memory provides an in-memory implementation of the OAuth storage interfaces.
//
// This package implements ClientStore, FlowStore, TokenStore, and ConsentStore
// using Go's built-in maps with mutex protection for thread safety. It is
// suitable for development, testing, and single-instance deployments where
// persistence is not required.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Atomic check-and-set for code consumption and refresh rotation
//   - Automatic cleanup of expired flows, codes, tokens, and consents
//   - Configurable cleanup intervals and rotated-record retention
//   - Subject encryption at rest via security.Encryptor
//
// For production deployments requiring persistence or multiple instances,
// use the storage/valkey package instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	// store satisfies ClientStore, FlowStore, TokenStore, and ConsentStore
//	srv, _ := oauth.NewServer(store, store, store, store, cfg, logger)
package memory
