package server

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/tidegate/oauth-idp/storage"
)

// Client type constants (also defined in the root package; duplicated to
// avoid import cycles since the root package imports server)
const (
	// ClientTypeConfidential represents a confidential OAuth client
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a public OAuth client
	ClientTypePublic = "public"
)

// dummyClientSecretHash is a bcrypt hash compared against when the client is
// unknown or has no secret, so authentication takes the same time whether or
// not the client exists. Without this, response timing is a client-ID oracle.
const dummyClientSecretHash = "$2a$12$K3JNi5vQMWqnnS8uJlqrruhvCjqmkwJpFMjRG5XyZcDfAbE4WvOgS" //nolint:gosec // not a credential, a timing equalizer

// HashClientSecret hashes a client secret for registration. Registration is
// administrative; the embedder seeds clients through the ClientStore.
func HashClientSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(hash), nil
}

// GetClient retrieves a client by ID
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clientStore.GetClient(ctx, clientID)
}

// authenticateClient resolves and authenticates the client presenting
// credentials at the token endpoint.
//
// Confidential clients must present their secret; public clients must not
// have one. Unknown clients still burn a bcrypt comparison so the timing is
// indistinguishable from a wrong secret.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, *Error) {
	if clientID == "" {
		return nil, errInvalidClient("client authentication required")
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			// Constant-time: unknown clients cost the same as wrong secrets
			_ = bcrypt.CompareHashAndPassword([]byte(dummyClientSecretHash), []byte(clientSecret))
			return nil, errInvalidClient("client authentication failed")
		}
		s.Logger.Error("Client lookup failed", "error", err)
		return nil, errTemporarilyUnavailable("client store unavailable")
	}

	switch client.ClientType {
	case ClientTypePublic:
		if clientSecret != "" {
			return nil, errInvalidClient("client authentication failed")
		}
		return client, nil

	case ClientTypeConfidential:
		hash := client.ClientSecretHash
		if hash == "" {
			// Misregistered confidential client; treat as auth failure but
			// keep the timing flat.
			hash = dummyClientSecretHash
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(clientSecret)); err != nil {
			return nil, errInvalidClient("client authentication failed")
		}
		return client, nil

	default:
		s.Logger.Error("Client has unknown type", "client_id", clientID, "client_type", client.ClientType)
		return nil, errInvalidClient("client authentication failed")
	}
}

// clientSupportsGrant reports whether the client is registered for the grant
// type. Clients with no registered grant types support none.
func clientSupportsGrant(client *storage.Client, grantType string) bool {
	for _, g := range client.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}
