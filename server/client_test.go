package server

import (
	"context"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/tidegate/oauth-idp/internal/testutil"
)

func TestAuthenticateClient(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantCode string
	}{
		{"confidential valid secret", "test-confidential", testutil.TestClientSecret, ""},
		{"confidential wrong secret", "test-confidential", "wrong", ErrorCodeInvalidClient},
		{"confidential empty secret", "test-confidential", "", ErrorCodeInvalidClient},
		{"public no secret", "test-public", "", ""},
		{"public with secret", "test-public", "anything", ErrorCodeInvalidClient},
		{"unknown client", "nope", "secret", ErrorCodeInvalidClient},
		{"empty client id", "", "", ErrorCodeInvalidClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, oerr := srv.authenticateClient(ctx, tt.clientID, tt.secret)
			if tt.wantCode == "" {
				if oerr != nil {
					t.Fatalf("authenticateClient() error = %v, want success", oerr)
				}
				if client.ClientID != tt.clientID {
					t.Errorf("ClientID = %q, want %q", client.ClientID, tt.clientID)
				}
				return
			}
			if oerr == nil {
				t.Fatal("authenticateClient() succeeded, want error")
			}
			if oerr.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", oerr.Code, tt.wantCode)
			}
		})
	}
}

func TestAuthenticateClient_ErrorIsGeneric(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	_, unknownErr := srv.authenticateClient(ctx, "no-such-client", "secret")
	_, wrongSecretErr := srv.authenticateClient(ctx, "test-confidential", "wrong")

	if unknownErr == nil || wrongSecretErr == nil {
		t.Fatal("both authentications should fail")
	}
	// Unknown clients and wrong secrets must be indistinguishable
	if unknownErr.Description != wrongSecretErr.Description {
		t.Errorf("descriptions differ: %q vs %q", unknownErr.Description, wrongSecretErr.Description)
	}
}

func TestHashClientSecret(t *testing.T) {
	hash, err := HashClientSecret("s3cret")
	if err != nil {
		t.Fatalf("HashClientSecret() error = %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")); err != nil {
		t.Errorf("hash does not verify: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("other")); err == nil {
		t.Error("hash verifies the wrong secret")
	}
}

func TestClientSupportsGrant(t *testing.T) {
	client := testutil.NewPublicClient() // authorization_code, refresh_token

	if !clientSupportsGrant(client, GrantTypeAuthorizationCode) {
		t.Error("registered grant type should be supported")
	}
	if clientSupportsGrant(client, GrantTypeClientCredentials) {
		t.Error("unregistered grant type should not be supported")
	}
	client.GrantTypes = nil
	if clientSupportsGrant(client, GrantTypeAuthorizationCode) {
		t.Error("client with no grant types should support none")
	}
}
