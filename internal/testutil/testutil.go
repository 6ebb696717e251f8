package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/tidegate/oauth-idp/storage"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.now = t
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for
// testing. The challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// TestClientSecret is the plaintext secret matching the hash in
// NewConfidentialClient.
const TestClientSecret = "test-client-secret"

var (
	secretHashOnce sync.Once
	secretHash     string
)

// testSecretHash returns a cost-4 bcrypt hash of TestClientSecret, computed
// once. Low cost keeps client authentication fast in tests.
func testSecretHash() string {
	secretHashOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte(TestClientSecret), bcrypt.MinCost)
		if err != nil {
			panic(fmt.Sprintf("failed to hash test secret: %v", err))
		}
		secretHash = string(h)
	})
	return secretHash
}

// NewConfidentialClient creates a confidential test client. Its secret is
// TestClientSecret.
func NewConfidentialClient() *storage.Client {
	return &storage.Client{
		ClientID:         "test-confidential",
		ClientSecretHash: testSecretHash(),
		ClientType:       "confidential",
		ClientName:       "Test Confidential Client",
		RedirectURIs:     []string{"https://app.example.com/callback"},
		GrantTypes:       []string{"authorization_code", "refresh_token", "client_credentials"},
		Scopes:           []string{"openid", "email", "profile", "api:read"},
		RequirePKCE:      true,
		CreatedAt:        time.Now(),
	}
}

// NewPublicClient creates a public test client. Public clients carry no
// secret and always require PKCE.
func NewPublicClient() *storage.Client {
	return &storage.Client{
		ClientID:     "test-public",
		ClientType:   "public",
		ClientName:   "Test Public Client",
		RedirectURIs: []string{"https://spa.example.com/callback"},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		Scopes:       []string{"openid", "email", "profile"},
		RequirePKCE:  true,
		CreatedAt:    time.Now(),
	}
}

// NewAuthorizationFlow creates a pending test flow for the given client
func NewAuthorizationFlow(client *storage.Client, challenge string) *storage.AuthorizationFlow {
	now := time.Now()
	return &storage.AuthorizationFlow{
		FlowID:              GenerateRandomString(32),
		State:               storage.FlowStateReceived,
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		Scope:               "openid email",
		ClientState:         GenerateRandomString(16),
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		CreatedAt:           now,
		ExpiresAt:           now.Add(10 * time.Minute),
	}
}

// NewAuthorizationCode creates an unconsumed test authorization code
func NewAuthorizationCode(client *storage.Client, subjectID, challenge string) *storage.AuthorizationCode {
	now := time.Now()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(43),
		ClientID:            client.ClientID,
		SubjectID:           subjectID,
		RedirectURI:         client.RedirectURIs[0],
		Scope:               "openid email",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		CreatedAt:           now,
		ExpiresAt:           now.Add(90 * time.Second),
	}
}

// NewRefreshTokenRecord creates an active generation-1 refresh record. The
// returned plaintext token hashes to the record's TokenHash.
func NewRefreshTokenRecord(client *storage.Client, subjectID string) (plaintext string, record *storage.RefreshTokenRecord) {
	plaintext = GenerateRandomString(43)
	now := time.Now()
	return plaintext, &storage.RefreshTokenRecord{
		TokenHash:  storage.HashToken(plaintext),
		ClientID:   client.ClientID,
		SubjectID:  subjectID,
		Scope:      "openid email",
		FamilyID:   GenerateRandomString(32),
		Generation: 1,
		Status:     storage.RefreshTokenActive,
		IssuedAt:   now,
		ExpiresAt:  now.Add(90 * 24 * time.Hour),
	}
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// HTTPRequest is a helper for making test HTTP requests
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// NewHTTPRequest creates a new HTTP request helper
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithBody sets the request body
func (r *HTTPRequest) WithBody(body string) *HTTPRequest {
	r.Body = body
	return r
}

// WithForm sets a form-encoded body and content type
func (r *HTTPRequest) WithForm(body string) *HTTPRequest {
	r.Body = body
	r.Headers["Content-Type"] = "application/x-www-form-urlencoded"
	return r
}

// Do executes the HTTP request against the handler
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	var req *http.Request
	if r.Body != "" {
		req = httptest.NewRequest(r.Method, r.URL, strings.NewReader(r.Body))
	} else {
		req = httptest.NewRequest(r.Method, r.URL, nil)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
