package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/tidegate/oauth-idp/authn"
	"github.com/tidegate/oauth-idp/internal/testutil"
	"github.com/tidegate/oauth-idp/security"
	"github.com/tidegate/oauth-idp/storage"
)

const testIP = "203.0.113.5"

func authRequest(client *storage.Client, challenge string) AuthorizationRequest {
	return AuthorizationRequest{
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		ResponseType:        "code",
		Scope:               "openid email",
		State:               "state-abcdef123",
		Nonce:               "nonce-1",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	}
}

func aliceCredentials() authn.Credentials {
	return authn.Credentials{
		authn.FieldUsername: "alice",
		authn.FieldPassword: "password123",
	}
}

func mustParseRedirect(t *testing.T, redirect string) *url.URL {
	t.Helper()
	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("redirect URL does not parse: %v", err)
	}
	return u
}

func TestBeginAuthorization_Success(t *testing.T) {
	srv, store, _ := newTestServer(t)
	challenge, _ := testutil.GeneratePKCEPair()
	client := testutil.NewPublicClient()

	lc, oerr := srv.BeginAuthorization(context.Background(), authRequest(client, challenge), testIP)
	if oerr != nil {
		t.Fatalf("BeginAuthorization() error = %v", oerr)
	}
	if lc.FlowID == "" {
		t.Error("FlowID should be set")
	}
	if lc.ClientID != client.ClientID {
		t.Errorf("ClientID = %q, want %q", lc.ClientID, client.ClientID)
	}
	if len(lc.Scopes) != 2 {
		t.Errorf("Scopes = %v, want 2 entries", lc.Scopes)
	}

	flow, err := store.GetFlow(context.Background(), lc.FlowID)
	if err != nil {
		t.Fatalf("GetFlow() error = %v", err)
	}
	if flow.State != storage.FlowStateReceived {
		t.Errorf("flow state = %q, want %q", flow.State, storage.FlowStateReceived)
	}
	if flow.ClientState != "state-abcdef123" {
		t.Errorf("ClientState = %q not preserved", flow.ClientState)
	}
	if flow.Nonce != "nonce-1" {
		t.Errorf("Nonce = %q not preserved", flow.Nonce)
	}
}

func TestBeginAuthorization_Rejections(t *testing.T) {
	srv, _, _ := newTestServer(t)
	challenge, _ := testutil.GeneratePKCEPair()
	client := testutil.NewPublicClient()

	tests := []struct {
		name     string
		mutate   func(*AuthorizationRequest)
		wantCode string
	}{
		{"unknown client", func(r *AuthorizationRequest) { r.ClientID = "ghost" }, ErrorCodeInvalidRequest},
		{"empty client id", func(r *AuthorizationRequest) { r.ClientID = "" }, ErrorCodeInvalidRequest},
		{"unregistered redirect", func(r *AuthorizationRequest) { r.RedirectURI = "https://evil.example.com/cb" }, ErrorCodeInvalidRequest},
		{"redirect with fragment", func(r *AuthorizationRequest) { r.RedirectURI += "#frag" }, ErrorCodeInvalidRequest},
		{"implicit response type", func(r *AuthorizationRequest) { r.ResponseType = "token" }, ErrorCodeInvalidRequest},
		{"missing state", func(r *AuthorizationRequest) { r.State = "" }, ErrorCodeInvalidRequest},
		{"short state", func(r *AuthorizationRequest) { r.State = "abc" }, ErrorCodeInvalidRequest},
		{"scope outside registration", func(r *AuthorizationRequest) { r.Scope = "openid admin" }, ErrorCodeInvalidScope},
		{"missing PKCE", func(r *AuthorizationRequest) { r.CodeChallenge = ""; r.CodeChallengeMethod = "" }, ErrorCodeInvalidRequest},
		{"plain PKCE", func(r *AuthorizationRequest) { r.CodeChallengeMethod = "plain" }, ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := authRequest(client, challenge)
			tt.mutate(&req)

			lc, oerr := srv.BeginAuthorization(context.Background(), req, testIP)
			if oerr == nil {
				t.Fatalf("BeginAuthorization() = %+v, want error", lc)
			}
			if oerr.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", oerr.Code, tt.wantCode)
			}
		})
	}
}

func TestBeginAuthorization_UnauthorizedGrant(t *testing.T) {
	srv, store, _ := newTestServer(t)
	challenge, _ := testutil.GeneratePKCEPair()

	client := testutil.NewPublicClient()
	client.ClientID = "machine-only"
	client.GrantTypes = []string{"client_credentials"}
	if err := store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	_, oerr := srv.BeginAuthorization(context.Background(), authRequest(client, challenge), testIP)
	if oerr == nil || oerr.Code != ErrorCodeUnauthorizedClient {
		t.Errorf("error = %v, want %s", oerr, ErrorCodeUnauthorizedClient)
	}
}

func startFlow(t *testing.T, srv *Server) *LoginChallenge {
	t.Helper()
	challenge, _ := testutil.GeneratePKCEPair()
	lc, oerr := srv.BeginAuthorization(context.Background(), authRequest(testutil.NewPublicClient(), challenge), testIP)
	if oerr != nil {
		t.Fatalf("BeginAuthorization() error = %v", oerr)
	}
	return lc
}

func TestAuthenticateSubject_WrongCredentials(t *testing.T) {
	srv, store, _ := newTestServer(t)
	lc := startFlow(t, srv)

	outcome, oerr := srv.AuthenticateSubject(context.Background(), lc.FlowID, "mock", authn.Credentials{
		authn.FieldUsername: "alice",
		authn.FieldPassword: "wrong",
	}, testIP)
	if outcome != nil {
		t.Fatalf("outcome = %+v, want nil on failed attempt", outcome)
	}
	if oerr == nil || oerr.Code != ErrorCodeAccessDenied {
		t.Fatalf("error = %v, want %s", oerr, ErrorCodeAccessDenied)
	}

	flow, err := store.GetFlow(context.Background(), lc.FlowID)
	if err != nil {
		t.Fatalf("GetFlow() error = %v", err)
	}
	if flow.State != storage.FlowStateAuthenticating {
		t.Errorf("flow state = %q, want %q", flow.State, storage.FlowStateAuthenticating)
	}
	if flow.AuthAttempts != 1 {
		t.Errorf("AuthAttempts = %d, want 1", flow.AuthAttempts)
	}
}

func TestAuthenticateSubject_LockoutRedirects(t *testing.T) {
	srv, _, _ := newTestServer(t)
	lc := startFlow(t, srv)
	bad := authn.Credentials{authn.FieldUsername: "alice", authn.FieldPassword: "wrong"}

	for i := 0; i < 2; i++ {
		if _, oerr := srv.AuthenticateSubject(context.Background(), lc.FlowID, "mock", bad, testIP); oerr == nil {
			t.Fatalf("attempt %d should fail", i+1)
		}
	}

	// Third failure exhausts the budget and redirects with access_denied
	outcome, oerr := srv.AuthenticateSubject(context.Background(), lc.FlowID, "mock", bad, testIP)
	if oerr != nil {
		t.Fatalf("final attempt error = %v, want redirect outcome", oerr)
	}
	u := mustParseRedirect(t, outcome.RedirectURL)
	if u.Query().Get("error") != "access_denied" {
		t.Errorf("error param = %q, want access_denied", u.Query().Get("error"))
	}
	if u.Query().Get("state") != "state-abcdef123" {
		t.Errorf("state param = %q not echoed", u.Query().Get("state"))
	}

	// The flow is terminal: even valid credentials are refused now
	if _, oerr := srv.AuthenticateSubject(context.Background(), lc.FlowID, "mock", aliceCredentials(), testIP); oerr == nil {
		t.Error("rejected flow should not accept further logins")
	}
}

func TestAuthenticateSubject_PerSubjectRateLimit(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rl := security.NewRateLimiter(1, 1, testLogger())
	t.Cleanup(rl.Stop)
	srv.SetSubjectRateLimiter(rl)

	first := startFlow(t, srv)
	if _, oerr := srv.AuthenticateSubject(context.Background(), first.FlowID, "mock", aliceCredentials(), testIP); oerr != nil {
		t.Fatalf("first login error = %v", oerr)
	}

	// The second successful authentication for the same subject exceeds the
	// burst and is throttled.
	second := startFlow(t, srv)
	_, oerr := srv.AuthenticateSubject(context.Background(), second.FlowID, "mock", aliceCredentials(), testIP)
	if oerr == nil || oerr.Code != ErrorCodeRateLimitExceeded {
		t.Fatalf("error = %v, want %s", oerr, ErrorCodeRateLimitExceeded)
	}
	if oerr.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", oerr.Status)
	}
}

func TestAuthenticateSubject_FailedLoginSkipsSubjectLimiter(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rl := security.NewRateLimiter(1, 1, testLogger())
	t.Cleanup(rl.Stop)
	srv.SetSubjectRateLimiter(rl)

	// Wrong credentials never resolve a subject, so they consume no budget.
	lc := startFlow(t, srv)
	bad := authn.Credentials{authn.FieldUsername: "alice", authn.FieldPassword: "wrong"}
	if _, oerr := srv.AuthenticateSubject(context.Background(), lc.FlowID, "mock", bad, testIP); oerr == nil || oerr.Code != ErrorCodeAccessDenied {
		t.Fatalf("error = %v, want %s", oerr, ErrorCodeAccessDenied)
	}

	if _, oerr := srv.AuthenticateSubject(context.Background(), lc.FlowID, "mock", aliceCredentials(), testIP); oerr != nil {
		t.Errorf("valid login after a failure error = %v, want success", oerr)
	}
}

func TestAuthenticateSubject_ConsentChallenge(t *testing.T) {
	srv, store, _ := newTestServer(t)
	lc := startFlow(t, srv)

	outcome, oerr := srv.AuthenticateSubject(context.Background(), lc.FlowID, "mock", aliceCredentials(), testIP)
	if oerr != nil {
		t.Fatalf("AuthenticateSubject() error = %v", oerr)
	}
	if outcome.Consent == nil {
		t.Fatal("expected a consent challenge")
	}
	if outcome.Consent.FlowID != lc.FlowID {
		t.Errorf("consent FlowID = %q, want %q", outcome.Consent.FlowID, lc.FlowID)
	}

	flow, err := store.GetFlow(context.Background(), lc.FlowID)
	if err != nil {
		t.Fatalf("GetFlow() error = %v", err)
	}
	if flow.State != storage.FlowStateConsentPending {
		t.Errorf("flow state = %q, want %q", flow.State, storage.FlowStateConsentPending)
	}
	if flow.SubjectID != "subject-alice" {
		t.Errorf("SubjectID = %q, want subject-alice", flow.SubjectID)
	}
}

func TestAuthenticateSubject_SkipsConsentWhenStored(t *testing.T) {
	srv, store, _ := newTestServer(t)

	if err := store.SaveConsent(context.Background(), &storage.Consent{
		SubjectID: "subject-alice",
		ClientID:  "test-public",
		Scopes:    []string{"openid", "email", "profile"},
		GrantedAt: time.Now(),
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("SaveConsent() error = %v", err)
	}

	lc := startFlow(t, srv)
	outcome, oerr := srv.AuthenticateSubject(context.Background(), lc.FlowID, "mock", aliceCredentials(), testIP)
	if oerr != nil {
		t.Fatalf("AuthenticateSubject() error = %v", oerr)
	}
	if outcome.RedirectURL == "" {
		t.Fatal("stored consent should skip straight to the code redirect")
	}
	u := mustParseRedirect(t, outcome.RedirectURL)
	if u.Query().Get("code") == "" {
		t.Error("redirect should carry an authorization code")
	}
}

func TestAuthenticateSubject_PartialConsentStillPrompts(t *testing.T) {
	srv, store, _ := newTestServer(t)

	// Stored consent covers only openid; the flow asks for openid email
	if err := store.SaveConsent(context.Background(), &storage.Consent{
		SubjectID: "subject-alice",
		ClientID:  "test-public",
		Scopes:    []string{"openid"},
		GrantedAt: time.Now(),
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("SaveConsent() error = %v", err)
	}

	lc := startFlow(t, srv)
	outcome, oerr := srv.AuthenticateSubject(context.Background(), lc.FlowID, "mock", aliceCredentials(), testIP)
	if oerr != nil {
		t.Fatalf("AuthenticateSubject() error = %v", oerr)
	}
	if outcome.Consent == nil {
		t.Error("consent covering fewer scopes should still prompt")
	}
}

func TestAuthenticateSubject_UnknownMethod(t *testing.T) {
	srv, _, _ := newTestServer(t)
	lc := startFlow(t, srv)

	_, oerr := srv.AuthenticateSubject(context.Background(), lc.FlowID, "carrier-pigeon", aliceCredentials(), testIP)
	if oerr == nil || oerr.Code != ErrorCodeInvalidRequest {
		t.Errorf("error = %v, want %s", oerr, ErrorCodeInvalidRequest)
	}
}

func TestAuthenticateSubject_UnknownFlow(t *testing.T) {
	srv, _, _ := newTestServer(t)

	_, oerr := srv.AuthenticateSubject(context.Background(), "no-such-flow", "mock", aliceCredentials(), testIP)
	if oerr == nil || oerr.Code != ErrorCodeInvalidRequest {
		t.Errorf("error = %v, want %s", oerr, ErrorCodeInvalidRequest)
	}
}

func authenticateToConsent(t *testing.T, srv *Server) *LoginChallenge {
	t.Helper()
	lc := startFlow(t, srv)
	outcome, oerr := srv.AuthenticateSubject(context.Background(), lc.FlowID, "mock", aliceCredentials(), testIP)
	if oerr != nil {
		t.Fatalf("AuthenticateSubject() error = %v", oerr)
	}
	if outcome.Consent == nil {
		t.Fatal("expected consent challenge")
	}
	return lc
}

func TestFinishConsent_Grant(t *testing.T) {
	srv, store, _ := newTestServer(t)
	lc := authenticateToConsent(t, srv)

	outcome, oerr := srv.FinishConsent(context.Background(), lc.FlowID, true, testIP)
	if oerr != nil {
		t.Fatalf("FinishConsent() error = %v", oerr)
	}
	u := mustParseRedirect(t, outcome.RedirectURL)
	code := u.Query().Get("code")
	if code == "" {
		t.Fatal("redirect should carry an authorization code")
	}
	if u.Query().Get("state") != "state-abcdef123" {
		t.Errorf("state = %q not echoed verbatim", u.Query().Get("state"))
	}

	record, err := store.GetAuthorizationCode(context.Background(), code)
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if record.SubjectID != "subject-alice" || record.ClientID != "test-public" {
		t.Errorf("code bound to (%q, %q), want (subject-alice, test-public)", record.SubjectID, record.ClientID)
	}
	if record.Scope != "openid email" {
		t.Errorf("code scope = %q, want the consented scope", record.Scope)
	}
	if record.CodeChallenge == "" {
		t.Error("code should carry the PKCE challenge")
	}

	consent, err := store.GetConsent(context.Background(), "subject-alice", "test-public")
	if err != nil {
		t.Fatalf("GetConsent() error = %v", err)
	}
	if !consent.Covers([]string{"openid", "email"}) {
		t.Error("stored consent should cover the granted scopes")
	}
}

func TestFinishConsent_Deny(t *testing.T) {
	srv, store, _ := newTestServer(t)
	lc := authenticateToConsent(t, srv)

	outcome, oerr := srv.FinishConsent(context.Background(), lc.FlowID, false, testIP)
	if oerr != nil {
		t.Fatalf("FinishConsent() error = %v", oerr)
	}
	u := mustParseRedirect(t, outcome.RedirectURL)
	if u.Query().Get("error") != "access_denied" {
		t.Errorf("error param = %q, want access_denied", u.Query().Get("error"))
	}
	if u.Query().Get("code") != "" {
		t.Error("denied consent must not issue a code")
	}

	// No consent is recorded for a denial
	if _, err := store.GetConsent(context.Background(), "subject-alice", "test-public"); err == nil {
		t.Error("denied consent should not be stored")
	}

	// The flow is terminal
	if _, oerr := srv.FinishConsent(context.Background(), lc.FlowID, true, testIP); oerr == nil {
		t.Error("rejected flow should not accept a second consent decision")
	}
}

func TestFinishConsent_BeforeAuthentication(t *testing.T) {
	srv, _, _ := newTestServer(t)
	lc := startFlow(t, srv)

	_, oerr := srv.FinishConsent(context.Background(), lc.FlowID, true, testIP)
	if oerr == nil || oerr.Code != ErrorCodeInvalidRequest {
		t.Errorf("error = %v, want %s", oerr, ErrorCodeInvalidRequest)
	}
}

func TestStateEchoedVerbatim(t *testing.T) {
	srv, _, _ := newTestServer(t)
	challenge, _ := testutil.GeneratePKCEPair()

	state := "xyzABC123-._~%20&="
	req := authRequest(testutil.NewPublicClient(), challenge)
	req.State = state

	lc, oerr := srv.BeginAuthorization(context.Background(), req, testIP)
	if oerr != nil {
		t.Fatalf("BeginAuthorization() error = %v", oerr)
	}
	if _, oerr := srv.AuthenticateSubject(context.Background(), lc.FlowID, "mock", aliceCredentials(), testIP); oerr != nil {
		t.Fatalf("AuthenticateSubject() error = %v", oerr)
	}
	outcome, oerr := srv.FinishConsent(context.Background(), lc.FlowID, true, testIP)
	if oerr != nil {
		t.Fatalf("FinishConsent() error = %v", oerr)
	}

	u := mustParseRedirect(t, outcome.RedirectURL)
	if got := u.Query().Get("state"); got != state {
		t.Errorf("state round-tripped as %q, want %q", got, state)
	}
}

func TestRedirectURLBuilders(t *testing.T) {
	success, err := successRedirectURL("https://app.example.com/cb?keep=1", "the-code", "the-state")
	if err != nil {
		t.Fatalf("successRedirectURL() error = %v", err)
	}
	u := mustParseRedirect(t, success)
	if u.Query().Get("keep") != "1" {
		t.Error("existing query parameters should survive")
	}
	if u.Query().Get("code") != "the-code" || u.Query().Get("state") != "the-state" {
		t.Errorf("unexpected query %q", u.RawQuery)
	}
	if strings.Contains(u.Fragment, "code") {
		t.Error("code must be in the query, not the fragment")
	}

	failure, err := errorRedirectURL("https://app.example.com/cb", "access_denied", "denied", "st-1")
	if err != nil {
		t.Fatalf("errorRedirectURL() error = %v", err)
	}
	u = mustParseRedirect(t, failure)
	if u.Query().Get("error") != "access_denied" {
		t.Errorf("error param = %q", u.Query().Get("error"))
	}
}
