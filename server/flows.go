package server

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tidegate/oauth-idp/authn"
	"github.com/tidegate/oauth-idp/storage"
	"github.com/tidegate/oauth-idp/token"
)

// AuthorizationRequest carries the parameters of a GET /authorize request
// after form decoding. Validation happens in BeginAuthorization.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// LoginChallenge tells the login UI which flow needs authentication.
type LoginChallenge struct {
	FlowID   string
	ClientID string
	Scopes   []string
}

// ConsentChallenge tells the consent UI what approval is outstanding.
type ConsentChallenge struct {
	FlowID     string
	ClientID   string
	ClientName string
	Scopes     []string
}

// FlowOutcome is the result of advancing an authorization flow. Exactly one
// field is set: RedirectURL when the flow reached a terminal redirect back to
// the client (success or access_denied), Consent when a consent decision is
// still outstanding.
type FlowOutcome struct {
	RedirectURL string
	Consent     *ConsentChallenge
}

// BeginAuthorization validates an authorization request and opens a flow.
//
// Every validation failure here returns an error to the caller instead of a
// redirect: until the client and redirect URI have both been verified, the
// redirect URI is attacker-controlled input and redirecting to it would make
// the server an open redirector.
func (s *Server) BeginAuthorization(ctx context.Context, req AuthorizationRequest, clientIP string) (*LoginChallenge, *Error) {
	if req.ClientID == "" {
		return nil, errInvalidRequest("client_id is required")
	}

	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, errInvalidRequest("unknown client")
		}
		s.Logger.Error("Client lookup failed during authorization", "error", err)
		return nil, errTemporarilyUnavailable("client store unavailable")
	}

	if err := s.validateRedirectURI(client, req.RedirectURI); err != nil {
		if s.Auditor != nil && s.auditEventAllowed(clientIP) {
			s.Auditor.LogInvalidRedirect(req.ClientID, clientIP, req.RedirectURI, err.Error())
		}
		return nil, errInvalidRequest(err.Error())
	}

	// From here on the redirect URI is trusted, but these checks still fail
	// locally: a client that cannot even form a valid request gets a direct
	// error, not a redirect.
	if req.ResponseType != ResponseTypeCode {
		return nil, errInvalidRequest("unsupported response_type, only 'code' is supported")
	}
	if !clientSupportsGrant(client, GrantTypeAuthorizationCode) {
		return nil, errUnauthorizedClient("client is not authorized for the authorization_code grant")
	}
	if err := s.validateStateParameter(req.State); err != nil {
		return nil, errInvalidRequest(err.Error())
	}
	if err := s.validateScopes(req.Scope); err != nil {
		return nil, errInvalidScope(err.Error())
	}
	if err := s.validateClientScopes(req.Scope, client.Scopes); err != nil {
		return nil, errInvalidScope(err.Error())
	}
	if err := s.validateChallenge(client, req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		if s.Auditor != nil && s.auditEventAllowed(clientIP) {
			s.Auditor.LogPKCEFailure(req.ClientID, clientIP, err.Error())
		}
		return nil, errInvalidRequest(err.Error())
	}

	now := time.Now()
	flow := &storage.AuthorizationFlow{
		FlowID:              uuid.NewString(),
		State:               storage.FlowStateReceived,
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		ClientState:         req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.FlowTTL) * time.Second),
	}
	if err := s.flowStore.SaveFlow(ctx, flow); err != nil {
		s.Logger.Error("Failed to persist authorization flow", "error", err)
		return nil, errTemporarilyUnavailable("flow store unavailable")
	}

	s.Logger.Info("Authorization flow started",
		"flow_id", flow.FlowID,
		"client_id", client.ClientID,
		"scope", req.Scope)

	return &LoginChallenge{
		FlowID:   flow.FlowID,
		ClientID: client.ClientID,
		Scopes:   strings.Fields(req.Scope),
	}, nil
}

// AuthenticateSubject runs the login step of a flow. On success the flow
// advances to consent, or straight to a code when a stored consent already
// covers the request. Failed attempts are counted; exhausting them rejects
// the flow and redirects back to the client with access_denied.
func (s *Server) AuthenticateSubject(ctx context.Context, flowID, method string, credentials authn.Credentials, clientIP string) (*FlowOutcome, *Error) {
	flow, oerr := s.loadActiveFlow(ctx, flowID)
	if oerr != nil {
		return nil, oerr
	}
	if flow.State != storage.FlowStateReceived && flow.State != storage.FlowStateAuthenticating {
		return nil, errInvalidRequest("flow is not awaiting authentication")
	}

	authenticator, ok := s.authenticators[method]
	if !ok {
		return nil, errInvalidRequest("unsupported authentication method")
	}

	subjectID, err := authenticator.Authenticate(ctx, credentials)
	if err != nil {
		if errors.Is(err, authn.ErrAuthenticationFailed) || errors.Is(err, authn.ErrMissingCredential) {
			return s.recordFailedAttempt(ctx, flow, clientIP)
		}
		// Infrastructure failure is not a verdict on the credentials.
		s.Logger.Error("Authenticator error", "method", method, "error", err)
		return nil, errTemporarilyUnavailable("authentication backend unavailable")
	}

	if !s.subjectAllowed(subjectID) {
		if s.Auditor != nil && s.auditEventAllowed(subjectID) {
			s.Auditor.LogRateLimitExceeded(clientIP, subjectID)
		}
		return nil, errRateLimited("too many requests for this account")
	}

	flow.SubjectID = subjectID
	if s.Auditor != nil {
		s.Auditor.LogSubjectAuthenticated(subjectID, flow.ClientID, clientIP, method)
	}

	skip, oerr := s.consentCovered(ctx, flow)
	if oerr != nil {
		return nil, oerr
	}
	if skip {
		return s.issueCode(ctx, flow)
	}

	flow.State = storage.FlowStateConsentPending
	if err := s.flowStore.SaveFlow(ctx, flow); err != nil {
		s.Logger.Error("Failed to advance flow to consent", "flow_id", flow.FlowID, "error", err)
		return nil, errTemporarilyUnavailable("flow store unavailable")
	}

	challenge := &ConsentChallenge{
		FlowID:   flow.FlowID,
		ClientID: flow.ClientID,
		Scopes:   strings.Fields(flow.Scope),
	}
	if client, err := s.clientStore.GetClient(ctx, flow.ClientID); err == nil {
		challenge.ClientName = client.ClientName
	}
	return &FlowOutcome{Consent: challenge}, nil
}

// FinishConsent records the subject's consent decision and completes the
// flow: a grant issues the authorization code, a denial rejects the flow and
// redirects with access_denied.
func (s *Server) FinishConsent(ctx context.Context, flowID string, granted bool, clientIP string) (*FlowOutcome, *Error) {
	flow, oerr := s.loadActiveFlow(ctx, flowID)
	if oerr != nil {
		return nil, oerr
	}
	if flow.State != storage.FlowStateConsentPending {
		return nil, errInvalidRequest("flow is not awaiting consent")
	}

	scopes := strings.Fields(flow.Scope)
	if s.Auditor != nil {
		s.Auditor.LogConsentDecision(flow.SubjectID, flow.ClientID, clientIP, granted, scopes)
	}

	if !granted {
		return s.rejectFlow(ctx, flow, "access_denied", "the resource owner denied the request")
	}

	now := time.Now()
	consent := &storage.Consent{
		SubjectID: flow.SubjectID,
		ClientID:  flow.ClientID,
		Scopes:    scopes,
		GrantedAt: now,
		ExpiresAt: now.Add(time.Duration(s.Config.ConsentTTL) * time.Second),
	}
	if err := s.consentStore.SaveConsent(ctx, consent); err != nil {
		// The decision must outlive this flow; failing to record it fails
		// the request rather than silently degrading to per-request consent.
		s.Logger.Error("Failed to persist consent", "flow_id", flow.FlowID, "error", err)
		return nil, errTemporarilyUnavailable("consent store unavailable")
	}

	return s.issueCode(ctx, flow)
}

// loadActiveFlow fetches a flow and rejects terminal or expired ones. The
// error is deliberately uniform: callers probing flow IDs learn nothing.
func (s *Server) loadActiveFlow(ctx context.Context, flowID string) (*storage.AuthorizationFlow, *Error) {
	if flowID == "" {
		return nil, errInvalidRequest("flow_id is required")
	}
	flow, err := s.flowStore.GetFlow(ctx, flowID)
	if err != nil {
		if errors.Is(err, storage.ErrFlowNotFound) || errors.Is(err, storage.ErrRecordExpired) {
			return nil, errInvalidRequest("unknown or expired flow")
		}
		s.Logger.Error("Flow lookup failed", "error", err)
		return nil, errTemporarilyUnavailable("flow store unavailable")
	}
	if flow.State == storage.FlowStateCodeIssued || flow.State == storage.FlowStateRejected {
		return nil, errInvalidRequest("unknown or expired flow")
	}
	return flow, nil
}

// recordFailedAttempt counts a failed login. With attempts left the caller
// gets a retryable error; once the budget is spent the flow is rejected and
// the client gets access_denied on its redirect URI. The increment is atomic
// in the store, so concurrent submissions for the same flow cannot share a
// counter value and slip past the budget.
func (s *Server) recordFailedAttempt(ctx context.Context, flow *storage.AuthorizationFlow, clientIP string) (*FlowOutcome, *Error) {
	attempts, err := s.flowStore.AtomicIncrementAuthAttempts(ctx, flow.FlowID)
	if err != nil {
		if errors.Is(err, storage.ErrFlowNotFound) || errors.Is(err, storage.ErrRecordExpired) {
			return nil, errInvalidRequest("unknown or expired flow")
		}
		s.Logger.Error("Failed to record auth attempt", "flow_id", flow.FlowID, "error", err)
		return nil, errTemporarilyUnavailable("flow store unavailable")
	}
	flow.AuthAttempts = attempts
	flow.State = storage.FlowStateAuthenticating

	if s.Auditor != nil && s.auditEventAllowed(clientIP) {
		s.Auditor.LogAuthFailure("", flow.ClientID, clientIP, "invalid credentials")
	}

	if attempts >= s.Config.MaxAuthAttempts {
		return s.rejectFlow(ctx, flow, "access_denied", "authentication failed")
	}
	return nil, errAccessDenied("authentication failed")
}

// rejectFlow marks a flow terminally rejected and builds the error redirect.
// The flow record is kept rather than deleted so replays of the flow ID fail
// fast instead of looking like unknown flows.
func (s *Server) rejectFlow(ctx context.Context, flow *storage.AuthorizationFlow, errCode, errDescription string) (*FlowOutcome, *Error) {
	flow.State = storage.FlowStateRejected
	if err := s.flowStore.SaveFlow(ctx, flow); err != nil {
		s.Logger.Error("Failed to reject flow", "flow_id", flow.FlowID, "error", err)
		return nil, errTemporarilyUnavailable("flow store unavailable")
	}

	redirect, err := errorRedirectURL(flow.RedirectURI, errCode, errDescription, flow.ClientState)
	if err != nil {
		s.Logger.Error("Failed to build error redirect", "flow_id", flow.FlowID, "error", err)
		return nil, errServerError("failed to build redirect")
	}
	return &FlowOutcome{RedirectURL: redirect}, nil
}

// consentCovered reports whether a stored consent makes the interactive
// consent step unnecessary. Store failures surface as errors; consent is
// never silently assumed.
func (s *Server) consentCovered(ctx context.Context, flow *storage.AuthorizationFlow) (bool, *Error) {
	if !s.Config.SkipConsentForStoredGrant {
		return false, nil
	}
	consent, err := s.consentStore.GetConsent(ctx, flow.SubjectID, flow.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrConsentNotFound) || errors.Is(err, storage.ErrRecordExpired) {
			return false, nil
		}
		s.Logger.Error("Consent lookup failed", "flow_id", flow.FlowID, "error", err)
		return false, errTemporarilyUnavailable("consent store unavailable")
	}
	return consent.Covers(strings.Fields(flow.Scope)), nil
}

// issueCode mints the authorization code for an authenticated, consented
// flow and builds the success redirect.
func (s *Server) issueCode(ctx context.Context, flow *storage.AuthorizationFlow) (*FlowOutcome, *Error) {
	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:                token.NewOpaqueToken(),
		ClientID:            flow.ClientID,
		SubjectID:           flow.SubjectID,
		RedirectURI:         flow.RedirectURI,
		Scope:               flow.Scope,
		Nonce:               flow.Nonce,
		CodeChallenge:       flow.CodeChallenge,
		CodeChallengeMethod: flow.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.flowStore.SaveAuthorizationCode(ctx, code); err != nil {
		s.Logger.Error("Failed to persist authorization code", "flow_id", flow.FlowID, "error", err)
		return nil, errTemporarilyUnavailable("flow store unavailable")
	}

	flow.State = storage.FlowStateCodeIssued
	if err := s.flowStore.SaveFlow(ctx, flow); err != nil {
		s.Logger.Error("Failed to finalize flow", "flow_id", flow.FlowID, "error", err)
		return nil, errTemporarilyUnavailable("flow store unavailable")
	}

	redirect, err := successRedirectURL(flow.RedirectURI, code.Code, flow.ClientState)
	if err != nil {
		s.Logger.Error("Failed to build success redirect", "flow_id", flow.FlowID, "error", err)
		return nil, errServerError("failed to build redirect")
	}

	s.Logger.Info("Authorization code issued",
		"flow_id", flow.FlowID,
		"client_id", flow.ClientID,
		"scope", flow.Scope)

	return &FlowOutcome{RedirectURL: redirect}, nil
}

// successRedirectURL appends code and state to the registered redirect URI.
// The state value is echoed verbatim.
func successRedirectURL(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("code", code)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// errorRedirectURL appends error, error_description and state to the
// registered redirect URI.
func errorRedirectURL(redirectURI, errCode, errDescription, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("error", errCode)
	if errDescription != "" {
		q.Set("error_description", errDescription)
	}
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
