package oauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tidegate/oauth-idp/authn"
	"github.com/tidegate/oauth-idp/instrumentation"
	"github.com/tidegate/oauth-idp/security"
	"github.com/tidegate/oauth-idp/server"
)

// Handler is a thin HTTP adapter for the authorization server. It decodes
// requests, delegates to the server package for the protocol logic, and
// encodes responses.
type Handler struct {
	server  *server.Server
	logger  *slog.Logger
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
	metrics *instrumentation.Metrics
}

// NewHandler creates the HTTP handler. inst may be nil to disable telemetry.
func NewHandler(srv *server.Server, inst *instrumentation.Instrumentation, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		logger: logger,
		inst:   inst,
	}
	if inst != nil {
		h.tracer = inst.Tracer("http")
		h.metrics = inst.Metrics()
	}
	return h
}

// RegisterRoutes registers every endpoint on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(PathAuthorize, h.ServeAuthorization)
	mux.HandleFunc(PathAuthorizeLogin, h.ServeLogin)
	mux.HandleFunc(PathAuthorizeConsent, h.ServeConsent)
	mux.HandleFunc(PathToken, h.ServeToken)
	mux.HandleFunc(PathRevoke, h.ServeRevocation)
	mux.HandleFunc(PathIntrospect, h.ServeIntrospection)
	mux.HandleFunc(PathJWKS, h.ServeJWKS)
	mux.HandleFunc(MetadataPathAuthServer, h.ServeAuthorizationServerMetadata)
	mux.HandleFunc(MetadataPathOpenID, h.ServeAuthorizationServerMetadata)
}

// redirectResponse tells the front-end where to send the browser next.
type redirectResponse struct {
	RedirectTo string `json:"redirect_to"`
}

// ServeAuthorization handles GET /authorize. A valid request opens a flow and
// returns a LoginChallenge for the embedding application's login UI; every
// validation failure is answered directly, never by redirecting to the
// client-supplied URI.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.authorization")
	defer h.endSpan(span)

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("authorization", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkIPRateLimit(w, clientIP, "authorization", startTime) {
		return
	}

	q := r.URL.Query()
	req := server.AuthorizationRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrPKCEMethod, req.CodeChallengeMethod),
	)

	challenge, oerr := h.server.BeginAuthorization(ctx, req, clientIP)
	if oerr != nil {
		h.recordHTTPMetrics("authorization", r.Method, oerr.Status, startTime)
		instrumentation.SetSpanError(span, oerr.Code)
		h.writeServerError(w, oerr)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordAuthorizationStarted(ctx, req.ClientID)
	}
	instrumentation.AddFlowAttributes(span, req.ClientID, challenge.FlowID, req.Scope)
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("authorization", r.Method, http.StatusOK, startTime)

	h.writeJSON(w, http.StatusOK, &LoginChallenge{
		FlowID:   challenge.FlowID,
		ClientID: challenge.ClientID,
		Scopes:   challenge.Scopes,
	})
}

// ServeLogin handles POST /authorize/login. The login UI posts the flow ID,
// the authentication method, and the credential fields for that method.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.login")
	defer h.endSpan(span)

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("login", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("login", r.Method, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, ErrInvalidRequest("failed to parse request"))
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkIPRateLimit(w, clientIP, "login", startTime) {
		return
	}

	flowID := r.PostFormValue("flow_id")
	method := r.PostFormValue("auth_method")
	credentials := make(authn.Credentials)
	for field, values := range r.PostForm {
		if field == "flow_id" || field == "auth_method" || len(values) == 0 {
			continue
		}
		credentials[field] = values[0]
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrFlowID, flowID),
		attribute.String(instrumentation.AttrAuthMethod, method),
	)

	outcome, oerr := h.server.AuthenticateSubject(ctx, flowID, method, credentials, clientIP)
	if oerr != nil {
		h.recordHTTPMetrics("login", r.Method, oerr.Status, startTime)
		instrumentation.SetSpanError(span, oerr.Code)
		h.writeServerError(w, oerr)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordSubjectAuthenticated(ctx, method)
	}
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("login", r.Method, http.StatusOK, startTime)
	h.writeFlowOutcome(w, outcome)
}

// ServeConsent handles POST /authorize/consent. The consent UI posts the flow
// ID and the subject's decision.
func (h *Handler) ServeConsent(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.consent")
	defer h.endSpan(span)

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("consent", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("consent", r.Method, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, ErrInvalidRequest("failed to parse request"))
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkIPRateLimit(w, clientIP, "consent", startTime) {
		return
	}

	flowID := r.PostFormValue("flow_id")
	granted, err := strconv.ParseBool(r.PostFormValue("approve"))
	if err != nil {
		h.recordHTTPMetrics("consent", r.Method, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, ErrInvalidRequest("approve must be true or false"))
		return
	}

	outcome, oerr := h.server.FinishConsent(ctx, flowID, granted, clientIP)
	if oerr != nil {
		h.recordHTTPMetrics("consent", r.Method, oerr.Status, startTime)
		instrumentation.SetSpanError(span, oerr.Code)
		h.writeServerError(w, oerr)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordConsentDecision(ctx, "", granted)
		if granted {
			h.metrics.RecordCodeIssued(ctx, "")
		}
	}
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("consent", r.Method, http.StatusOK, startTime)
	h.writeFlowOutcome(w, outcome)
}

// ServeToken handles POST /token.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.token")
	defer h.endSpan(span)

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("token", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, ErrInvalidRequest("failed to parse request"))
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkIPRateLimit(w, clientIP, "token", startTime) {
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	req := server.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        r.PostFormValue("scope"),
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
	)

	result, oerr := h.server.Exchange(ctx, req, clientIP)
	if oerr != nil {
		h.recordHTTPMetrics("token", r.Method, oerr.Status, startTime)
		instrumentation.SetSpanError(span, oerr.Code)
		h.writeServerError(w, oerr)
		return
	}

	if h.metrics != nil {
		switch req.GrantType {
		case GrantTypeAuthorizationCode:
			pkceMethod := ""
			if req.CodeVerifier != "" {
				pkceMethod = PKCEMethodS256
			}
			h.metrics.RecordCodeExchange(ctx, clientID, pkceMethod)
		case GrantTypeRefreshToken:
			h.metrics.RecordTokenRefresh(ctx, clientID)
		}
	}
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("token", r.Method, http.StatusOK, startTime)

	// RFC 6749: token responses must not be cached
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, &TokenResponse{
		AccessToken:  result.AccessToken,
		TokenType:    result.TokenType,
		ExpiresIn:    result.ExpiresIn,
		RefreshToken: result.RefreshToken,
		IDToken:      result.IDToken,
		Scope:        result.Scope,
	})
}

// ServeRevocation handles POST /revoke (RFC 7009).
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.revocation")
	defer h.endSpan(span)

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, ErrInvalidRequest("failed to parse request"))
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkIPRateLimit(w, clientIP, "revoke", startTime) {
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	oerr := h.server.Revoke(ctx, server.RevocationRequest{
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		Token:         r.PostFormValue("token"),
		TokenTypeHint: r.PostFormValue("token_type_hint"),
	}, clientIP)
	if oerr != nil {
		h.recordHTTPMetrics("revoke", r.Method, oerr.Status, startTime)
		instrumentation.SetSpanError(span, oerr.Code)
		h.writeServerError(w, oerr)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordTokenRevocation(ctx, clientID)
	}
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("revoke", r.Method, http.StatusOK, startTime)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeIntrospection handles POST /introspect (RFC 7662).
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.introspection")
	defer h.endSpan(span)

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("introspect", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("introspect", r.Method, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, ErrInvalidRequest("failed to parse request"))
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkIPRateLimit(w, clientIP, "introspect", startTime) {
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	result, oerr := h.server.Introspect(ctx, server.IntrospectionRequest{
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		Token:         r.PostFormValue("token"),
		TokenTypeHint: r.PostFormValue("token_type_hint"),
	}, clientIP)
	if oerr != nil {
		h.recordHTTPMetrics("introspect", r.Method, oerr.Status, startTime)
		instrumentation.SetSpanError(span, oerr.Code)
		h.writeServerError(w, oerr)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("introspect", r.Method, http.StatusOK, startTime)

	resp := &IntrospectionResponse{Active: result.Active}
	if result.Active {
		resp.Scope = result.Scope
		resp.ClientID = result.ClientID
		resp.TokenType = result.TokenType
		resp.Sub = result.SubjectID
		resp.JTI = result.JTI
		resp.Exp = result.ExpiresAt.Unix()
		resp.Iat = result.IssuedAt.Unix()
	}

	// RFC 7662: introspection responses must not be cached
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeJWKS handles GET /jwks.json, publishing the verification keys.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("jwks", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	set, err := h.server.Registry().JWKS()
	if err != nil {
		h.logger.Error("Failed to build JWKS", "error", err)
		h.recordHTTPMetrics("jwks", r.Method, http.StatusInternalServerError, startTime)
		h.writeOAuthError(w, ErrServerError("failed to build key set"))
		return
	}

	// Resource servers poll this; a short cache keeps rotations visible
	w.Header().Set("Cache-Control", "public, max-age=300")
	h.recordHTTPMetrics("jwks", r.Method, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, set)
}

// ServeAuthorizationServerMetadata handles the RFC 8414 and OIDC discovery
// documents. Both well-known paths serve the same metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("metadata", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := h.server.Config.Issuer
	metadata := &AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + PathAuthorize,
		TokenEndpoint:                     issuer + PathToken,
		JWKSURI:                           issuer + PathJWKS,
		RevocationEndpoint:                issuer + PathRevoke,
		IntrospectionEndpoint:             issuer + PathIntrospect,
		ScopesSupported:                   h.server.Config.SupportedScopes,
		ResponseTypesSupported:            []string{ResponseTypeCode},
		GrantTypesSupported:               []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeClientCredentials},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{PKCEMethodS256},
		IDTokenSigningAlgValuesSupported:  []string{h.server.Registry().Current().Alg},
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	h.recordHTTPMetrics("metadata", r.Method, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, metadata)
}

// clientCredentials extracts client authentication from Basic auth or the
// form body. Basic auth wins when both are present.
func (h *Handler) clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// checkIPRateLimit enforces the per-IP limiter. Returns false when the
// request was rejected.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, clientIP, endpoint string, startTime time.Time) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return true
	}

	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	}
	if h.metrics != nil {
		h.metrics.RecordRateLimitExceeded(context.Background(), "ip")
	}
	h.recordHTTPMetrics(endpoint, "", http.StatusTooManyRequests, startTime)
	w.Header().Set("Retry-After", "60")
	h.writeOAuthError(w, ErrRateLimitExceeded("too many requests"))
	return false
}

// writeFlowOutcome encodes the result of advancing a flow: either the next
// challenge or the final redirect back to the client.
func (h *Handler) writeFlowOutcome(w http.ResponseWriter, outcome *server.FlowOutcome) {
	if outcome.Consent != nil {
		h.writeJSON(w, http.StatusOK, &ConsentChallenge{
			FlowID:     outcome.Consent.FlowID,
			ClientID:   outcome.Consent.ClientID,
			ClientName: outcome.Consent.ClientName,
			Scopes:     outcome.Consent.Scopes,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, &redirectResponse{RedirectTo: outcome.RedirectURL})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeServerError(w http.ResponseWriter, oerr *server.Error) {
	h.writeOAuthError(w, FromServerError(oerr))
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, oerr *OAuthError) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	if oerr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", TokenTypeBearer)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oerr.Status)
	_ = json.NewEncoder(w).Encode(&ErrorResponse{
		Error:            oerr.Code,
		ErrorDescription: oerr.Description,
	})
}

func (h *Handler) startSpan(r *http.Request, name string) (ctx context.Context, span trace.Span) {
	ctx = r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, name)
	}
	return ctx, span
}

func (h *Handler) endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

// recordHTTPMetrics records the request count and duration for an endpoint.
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.metrics == nil {
		return
	}
	durationMs := float64(time.Since(startTime).Microseconds()) / 1000.0
	h.metrics.RecordHTTPRequest(context.Background(), method, endpoint, status, durationMs)
}
