package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the authorization server
type Metrics struct {
	// HTTP layer metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Authorization flow metrics
	AuthorizationStarted metric.Int64Counter
	SubjectAuthenticated metric.Int64Counter
	ConsentDecisions     metric.Int64Counter
	CodeIssued           metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	TokenRevoked         metric.Int64Counter

	// Security metrics
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReplayDetected   metric.Int64Counter
	RefreshReuseDetected metric.Int64Counter

	// Key management metrics
	SigningKeyRotations metric.Int64Counter

	// Storage metrics
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageClientsCount       metric.Int64ObservableGauge
	StorageFlowsCount         metric.Int64ObservableGauge
	StorageCodesCount         metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
	StorageConsentsCount      metric.Int64ObservableGauge

	// Audit metrics
	AuditEventsTotal metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	keysMeter := inst.Meter("keys")
	storageMeter := inst.Meter("storage")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.AuthorizationStarted, err = serverMeter.Int64Counter(
		"oauth.authorization.started",
		metric.WithDescription("Number of authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization.started counter: %w", err)
	}

	m.SubjectAuthenticated, err = serverMeter.Int64Counter(
		"oauth.subject.authenticated",
		metric.WithDescription("Number of successful subject authentications"),
		metric.WithUnit("{login}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subject.authenticated counter: %w", err)
	}

	m.ConsentDecisions, err = serverMeter.Int64Counter(
		"oauth.consent.decisions",
		metric.WithDescription("Number of consent decisions recorded"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consent.decisions counter: %w", err)
	}

	m.CodeIssued, err = serverMeter.Int64Counter(
		"oauth.code.issued",
		metric.WithDescription("Number of authorization codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.issued counter: %w", err)
	}

	m.CodeExchanged, err = serverMeter.Int64Counter(
		"oauth.code.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}

	m.TokenRefreshed, err = serverMeter.Int64Counter(
		"oauth.token.refreshed",
		metric.WithDescription("Number of refresh-token rotations"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.TokenRevoked, err = serverMeter.Int64Counter(
		"oauth.token.revoked",
		metric.WithDescription("Number of tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"oauth.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.PKCEValidationFailed, err = securityMeter.Int64Counter(
		"oauth.pkce.validation_failed",
		metric.WithDescription("Number of PKCE validation failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce.validation_failed counter: %w", err)
	}

	m.CodeReplayDetected, err = securityMeter.Int64Counter(
		"oauth.code.replay_detected",
		metric.WithDescription("Number of authorization code replay attempts detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.replay_detected counter: %w", err)
	}

	m.RefreshReuseDetected, err = securityMeter.Int64Counter(
		"oauth.refresh.reuse_detected",
		metric.WithDescription("Number of rotated or revoked refresh tokens presented"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh.reuse_detected counter: %w", err)
	}

	m.SigningKeyRotations, err = keysMeter.Int64Counter(
		"oauth.signing_key.rotations",
		metric.WithDescription("Number of signing key rotations"),
		metric.WithUnit("{rotation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signing_key.rotations counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageClientsCount, err = storageMeter.Int64ObservableGauge(
		"storage.clients.count",
		metric.WithDescription("Number of registered clients in storage"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.clients.count gauge: %w", err)
	}

	m.StorageFlowsCount, err = storageMeter.Int64ObservableGauge(
		"storage.flows.count",
		metric.WithDescription("Number of pending authorization flows in storage"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.flows.count gauge: %w", err)
	}

	m.StorageCodesCount, err = storageMeter.Int64ObservableGauge(
		"storage.codes.count",
		metric.WithDescription("Number of authorization codes in storage"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.codes.count gauge: %w", err)
	}

	m.StorageRefreshTokensCount, err = storageMeter.Int64ObservableGauge(
		"storage.refresh_tokens.count",
		metric.WithDescription("Number of refresh-token records in storage"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.refresh_tokens.count gauge: %w", err)
	}

	m.StorageConsentsCount, err = storageMeter.Int64ObservableGauge(
		"storage.consents.count",
		metric.WithDescription("Number of consent records in storage"),
		metric.WithUnit("{consent}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.consents.count gauge: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"oauth.audit.events.total",
		metric.WithDescription("Total number of audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationStarted records an authorization flow start
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string) {
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordSubjectAuthenticated records a successful login step
func (m *Metrics) RecordSubjectAuthenticated(ctx context.Context, method string) {
	m.SubjectAuthenticated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordConsentDecision records a consent grant or denial
func (m *Metrics) RecordConsentDecision(ctx context.Context, clientID string, granted bool) {
	m.ConsentDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("granted", granted),
	))
}

// RecordCodeIssued records issuance of an authorization code
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string) {
	m.CodeIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokenRefresh records a refresh-token rotation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReplayDetected records an authorization code replay attempt
func (m *Metrics) RecordCodeReplayDetected(ctx context.Context) {
	m.CodeReplayDetected.Add(ctx, 1)
}

// RecordRefreshReuseDetected records presentation of a rotated or revoked refresh token
func (m *Metrics) RecordRefreshReuseDetected(ctx context.Context) {
	m.RefreshReuseDetected.Add(ctx, 1)
}

// RecordSigningKeyRotation records a signing key rotation
func (m *Metrics) RecordSigningKeyRotation(ctx context.Context, alg string) {
	m.SigningKeyRotations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("alg", alg),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}
