package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the pre-configured metric instruments of the
// authorization server.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Server layer
	TokensIssued       metric.Int64Counter
	TokensRefreshed    metric.Int64Counter
	TokensRevoked      metric.Int64Counter
	TokensIntrospected metric.Int64Counter
	CodesIssued        metric.Int64Counter
	CodesRedeemed      metric.Int64Counter
	GrantDuration      metric.Float64Histogram

	// Security layer
	AuthFailures         metric.Int64Counter
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter

	// Storage layer
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageTokensCount       metric.Int64ObservableGauge
	StorageClientsCount      metric.Int64ObservableGauge
	StorageCodesCount        metric.Int64ObservableGauge
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	var err error

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	if m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total HTTP requests processed"),
	); err != nil {
		return nil, err
	}

	if m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	if m.TokensIssued, err = serverMeter.Int64Counter(
		"oauth.tokens.issued",
		metric.WithDescription("Tokens issued, by grant type"),
	); err != nil {
		return nil, err
	}

	if m.TokensRefreshed, err = serverMeter.Int64Counter(
		"oauth.tokens.refreshed",
		metric.WithDescription("Successful refresh token exchanges"),
	); err != nil {
		return nil, err
	}

	if m.TokensRevoked, err = serverMeter.Int64Counter(
		"oauth.tokens.revoked",
		metric.WithDescription("Token revocations"),
	); err != nil {
		return nil, err
	}

	if m.TokensIntrospected, err = serverMeter.Int64Counter(
		"oauth.tokens.introspected",
		metric.WithDescription("Introspection requests, by outcome"),
	); err != nil {
		return nil, err
	}

	if m.CodesIssued, err = serverMeter.Int64Counter(
		"oauth.codes.issued",
		metric.WithDescription("Authorization codes issued"),
	); err != nil {
		return nil, err
	}

	if m.CodesRedeemed, err = serverMeter.Int64Counter(
		"oauth.codes.redeemed",
		metric.WithDescription("Authorization codes redeemed, by outcome"),
	); err != nil {
		return nil, err
	}

	if m.GrantDuration, err = serverMeter.Float64Histogram(
		"oauth.grant.duration",
		metric.WithDescription("Grant handler duration, by grant type"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	if m.AuthFailures, err = securityMeter.Int64Counter(
		"oauth.auth.failures",
		metric.WithDescription("Client and user authentication failures"),
	); err != nil {
		return nil, err
	}

	if m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"oauth.ratelimit.exceeded",
		metric.WithDescription("Requests rejected by rate limiting"),
	); err != nil {
		return nil, err
	}

	if m.PKCEValidationFailed, err = securityMeter.Int64Counter(
		"oauth.pkce.validation.failed",
		metric.WithDescription("PKCE verifier validation failures"),
	); err != nil {
		return nil, err
	}

	if m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"oauth.storage.operations.total",
		metric.WithDescription("Storage operations, by operation and result"),
	); err != nil {
		return nil, err
	}

	if m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"oauth.storage.operation.duration",
		metric.WithDescription("Storage operation duration"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	if m.StorageTokensCount, err = storageMeter.Int64ObservableGauge(
		"oauth.storage.tokens.count",
		metric.WithDescription("Token records currently stored"),
	); err != nil {
		return nil, err
	}

	if m.StorageClientsCount, err = storageMeter.Int64ObservableGauge(
		"oauth.storage.clients.count",
		metric.WithDescription("Client records currently stored"),
	); err != nil {
		return nil, err
	}

	if m.StorageCodesCount, err = storageMeter.Int64ObservableGauge(
		"oauth.storage.codes.count",
		metric.WithDescription("Authorization codes currently stored"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordTokenIssued records a token issuance.
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType string, withRefresh bool) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrGrantType, grantType),
		attribute.Bool(AttrRefreshIncluded, withRefresh),
	))
}

// RecordTokenRefreshed records a refresh token exchange.
func (m *Metrics) RecordTokenRefreshed(ctx context.Context, rotated bool) {
	m.TokensRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool(AttrTokenRotated, rotated),
	))
}

// RecordTokenRevoked records a revocation.
func (m *Metrics) RecordTokenRevoked(ctx context.Context, tokenTypeHint string) {
	if tokenTypeHint == "" {
		tokenTypeHint = "none"
	}
	m.TokensRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrTokenTypeHint, tokenTypeHint),
	))
}

// RecordIntrospection records an introspection request.
func (m *Metrics) RecordIntrospection(ctx context.Context, active bool) {
	m.TokensIntrospected.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool(AttrTokenActive, active),
	))
}

// RecordCodeIssued records an authorization code issuance.
func (m *Metrics) RecordCodeIssued(ctx context.Context, pkce bool) {
	m.CodesIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool(AttrPKCEPresent, pkce),
	))
}

// RecordCodeRedeemed records an authorization code redemption attempt.
func (m *Metrics) RecordCodeRedeemed(ctx context.Context, outcome string) {
	m.CodesRedeemed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrOutcome, outcome),
	))
}

// RecordGrant records the duration and outcome of a grant handler
// invocation. The outcome is "success" or the protocol error code.
func (m *Metrics) RecordGrant(ctx context.Context, grantType, outcome string, durationMs float64) {
	m.GrantDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String(AttrGrantType, grantType),
		attribute.String(AttrOutcome, outcome),
	))
}

// RecordAuthFailure records an authentication failure.
func (m *Metrics) RecordAuthFailure(ctx context.Context, reason string) {
	m.AuthFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrFailureReason, reason),
	))
}

// RecordRateLimitExceeded records a rate limited request.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrHTTPEndpoint, endpoint),
	))
}

// RecordPKCEValidationFailed records a failed PKCE verification.
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrPKCEMethod, method),
	))
}

// RecordStorageOperation records a storage operation.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}
