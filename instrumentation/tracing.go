package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span and metric attribute keys.
//
// SECURITY: Never record actual credential values (access tokens,
// refresh tokens, authorization codes, client secrets) in traces or
// metrics. Only metadata such as grant types, outcomes, and booleans.
const (
	AttrClientID        = "oauth.client_id"
	AttrGrantType       = "oauth.grant_type"
	AttrResponseType    = "oauth.response_type"
	AttrScope           = "oauth.scope"
	AttrPKCEMethod      = "oauth.pkce.method"
	AttrPKCEPresent     = "oauth.pkce.present"
	AttrTokenRotated    = "oauth.token.rotated"
	AttrTokenTypeHint   = "oauth.token_type_hint"
	AttrTokenActive     = "oauth.token.active"
	AttrRefreshIncluded = "oauth.refresh_token.included"
	AttrOutcome         = "oauth.outcome"
	AttrFailureReason   = "oauth.failure_reason"

	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe).
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe).
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// SpanSuccess marks a span as successful (nil-safe).
func SpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}
