// Package security provides security-related functionality for the
// authorization server: audit logging with PII hashing, per-identifier
// rate limiting, credential hashing and token generation, and the
// response headers OAuth endpoints must carry.
//
// # Rate Limiting
//
// The RateLimiter provides per-identifier rate limiting using a token
// bucket (golang.org/x/time/rate). Idle entries are swept periodically.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//		// 429 Too Many Requests
//	}
//
// # Audit Logging
//
// The Auditor logs protocol-level security events (token issued,
// refreshed, revoked, authentication failures) through a slog.Logger.
// User identifiers are hashed so events stay correlatable without
// writing PII to the log output.
package security
