package security

// Audit event types. Constants keep the event log greppable and spare
// callers from typo'd literals.
const (
	// EventTokenIssued is logged when a token pair is issued.
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is exchanged.
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked.
	EventTokenRevoked = "token_revoked"

	// EventCodeIssued is logged when an authorization code is issued.
	EventCodeIssued = "authorization_code_issued"

	// EventAuthFailure is logged when client or user authentication fails.
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a request is throttled.
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventRegistrationRateLimitExceeded is logged when client
	// registration from an address is throttled.
	EventRegistrationRateLimitExceeded = "registration_rate_limit_exceeded"

	// EventClientRegistered is logged when a client registration is saved.
	EventClientRegistered = "client_registered"
)
