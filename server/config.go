package server

import (
	"log/slog"
	"time"

	"github.com/kyzima-spb/restlib-oauth2/storage"
)

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 300 (5 minutes)

	// AccessTokenTTL is how long access tokens are valid. Refresh
	// tokens share the lifetime of the pair they belong to.
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenRotation rotates the refresh token on every
	// refresh grant: the presented pair is revoked and the new pair
	// carries a fresh refresh token. A pointer so that an explicit
	// false is distinguishable from an unset field.
	// Default: true (secure by default)
	RefreshTokenRotation *bool

	// IncludeRefreshToken controls whether grants that may issue a
	// refresh token do so.
	// Default: true
	IncludeRefreshToken *bool

	// SupportedScopes lists the scopes the server advertises and
	// accepts. If empty, any requested scope is accepted.
	SupportedScopes []string

	// RequirePKCE makes code_challenge mandatory when redeeming and
	// requesting authorization codes.
	// Default: false
	RequirePKCE bool // default: false

	// TrustProxy enables trusting X-Forwarded-For when extracting
	// the remote address for audit records.
	// Default: false
	TrustProxy bool // default: false
}

// Bool returns a pointer to v, for the optional boolean config fields.
func Bool(v bool) *bool { return &v }

// applyDefaults fills unset values with the defaults above.
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = int64(storage.AuthorizationCodeLifetime / time.Second)
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600
	}
	if config.RefreshTokenRotation == nil {
		config.RefreshTokenRotation = Bool(true)
	}
	if config.IncludeRefreshToken == nil {
		config.IncludeRefreshToken = Bool(true)
	}
	if !*config.RefreshTokenRotation {
		logger.Warn("refresh token rotation is disabled",
			"risk", "stolen refresh tokens stay valid until expiry")
	}
	return config
}
