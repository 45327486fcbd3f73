// Package server implements the transport-independent core of the
// authorization server: grant handlers for the authorization code
// (with PKCE), refresh token, password, client credentials and
// implicit grants, plus token revocation, introspection and bearer
// token validation over pluggable storage backends.
//
// Tokens are opaque random strings resolved through storage; nothing
// is encoded into the credential itself, so revocation takes effect
// immediately.
package server
