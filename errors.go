package oauth

import "github.com/kyzima-spb/restlib-oauth2/server"

// Error is the protocol error produced by grant handlers and
// endpoints, re-exported so applications embedding the HTTP layer do
// not need to import the server package.
type Error = server.Error

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = server.CodeInvalidRequest
	ErrorCodeInvalidClient        = server.CodeInvalidClient
	ErrorCodeInvalidGrant         = server.CodeInvalidGrant
	ErrorCodeUnauthorizedClient   = server.CodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType = server.CodeUnsupportedGrantType
	ErrorCodeUnsupportedResponse  = server.CodeUnsupportedResponse
	ErrorCodeInvalidScope         = server.CodeInvalidScope
	ErrorCodeAccessDenied         = server.CodeAccessDenied
	ErrorCodeServerError          = server.CodeServerError
	ErrorCodeInvalidToken         = server.CodeInvalidToken
	ErrorCodeInsufficientScope    = server.CodeInsufficientScope

	ErrorCodeInvalidClientMetadata = server.CodeInvalidClientMetadata
)
