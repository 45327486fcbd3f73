package server

import (
	"fmt"
	"net/http"
)

// Error codes from RFC 6749 section 5.2 and RFC 6750 section 3.1.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidClient        = "invalid_client"
	CodeInvalidGrant         = "invalid_grant"
	CodeUnauthorizedClient   = "unauthorized_client"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeUnsupportedResponse  = "unsupported_response_type"
	CodeInvalidScope         = "invalid_scope"
	CodeAccessDenied         = "access_denied"
	CodeServerError          = "server_error"
	CodeInvalidToken         = "invalid_token"
	CodeInsufficientScope    = "insufficient_scope"

	// CodeInvalidClientMetadata is the registration error code from
	// RFC 7591 section 3.2.2.
	CodeInvalidClientMetadata = "invalid_client_metadata"
)

// Error is a protocol-level failure carrying the OAuth error code,
// a human readable description and the HTTP status the endpoint
// should answer with. Grant handlers return it as a value rather
// than wrapping it into the error interface, so callers never need
// type assertions to get at the code.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	Status      int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func NewError(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

func ErrInvalidRequest(description string) *Error {
	return NewError(CodeInvalidRequest, description, http.StatusBadRequest)
}

// ErrInvalidClient signals failed client authentication. Per RFC 6749
// section 5.2 the response is 401 so callers can attach WWW-Authenticate.
func ErrInvalidClient(description string) *Error {
	return NewError(CodeInvalidClient, description, http.StatusUnauthorized)
}

func ErrInvalidGrant(description string) *Error {
	return NewError(CodeInvalidGrant, description, http.StatusBadRequest)
}

func ErrUnauthorizedClient(description string) *Error {
	return NewError(CodeUnauthorizedClient, description, http.StatusBadRequest)
}

func ErrUnsupportedGrantType(grantType string) *Error {
	return NewError(CodeUnsupportedGrantType,
		fmt.Sprintf("grant type %q is not supported", grantType), http.StatusBadRequest)
}

func ErrUnsupportedResponseType(responseType string) *Error {
	return NewError(CodeUnsupportedResponse,
		fmt.Sprintf("response type %q is not supported", responseType), http.StatusBadRequest)
}

func ErrInvalidScope(description string) *Error {
	return NewError(CodeInvalidScope, description, http.StatusBadRequest)
}

func ErrAccessDenied(description string) *Error {
	return NewError(CodeAccessDenied, description, http.StatusForbidden)
}

func ErrServerError(description string) *Error {
	return NewError(CodeServerError, description, http.StatusInternalServerError)
}

// ErrInvalidToken reports an unusable bearer token on a protected
// resource (RFC 6750 section 3.1).
func ErrInvalidToken(description string) *Error {
	return NewError(CodeInvalidToken, description, http.StatusUnauthorized)
}

func ErrInsufficientScope(description string) *Error {
	return NewError(CodeInsufficientScope, description, http.StatusForbidden)
}
