package oauth

import (
	"github.com/kyzima-spb/restlib-oauth2/server"
	"github.com/kyzima-spb/restlib-oauth2/storage"
)

// TokenResponse is the token endpoint success payload (RFC 6749
// section 5.1).
type TokenResponse = server.TokenData

// IntrospectionResponse is the introspection endpoint payload
// (RFC 7662 section 2.2).
type IntrospectionResponse = server.IntrospectionData

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`

	// ErrorURI points to error documentation
	ErrorURI string `json:"error_uri,omitempty"`
}

// ClientRegistrationRequest is the dynamic client registration request
// body (RFC 7591 section 2). The metadata fields carry their standard
// JSON names.
type ClientRegistrationRequest struct {
	storage.ClientMetadata

	// Scope is the space-separated scope set the client declares.
	Scope string `json:"scope,omitempty"`
}

// ClientRegistrationResponse is the registration success payload
// (RFC 7591 section 3.2.1). The client secret appears exactly once, in
// this response.
type ClientRegistrationResponse struct {
	ClientID              string `json:"client_id"`
	ClientSecret          string `json:"client_secret,omitempty"`
	ClientIDIssuedAt      int64  `json:"client_id_issued_at"`
	ClientSecretExpiresAt int64  `json:"client_secret_expires_at"`

	storage.ClientMetadata

	Scope string `json:"scope,omitempty"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server
// Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// RevocationEndpoint is the URL of the revocation endpoint (RFC 7009)
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// IntrospectionEndpoint is the URL of the introspection endpoint (RFC 7662)
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	// RegistrationEndpoint is the URL of the dynamic client registration
	// endpoint (RFC 7591)
	RegistrationEndpoint string `json:"registration_endpoint,omitempty"`

	// ScopesSupported lists the OAuth scopes supported
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the supported response_type values
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the supported grant_type values
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists client authentication methods
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists supported PKCE methods (RFC 7636)
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}
