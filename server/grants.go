package server

import (
	"context"
	"strings"
	"unicode"

	"github.com/kyzima-spb/restlib-oauth2/storage"
)

// Grant type values from RFC 6749.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypePassword          = "password"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeImplicit          = "implicit"
)

// Authorization endpoint response types.
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
)

// TokenRequest carries the parsed parameters of a token endpoint
// request. The transport layer fills the raw fields; the server
// resolves Client during client authentication and grant handlers
// resolve User where the grant involves one.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Username     string
	Password     string
	Scope        string

	ClientID     string
	ClientSecret string
	// AuthMethod is how the client presented its credentials:
	// client_secret_basic, client_secret_post or none.
	AuthMethod string

	RemoteAddr string

	Client *storage.Client
	User   *storage.User

	// resolved by RefreshTokenGrant.Validate for Token
	presentedToken *storage.Token
}

// TokenData is the success payload of a token request, shaped after
// RFC 6749 section 5.1.
type TokenData struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Grant is a registered grant handler. Concrete handlers implement
// TokenGrant, AuthorizationGrant or both depending on which endpoints
// the grant operates on.
type Grant interface {
	// GrantType returns the grant_type value the handler serves.
	GrantType() string

	// AuthMethods returns the client authentication methods the
	// grant accepts.
	AuthMethods() []string
}

// TokenGrant is a grant served by the token endpoint. Validate checks
// the request parameters and resolves the resource owner where the
// grant has one; Token performs the exchange and issues the token.
// Both report failures as protocol errors so the transport can render
// them without inspecting error chains.
type TokenGrant interface {
	Grant

	Validate(ctx context.Context, req *TokenRequest) *Error

	Token(ctx context.Context, req *TokenRequest) (*TokenData, *Error)
}

// AuthorizationGrant is a grant served by the authorization endpoint.
// AuthorizationResponse issues the grant artifact for a consenting
// user and returns the full redirect URL carrying it.
type AuthorizationGrant interface {
	Grant

	// ResponseType returns the response_type value the grant serves.
	ResponseType() string

	AuthorizationResponse(ctx context.Context, req *AuthorizationRequest, user *storage.User) (string, *Error)
}

// grantName turns a grant_type value into the human readable name
// used as a key by RegisteredGrants, e.g. "authorization_code"
// becomes "authorization code".
func grantName(grantType string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' {
			return ' '
		}
		return unicode.ToLower(r)
	}, grantType)
}

// acceptsPublicClients reports whether the grant admits clients that
// authenticate with the "none" method.
func acceptsPublicClients(g Grant) bool {
	for _, m := range g.AuthMethods() {
		if m == storage.AuthMethodNone {
			return true
		}
	}
	return false
}

// acceptsConfidentialClients reports whether the grant admits clients
// that authenticate with a secret.
func acceptsConfidentialClients(g Grant) bool {
	for _, m := range g.AuthMethods() {
		if m != storage.AuthMethodNone {
			return true
		}
	}
	return false
}
