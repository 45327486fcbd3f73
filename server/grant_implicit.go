package server

import (
	"context"
	"net/url"
	"strconv"

	"github.com/kyzima-spb/restlib-oauth2/storage"
)

// ImplicitGrant issues an access token directly from the
// authorization endpoint, delivered in the redirect fragment. No
// refresh token is ever issued and the grant has no token endpoint
// presence.
type ImplicitGrant struct {
	server *Server
}

func NewImplicitGrant(server *Server) *ImplicitGrant {
	return &ImplicitGrant{server: server}
}

func (g *ImplicitGrant) GrantType() string { return GrantTypeImplicit }

func (g *ImplicitGrant) ResponseType() string { return ResponseTypeToken }

func (g *ImplicitGrant) AuthMethods() []string {
	return []string{storage.AuthMethodNone}
}

// AuthorizationResponse issues the access token and returns the
// redirect URL with the token in the fragment per RFC 6749
// section 4.2.2.
func (g *ImplicitGrant) AuthorizationResponse(ctx context.Context, req *AuthorizationRequest, user *storage.User) (string, *Error) {
	s := g.server

	token, err := s.GenerateToken(ctx, g.GrantType(), req.Client, user, req.Scope, false)
	if err != nil {
		s.Logger.Error("token generation failed", "error", err)
		return "", ErrServerError("could not issue token")
	}

	params := url.Values{}
	params.Set("access_token", token.AccessToken)
	params.Set("token_type", token.TokenType)
	params.Set("expires_in", strconv.FormatInt(token.ExpiresIn, 10))
	if token.Scope != "" {
		params.Set("scope", token.Scope)
	}
	if req.State != "" {
		params.Set("state", req.State)
	}
	return buildRedirect(req.effectiveRedirectURI(), params, true), nil
}
