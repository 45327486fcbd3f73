package server

import (
	"context"

	"github.com/kyzima-spb/restlib-oauth2/scope"
	"github.com/kyzima-spb/restlib-oauth2/storage"
)

// ClientCredentialsGrant issues tokens to confidential clients acting
// on their own behalf. No resource owner is involved and no refresh
// token is issued.
type ClientCredentialsGrant struct {
	server *Server
}

func NewClientCredentialsGrant(server *Server) *ClientCredentialsGrant {
	return &ClientCredentialsGrant{server: server}
}

func (g *ClientCredentialsGrant) GrantType() string { return GrantTypeClientCredentials }

func (g *ClientCredentialsGrant) AuthMethods() []string {
	return []string{
		storage.AuthMethodBasic,
		storage.AuthMethodPost,
	}
}

// Validate narrows the requested scope against the scopes registered
// for the client itself, since there is no user to narrow against.
func (g *ClientCredentialsGrant) Validate(ctx context.Context, req *TokenRequest) *Error {
	if req.Client.IsPublic() {
		return ErrUnauthorizedClient("public clients cannot use the client credentials grant")
	}
	if oerr := g.server.checkScope(req.Scope); oerr != nil {
		return oerr
	}
	if req.Scope != "" {
		req.Scope = scope.Allowed(req.Client.ScopeSet(), req.Scope)
	}
	return nil
}

func (g *ClientCredentialsGrant) Token(ctx context.Context, req *TokenRequest) (*TokenData, *Error) {
	s := g.server

	token, err := s.GenerateToken(ctx, g.GrantType(), req.Client, nil, req.Scope, false)
	if err != nil {
		s.Logger.Error("token generation failed", "error", err)
		return nil, ErrServerError("could not issue token")
	}
	return tokenData(token), nil
}
