package server

import (
	"context"
	"errors"

	"github.com/kyzima-spb/restlib-oauth2/storage"
)

// PasswordGrant exchanges resource owner credentials for a token
// pair. The granted scope is narrowed to what the user's roles allow.
type PasswordGrant struct {
	server *Server
}

func NewPasswordGrant(server *Server) *PasswordGrant {
	return &PasswordGrant{server: server}
}

func (g *PasswordGrant) GrantType() string { return GrantTypePassword }

func (g *PasswordGrant) AuthMethods() []string {
	return []string{
		storage.AuthMethodBasic,
		storage.AuthMethodPost,
	}
}

// Validate checks the user credentials. Unknown user and wrong
// password produce the same error so the endpoint does not leak which
// usernames exist.
func (g *PasswordGrant) Validate(ctx context.Context, req *TokenRequest) *Error {
	s := g.server

	if req.Username == "" || req.Password == "" {
		return ErrInvalidRequest("missing username or password")
	}
	if oerr := s.checkScope(req.Scope); oerr != nil {
		return oerr
	}

	user, err := s.users.FindUserByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidGrant("invalid username or password")
		}
		s.Logger.Error("user lookup failed", "error", err)
		return ErrServerError("could not resolve user")
	}
	if !user.CheckPassword(req.Password) {
		s.Auditor.LogAuthFailure(user.ID, req.Client.ClientID, req.RemoteAddr, "bad_password")
		return ErrInvalidGrant("invalid username or password")
	}

	req.User = user
	return nil
}

func (g *PasswordGrant) Token(ctx context.Context, req *TokenRequest) (*TokenData, *Error) {
	s := g.server

	token, err := s.GenerateToken(ctx, g.GrantType(), req.Client, req.User, req.Scope, true)
	if err != nil {
		s.Logger.Error("token generation failed", "error", err)
		return nil, ErrServerError("could not issue token")
	}
	return tokenData(token), nil
}
