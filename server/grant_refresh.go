package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/kyzima-spb/restlib-oauth2/scope"
	"github.com/kyzima-spb/restlib-oauth2/storage"
)

// RefreshTokenGrant exchanges a refresh token for a new token pair.
// With rotation enabled the presented pair is revoked entirely and
// the new pair carries a fresh refresh token.
type RefreshTokenGrant struct {
	server *Server
}

func NewRefreshTokenGrant(server *Server) *RefreshTokenGrant {
	return &RefreshTokenGrant{server: server}
}

func (g *RefreshTokenGrant) GrantType() string { return GrantTypeRefreshToken }

func (g *RefreshTokenGrant) AuthMethods() []string {
	return []string{
		storage.AuthMethodBasic,
		storage.AuthMethodPost,
		storage.AuthMethodNone,
	}
}

// Validate resolves the presented refresh token and checks ownership,
// validity and the requested scope narrowing.
func (g *RefreshTokenGrant) Validate(ctx context.Context, req *TokenRequest) *Error {
	s := g.server

	if req.RefreshToken == "" {
		return ErrInvalidRequest("missing refresh_token")
	}

	token, err := s.tokens.GetTokenByRefresh(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidGrant("refresh token is invalid")
		}
		s.Logger.Error("refresh token lookup failed", "error", err)
		return ErrServerError("could not resolve refresh token")
	}
	if !token.CheckClient(req.Client.ClientID) {
		return ErrInvalidGrant("refresh token was issued to another client")
	}
	if !token.IsRefreshTokenValid() {
		return ErrInvalidGrant("refresh token is expired or revoked")
	}

	// A refresh may narrow the granted scope but never widen it.
	if req.Scope != "" {
		granted := scope.ToSet(token.Scope)
		if !scope.Contains(granted, scope.ToSet(req.Scope)) {
			return ErrInvalidScope("requested scope exceeds the originally granted scope")
		}
	} else {
		req.Scope = token.Scope
	}

	if token.UserID != "" {
		user, err := s.users.GetUser(ctx, token.UserID)
		if err != nil {
			s.Logger.Error("resolving token owner failed", "error", err, "user_id", token.UserID)
			return ErrInvalidGrant("token owner no longer exists")
		}
		req.User = user
	}

	req.presentedToken = token
	return nil
}

// Token revokes the presented pair and issues the replacement.
func (g *RefreshTokenGrant) Token(ctx context.Context, req *TokenRequest) (*TokenData, *Error) {
	s := g.server
	old := req.presentedToken
	rotate := *s.Config.RefreshTokenRotation

	old.AccessTokenRevoked = true
	if rotate {
		old.RefreshTokenRevoked = true
	}

	// Revoking the presented pair and issuing the replacement commit
	// together when the token store supports transactions.
	var token *storage.Token
	err := s.withinTx(ctx, func(ctx context.Context) error {
		if err := s.tokens.UpdateToken(ctx, old); err != nil {
			return fmt.Errorf("revoke presented pair: %w", err)
		}
		issued, err := s.GenerateToken(ctx, g.GrantType(), req.Client, req.User, req.Scope, rotate)
		if err != nil {
			return err
		}
		token = issued
		return nil
	})
	if err != nil {
		s.Logger.Error("token rotation failed", "error", err)
		return nil, ErrServerError("could not rotate token")
	}

	data := tokenData(token)
	if !rotate {
		// The presented refresh token stays valid and is echoed back.
		data.RefreshToken = old.RefreshToken
	}

	userID := ""
	if req.User != nil {
		userID = req.User.ID
	}
	s.Auditor.LogTokenRefreshed(userID, req.Client.ClientID, rotate)
	if s.inst != nil {
		s.inst.Metrics().RecordTokenRefreshed(ctx, rotate)
	}
	return data, nil
}
