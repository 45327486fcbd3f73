package server

import (
	"context"
	"errors"

	"github.com/kyzima-spb/restlib-oauth2/scope"
	"github.com/kyzima-spb/restlib-oauth2/storage"
)

// AuthenticateToken looks up the token pair an access token string
// belongs to. The token is returned with its flags intact; callers
// deciding usability should go through ValidateBearer.
func (s *Server) AuthenticateToken(ctx context.Context, accessToken string) (*storage.Token, error) {
	if accessToken == "" {
		return nil, storage.ErrNotFound
	}
	return s.tokens.GetTokenByAccess(ctx, accessToken)
}

// ValidateBearer authenticates a bearer token presented to a
// protected resource and, when requiredScope is non-empty, checks
// that the granted scope covers it. Failures come back as RFC 6750
// errors: invalid_token for unusable tokens, insufficient_scope for
// authorization gaps.
func (s *Server) ValidateBearer(ctx context.Context, accessToken, requiredScope string) (*storage.Token, *Error) {
	token, err := s.AuthenticateToken(ctx, accessToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken("the access token is invalid")
		}
		s.Logger.Error("bearer token lookup failed", "error", err)
		return nil, ErrServerError("could not resolve access token")
	}
	if token.AccessTokenRevoked {
		return nil, ErrInvalidToken("the access token has been revoked")
	}
	if token.IsExpired() {
		return nil, ErrInvalidToken("the access token has expired")
	}
	if requiredScope != "" {
		granted := scope.ToSet(token.Scope)
		if !scope.Contains(granted, scope.ToSet(requiredScope)) {
			return nil, ErrInsufficientScope("the access token does not cover the required scope")
		}
	}
	return token, nil
}
