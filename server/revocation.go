package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/kyzima-spb/restlib-oauth2/storage"
)

// Token type hints from RFC 7009 section 2.1.
const (
	TokenHintAccess  = "access_token"
	TokenHintRefresh = "refresh_token"
)

// RevocationRequest carries the parameters of a revocation endpoint
// request. Client is the authenticated caller.
type RevocationRequest struct {
	Token         string
	TokenTypeHint string
	RemoteAddr    string

	Client *storage.Client
}

// QueryToken resolves a token string with the optional hint. Per
// RFC 7009 a wrong hint only costs an extra lookup: when the hinted
// search misses, the other one runs.
func (s *Server) QueryToken(ctx context.Context, tokenString, hint string) (*storage.Token, error) {
	lookups := []func(context.Context, string) (*storage.Token, error){
		s.tokens.GetTokenByAccess,
		s.tokens.GetTokenByRefresh,
	}
	if hint == TokenHintRefresh {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}
	for _, lookup := range lookups {
		token, err := lookup(ctx, tokenString)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	return nil, storage.ErrNotFound
}

// RevokeToken handles an RFC 7009 revocation. The call is idempotent:
// unknown tokens, already revoked tokens and tokens owned by another
// client all produce a silent success so the endpoint leaks nothing
// about what exists. An access_token hint revokes only the access
// half of the pair; everything else revokes both.
func (s *Server) RevokeToken(ctx context.Context, req *RevocationRequest) *Error {
	if req.Token == "" {
		return ErrInvalidRequest("missing token")
	}
	switch req.TokenTypeHint {
	case "", TokenHintAccess, TokenHintRefresh:
	default:
		return NewError("unsupported_token_type",
			"unknown token_type_hint", http.StatusBadRequest)
	}

	token, err := s.QueryToken(ctx, req.Token, req.TokenTypeHint)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		s.Logger.Error("revocation lookup failed", "error", err)
		return ErrServerError("could not resolve token")
	}
	if !token.CheckClient(req.Client.ClientID) {
		return nil
	}

	token.AccessTokenRevoked = true
	if req.TokenTypeHint != TokenHintAccess {
		token.RefreshTokenRevoked = true
	}
	if err := s.tokens.UpdateToken(ctx, token); err != nil {
		s.Logger.Error("revocation update failed", "error", err)
		return ErrServerError("could not revoke token")
	}

	s.Auditor.LogTokenRevoked(req.Client.ClientID, req.RemoteAddr, req.TokenTypeHint)
	if s.inst != nil {
		s.inst.Metrics().RecordTokenRevoked(ctx, req.TokenTypeHint)
	}
	return nil
}
