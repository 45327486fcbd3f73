package server

import (
	"context"
	"errors"

	"github.com/kyzima-spb/restlib-oauth2/storage"
)

// IntrospectionData is the RFC 7662 introspection response payload.
// Inactive tokens carry nothing but the active flag.
type IntrospectionData struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

// IntrospectionRequest carries the parameters of an introspection
// endpoint request. Client is the authenticated caller.
type IntrospectionRequest struct {
	Token         string
	TokenTypeHint string

	Client *storage.Client
}

// IntrospectToken handles an RFC 7662 introspection. Tokens that are
// unknown, expired, revoked or owned by a different client all come
// back as inactive, so a caller learns nothing about tokens it does
// not own.
func (s *Server) IntrospectToken(ctx context.Context, req *IntrospectionRequest) (*IntrospectionData, *Error) {
	if req.Token == "" {
		return nil, ErrInvalidRequest("missing token")
	}

	inactive := &IntrospectionData{Active: false}

	token, err := s.QueryToken(ctx, req.Token, req.TokenTypeHint)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.recordIntrospection(ctx, false)
			return inactive, nil
		}
		s.Logger.Error("introspection lookup failed", "error", err)
		return nil, ErrServerError("could not resolve token")
	}

	if !token.CheckClient(req.Client.ClientID) || token.IsRevoked() || token.IsExpired() {
		s.recordIntrospection(ctx, false)
		return inactive, nil
	}

	s.recordIntrospection(ctx, true)
	return &IntrospectionData{
		Active:    true,
		Scope:     token.Scope,
		ClientID:  token.ClientID,
		TokenType: token.TokenType,
		ExpiresAt: token.ExpiresAt().Unix(),
		IssuedAt:  token.IssuedAt.Unix(),
	}, nil
}

func (s *Server) recordIntrospection(ctx context.Context, active bool) {
	if s.inst != nil {
		s.inst.Metrics().RecordIntrospection(ctx, active)
	}
}
