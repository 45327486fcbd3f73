package server

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/kyzima-spb/restlib-oauth2/security"
	"github.com/kyzima-spb/restlib-oauth2/storage"
)

// AuthorizationCodeGrant implements the authorization code grant: it
// issues codes at the authorization endpoint and exchanges them for
// tokens at the token endpoint, enforcing PKCE and single use.
type AuthorizationCodeGrant struct {
	server *Server
}

func NewAuthorizationCodeGrant(server *Server) *AuthorizationCodeGrant {
	return &AuthorizationCodeGrant{server: server}
}

func (g *AuthorizationCodeGrant) GrantType() string { return GrantTypeAuthorizationCode }

func (g *AuthorizationCodeGrant) ResponseType() string { return ResponseTypeCode }

func (g *AuthorizationCodeGrant) AuthMethods() []string {
	return []string{
		storage.AuthMethodBasic,
		storage.AuthMethodPost,
		storage.AuthMethodNone,
	}
}

// AuthorizationResponse issues an authorization code for the
// consenting user and returns the redirect URL carrying it.
func (g *AuthorizationCodeGrant) AuthorizationResponse(ctx context.Context, req *AuthorizationRequest, user *storage.User) (string, *Error) {
	s := g.server

	code := &storage.AuthorizationCode{
		ID:                  uuid.NewString(),
		Code:                security.GenerateToken(),
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		Nonce:               req.Nonce,
		AuthTime:            time.Now(),
		ExpiresIn:           s.Config.AuthorizationCodeTTL,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ClientID:            req.Client.ClientID,
		UserID:              user.ID,
	}
	if err := s.codes.SaveAuthorizationCode(ctx, code); err != nil {
		s.Logger.Error("saving authorization code failed", "error", err)
		return "", ErrServerError("could not issue authorization code")
	}

	s.Auditor.LogCodeIssued(user.ID, req.Client.ClientID, req.Scope)
	if s.inst != nil {
		s.inst.Metrics().RecordCodeIssued(ctx, req.CodeChallenge != "")
	}

	params := url.Values{}
	params.Set("code", code.Code)
	if req.State != "" {
		params.Set("state", req.State)
	}
	return buildRedirect(req.effectiveRedirectURI(), params, false), nil
}

// Validate consumes the presented code and checks redirect URI
// binding, expiry and PKCE. Consumption happens here so that a code
// failing any check is already burned; on success the resolved user
// and granted scope are attached to the request for Token.
func (g *AuthorizationCodeGrant) Validate(ctx context.Context, req *TokenRequest) *Error {
	s := g.server

	if req.Code == "" {
		return ErrInvalidRequest("missing code")
	}

	code, err := s.codes.ConsumeAuthorizationCode(ctx, req.Code, req.Client.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			g.recordRedemption(ctx, "unknown")
			return ErrInvalidGrant("authorization code is invalid")
		}
		s.Logger.Error("consuming authorization code failed", "error", err)
		return ErrServerError("could not redeem authorization code")
	}

	// The record is deleted whether or not the checks below pass, so
	// a replayed or expired code can never be redeemed later.
	if code.IsExpired() {
		g.recordRedemption(ctx, "expired")
		return ErrInvalidGrant("authorization code has expired")
	}
	if code.RedirectURI != req.RedirectURI {
		g.recordRedemption(ctx, "redirect_mismatch")
		return ErrInvalidGrant("redirect_uri does not match the authorization request")
	}
	if err := s.validatePKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		g.recordRedemption(ctx, "pkce_failed")
		if s.inst != nil {
			method := code.CodeChallengeMethod
			if method == "" {
				method = PKCEMethodPlain
			}
			s.inst.Metrics().RecordPKCEValidationFailed(ctx, method)
		}
		return ErrInvalidGrant(err.Error())
	}

	user, err := s.users.GetUser(ctx, code.UserID)
	if err != nil {
		s.Logger.Error("resolving code owner failed", "error", err, "user_id", code.UserID)
		return ErrInvalidGrant("authorization code owner no longer exists")
	}

	req.User = user
	req.Scope = code.Scope
	return nil
}

// Token issues the token pair for the redeemed code.
func (g *AuthorizationCodeGrant) Token(ctx context.Context, req *TokenRequest) (*TokenData, *Error) {
	s := g.server

	token, err := s.GenerateToken(ctx, g.GrantType(), req.Client, req.User, req.Scope, true)
	if err != nil {
		s.Logger.Error("token generation failed", "error", err)
		return nil, ErrServerError("could not issue token")
	}
	g.recordRedemption(ctx, "success")
	return tokenData(token), nil
}

func (g *AuthorizationCodeGrant) recordRedemption(ctx context.Context, outcome string) {
	if g.server.inst != nil {
		g.server.inst.Metrics().RecordCodeRedeemed(ctx, outcome)
	}
}
