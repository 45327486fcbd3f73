package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/kyzima-spb/restlib-oauth2/storage"
)

// AuthorizationRequest carries the parsed query parameters of an
// authorization endpoint request. Client is resolved by
// ValidateConsentRequest.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	RemoteAddr          string

	Client *storage.Client
}

// effectiveRedirectURI is the URI responses and errors redirect to:
// the requested one, or the client's first registered URI when the
// request omitted it.
func (r *AuthorizationRequest) effectiveRedirectURI() string {
	if r.RedirectURI != "" {
		return r.RedirectURI
	}
	if r.Client != nil {
		return r.Client.DefaultRedirectURI()
	}
	return ""
}

// ValidateConsentRequest checks an authorization request before the
// consent page is shown. Failures that must not redirect (unknown
// client, unregistered redirect URI) come back with an empty redirect
// URL; for the rest the caller should redirect the error to the
// returned URL.
func (s *Server) ValidateConsentRequest(ctx context.Context, req *AuthorizationRequest) (redirectTo string, oerr *Error) {
	if req.ClientID == "" {
		return "", ErrInvalidRequest("missing client_id")
	}

	client, err := s.queryClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrInvalidRequest("unknown client")
		}
		s.Logger.Error("client lookup failed", "error", err)
		return "", ErrServerError("client lookup failed")
	}
	req.Client = client

	// The redirect URI must be validated before anything is sent to
	// it. An unregistered URI never receives an error redirect.
	if req.RedirectURI != "" {
		if !client.CheckRedirectURI(req.RedirectURI) {
			return "", ErrInvalidRequest("redirect_uri is not registered for this client")
		}
	} else if client.DefaultRedirectURI() == "" {
		return "", ErrInvalidRequest("client has no registered redirect URI")
	}
	redirectTo = req.effectiveRedirectURI()

	if _, ok := s.authorizationGrant(req.ResponseType); !ok {
		return redirectTo, ErrUnsupportedResponseType(req.ResponseType)
	}
	if !client.CheckResponseType(req.ResponseType) {
		return redirectTo, ErrUnauthorizedClient(
			fmt.Sprintf("client is not authorized for response type %q", req.ResponseType))
	}
	if oerr := s.checkScope(req.Scope); oerr != nil {
		return redirectTo, oerr
	}
	if req.ResponseType == ResponseTypeCode {
		if err := s.checkChallengeMethod(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
			return redirectTo, ErrInvalidRequest(err.Error())
		}
	}
	return redirectTo, nil
}

// CreateAuthorizationResponse finishes the authorization flow after
// the consent decision. A nil user means the resource owner declined;
// the error is then delivered to the redirect URI like any other
// post-validation failure. The returned string is the full redirect
// URL the user agent should be sent to.
func (s *Server) CreateAuthorizationResponse(ctx context.Context, req *AuthorizationRequest, user *storage.User) (string, *Error) {
	redirectTo, oerr := s.ValidateConsentRequest(ctx, req)
	if oerr != nil {
		if redirectTo == "" {
			return "", oerr
		}
		return s.ErrorRedirect(redirectTo, req, oerr), nil
	}

	if user == nil {
		return s.ErrorRedirect(redirectTo, req,
			ErrAccessDenied("the resource owner denied the request")), nil
	}

	grant, _ := s.authorizationGrant(req.ResponseType)
	return grant.AuthorizationResponse(ctx, req, user)
}

// ErrorRedirect builds the redirect URL delivering a protocol error
// to the client per RFC 6749 section 4.1.2.1. Implicit requests get
// the error in the fragment, everything else in the query.
func (s *Server) ErrorRedirect(redirectURI string, req *AuthorizationRequest, oerr *Error) string {
	params := url.Values{}
	params.Set("error", oerr.Code)
	if oerr.Description != "" {
		params.Set("error_description", oerr.Description)
	}
	if req.State != "" {
		params.Set("state", req.State)
	}
	return buildRedirect(redirectURI, params, req.ResponseType == ResponseTypeToken)
}

// buildRedirect appends params to the redirect URI, in the fragment
// when asked and in the query otherwise. The URI was validated
// against the client registration before this is called.
func buildRedirect(redirectURI string, params url.Values, inFragment bool) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		// Registered URIs are parseable; fall back to the bare URI.
		return redirectURI
	}
	if inFragment {
		u.Fragment = params.Encode()
		return u.String()
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
