package oauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/kyzima-spb/restlib-oauth2/security"
	"github.com/kyzima-spb/restlib-oauth2/server"
	"github.com/kyzima-spb/restlib-oauth2/storage"
)

// Endpoint paths served by the handler.
const (
	PathAuthorize  = "/oauth/authorize"
	PathToken      = "/oauth/token"
	PathRevoke     = "/oauth/revoke"
	PathIntrospect = "/oauth/introspect"
	PathRegister   = "/oauth/register"
	PathMetadata   = "/.well-known/oauth-authorization-server"
)

// maxRegistrationBodySize bounds the registration request body.
const maxRegistrationBodySize = 64 << 10

// UserAuthenticator resolves the authenticated end user of an
// authorization request, typically from a session cookie. Returning a
// nil user means nobody is logged in.
type UserAuthenticator func(r *http.Request) (*storage.User, error)

// ConsentDecider reports the consent decision of an authorization
// request. The default implementation reads the "confirm" form value,
// so a consent page POSTing confirm=yes approves the request.
type ConsentDecider func(r *http.Request) bool

// Handler is a thin HTTP adapter for the authorization server. It
// parses protocol requests, delegates to the server core and renders
// the responses.
type Handler struct {
	server        *server.Server
	logger        *slog.Logger
	users         UserAuthenticator
	consent       ConsentDecider
	registrations *security.RegistrationLimiter
}

// NewHandler creates an HTTP handler over the server core. The
// authenticator is required for the authorization endpoint; handlers
// serving only the token, revocation and introspection endpoints may
// pass nil.
func NewHandler(srv *server.Server, users UserAuthenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server: srv,
		logger: logger,
		users:  users,
		consent: func(r *http.Request) bool {
			return r.Method != http.MethodPost || r.PostFormValue("confirm") == "yes"
		},
	}
}

// SetConsentDecider replaces the consent decision logic.
func (h *Handler) SetConsentDecider(fn ConsentDecider) {
	if fn != nil {
		h.consent = fn
	}
}

// EnableRegistration exposes the dynamic client registration endpoint,
// throttled by the given limiter. A nil limiter applies the defaults.
func (h *Handler) EnableRegistration(limiter *security.RegistrationLimiter) {
	if limiter == nil {
		limiter = security.NewRegistrationLimiter(0, 0, h.logger)
	}
	h.registrations = limiter
}

// Router returns the mux router with all endpoints registered.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(security.RequestIDMiddleware, h.middleware)
	r.HandleFunc(PathAuthorize, h.Authorize).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc(PathToken, h.Token).Methods(http.MethodPost)
	r.HandleFunc(PathRevoke, h.Revoke).Methods(http.MethodPost)
	r.HandleFunc(PathIntrospect, h.Introspect).Methods(http.MethodPost)
	if h.registrations != nil {
		r.HandleFunc(PathRegister, h.Register).Methods(http.MethodPost)
	}
	r.HandleFunc(PathMetadata, h.Metadata).Methods(http.MethodGet)
	return r
}

// middleware applies security headers, rate limiting and HTTP metrics
// to every endpoint.
func (h *Handler) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		security.SetSecurityHeaders(w, h.server.Config.Issuer)

		ip := h.clientIP(r)
		if rl := h.server.RateLimiter; rl != nil && !rl.Allow(ip) {
			h.server.Auditor.LogRateLimitExceeded(ip, r.PostFormValue("client_id"))
			if inst := h.server.Instrumentation(); inst != nil {
				inst.Metrics().RecordRateLimitExceeded(r.Context(), r.URL.Path)
			}
			h.writeError(w, ErrorCodeInvalidRequest,
				"rate limit exceeded, try again later", http.StatusTooManyRequests)
			return
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		if inst := h.server.Instrumentation(); inst != nil {
			inst.Metrics().RecordHTTPRequest(r.Context(), r.Method, r.URL.Path,
				sw.status, float64(time.Since(start).Milliseconds()))
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Token serves the token endpoint (RFC 6749 section 3.2).
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "malformed request body", http.StatusBadRequest)
		return
	}

	req := &server.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Username:     r.PostFormValue("username"),
		Password:     r.PostFormValue("password"),
		Scope:        r.PostFormValue("scope"),
		RemoteAddr:   h.clientIP(r),
	}
	h.clientCredentials(r, req)

	data, oerr := h.server.HandleTokenRequest(r.Context(), req)
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}
	h.writeJSON(w, http.StatusOK, data)
}

// Authorize serves the authorization endpoint. The end user comes
// from the configured authenticator; an unauthenticated request is
// answered with 401 so the application can redirect to its login
// flow. GET requests with an authenticated user are treated as the
// consent decision unless a ConsentDecider says otherwise.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "malformed request", http.StatusBadRequest)
		return
	}

	req := &server.AuthorizationRequest{
		ResponseType:        r.FormValue("response_type"),
		ClientID:            r.FormValue("client_id"),
		RedirectURI:         r.FormValue("redirect_uri"),
		Scope:               r.FormValue("scope"),
		State:               r.FormValue("state"),
		Nonce:               r.FormValue("nonce"),
		CodeChallenge:       r.FormValue("code_challenge"),
		CodeChallengeMethod: r.FormValue("code_challenge_method"),
		RemoteAddr:          h.clientIP(r),
	}

	if h.users == nil {
		h.writeError(w, ErrorCodeServerError, "no user authenticator configured", http.StatusInternalServerError)
		return
	}
	user, err := h.users(r)
	if err != nil {
		h.logger.Error("user authentication failed",
			"error", err, "request_id", security.GetRequestID(r.Context()))
		h.writeError(w, ErrorCodeServerError, "could not authenticate user", http.StatusInternalServerError)
		return
	}
	if user == nil {
		h.writeError(w, ErrorCodeInvalidToken, "login required", http.StatusUnauthorized)
		return
	}

	if !h.consent(r) {
		user = nil // declined; delivered as access_denied on the redirect
	}

	redirect, oerr := h.server.CreateAuthorizationResponse(r.Context(), req, user)
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// Revoke serves the revocation endpoint (RFC 7009).
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "malformed request body", http.StatusBadRequest)
		return
	}

	client, oerr := h.authenticateEndpointClient(r)
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}

	oerr = h.server.RevokeToken(r.Context(), &server.RevocationRequest{
		Token:         r.PostFormValue("token"),
		TokenTypeHint: r.PostFormValue("token_type_hint"),
		RemoteAddr:    h.clientIP(r),
		Client:        client,
	})
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Introspect serves the introspection endpoint (RFC 7662).
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "malformed request body", http.StatusBadRequest)
		return
	}

	client, oerr := h.authenticateEndpointClient(r)
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}

	data, oerr := h.server.IntrospectToken(r.Context(), &server.IntrospectionRequest{
		Token:         r.PostFormValue("token"),
		TokenTypeHint: r.PostFormValue("token_type_hint"),
		Client:        client,
	})
	if oerr != nil {
		h.writeOAuthError(w, oerr)
		return
	}
	h.writeJSON(w, http.StatusOK, data)
}

// Register serves the dynamic client registration endpoint (RFC 7591).
// A client declaring token_endpoint_auth_method "none" is registered as
// public and gets no secret; every other registration gets a generated
// secret returned once in the response.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	ip := h.clientIP(r)
	if !h.registrations.Allow(ip) {
		h.server.Auditor.LogRegistrationRateLimitExceeded(ip)
		if inst := h.server.Instrumentation(); inst != nil {
			inst.Metrics().RecordRateLimitExceeded(r.Context(), PathRegister)
		}
		h.writeError(w, ErrorCodeInvalidRequest,
			"registration rate limit exceeded, try again later", http.StatusTooManyRequests)
		return
	}

	var req ClientRegistrationRequest
	body := http.MaxBytesReader(w, r.Body, maxRegistrationBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.writeError(w, ErrorCodeInvalidClientMetadata,
			"malformed registration request", http.StatusBadRequest)
		return
	}

	client, secret, err := h.server.SaveClient(r.Context(), &server.ClientRegistration{
		Public:   req.TokenEndpointAuthMethod == storage.AuthMethodNone,
		Scopes:   strings.Fields(req.Scope),
		Metadata: req.ClientMetadata,
	})
	if err != nil {
		h.writeError(w, ErrorCodeInvalidClientMetadata, err.Error(), http.StatusBadRequest)
		return
	}

	resp := ClientRegistrationResponse{
		ClientID:         client.ClientID,
		ClientSecret:     secret,
		ClientIDIssuedAt: client.IssuedAt.Unix(),
		ClientMetadata:   client.Metadata,
		Scope:            strings.Join(client.Scopes, " "),
	}
	if !client.SecretExpiresAt.IsZero() {
		resp.ClientSecretExpiresAt = client.SecretExpiresAt.Unix()
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// Metadata serves the RFC 8414 authorization server metadata document.
func (h *Handler) Metadata(w http.ResponseWriter, r *http.Request) {
	issuer := strings.TrimSuffix(h.server.Config.Issuer, "/")
	meta := AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + PathAuthorize,
		TokenEndpoint:                     issuer + PathToken,
		RevocationEndpoint:                issuer + PathRevoke,
		IntrospectionEndpoint:             issuer + PathIntrospect,
		ScopesSupported:                   h.server.Config.SupportedScopes,
		ResponseTypesSupported:            h.server.ResponseTypes(),
		GrantTypesSupported:               h.server.GrantTypes(),
		TokenEndpointAuthMethodsSupported: h.server.AuthenticationMethods(),
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256, server.PKCEMethodPlain},
	}
	if h.registrations != nil {
		meta.RegistrationEndpoint = issuer + PathRegister
	}
	h.writeJSON(w, http.StatusOK, meta)
}

// ValidateToken is middleware protecting resource endpoints with
// bearer token validation (RFC 6750). The validated token is stored
// in the request context under TokenContextKey.
func (h *Handler) ValidateToken(requiredScope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := extractBearer(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", storage.TokenTypeBearer)
			h.writeError(w, ErrorCodeInvalidToken, "missing bearer token", http.StatusUnauthorized)
			return
		}
		token, oerr := h.server.ValidateBearer(r.Context(), raw, requiredScope)
		if oerr != nil {
			w.Header().Set("WWW-Authenticate", storage.TokenTypeBearer+` error="`+oerr.Code+`"`)
			h.writeOAuthError(w, oerr)
			return
		}
		ctx := context.WithValue(r.Context(), TokenContextKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type contextKey string

// TokenContextKey is the request context key holding the validated
// bearer token set by ValidateToken.
const TokenContextKey = contextKey("oauth.token")

// clientCredentials fills the client authentication fields of a token
// request: HTTP Basic first, then POST body parameters, then the bare
// client_id of public clients.
func (h *Handler) clientCredentials(r *http.Request, req *server.TokenRequest) {
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = id
		req.ClientSecret = secret
		req.AuthMethod = storage.AuthMethodBasic
		return
	}
	req.ClientID = r.PostFormValue("client_id")
	req.ClientSecret = r.PostFormValue("client_secret")
	if req.ClientSecret != "" {
		req.AuthMethod = storage.AuthMethodPost
		return
	}
	req.AuthMethod = storage.AuthMethodNone
}

// authenticateEndpointClient authenticates the caller of the
// revocation and introspection endpoints.
func (h *Handler) authenticateEndpointClient(r *http.Request) (*storage.Client, *Error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostFormValue("client_id")
		clientSecret = r.PostFormValue("client_secret")
	}
	return h.server.AuthenticateClient(r.Context(), clientID, clientSecret)
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.ClientIP(r, h.server.Config.TrustProxy, 1)
}

func extractBearer(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("writing response failed", "error", err)
	}
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, oerr *Error) {
	status := oerr.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	if status == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
		w.Header().Set("WWW-Authenticate", "Basic")
	}
	h.writeJSON(w, status, ErrorResponse{
		Error:            oerr.Code,
		ErrorDescription: oerr.Description,
		ErrorURI:         oerr.URI,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	h.writeJSON(w, status, ErrorResponse{Error: code, ErrorDescription: description})
}
