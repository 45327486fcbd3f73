package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kyzima-spb/restlib-oauth2/instrumentation"
	"github.com/kyzima-spb/restlib-oauth2/scope"
	"github.com/kyzima-spb/restlib-oauth2/security"
	"github.com/kyzima-spb/restlib-oauth2/storage"
)

// Server implements the authorization server logic, independent of
// any HTTP transport. It coordinates grant handlers, client
// authentication and token issuance over the storage backends.
type Server struct {
	clients storage.ClientStore
	tokens  storage.TokenStore
	codes   storage.CodeStore
	users   storage.UserStore

	resolver *scope.Resolver

	grants map[string]Grant
	// order of registration, so RegisteredGrants is deterministic
	grantOrder []string

	// queryClient and saveToken are the overridable lookup and
	// persistence callbacks. They default to the client and token
	// stores and can be replaced for custom resolution, e.g. a
	// client cache or write-through replication.
	queryClient func(ctx context.Context, clientID string) (*storage.Client, error)
	saveToken   func(ctx context.Context, token *storage.Token) error

	Auditor     *security.Auditor
	RateLimiter *security.RateLimiter
	Logger      *slog.Logger
	Config      *Config

	inst *instrumentation.Instrumentation
}

// New creates an authorization server over the given stores. The
// role store is optional: without it user scopes resolve to the empty
// set and no narrowing against user permissions happens.
func New(
	clients storage.ClientStore,
	tokens storage.TokenStore,
	codes storage.CodeStore,
	users storage.UserStore,
	roles storage.RoleStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if codes == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if users == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)

	srv := &Server{
		clients: clients,
		tokens:  tokens,
		codes:   codes,
		users:   users,
		grants:  make(map[string]Grant),
		Logger:  logger,
		Config:  config,
	}
	if roles != nil {
		srv.resolver = scope.NewResolver(storage.RoleSource{Roles: roles})
	}
	srv.queryClient = srv.clients.GetClient
	srv.saveToken = srv.tokens.SaveToken

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetInstrumentation wires metrics and tracing into the server
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
}

// Instrumentation returns the wired instrumentation, or nil.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.inst
}

// withinTx groups fn's writes into one unit of work when the token
// store supports transactions; otherwise fn runs directly.
func (s *Server) withinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := s.tokens.(storage.TxStore); ok {
		return tx.WithinTx(ctx, fn)
	}
	return fn(ctx)
}

// SetQueryClient replaces the client lookup used during client
// authentication and consent validation.
func (s *Server) SetQueryClient(fn func(ctx context.Context, clientID string) (*storage.Client, error)) {
	if fn != nil {
		s.queryClient = fn
	}
}

// SetSaveToken replaces the token persistence callback used by
// GenerateToken.
func (s *Server) SetSaveToken(fn func(ctx context.Context, token *storage.Token) error) {
	if fn != nil {
		s.saveToken = fn
	}
}

// RegisterGrant adds a grant handler. Registering a handler for an
// already registered grant type replaces the previous one.
func (s *Server) RegisterGrant(g Grant) {
	gt := g.GrantType()
	if _, ok := s.grants[gt]; !ok {
		s.grantOrder = append(s.grantOrder, gt)
	}
	s.grants[gt] = g
}

// RegisteredGrants returns registered grant handlers keyed by human
// readable name ("authorization_code" maps to "authorization code").
// With onlyPublic set, only grants usable by public clients are
// returned; with onlyConfidential, only grants requiring client
// credentials. Setting both is rejected.
func (s *Server) RegisteredGrants(onlyPublic, onlyConfidential bool) (map[string]Grant, error) {
	if onlyPublic && onlyConfidential {
		return nil, fmt.Errorf("onlyPublic and onlyConfidential are mutually exclusive")
	}
	out := make(map[string]Grant, len(s.grants))
	for _, gt := range s.grantOrder {
		g := s.grants[gt]
		if onlyPublic && !acceptsPublicClients(g) {
			continue
		}
		if onlyConfidential && !acceptsConfidentialClients(g) {
			continue
		}
		out[grantName(gt)] = g
	}
	return out, nil
}

// GrantTypes returns the registered grant_type values in registration
// order.
func (s *Server) GrantTypes() []string {
	out := make([]string, len(s.grantOrder))
	copy(out, s.grantOrder)
	return out
}

// AuthenticationMethods returns the union of client authentication
// methods accepted by the registered grants, sorted.
func (s *Server) AuthenticationMethods() []string {
	seen := make(map[string]struct{})
	for _, g := range s.grants {
		for _, m := range g.AuthMethods() {
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// ResponseTypes returns the authorization endpoint response types the
// server supports, derived from the registered grants.
func (s *Server) ResponseTypes() []string {
	var out []string
	for _, gt := range s.grantOrder {
		if ag, ok := s.grants[gt].(AuthorizationGrant); ok {
			out = append(out, ag.ResponseType())
		}
	}
	return out
}

// authorizationGrant returns the registered grant serving the given
// response type, if any.
func (s *Server) authorizationGrant(responseType string) (AuthorizationGrant, bool) {
	for _, gt := range s.grantOrder {
		if ag, ok := s.grants[gt].(AuthorizationGrant); ok && ag.ResponseType() == responseType {
			return ag, true
		}
	}
	return nil, false
}

// SupportedScopes returns the scopes the server accepts, as a set.
// An empty set means every requested scope is accepted.
func (s *Server) SupportedScopes() scope.Set {
	set := make(scope.Set, len(s.Config.SupportedScopes))
	for _, v := range s.Config.SupportedScopes {
		set[v] = struct{}{}
	}
	return set
}

// checkScope rejects requested scopes outside SupportedScopes. An
// empty request is always fine.
func (s *Server) checkScope(requested string) *Error {
	if requested == "" {
		return nil
	}
	supported := s.SupportedScopes()
	if len(supported) == 0 {
		return nil
	}
	for v := range scope.ToSet(requested) {
		if _, ok := supported[v]; !ok {
			return ErrInvalidScope(fmt.Sprintf("scope %q is not supported", v))
		}
	}
	return nil
}

// UserScope resolves the full scope set granted to the user through
// its roles. Without a role store the set is empty.
func (s *Server) UserScope(ctx context.Context, user *storage.User) (scope.Set, error) {
	if s.resolver == nil || user == nil {
		return scope.Set{}, nil
	}
	return s.resolver.ResolveRoles(ctx, user.RoleNames)
}

// HandleTokenRequest runs the full token endpoint exchange:
// grant dispatch, client authentication, grant validation and token
// issuance. A nil error means data holds the response payload.
func (s *Server) HandleTokenRequest(ctx context.Context, req *TokenRequest) (*TokenData, *Error) {
	start := time.Now()
	data, oerr := s.handleTokenRequest(ctx, req)

	if s.inst != nil {
		outcome := "success"
		if oerr != nil {
			outcome = oerr.Code
		}
		s.inst.Metrics().RecordGrant(ctx, req.GrantType, outcome,
			float64(time.Since(start).Milliseconds()))
	}
	return data, oerr
}

func (s *Server) handleTokenRequest(ctx context.Context, req *TokenRequest) (*TokenData, *Error) {
	grant, ok := s.grants[req.GrantType].(TokenGrant)
	if !ok {
		return nil, ErrUnsupportedGrantType(req.GrantType)
	}

	if oerr := s.authenticateClient(ctx, req, grant); oerr != nil {
		s.Auditor.LogAuthFailure("", req.ClientID, req.RemoteAddr, oerr.Code)
		if s.inst != nil {
			s.inst.Metrics().RecordAuthFailure(ctx, oerr.Code)
		}
		return nil, oerr
	}

	if !req.Client.CheckGrantType(req.GrantType) {
		return nil, ErrUnauthorizedClient(
			fmt.Sprintf("client is not authorized for grant type %q", req.GrantType))
	}

	if oerr := grant.Validate(ctx, req); oerr != nil {
		return nil, oerr
	}
	data, oerr := grant.Token(ctx, req)
	if oerr != nil {
		return nil, oerr
	}

	s.Logger.Info("token issued",
		"grant_type", req.GrantType,
		"client_id", req.Client.ClientID,
		"scope", data.Scope)
	return data, nil
}

// authenticateClient resolves and authenticates the requesting client
// against the methods the grant accepts. On success req.Client is set.
func (s *Server) authenticateClient(ctx context.Context, req *TokenRequest, grant Grant) *Error {
	if req.ClientID == "" {
		return ErrInvalidClient("missing client_id")
	}

	method := req.AuthMethod
	if method == "" {
		method = storage.AuthMethodNone
	}

	allowed := false
	for _, m := range grant.AuthMethods() {
		if m == method {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrInvalidClient(
			fmt.Sprintf("authentication method %q is not accepted by this grant", method))
	}

	client, err := s.queryClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidClient("unknown client")
		}
		s.Logger.Error("client lookup failed", "error", err)
		return ErrServerError("client lookup failed")
	}

	if !client.CheckEndpointAuthMethod(method, "token") {
		return ErrInvalidClient(
			fmt.Sprintf("client is not registered for authentication method %q", method))
	}

	if method != storage.AuthMethodNone {
		if !client.CheckSecret(req.ClientSecret) {
			return ErrInvalidClient("invalid client credentials")
		}
	} else if !client.IsPublic() {
		return ErrInvalidClient("confidential client must authenticate")
	}

	req.Client = client
	return nil
}

// AuthenticateClient authenticates a client outside the token
// endpoint, for revocation and introspection requests. Confidential
// clients must present their secret; public clients only their id.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, *Error) {
	if clientID == "" {
		return nil, ErrInvalidClient("missing client_id")
	}
	client, err := s.queryClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidClient("unknown client")
		}
		s.Logger.Error("client lookup failed", "error", err)
		return nil, ErrServerError("client lookup failed")
	}
	if clientSecret != "" {
		if !client.CheckSecret(clientSecret) {
			return nil, ErrInvalidClient("invalid client credentials")
		}
	} else if !client.IsPublic() {
		return nil, ErrInvalidClient("confidential client must authenticate")
	}
	return client, nil
}

// GenerateToken creates and persists a token pair for the client and,
// optionally, a resource owner. When a user is present the requested
// scope is narrowed to what the user's roles actually allow before
// issuance; an empty requested scope stays empty.
func (s *Server) GenerateToken(
	ctx context.Context,
	grantType string,
	client *storage.Client,
	user *storage.User,
	requestedScope string,
	includeRefresh bool,
) (*storage.Token, error) {
	// Without a role store there is nothing to narrow against and the
	// requested scope is granted as is.
	grantedScope := requestedScope
	if user != nil && requestedScope != "" && s.resolver != nil {
		userScope, err := s.UserScope(ctx, user)
		if err != nil {
			return nil, fmt.Errorf("resolve user scope: %w", err)
		}
		grantedScope = scope.Allowed(userScope, requestedScope)
	}

	token := &storage.Token{
		ID:          uuid.NewString(),
		AccessToken: security.GenerateToken(),
		TokenType:   storage.TokenTypeBearer,
		Scope:       grantedScope,
		IssuedAt:    time.Now(),
		ExpiresIn:   s.Config.AccessTokenTTL,
		ClientID:    client.ClientID,
	}
	if user != nil {
		token.UserID = user.ID
	}
	if includeRefresh && *s.Config.IncludeRefreshToken {
		token.RefreshToken = security.GenerateToken()
	}

	if err := s.saveToken(ctx, token); err != nil {
		return nil, fmt.Errorf("save token: %w", err)
	}

	userID := ""
	if user != nil {
		userID = user.ID
	}
	s.Auditor.LogTokenIssued(userID, client.ClientID, grantType, token.Scope)
	if s.inst != nil {
		s.inst.Metrics().RecordTokenIssued(ctx, grantType, token.RefreshToken != "")
	}
	return token, nil
}

// tokenData shapes a stored token into the token endpoint payload.
func tokenData(t *storage.Token) *TokenData {
	return &TokenData{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		ExpiresIn:    t.ExpiresIn,
		RefreshToken: t.RefreshToken,
		Scope:        t.Scope,
	}
}
