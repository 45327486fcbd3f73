package oauth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/kyzima-spb/restlib-oauth2/security"
	"github.com/kyzima-spb/restlib-oauth2/server"
	"github.com/kyzima-spb/restlib-oauth2/storage"
	"github.com/kyzima-spb/restlib-oauth2/storage/memory"
)

const (
	testClientID     = "demo"
	testClientSecret = "s3cr3t"
	testRedirectURI  = "http://client.example/cb"
	testPublicID     = "spa"
	testUserHeader   = "X-Test-User"
)

// newTestHandler seeds a memory store and serves the full router over
// httptest. The end user is taken from a request header so tests can
// simulate logged-in and anonymous sessions.
func newTestHandler(t *testing.T) (*httptest.Server, *server.Server, *memory.Store) {
	t.Helper()

	store := memory.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(store.Stop)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte(testClientSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	confidential := &storage.Client{
		ClientID:   testClientID,
		SecretHash: string(hash),
		Metadata: storage.ClientMetadata{
			Name: "Demo",
			GrantTypes: []string{
				server.GrantTypeAuthorizationCode,
				server.GrantTypeRefreshToken,
				server.GrantTypePassword,
				server.GrantTypeClientCredentials,
			},
			ResponseTypes: []string{server.ResponseTypeCode},
			RedirectURIs:  []string{testRedirectURI},
		},
		Scopes: []string{"profile", "email"},
	}
	if err := store.SaveClient(ctx, confidential); err != nil {
		t.Fatalf("seed confidential client: %v", err)
	}
	public := &storage.Client{
		ClientID: testPublicID,
		Metadata: storage.ClientMetadata{
			Name:                    "SPA",
			GrantTypes:              []string{server.GrantTypeAuthorizationCode},
			ResponseTypes:           []string{server.ResponseTypeCode},
			RedirectURIs:            []string{testRedirectURI},
			TokenEndpointAuthMethod: storage.AuthMethodNone,
		},
	}
	if err := store.SaveClient(ctx, public); err != nil {
		t.Fatalf("seed public client: %v", err)
	}

	if err := store.SaveRole(ctx, &storage.Role{Name: "player", Scopes: []string{"profile", "email"}}); err != nil {
		t.Fatalf("seed role: %v", err)
	}
	passHash, err := bcrypt.GenerateFromPassword([]byte("wonderland"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	user := &storage.User{
		ID:           "u1",
		Username:     "alice",
		PasswordHash: string(passHash),
		RoleNames:    []string{"player"},
	}
	if err := store.SaveUser(ctx, user); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	srv, err := server.New(store, store, store, store, store, &server.Config{
		Issuer:          "http://auth.example",
		SupportedScopes: []string{"profile", "email", "games"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	srv.RegisterGrant(server.NewAuthorizationCodeGrant(srv))
	srv.RegisterGrant(server.NewRefreshTokenGrant(srv))
	srv.RegisterGrant(server.NewPasswordGrant(srv))
	srv.RegisterGrant(server.NewClientCredentialsGrant(srv))

	authenticate := func(r *http.Request) (*storage.User, error) {
		username := r.Header.Get(testUserHeader)
		if username == "" {
			return nil, nil
		}
		return store.FindUserByUsername(r.Context(), username)
	}
	h := NewHandler(srv, authenticate, slog.New(slog.NewTextHandler(io.Discard, nil)))
	limiter := security.NewRegistrationLimiter(2, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(limiter.Stop)
	h.EnableRegistration(limiter)

	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return ts, srv, store
}

// noRedirect stops the client at the authorization redirect so tests
// can inspect the Location header.
func noRedirect() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func decodeToken(t *testing.T, resp *http.Response) *TokenResponse {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var oerr ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&oerr)
		t.Fatalf("token endpoint status = %d, error = %q (%s)", resp.StatusCode, oerr.Error, oerr.ErrorDescription)
	}
	var data TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	return &data
}

func passwordToken(t *testing.T, ts *httptest.Server, scope string) *TokenResponse {
	t.Helper()
	form := url.Values{
		"grant_type": {"password"},
		"username":   {"alice"},
		"password":   {"wonderland"},
	}
	if scope != "" {
		form.Set("scope", scope)
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+PathToken, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(testClientID, testClientSecret)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("token request: %v", err)
	}
	return decodeToken(t, resp)
}

func TestAuthorizationCodeFlowOverHTTP(t *testing.T) {
	ts, _, _ := newTestHandler(t)

	verifier := oauth2.GenerateVerifier()
	conf := &oauth2.Config{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		RedirectURL:  testRedirectURI,
		Scopes:       []string{"profile"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  ts.URL + PathAuthorize,
			TokenURL: ts.URL + PathToken,
		},
	}

	authURL := conf.AuthCodeURL("xyz", oauth2.S256ChallengeOption(verifier))
	req, err := http.NewRequest(http.MethodGet, authURL, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set(testUserHeader, "alice")
	resp, err := noRedirect().Do(req)
	if err != nil {
		t.Fatalf("authorize request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize status = %d, want 302", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if got := loc.Query().Get("state"); got != "xyz" {
		t.Errorf("state = %q, want %q", got, "xyz")
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("no authorization code in redirect %q", loc)
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, ts.Client())
	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		t.Errorf("Exchange() returned incomplete token: access=%q refresh=%q", tok.AccessToken, tok.RefreshToken)
	}
	if tok.TokenType != storage.TokenTypeBearer {
		t.Errorf("token type = %q, want %q", tok.TokenType, storage.TokenTypeBearer)
	}

	// A code is single use.
	if _, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier)); err == nil {
		t.Error("replayed code exchange succeeded, want error")
	}
}

func TestAuthorizeRequiresLogin(t *testing.T) {
	ts, _, _ := newTestHandler(t)

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {testClientID},
		"redirect_uri":  {testRedirectURI},
	}
	resp, err := noRedirect().Get(ts.URL + PathAuthorize + "?" + q.Encode())
	if err != nil {
		t.Fatalf("authorize request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthorizeDeclinedConsent(t *testing.T) {
	ts, _, _ := newTestHandler(t)

	form := url.Values{
		"response_type": {"code"},
		"client_id":     {testClientID},
		"redirect_uri":  {testRedirectURI},
		"state":         {"s1"},
		"confirm":       {"no"},
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+PathAuthorize, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(testUserHeader, "alice")
	resp, err := noRedirect().Do(req)
	if err != nil {
		t.Fatalf("authorize request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if got := loc.Query().Get("error"); got != ErrorCodeAccessDenied {
		t.Errorf("error = %q, want %q", got, ErrorCodeAccessDenied)
	}
	if got := loc.Query().Get("state"); got != "s1" {
		t.Errorf("state = %q, want %q", got, "s1")
	}
}

func TestPasswordGrantNarrowsScope(t *testing.T) {
	ts, _, _ := newTestHandler(t)

	data := passwordToken(t, ts, "profile games")
	if data.Scope != "profile" {
		t.Errorf("scope = %q, want %q", data.Scope, "profile")
	}
	if data.AccessToken == "" {
		t.Error("empty access token")
	}
}

func TestRevokeThenIntrospect(t *testing.T) {
	ts, _, _ := newTestHandler(t)

	data := passwordToken(t, ts, "")

	form := url.Values{"token": {data.AccessToken}}
	req, err := http.NewRequest(http.MethodPost, ts.URL+PathRevoke, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(testClientID, testClientSecret)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("revoke request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d, want 200", resp.StatusCode)
	}

	req, err = http.NewRequest(http.MethodPost, ts.URL+PathIntrospect, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(testClientID, testClientSecret)
	resp, err = ts.Client().Do(req)
	if err != nil {
		t.Fatalf("introspect request: %v", err)
	}
	defer resp.Body.Close()
	var intro IntrospectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&intro); err != nil {
		t.Fatalf("decode introspection: %v", err)
	}
	if intro.Active {
		t.Error("revoked token introspects as active")
	}
}

func TestIntrospectOwnToken(t *testing.T) {
	ts, _, _ := newTestHandler(t)

	data := passwordToken(t, ts, "profile")

	form := url.Values{"token": {data.AccessToken}}
	req, err := http.NewRequest(http.MethodPost, ts.URL+PathIntrospect, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(testClientID, testClientSecret)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("introspect request: %v", err)
	}
	defer resp.Body.Close()
	var intro IntrospectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&intro); err != nil {
		t.Fatalf("decode introspection: %v", err)
	}
	if !intro.Active {
		t.Fatal("fresh token introspects as inactive")
	}
	if intro.ClientID != testClientID {
		t.Errorf("client_id = %q, want %q", intro.ClientID, testClientID)
	}
	if intro.Scope != "profile" {
		t.Errorf("scope = %q, want %q", intro.Scope, "profile")
	}
}

func TestIntrospectForeignTokenStaysSilent(t *testing.T) {
	ts, _, _ := newTestHandler(t)

	data := passwordToken(t, ts, "")

	form := url.Values{
		"token":     {data.AccessToken},
		"client_id": {testPublicID},
	}
	resp, err := ts.Client().PostForm(ts.URL+PathIntrospect, form)
	if err != nil {
		t.Fatalf("introspect request: %v", err)
	}
	defer resp.Body.Close()
	var intro IntrospectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&intro); err != nil {
		t.Fatalf("decode introspection: %v", err)
	}
	if intro.Active {
		t.Error("foreign token introspects as active")
	}
	if intro.Scope != "" || intro.ClientID != "" {
		t.Errorf("inactive response leaks metadata: %+v", intro)
	}
}

func TestMetadataDocument(t *testing.T) {
	ts, _, _ := newTestHandler(t)

	resp, err := ts.Client().Get(ts.URL + PathMetadata)
	if err != nil {
		t.Fatalf("metadata request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var meta AuthorizationServerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta.Issuer != "http://auth.example" {
		t.Errorf("issuer = %q", meta.Issuer)
	}
	if !strings.HasSuffix(meta.TokenEndpoint, PathToken) {
		t.Errorf("token endpoint = %q", meta.TokenEndpoint)
	}
	found := false
	for _, g := range meta.GrantTypesSupported {
		if g == server.GrantTypePassword {
			found = true
		}
	}
	if !found {
		t.Errorf("grant_types_supported = %v, missing password", meta.GrantTypesSupported)
	}
	if len(meta.CodeChallengeMethodsSupported) != 2 {
		t.Errorf("code_challenge_methods_supported = %v", meta.CodeChallengeMethodsSupported)
	}
	if !strings.HasSuffix(meta.RegistrationEndpoint, PathRegister) {
		t.Errorf("registration endpoint = %q", meta.RegistrationEndpoint)
	}
}

func registerClient(t *testing.T, ts *httptest.Server, req ClientRegistrationRequest) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal registration: %v", err)
	}
	resp, err := ts.Client().Post(ts.URL+PathRegister, "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("register request: %v", err)
	}
	return resp
}

func TestRegisterConfidentialClient(t *testing.T) {
	ts, _, _ := newTestHandler(t)

	resp := registerClient(t, ts, ClientRegistrationRequest{
		ClientMetadata: storage.ClientMetadata{
			Name:       "Reporting Job",
			GrantTypes: []string{server.GrantTypeClientCredentials},
		},
		Scope: "profile",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", resp.StatusCode)
	}
	var reg ClientRegistrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		t.Fatalf("decode registration: %v", err)
	}
	if reg.ClientID == "" || reg.ClientSecret == "" {
		t.Fatalf("incomplete registration: %+v", reg)
	}
	if reg.ClientSecretExpiresAt != 0 {
		t.Errorf("client_secret_expires_at = %d, want 0", reg.ClientSecretExpiresAt)
	}

	// The fresh credentials must work at the token endpoint.
	form := url.Values{"grant_type": {"client_credentials"}, "scope": {"profile"}}
	req, err := http.NewRequest(http.MethodPost, ts.URL+PathToken, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(reg.ClientID, reg.ClientSecret)
	tokenResp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("token request: %v", err)
	}
	data := decodeToken(t, tokenResp)
	if data.AccessToken == "" {
		t.Error("empty access token for registered client")
	}
}

func TestRegisterPublicClient(t *testing.T) {
	ts, _, _ := newTestHandler(t)

	resp := registerClient(t, ts, ClientRegistrationRequest{
		ClientMetadata: storage.ClientMetadata{
			Name:                    "Mobile App",
			GrantTypes:              []string{server.GrantTypeAuthorizationCode},
			RedirectURIs:            []string{"app://callback"},
			TokenEndpointAuthMethod: storage.AuthMethodNone,
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", resp.StatusCode)
	}
	var reg ClientRegistrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		t.Fatalf("decode registration: %v", err)
	}
	if reg.ClientSecret != "" {
		t.Errorf("public client got a secret: %q", reg.ClientSecret)
	}
	if reg.TokenEndpointAuthMethod != storage.AuthMethodNone {
		t.Errorf("token_endpoint_auth_method = %q, want %q",
			reg.TokenEndpointAuthMethod, storage.AuthMethodNone)
	}
}

func TestRegisterMalformedBody(t *testing.T) {
	ts, _, _ := newTestHandler(t)

	resp, err := ts.Client().Post(ts.URL+PathRegister, "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("register request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var oerr ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&oerr); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if oerr.Error != ErrorCodeInvalidClientMetadata {
		t.Errorf("error = %q, want %q", oerr.Error, ErrorCodeInvalidClientMetadata)
	}
}

func TestRegisterRateLimited(t *testing.T) {
	ts, _, _ := newTestHandler(t)

	req := ClientRegistrationRequest{
		ClientMetadata: storage.ClientMetadata{
			Name:       "Batch",
			GrantTypes: []string{server.GrantTypeClientCredentials},
		},
	}
	for i := 0; i < 2; i++ {
		resp := registerClient(t, ts, req)
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("registration %d status = %d, want 201", i+1, resp.StatusCode)
		}
	}

	resp := registerClient(t, ts, req)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
}

func TestValidateTokenMiddleware(t *testing.T) {
	ts, srv, store := newTestHandler(t)

	data := passwordToken(t, ts, "profile")

	h := NewHandler(srv, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	protected := h.ValidateToken("profile", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := r.Context().Value(TokenContextKey).(*storage.Token)
		if !ok || token == nil {
			t.Error("no token in request context")
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	rs := httptest.NewServer(protected)
	defer rs.Close()

	t.Run("valid token", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, rs.URL, nil)
		req.Header.Set("Authorization", "Bearer "+data.AccessToken)
		resp, err := rs.Client().Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Errorf("status = %d, want 204", resp.StatusCode)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		resp, err := rs.Client().Get(rs.URL)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
		if got := resp.Header.Get("WWW-Authenticate"); got == "" {
			t.Error("missing WWW-Authenticate header")
		}
	})

	t.Run("revoked token", func(t *testing.T) {
		tok, err := store.GetTokenByAccess(context.Background(), data.AccessToken)
		if err != nil {
			t.Fatalf("lookup token: %v", err)
		}
		tok.AccessTokenRevoked = true
		if err := store.UpdateToken(context.Background(), tok); err != nil {
			t.Fatalf("update token: %v", err)
		}

		req, _ := http.NewRequest(http.MethodGet, rs.URL, nil)
		req.Header.Set("Authorization", "Bearer "+data.AccessToken)
		resp, err := rs.Client().Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})
}
