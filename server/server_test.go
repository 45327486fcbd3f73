package server

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/kyzima-spb/restlib-oauth2/storage"
	"github.com/kyzima-spb/restlib-oauth2/storage/memory"
)

const (
	testClientID     = "demo"
	testClientSecret = "s3cr3t"
	testRedirectURI  = "http://client.example/cb"
	testPublicID     = "spa"
)

func mustHash(t *testing.T, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

// newTestServer builds a server over a memory store seeded with a
// confidential client, a public client, a user and its roles, with
// every grant registered.
func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()

	store := memory.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(store.Stop)
	ctx := context.Background()

	confidential := &storage.Client{
		ClientID:   testClientID,
		SecretHash: mustHash(t, testClientSecret),
		Metadata: storage.ClientMetadata{
			Name: "Demo",
			GrantTypes: []string{
				GrantTypeAuthorizationCode,
				GrantTypeRefreshToken,
				GrantTypePassword,
				GrantTypeClientCredentials,
			},
			ResponseTypes: []string{ResponseTypeCode},
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
			GrantTypes:              []string{GrantTypeAuthorizationCode, GrantTypeImplicit},
			ResponseTypes:           []string{ResponseTypeCode, ResponseTypeToken},
			RedirectURIs:            []string{testRedirectURI},
			TokenEndpointAuthMethod: storage.AuthMethodNone,
		},
	}
	if err := store.SaveClient(ctx, public); err != nil {
		t.Fatalf("seed public client: %v", err)
	}

	roles := []*storage.Role{
		{Name: "player", Scopes: []string{"profile"}, Children: []string{"reader"}},
		{Name: "reader", Scopes: []string{"email"}},
	}
	for _, r := range roles {
		if err := store.SaveRole(ctx, r); err != nil {
			t.Fatalf("seed role: %v", err)
		}
	}

	user := &storage.User{
		ID:           "u1",
		Username:     "alice",
		PasswordHash: mustHash(t, "wonderland"),
		RoleNames:    []string{"player"},
	}
	if err := store.SaveUser(ctx, user); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	srv, err := New(store, store, store, store, store, &Config{
		Issuer:          "http://auth.example",
		SupportedScopes: []string{"profile", "email", "games"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.RegisterGrant(NewAuthorizationCodeGrant(srv))
	srv.RegisterGrant(NewRefreshTokenGrant(srv))
	srv.RegisterGrant(NewPasswordGrant(srv))
	srv.RegisterGrant(NewClientCredentialsGrant(srv))
	srv.RegisterGrant(NewImplicitGrant(srv))
	return srv, store
}

func basicTokenRequest(grantType string) *TokenRequest {
	return &TokenRequest{
		GrantType:    grantType,
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		AuthMethod:   storage.AuthMethodBasic,
	}
}

func TestHandleTokenRequest_UnsupportedGrantType(t *testing.T) {
	srv, _ := newTestServer(t)

	_, oerr := srv.HandleTokenRequest(context.Background(), basicTokenRequest("urn:ietf:params:oauth:grant-type:jwt-bearer"))
	if oerr == nil || oerr.Code != CodeUnsupportedGrantType {
		t.Fatalf("error = %v, want %s", oerr, CodeUnsupportedGrantType)
	}
}

func TestHandleTokenRequest_ImplicitNotAtTokenEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	_, oerr := srv.HandleTokenRequest(context.Background(), basicTokenRequest(GrantTypeImplicit))
	if oerr == nil || oerr.Code != CodeUnsupportedGrantType {
		t.Fatalf("error = %v, want %s", oerr, CodeUnsupportedGrantType)
	}
}

func TestAuthenticateClient(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		req      *TokenRequest
		wantCode string
	}{
		{
			name: "valid basic credentials",
			req:  basicTokenRequest(GrantTypePassword),
		},
		{
			name: "missing client_id",
			req: &TokenRequest{
				GrantType:  GrantTypePassword,
				AuthMethod: storage.AuthMethodBasic,
			},
			wantCode: CodeInvalidClient,
		},
		{
			name: "unknown client",
			req: &TokenRequest{
				GrantType:    GrantTypePassword,
				ClientID:     "ghost",
				ClientSecret: "whatever",
				AuthMethod:   storage.AuthMethodBasic,
			},
			wantCode: CodeInvalidClient,
		},
		{
			name: "wrong secret",
			req: &TokenRequest{
				GrantType:    GrantTypePassword,
				ClientID:     testClientID,
				ClientSecret: "nope",
				AuthMethod:   storage.AuthMethodBasic,
			},
			wantCode: CodeInvalidClient,
		},
		{
			name: "confidential client without credentials",
			req: &TokenRequest{
				GrantType: GrantTypePassword,
				ClientID:  testClientID,
			},
			wantCode: CodeInvalidClient,
		},
		{
			name: "public client with none method",
			req: &TokenRequest{
				GrantType: GrantTypeAuthorizationCode,
				ClientID:  testPublicID,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grant := srv.grants[tt.req.GrantType].(TokenGrant)
			oerr := srv.authenticateClient(ctx, tt.req, grant)
			if tt.wantCode == "" {
				if oerr != nil {
					t.Fatalf("authenticateClient() error = %v, want nil", oerr)
				}
				if tt.req.Client == nil {
					t.Fatal("authenticateClient() left req.Client nil")
				}
				return
			}
			if oerr == nil || oerr.Code != tt.wantCode {
				t.Fatalf("authenticateClient() error = %v, want code %s", oerr, tt.wantCode)
			}
		})
	}
}

func TestRegisteredGrants_Partition(t *testing.T) {
	srv, _ := newTestServer(t)

	all, err := srv.RegisteredGrants(false, false)
	if err != nil {
		t.Fatalf("RegisteredGrants() error = %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("RegisteredGrants() returned %d grants, want 5", len(all))
	}
	if _, ok := all["authorization code"]; !ok {
		t.Error("missing human readable key \"authorization code\"")
	}

	public, err := srv.RegisteredGrants(true, false)
	if err != nil {
		t.Fatalf("RegisteredGrants(public) error = %v", err)
	}
	for name := range public {
		if name == "password" || name == "client credentials" {
			t.Errorf("grant %q should not be available to public clients", name)
		}
	}

	confidential, err := srv.RegisteredGrants(false, true)
	if err != nil {
		t.Fatalf("RegisteredGrants(confidential) error = %v", err)
	}
	if _, ok := confidential["implicit"]; ok {
		t.Error("implicit grant should not be listed for confidential clients")
	}

	if _, err := srv.RegisteredGrants(true, true); err == nil {
		t.Error("RegisteredGrants(true, true) should be rejected")
	}
}

func TestAuthenticationMethodsAndResponseTypes(t *testing.T) {
	srv, _ := newTestServer(t)

	methods := srv.AuthenticationMethods()
	want := []string{storage.AuthMethodBasic, storage.AuthMethodPost, storage.AuthMethodNone}
	for _, m := range want {
		found := false
		for _, got := range methods {
			if got == m {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("AuthenticationMethods() missing %q", m)
		}
	}

	types := srv.ResponseTypes()
	if len(types) != 2 {
		t.Fatalf("ResponseTypes() = %v, want code and token", types)
	}
}

func TestCheckScope(t *testing.T) {
	srv, _ := newTestServer(t)

	if oerr := srv.checkScope(""); oerr != nil {
		t.Errorf("checkScope(empty) = %v, want nil", oerr)
	}
	if oerr := srv.checkScope("profile email"); oerr != nil {
		t.Errorf("checkScope(supported) = %v, want nil", oerr)
	}
	if oerr := srv.checkScope("profile admin"); oerr == nil || oerr.Code != CodeInvalidScope {
		t.Errorf("checkScope(unsupported) = %v, want %s", oerr, CodeInvalidScope)
	}
}
