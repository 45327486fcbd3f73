package server

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/kyzima-spb/restlib-oauth2/storage"
	"github.com/kyzima-spb/restlib-oauth2/storage/memory"
)

// issueViaPassword issues a token pair through the password grant for
// the seeded user.
func issueViaPassword(t *testing.T, srv *Server, requestedScope string) *TokenData {
	t.Helper()
	req := basicTokenRequest(GrantTypePassword)
	req.Username = "alice"
	req.Password = "wonderland"
	req.Scope = requestedScope

	data, oerr := srv.HandleTokenRequest(context.Background(), req)
	if oerr != nil {
		t.Fatalf("password grant error = %v", oerr)
	}
	return data
}

func TestRefreshTokenGrant_Rotation(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	issued := issueViaPassword(t, srv, "profile email")

	req := basicTokenRequest(GrantTypeRefreshToken)
	req.RefreshToken = issued.RefreshToken

	refreshed, oerr := srv.HandleTokenRequest(ctx, req)
	if oerr != nil {
		t.Fatalf("refresh grant error = %v", oerr)
	}
	if refreshed.AccessToken == issued.AccessToken {
		t.Error("refresh must issue a new access token")
	}
	if refreshed.RefreshToken == "" || refreshed.RefreshToken == issued.RefreshToken {
		t.Error("rotation must issue a new refresh token")
	}

	// The old pair is fully revoked.
	old, err := store.GetTokenByAccess(ctx, issued.AccessToken)
	if err != nil {
		t.Fatalf("old token lookup: %v", err)
	}
	if !old.AccessTokenRevoked || !old.RefreshTokenRevoked {
		t.Errorf("old pair not fully revoked: %+v", old)
	}

	// Reusing the rotated-out refresh token fails.
	replay := basicTokenRequest(GrantTypeRefreshToken)
	replay.RefreshToken = issued.RefreshToken
	if _, oerr := srv.HandleTokenRequest(ctx, replay); oerr == nil || oerr.Code != CodeInvalidGrant {
		t.Fatalf("rotated-out refresh error = %v, want %s", oerr, CodeInvalidGrant)
	}
}

func TestRefreshTokenGrant_NoRotation(t *testing.T) {
	srv, store := newTestServer(t)
	srv.Config.RefreshTokenRotation = Bool(false)
	ctx := context.Background()

	issued := issueViaPassword(t, srv, "profile")

	req := basicTokenRequest(GrantTypeRefreshToken)
	req.RefreshToken = issued.RefreshToken

	refreshed, oerr := srv.HandleTokenRequest(ctx, req)
	if oerr != nil {
		t.Fatalf("refresh grant error = %v", oerr)
	}
	if refreshed.RefreshToken != issued.RefreshToken {
		t.Error("without rotation the presented refresh token is echoed back")
	}

	old, err := store.GetTokenByRefresh(ctx, issued.RefreshToken)
	if err != nil {
		t.Fatalf("old token lookup: %v", err)
	}
	if old.RefreshTokenRevoked {
		t.Error("refresh token must stay valid when rotation is off")
	}
	if !old.AccessTokenRevoked {
		t.Error("superseded access token must be revoked")
	}

	// The echoed token stays redeemable for the next refresh.
	again := basicTokenRequest(GrantTypeRefreshToken)
	again.RefreshToken = issued.RefreshToken
	if _, oerr := srv.HandleTokenRequest(ctx, again); oerr != nil {
		t.Fatalf("second refresh error = %v", oerr)
	}
}

func TestRefreshTokenIssuanceDisabled(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Config.IncludeRefreshToken = Bool(false)

	issued := issueViaPassword(t, srv, "profile")
	if issued.RefreshToken != "" {
		t.Errorf("RefreshToken = %q, want none", issued.RefreshToken)
	}
}

func TestRefreshTokenGrant_SurvivesAccessHintedRevocation(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	client, err := store.GetClient(ctx, testClientID)
	if err != nil {
		t.Fatalf("get client: %v", err)
	}
	issued := issueViaPassword(t, srv, "profile")

	// An access_token hint revokes only the access half of the pair
	// (RFC 7009), so the refresh token must remain redeemable.
	if oerr := srv.RevokeToken(ctx, &RevocationRequest{
		Token:         issued.AccessToken,
		TokenTypeHint: TokenHintAccess,
		Client:        client,
	}); oerr != nil {
		t.Fatalf("revocation error = %v", oerr)
	}

	req := basicTokenRequest(GrantTypeRefreshToken)
	req.RefreshToken = issued.RefreshToken
	refreshed, oerr := srv.HandleTokenRequest(ctx, req)
	if oerr != nil {
		t.Fatalf("refresh after access-hinted revocation error = %v", oerr)
	}
	if refreshed.AccessToken == issued.AccessToken {
		t.Error("refresh must issue a new access token")
	}
}

func TestRefreshTokenGrant_ScopeNarrowing(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	issued := issueViaPassword(t, srv, "profile email")

	req := basicTokenRequest(GrantTypeRefreshToken)
	req.RefreshToken = issued.RefreshToken
	req.Scope = "profile"

	refreshed, oerr := srv.HandleTokenRequest(ctx, req)
	if oerr != nil {
		t.Fatalf("refresh grant error = %v", oerr)
	}
	if refreshed.Scope != "profile" {
		t.Errorf("Scope = %q, want profile", refreshed.Scope)
	}
}

func TestRefreshTokenGrant_ScopeWideningRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	issued := issueViaPassword(t, srv, "profile")

	req := basicTokenRequest(GrantTypeRefreshToken)
	req.RefreshToken = issued.RefreshToken
	req.Scope = "profile email"

	if _, oerr := srv.HandleTokenRequest(ctx, req); oerr == nil || oerr.Code != CodeInvalidScope {
		t.Fatalf("widening error = %v, want %s", oerr, CodeInvalidScope)
	}
}

func TestRefreshTokenGrant_WrongClient(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	issued := issueViaPassword(t, srv, "profile")

	req := &TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     testPublicID,
		RefreshToken: issued.RefreshToken,
	}
	if _, oerr := srv.HandleTokenRequest(ctx, req); oerr == nil || oerr.Code != CodeUnauthorizedClient {
		t.Fatalf("cross client refresh error = %v, want %s", oerr, CodeUnauthorizedClient)
	}
}

func TestRefreshTokenGrant_MissingToken(t *testing.T) {
	srv, _ := newTestServer(t)

	req := basicTokenRequest(GrantTypeRefreshToken)
	if _, oerr := srv.HandleTokenRequest(context.Background(), req); oerr == nil || oerr.Code != CodeInvalidRequest {
		t.Fatalf("missing refresh_token error = %v, want %s", oerr, CodeInvalidRequest)
	}
}

func TestRefreshTokenGrant_UnknownToken(t *testing.T) {
	srv, _ := newTestServer(t)

	req := basicTokenRequest(GrantTypeRefreshToken)
	req.RefreshToken = "no-such-token"
	if _, oerr := srv.HandleTokenRequest(context.Background(), req); oerr == nil || oerr.Code != CodeInvalidGrant {
		t.Fatalf("unknown refresh_token error = %v, want %s", oerr, CodeInvalidGrant)
	}
}

// txTokenStore wraps the memory store with a counting WithinTx so
// tests can observe transactional grouping.
type txTokenStore struct {
	*memory.Store
	calls int
}

func (s *txTokenStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.calls++
	return fn(ctx)
}

func TestRefreshTokenGrant_UsesStoreTransaction(t *testing.T) {
	store := memory.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(store.Stop)
	ctx := context.Background()

	client := &storage.Client{
		ClientID:   testClientID,
		SecretHash: mustHash(t, testClientSecret),
		Metadata: storage.ClientMetadata{
			Name:       "Demo",
			GrantTypes: []string{GrantTypePassword, GrantTypeRefreshToken},
		},
		Scopes: []string{"profile"},
	}
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	user := &storage.User{
		ID:           "u1",
		Username:     "alice",
		PasswordHash: mustHash(t, "wonderland"),
	}
	if err := store.SaveUser(ctx, user); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	tokens := &txTokenStore{Store: store}
	srv, err := New(store, tokens, store, store, nil, &Config{
		Issuer: "http://auth.example",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.RegisterGrant(NewPasswordGrant(srv))
	srv.RegisterGrant(NewRefreshTokenGrant(srv))

	issued := issueViaPassword(t, srv, "profile")

	req := basicTokenRequest(GrantTypeRefreshToken)
	req.RefreshToken = issued.RefreshToken
	refreshed, oerr := srv.HandleTokenRequest(ctx, req)
	if oerr != nil {
		t.Fatalf("refresh grant error = %v", oerr)
	}

	if tokens.calls != 1 {
		t.Errorf("WithinTx calls = %d, want 1", tokens.calls)
	}
	old, err := store.GetTokenByAccess(ctx, issued.AccessToken)
	if err != nil {
		t.Fatalf("old token lookup: %v", err)
	}
	if !old.AccessTokenRevoked || !old.RefreshTokenRevoked {
		t.Errorf("old pair not revoked inside the transaction: %+v", old)
	}
	if _, err := store.GetTokenByAccess(ctx, refreshed.AccessToken); err != nil {
		t.Errorf("replacement token not persisted: %v", err)
	}
}
