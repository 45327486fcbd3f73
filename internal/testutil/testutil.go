// Package testutil provides entity builders shared by storage backend
// tests. Builders return valid records with unique credentials so tests
// only set the fields they care about.
package testutil

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kyzima-spb/restlib-oauth2/storage"
)

// Secret is the plaintext secret and password every builder hashes.
const Secret = "secret"

var secretHash = sync.OnceValue(func() string {
	hash, err := bcrypt.GenerateFromPassword([]byte(Secret), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("hash test secret: %v", err))
	}
	return string(hash)
})

// Client returns a confidential client accepting Secret.
func Client(clientID string) *storage.Client {
	return &storage.Client{
		ClientID:   clientID,
		SecretHash: secretHash(),
		IssuedAt:   time.Now(),
		Metadata: storage.ClientMetadata{
			Name:          "Test Client",
			GrantTypes:    []string{"authorization_code", "refresh_token"},
			ResponseTypes: []string{"code"},
			RedirectURIs:  []string{"http://client.example/cb"},
		},
		Scopes: []string{"profile"},
	}
}

// PublicClient returns a client without credentials.
func PublicClient(clientID string) *storage.Client {
	c := Client(clientID)
	c.SecretHash = ""
	c.Metadata.TokenEndpointAuthMethod = storage.AuthMethodNone
	return c
}

// Token returns an hour-long bearer token with unique credentials.
// withRefresh controls whether a refresh token is attached.
func Token(clientID string, withRefresh bool) *storage.Token {
	tok := &storage.Token{
		ID:          uuid.NewString(),
		AccessToken: "at-" + uuid.NewString(),
		TokenType:   storage.TokenTypeBearer,
		Scope:       "profile",
		IssuedAt:    time.Now(),
		ExpiresIn:   3600,
		ClientID:    clientID,
		UserID:      "u1",
	}
	if withRefresh {
		tok.RefreshToken = "rt-" + uuid.NewString()
	}
	return tok
}

// Code returns a fresh authorization code bound to clientID.
func Code(clientID string) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		ID:       uuid.NewString(),
		Code:     "code-" + uuid.NewString(),
		Scope:    "profile",
		AuthTime: time.Now(),
		ClientID: clientID,
		UserID:   "u1",
	}
}

// User returns a user accepting Secret as password.
func User(id, username string) *storage.User {
	return &storage.User{
		ID:           id,
		Username:     username,
		PasswordHash: secretHash(),
		RoleNames:    []string{"player"},
	}
}

// Role returns a role granting the profile scope.
func Role(name string) *storage.Role {
	return &storage.Role{
		Name:   name,
		Scopes: []string{"profile"},
	}
}

// PKCEPair returns an S256 challenge and its verifier.
func PKCEPair() (challenge, verifier string) {
	verifier = uuid.NewString() + uuid.NewString()
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]), verifier
}
