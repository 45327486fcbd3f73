// Package storage defines the persisted OAuth entities (clients, tokens,
// authorization codes, users, roles) and the interfaces for storing them.
// It supports various backend implementations including in-memory,
// PostgreSQL, and Redis.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/kyzima-spb/restlib-oauth2/scope"
	"github.com/kyzima-spb/restlib-oauth2/security"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when a unique constraint is violated,
	// for example when an access token string is already in use.
	ErrConflict = errors.New("storage: conflict")
)

const (
	// MaxClientIDLength is the maximum length of a client identifier.
	MaxClientIDLength = 48

	// AuthorizationCodeLifetime is how long an authorization code stays
	// redeemable after its auth time (RFC 6749 recommends a maximum of
	// 10 minutes; the original deployment uses 5).
	AuthorizationCodeLifetime = 300 * time.Second

	// TokenTypeBearer is the default access token type.
	TokenTypeBearer = "Bearer"

	// AuthMethodNone is the token endpoint auth method of public clients.
	AuthMethodNone = "none"

	// AuthMethodBasic authenticates the client with HTTP Basic credentials.
	AuthMethodBasic = "client_secret_basic"

	// AuthMethodPost authenticates the client with POST body parameters.
	AuthMethodPost = "client_secret_post"
)

// ClientMetadata is the registration metadata bag of a client
// (RFC 7591 Section 2).
type ClientMetadata struct {
	Name                    string   `json:"client_name,omitempty"`
	Description             string   `json:"client_description,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Contacts                []string `json:"contacts,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	TosURI                  string   `json:"tos_uri,omitempty"`
	PolicyURI               string   `json:"policy_uri,omitempty"`
}

// Client represents a registered OAuth client.
type Client struct {
	// ClientID is the unique client identifier (at most MaxClientIDLength
	// characters).
	ClientID string

	// SecretHash is the bcrypt hash of the client secret. It is empty
	// for public clients.
	SecretHash string

	// IssuedAt is when the client identifier was issued.
	IssuedAt time.Time

	// SecretExpiresAt is when the client secret expires. The zero value
	// means the secret never expires.
	SecretExpiresAt time.Time

	// Metadata holds the RFC 7591 registration metadata.
	Metadata ClientMetadata

	// UserID identifies the user who owns the client registration.
	UserID string

	// Scopes is the scope set declared for the client.
	Scopes []string
}

// IsPublic reports whether the client is a public client, i.e. it
// authenticates at the token endpoint with the "none" method.
func (c *Client) IsPublic() bool {
	return c.TokenEndpointAuthMethod() == AuthMethodNone
}

// TokenEndpointAuthMethod returns the client's registered authentication
// method for the token endpoint, defaulting to client_secret_basic
// (RFC 7591 Section 2).
func (c *Client) TokenEndpointAuthMethod() string {
	if c.Metadata.TokenEndpointAuthMethod == "" {
		return AuthMethodBasic
	}
	return c.Metadata.TokenEndpointAuthMethod
}

// Validate enforces the client invariants. Public clients must not carry
// a secret; confidential clients must.
func (c *Client) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if len(c.ClientID) > MaxClientIDLength {
		return fmt.Errorf("client_id must be at most %d characters", MaxClientIDLength)
	}
	if c.IsPublic() {
		if c.SecretHash != "" {
			return fmt.Errorf("public clients must not have a client_secret")
		}
	} else if c.SecretHash == "" {
		return fmt.Errorf("confidential clients must have a client_secret")
	}
	return nil
}

// CheckSecret reports whether the given plaintext secret matches the
// stored hash and the secret has not expired. Public clients never match.
func (c *Client) CheckSecret(secret string) bool {
	if c.SecretHash == "" {
		return false
	}
	if !c.SecretExpiresAt.IsZero() && time.Now().After(c.SecretExpiresAt) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) == nil
}

// CheckEndpointAuthMethod reports whether the client may authenticate at
// the given endpoint with the given method. Only the token endpoint is
// restricted.
func (c *Client) CheckEndpointAuthMethod(method, endpoint string) bool {
	if endpoint == "token" {
		return c.TokenEndpointAuthMethod() == method
	}
	return true
}

// CheckGrantType reports whether the client registered the grant type.
func (c *Client) CheckGrantType(grantType string) bool {
	for _, g := range c.Metadata.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// CheckResponseType reports whether the client registered the response type.
func (c *Client) CheckResponseType(responseType string) bool {
	for _, r := range c.Metadata.ResponseTypes {
		if r == responseType {
			return true
		}
	}
	return false
}

// CheckRedirectURI reports whether the redirect URI is registered for
// the client. Matching is exact (no prefix or wildcard matching).
func (c *Client) CheckRedirectURI(redirectURI string) bool {
	for _, uri := range c.Metadata.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

// DefaultRedirectURI returns the first registered redirect URI, or empty
// when the client registered none.
func (c *Client) DefaultRedirectURI() string {
	if len(c.Metadata.RedirectURIs) == 0 {
		return ""
	}
	return c.Metadata.RedirectURIs[0]
}

// ScopeSet returns the client's declared scopes as a set.
func (c *Client) ScopeSet() scope.Set {
	set := make(scope.Set, len(c.Scopes))
	for _, v := range c.Scopes {
		set[v] = struct{}{}
	}
	return set
}

// Token represents an issued token pair. Token strings are opaque; all
// token state lives in storage.
type Token struct {
	// ID is the record identifier (a UUID).
	ID string

	// AccessToken is the unique opaque access token string.
	AccessToken string

	// RefreshToken is the unique opaque refresh token string. It is
	// empty when the grant did not include a refresh token.
	RefreshToken string

	// TokenType is the access token type, normally "Bearer".
	TokenType string

	// Scope is the space-separated scope granted to the token.
	Scope string

	// IssuedAt is when the token was issued.
	IssuedAt time.Time

	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64

	// AccessTokenRevoked marks the access token as unusable. The record
	// is kept for auditing.
	AccessTokenRevoked bool

	// RefreshTokenRevoked marks the refresh token as unusable.
	RefreshTokenRevoked bool

	// ClientID identifies the owning client.
	ClientID string

	// UserID identifies the owning user. It is empty for tokens issued
	// through the client credentials grant.
	UserID string
}

// ExpiresAt returns the instant the access token expires.
func (t *Token) ExpiresAt() time.Time {
	return t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// IsExpired reports whether the access token lifetime has passed,
// allowing the clock skew grace period. A token without a lifetime is
// treated as expired.
func (t *Token) IsExpired() bool {
	if t.ExpiresIn == 0 {
		return true
	}
	return security.IsExpired(t.ExpiresAt())
}

// IsRevoked reports whether either side of the token pair was revoked.
func (t *Token) IsRevoked() bool {
	return t.AccessTokenRevoked || t.RefreshTokenRevoked
}

// IsRefreshTokenValid reports whether the refresh token may still be
// redeemed: present, not revoked on the refresh side, and the pair not
// expired. The two revocation flags are independent, so revoking only
// the access token leaves the refresh token redeemable.
func (t *Token) IsRefreshTokenValid() bool {
	return t.RefreshToken != "" && !t.RefreshTokenRevoked && !t.IsExpired()
}

// CheckClient reports whether the token belongs to the given client.
func (t *Token) CheckClient(clientID string) bool {
	return t.ClientID == clientID
}

// AuthorizationCode represents a single-use authorization code issued to
// a client during the authorization code grant.
type AuthorizationCode struct {
	// ID is the record identifier (a UUID).
	ID string

	// Code is the unique opaque code string.
	Code string

	// RedirectURI is the redirect URI the code was bound to.
	RedirectURI string

	// Scope is the scope requested during authorization.
	Scope string

	// Nonce is the OIDC nonce carried through the flow, if any.
	Nonce string

	// AuthTime is when the end user authorized the request.
	AuthTime time.Time

	// ExpiresIn is the code lifetime in seconds. Zero means the
	// default AuthorizationCodeLifetime.
	ExpiresIn int64

	// CodeChallenge and CodeChallengeMethod hold the PKCE binding
	// (RFC 7636). Both are empty when the client did not use PKCE.
	CodeChallenge       string
	CodeChallengeMethod string

	// ClientID identifies the client the code was issued to.
	ClientID string

	// UserID identifies the authorizing user.
	UserID string
}

// ExpiresAt returns the instant the code stops being redeemable.
func (c *AuthorizationCode) ExpiresAt() time.Time {
	lifetime := AuthorizationCodeLifetime
	if c.ExpiresIn > 0 {
		lifetime = time.Duration(c.ExpiresIn) * time.Second
	}
	return c.AuthTime.Add(lifetime)
}

// IsExpired reports whether the code lifetime has passed, allowing
// the clock skew grace period.
func (c *AuthorizationCode) IsExpired() bool {
	return security.IsExpired(c.ExpiresAt())
}

// User represents a resource owner.
type User struct {
	// ID is the unique user identifier.
	ID string

	// Username is the unique login name.
	Username string

	// PasswordHash is the bcrypt hash of the user's password.
	PasswordHash string

	// RoleNames lists the roles assigned to the user. The user's
	// effective scope is the union of the resolved role scopes.
	RoleNames []string
}

// CheckPassword reports whether the plaintext password matches the hash.
func (u *User) CheckPassword(password string) bool {
	if u.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// Role represents a named set of scopes. Roles may delegate to child
// roles, forming a directed acyclic graph.
type Role struct {
	// Name is the unique programmatic name of the role.
	Name string

	// Description is the human-readable description.
	Description string

	// Scopes is the scope set declared directly on the role.
	Scopes []string

	// Children lists the names of child roles whose resolved scopes are
	// unioned into this role's effective scope.
	Children []string
}

// RoleName implements scope.Role.
func (r *Role) RoleName() string { return r.Name }

// ScopeValues implements scope.Role.
func (r *Role) ScopeValues() []string { return r.Scopes }

// ChildRoleNames implements scope.Role.
func (r *Role) ChildRoleNames() []string { return r.Children }

// Compile-time check that Role satisfies the resolver contract.
var _ scope.Role = (*Role)(nil)

// ClientStore persists client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrNotFound when the
	// client does not exist.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients lists all registered clients (for admin tooling).
	ListClients(ctx context.Context) ([]*Client, error)
}

// TokenStore persists issued token pairs.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveToken saves a new token pair. Returns ErrConflict when the
	// access or refresh token string is already in use.
	SaveToken(ctx context.Context, token *Token) error

	// GetTokenByAccess retrieves a token by its access token string.
	GetTokenByAccess(ctx context.Context, accessToken string) (*Token, error)

	// GetTokenByRefresh retrieves a token by its refresh token string.
	GetTokenByRefresh(ctx context.Context, refreshToken string) (*Token, error)

	// UpdateToken persists changed revocation flags of an existing token.
	UpdateToken(ctx context.Context, token *Token) error
}

// CodeStore persists authorization codes.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// SaveAuthorizationCode saves an issued authorization code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically retrieves and deletes a code
	// by (code, clientID). A second concurrent consume must observe a
	// missing record, which makes redemption single-use under race.
	// Returns ErrNotFound when no matching code exists. The caller is
	// responsible for the expiry check; the record is gone either way.
	ConsumeAuthorizationCode(ctx context.Context, code, clientID string) (*AuthorizationCode, error)
}

// UserStore resolves users for the password grant and code redemption.
// All methods accept context.Context for tracing and cancellation.
type UserStore interface {
	// SaveUser saves a user.
	SaveUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*User, error)

	// FindUserByUsername retrieves a user by login name. Returns
	// ErrNotFound when no such user exists.
	FindUserByUsername(ctx context.Context, username string) (*User, error)
}

// RoleStore persists roles.
// All methods accept context.Context for tracing and cancellation.
type RoleStore interface {
	// SaveRole saves a role.
	SaveRole(ctx context.Context, role *Role) error

	// GetRole retrieves a role by name.
	GetRole(ctx context.Context, name string) (*Role, error)
}

// TxStore is optionally implemented by stores whose operations can be
// grouped into a single atomic unit of work. The server runs the
// refresh grant's revoke-then-issue pair through WithinTx when the
// token store supports it; either both writes commit or neither does.
// Embedders may wrap any other call sequence the same way.
type TxStore interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RoleSource adapts a RoleStore to the scope.RoleSource interface.
type RoleSource struct {
	Roles RoleStore
}

// RoleByName implements scope.RoleSource.
func (s RoleSource) RoleByName(ctx context.Context, name string) (scope.Role, error) {
	return s.Roles.GetRole(ctx, name)
}
