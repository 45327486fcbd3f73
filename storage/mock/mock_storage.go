// Package mock provides func-field mock implementations of the storage
// interfaces. A mock delegates to an in-memory map unless a test sets
// the corresponding override, so failure injection only needs the one
// method under test.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/kyzima-spb/restlib-oauth2/storage"
)

// Store implements every storage interface over plain maps with
// per-method overrides.
type Store struct {
	mu      sync.RWMutex
	clients map[string]*storage.Client
	tokens  map[string]*storage.Token
	codes   map[string]*storage.AuthorizationCode
	users   map[string]*storage.User
	roles   map[string]*storage.Role

	SaveClientFunc   func(ctx context.Context, client *storage.Client) error
	GetClientFunc    func(ctx context.Context, clientID string) (*storage.Client, error)
	ListClientsFunc  func(ctx context.Context) ([]*storage.Client, error)
	SaveTokenFunc    func(ctx context.Context, token *storage.Token) error
	GetByAccessFunc  func(ctx context.Context, accessToken string) (*storage.Token, error)
	GetByRefreshFunc func(ctx context.Context, refreshToken string) (*storage.Token, error)
	UpdateTokenFunc  func(ctx context.Context, token *storage.Token) error
	SaveCodeFunc     func(ctx context.Context, code *storage.AuthorizationCode) error
	ConsumeCodeFunc  func(ctx context.Context, code, clientID string) (*storage.AuthorizationCode, error)
	SaveUserFunc     func(ctx context.Context, user *storage.User) error
	GetUserFunc      func(ctx context.Context, id string) (*storage.User, error)
	FindUserFunc     func(ctx context.Context, username string) (*storage.User, error)
	SaveRoleFunc     func(ctx context.Context, role *storage.Role) error
	GetRoleFunc      func(ctx context.Context, name string) (*storage.Role, error)
}

var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.UserStore   = (*Store)(nil)
	_ storage.RoleStore   = (*Store)(nil)
)

// New creates an empty mock store.
func New() *Store {
	return &Store{
		clients: make(map[string]*storage.Client),
		tokens:  make(map[string]*storage.Token),
		codes:   make(map[string]*storage.AuthorizationCode),
		users:   make(map[string]*storage.User),
		roles:   make(map[string]*storage.Role),
	}
}

func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client.ClientID] = client
	return nil
}

func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
	}
	return client, nil
}

func (m *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	if m.ListClientsFunc != nil {
		return m.ListClientsFunc(ctx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	clients := make([]*storage.Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	return clients, nil
}

func (m *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if m.SaveTokenFunc != nil {
		return m.SaveTokenFunc(ctx, token)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token.ID] = token
	return nil
}

func (m *Store) GetTokenByAccess(ctx context.Context, accessToken string) (*storage.Token, error) {
	if m.GetByAccessFunc != nil {
		return m.GetByAccessFunc(ctx, accessToken)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tok := range m.tokens {
		if tok.AccessToken == accessToken {
			return tok, nil
		}
	}
	return nil, fmt.Errorf("%w: token", storage.ErrNotFound)
}

func (m *Store) GetTokenByRefresh(ctx context.Context, refreshToken string) (*storage.Token, error) {
	if m.GetByRefreshFunc != nil {
		return m.GetByRefreshFunc(ctx, refreshToken)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tok := range m.tokens {
		if tok.RefreshToken != "" && tok.RefreshToken == refreshToken {
			return tok, nil
		}
	}
	return nil, fmt.Errorf("%w: token", storage.ErrNotFound)
}

func (m *Store) UpdateToken(ctx context.Context, token *storage.Token) error {
	if m.UpdateTokenFunc != nil {
		return m.UpdateTokenFunc(ctx, token)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.tokens[token.ID]
	if !ok {
		return fmt.Errorf("%w: token %s", storage.ErrNotFound, token.ID)
	}
	current.AccessTokenRevoked = token.AccessTokenRevoked
	current.RefreshTokenRevoked = token.RefreshTokenRevoked
	return nil
}

func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if m.SaveCodeFunc != nil {
		return m.SaveCodeFunc(ctx, code)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[code.Code] = code
	return nil
}

func (m *Store) ConsumeAuthorizationCode(ctx context.Context, code, clientID string) (*storage.AuthorizationCode, error) {
	if m.ConsumeCodeFunc != nil {
		return m.ConsumeCodeFunc(ctx, code, clientID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.codes[code]
	if !ok || record.ClientID != clientID {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}
	delete(m.codes, code)
	return record, nil
}

func (m *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if m.SaveUserFunc != nil {
		return m.SaveUserFunc(ctx, user)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	if m.GetUserFunc != nil {
		return m.GetUserFunc(ctx, id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", storage.ErrNotFound, id)
	}
	return user, nil
}

func (m *Store) FindUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	if m.FindUserFunc != nil {
		return m.FindUserFunc(ctx, username)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, user := range m.users {
		if user.Username == username {
			return user, nil
		}
	}
	return nil, fmt.Errorf("%w: user %s", storage.ErrNotFound, username)
}

func (m *Store) SaveRole(ctx context.Context, role *storage.Role) error {
	if m.SaveRoleFunc != nil {
		return m.SaveRoleFunc(ctx, role)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[role.Name] = role
	return nil
}

func (m *Store) GetRole(ctx context.Context, name string) (*storage.Role, error) {
	if m.GetRoleFunc != nil {
		return m.GetRoleFunc(ctx, name)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.roles[name]
	if !ok {
		return nil, fmt.Errorf("%w: role %s", storage.ErrNotFound, name)
	}
	return role, nil
}
