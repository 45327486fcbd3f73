// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and
// single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kyzima-spb/restlib-oauth2/instrumentation"
	"github.com/kyzima-spb/restlib-oauth2/storage"
)

const defaultCleanupInterval = 5 * time.Minute

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client

	// tokens by ID plus secondary indexes by credential string
	tokens    map[string]*storage.Token
	byAccess  map[string]string // access token -> token ID
	byRefresh map[string]string // refresh token -> token ID

	codes map[string]*storage.AuthorizationCode // code string -> record

	users      map[string]*storage.User
	byUsername map[string]string // username -> user ID

	roles map[string]*storage.Role

	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	tokensCount  atomic.Int64
	clientsCount atomic.Int64
	codesCount   atomic.Int64
}

// New creates a memory store and starts its background cleanup of
// expired codes and fully dead token pairs.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		clients:         make(map[string]*storage.Client),
		tokens:          make(map[string]*storage.Token),
		byAccess:        make(map[string]string),
		byRefresh:       make(map[string]string),
		codes:           make(map[string]*storage.AuthorizationCode),
		users:           make(map[string]*storage.User),
		byUsername:      make(map[string]string),
		roles:           make(map[string]*storage.Role),
		logger:          logger,
		cleanupInterval: defaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// SetInstrumentation wires OpenTelemetry metrics and tracing into the
// store and registers the storage size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.tokensCount.Store(int64(len(s.tokens)))
	s.clientsCount.Store(int64(len(s.clients)))
	s.codesCount.Store(int64(len(s.codes)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.tokensCount.Load() },
			func() int64 { return s.clientsCount.Load() },
			func() int64 { return s.codesCount.Load() },
		)
		if err != nil {
			s.logger.Warn("failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(attribute.String("operation", operation)))
}

func (s *Store) recordOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result,
		float64(time.Since(startTime).Milliseconds()))
}

// ============================================================
// ClientStore
// ============================================================

func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "save_client", err, startTime) }()

	if client == nil {
		err = fmt.Errorf("client cannot be nil")
		return err
	}
	if err = client.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.clients[client.ClientID]; !existed {
		s.clientsCount.Add(1)
	}
	s.clients[client.ClientID] = client
	s.logger.Debug("saved client", "client_id", client.ClientID)
	return nil
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "get_client", err, startTime) }()

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		return nil, err
	}
	return client, nil
}

func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ctx, span := s.startSpan(ctx, "list_clients")
	defer span.End()

	startTime := time.Now()
	defer func() { s.recordOperation(ctx, span, "list_clients", nil, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out, nil
}

// ============================================================
// TokenStore
// ============================================================

func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	ctx, span := s.startSpan(ctx, "save_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "save_token", err, startTime) }()

	if token == nil {
		err = fmt.Errorf("token cannot be nil")
		return err
	}
	if token.AccessToken == "" {
		err = fmt.Errorf("token must carry an access token string")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byAccess[token.AccessToken]; taken {
		err = fmt.Errorf("%w: access token already in use", storage.ErrConflict)
		return err
	}
	if token.RefreshToken != "" {
		if _, taken := s.byRefresh[token.RefreshToken]; taken {
			err = fmt.Errorf("%w: refresh token already in use", storage.ErrConflict)
			return err
		}
	}

	if _, existed := s.tokens[token.ID]; !existed {
		s.tokensCount.Add(1)
	}
	s.tokens[token.ID] = token
	s.byAccess[token.AccessToken] = token.ID
	if token.RefreshToken != "" {
		s.byRefresh[token.RefreshToken] = token.ID
	}
	s.logger.Debug("saved token", "token_id", token.ID, "client_id", token.ClientID)
	return nil
}

func (s *Store) GetTokenByAccess(ctx context.Context, accessToken string) (*storage.Token, error) {
	return s.getTokenByIndex(ctx, "get_token_by_access", accessToken, true)
}

func (s *Store) GetTokenByRefresh(ctx context.Context, refreshToken string) (*storage.Token, error) {
	return s.getTokenByIndex(ctx, "get_token_by_refresh", refreshToken, false)
}

func (s *Store) getTokenByIndex(ctx context.Context, operation, key string, byAccess bool) (*storage.Token, error) {
	ctx, span := s.startSpan(ctx, operation)
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, operation, err, startTime) }()

	s.mu.RLock()
	index := s.byRefresh
	if byAccess {
		index = s.byAccess
	}
	id, ok := index[key]
	var token *storage.Token
	if ok {
		token, ok = s.tokens[id]
	}
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: token", storage.ErrNotFound)
		return nil, err
	}
	return token, nil
}

func (s *Store) UpdateToken(ctx context.Context, token *storage.Token) error {
	ctx, span := s.startSpan(ctx, "update_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "update_token", err, startTime) }()

	if token == nil {
		err = fmt.Errorf("token cannot be nil")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.tokens[token.ID]
	if !ok {
		err = fmt.Errorf("%w: token %s", storage.ErrNotFound, token.ID)
		return err
	}
	// Credential strings are immutable; only flags may change.
	stored.AccessTokenRevoked = token.AccessTokenRevoked
	stored.RefreshTokenRevoked = token.RefreshTokenRevoked
	return nil
}

// ============================================================
// CodeStore
// ============================================================

func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startSpan(ctx, "save_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "save_code", err, startTime) }()

	if code == nil {
		err = fmt.Errorf("code cannot be nil")
		return err
	}
	if code.Code == "" {
		err = fmt.Errorf("code must carry a code string")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.codes[code.Code]; taken {
		err = fmt.Errorf("%w: authorization code already in use", storage.ErrConflict)
		return err
	}
	s.codes[code.Code] = code
	s.codesCount.Add(1)
	return nil
}

func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code, clientID string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startSpan(ctx, "consume_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "consume_code", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.codes[code]
	if !ok || record.ClientID != clientID {
		err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		return nil, err
	}
	// Deleting under the same lock makes redemption single-use: a
	// concurrent consume of the same code observes a missing record.
	delete(s.codes, code)
	s.codesCount.Add(-1)
	return record, nil
}

// ============================================================
// UserStore
// ============================================================

func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	ctx, span := s.startSpan(ctx, "save_user")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "save_user", err, startTime) }()

	if user == nil {
		err = fmt.Errorf("user cannot be nil")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, taken := s.byUsername[user.Username]; taken && existingID != user.ID {
		err = fmt.Errorf("%w: username %s", storage.ErrConflict, user.Username)
		return err
	}
	s.users[user.ID] = user
	s.byUsername[user.Username] = user.ID
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	ctx, span := s.startSpan(ctx, "get_user")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "get_user", err, startTime) }()

	s.mu.RLock()
	user, ok := s.users[id]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: user %s", storage.ErrNotFound, id)
		return nil, err
	}
	return user, nil
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	ctx, span := s.startSpan(ctx, "find_user")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "find_user", err, startTime) }()

	s.mu.RLock()
	id, ok := s.byUsername[username]
	var user *storage.User
	if ok {
		user, ok = s.users[id]
	}
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: user %s", storage.ErrNotFound, username)
		return nil, err
	}
	return user, nil
}

// ============================================================
// RoleStore
// ============================================================

func (s *Store) SaveRole(ctx context.Context, role *storage.Role) error {
	ctx, span := s.startSpan(ctx, "save_role")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "save_role", err, startTime) }()

	if role == nil {
		err = fmt.Errorf("role cannot be nil")
		return err
	}

	s.mu.Lock()
	s.roles[role.Name] = role
	s.mu.Unlock()
	return nil
}

func (s *Store) GetRole(ctx context.Context, name string) (*storage.Role, error) {
	ctx, span := s.startSpan(ctx, "get_role")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "get_role", err, startTime) }()

	s.mu.RLock()
	role, ok := s.roles[name]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: role %s", storage.ErrNotFound, name)
		return nil, err
	}
	return role, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for code, record := range s.codes {
		if record.IsExpired() {
			delete(s.codes, code)
			s.codesCount.Add(-1)
			cleaned++
		}
	}

	for id, token := range s.tokens {
		if token.IsExpired() {
			delete(s.tokens, id)
			delete(s.byAccess, token.AccessToken)
			if token.RefreshToken != "" {
				delete(s.byRefresh, token.RefreshToken)
			}
			s.tokensCount.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("cleaned up expired records", "count", cleaned)
	}
}

// Interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.UserStore   = (*Store)(nil)
	_ storage.RoleStore   = (*Store)(nil)
)
