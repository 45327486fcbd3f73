// Package redis provides a Redis-backed implementation of all storage
// interfaces. Expiry of tokens and authorization codes is delegated to
// Redis TTLs, so the store needs no background cleanup.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kyzima-spb/restlib-oauth2/instrumentation"
	"github.com/kyzima-spb/restlib-oauth2/security"
	"github.com/kyzima-spb/restlib-oauth2/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Redis keys.
	DefaultKeyPrefix = "oauth:"

	// connectionVerifyTimeout bounds the initial PING.
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Redis storage backend.
type Config struct {
	// URL is the Redis connection URL (required), e.g.
	// "redis://localhost:6379/0".
	URL string

	// KeyPrefix is the prefix for all keys (default "oauth:").
	KeyPrefix string

	// Logger is the optional structured logger (default slog.Default()).
	Logger *slog.Logger
}

// Store is a Redis-backed implementation of all storage interfaces.
type Store struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	encryptor       *security.Encryptor
}

var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.UserStore   = (*Store)(nil)
	_ storage.RoleStore   = (*Store)(nil)
)

// consumeCodeScript atomically reads and deletes an authorization code
// when it belongs to the given client. A mismatched client leaves the
// code in place, so a confused request cannot burn another client's
// code. Returns the record JSON, or an empty string on client
// mismatch.
var consumeCodeScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return false
end
local record = cjson.decode(data)
if record['ClientID'] ~= ARGV[1] then
	return ''
end
redis.call('DEL', KEYS[1])
return data
`)

// New creates a Redis-backed storage instance and verifies the
// connection.
func New(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	logger.Info("connected to redis storage", "addr", opts.Addr, "db", opts.DB, "prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// SetInstrumentation wires OpenTelemetry metrics and tracing into the
// store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// SetEncryptor enables encryption at rest for token and user records.
// Client and role records hold no credentials and stay plaintext, as do
// authorization code records, which the atomic consume script must
// decode inside Redis.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptor = enc
}

func (s *Store) seal(data []byte) ([]byte, error) {
	if !s.encryptor.IsEnabled() {
		return data, nil
	}
	sealed, err := s.encryptor.Encrypt(string(data))
	if err != nil {
		return nil, fmt.Errorf("encrypt record: %w", err)
	}
	return []byte(sealed), nil
}

func (s *Store) open(data []byte) ([]byte, error) {
	if !s.encryptor.IsEnabled() {
		return data, nil
	}
	plain, err := s.encryptor.Decrypt(string(data))
	if err != nil {
		return nil, fmt.Errorf("decrypt record: %w", err)
	}
	return []byte(plain), nil
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

func (s *Store) clientKey(clientID string) string { return s.prefix + "client:" + clientID }
func (s *Store) clientSetKey() string             { return s.prefix + "clients" }
func (s *Store) tokenKey(id string) string        { return s.prefix + "token:" + id }
func (s *Store) accessKey(token string) string    { return s.prefix + "access:" + token }
func (s *Store) refreshKey(token string) string   { return s.prefix + "refresh:" + token }
func (s *Store) codeKey(code string) string       { return s.prefix + "code:" + code }
func (s *Store) userKey(id string) string         { return s.prefix + "user:" + id }
func (s *Store) usernameKey(username string) string {
	return s.prefix + "username:" + username
}
func (s *Store) roleKey(name string) string { return s.prefix + "role:" + name }

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

	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("marshal client: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.clientKey(client.ClientID), data, 0)
	pipe.SAdd(ctx, s.clientSetKey(), client.ClientID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save client: %w", err)
	}
	return nil
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "get_client", err, startTime) }()

	data, err := s.client.Get(ctx, s.clientKey(clientID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			err = fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
			return nil, err
		}
		return nil, fmt.Errorf("get client: %w", err)
	}

	var client storage.Client
	if err = json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("unmarshal client: %w", err)
	}
	return &client, nil
}

func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ctx, span := s.startSpan(ctx, "list_clients")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "list_clients", err, startTime) }()

	ids, err := s.client.SMembers(ctx, s.clientSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}

	clients := make([]*storage.Client, 0, len(ids))
	for _, id := range ids {
		client, err := s.GetClient(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// The set can lag behind a deleted client record.
				continue
			}
			return nil, err
		}
		clients = append(clients, client)
	}
	return clients, nil
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
	ttl := time.Until(token.ExpiresAt())
	if ttl <= 0 {
		err = fmt.Errorf("token already expired")
		return err
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if data, err = s.seal(data); err != nil {
		return err
	}

	// The credential indexes double as uniqueness guards.
	ok, err := s.client.SetNX(ctx, s.accessKey(token.AccessToken), token.ID, ttl).Result()
	if err != nil {
		return fmt.Errorf("index access token: %w", err)
	}
	if !ok {
		err = fmt.Errorf("%w: access token in use", storage.ErrConflict)
		return err
	}
	if token.RefreshToken != "" {
		ok, err = s.client.SetNX(ctx, s.refreshKey(token.RefreshToken), token.ID, ttl).Result()
		if err != nil {
			return fmt.Errorf("index refresh token: %w", err)
		}
		if !ok {
			s.client.Del(ctx, s.accessKey(token.AccessToken))
			err = fmt.Errorf("%w: refresh token in use", storage.ErrConflict)
			return err
		}
	}

	if err = s.client.Set(ctx, s.tokenKey(token.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *Store) GetTokenByAccess(ctx context.Context, accessToken string) (*storage.Token, error) {
	return s.getTokenByIndex(ctx, "get_token_by_access", s.accessKey(accessToken))
}

func (s *Store) GetTokenByRefresh(ctx context.Context, refreshToken string) (*storage.Token, error) {
	return s.getTokenByIndex(ctx, "get_token_by_refresh", s.refreshKey(refreshToken))
}

func (s *Store) getTokenByIndex(ctx context.Context, operation, indexKey string) (*storage.Token, error) {
	ctx, span := s.startSpan(ctx, operation)
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, operation, err, startTime) }()

	id, err := s.client.Get(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			err = fmt.Errorf("%w: token", storage.ErrNotFound)
			return nil, err
		}
		return nil, fmt.Errorf("get token index: %w", err)
	}

	data, err := s.client.Get(ctx, s.tokenKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			err = fmt.Errorf("%w: token", storage.ErrNotFound)
			return nil, err
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	if data, err = s.open(data); err != nil {
		return nil, err
	}

	var token storage.Token
	if err = json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	return &token, nil
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

	key := s.tokenKey(token.ID)
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			err = fmt.Errorf("%w: token %s", storage.ErrNotFound, token.ID)
			return err
		}
		return fmt.Errorf("get token: %w", err)
	}
	if data, err = s.open(data); err != nil {
		return err
	}

	// Only the revocation flags are mutable.
	var current storage.Token
	if err = json.Unmarshal(data, &current); err != nil {
		return fmt.Errorf("unmarshal token: %w", err)
	}
	current.AccessTokenRevoked = token.AccessTokenRevoked
	current.RefreshTokenRevoked = token.RefreshTokenRevoked

	updated, err := json.Marshal(&current)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if updated, err = s.seal(updated); err != nil {
		return err
	}
	if err = s.client.Set(ctx, key, updated, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("update token: %w", err)
	}
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
	ttl := time.Until(code.ExpiresAt())
	if ttl <= 0 {
		err = fmt.Errorf("code already expired")
		return err
	}

	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshal code: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.codeKey(code.Code), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("save code: %w", err)
	}
	if !ok {
		err = fmt.Errorf("%w: code in use", storage.ErrConflict)
		return err
	}
	return nil
}

func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code, clientID string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startSpan(ctx, "consume_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "consume_code", err, startTime) }()

	result, err := consumeCodeScript.Run(ctx, s.client, []string{s.codeKey(code)}, clientID).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
			return nil, err
		}
		return nil, fmt.Errorf("consume code: %w", err)
	}
	if result == "" {
		// Client mismatch; the code stays redeemable by its owner.
		err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		return nil, err
	}

	var record storage.AuthorizationCode
	if err = json.Unmarshal([]byte(result), &record); err != nil {
		return nil, fmt.Errorf("unmarshal code: %w", err)
	}
	return &record, nil
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
	if user.ID == "" || user.Username == "" {
		err = fmt.Errorf("user id and username are required")
		return err
	}

	existingID, err := s.client.Get(ctx, s.usernameKey(user.Username)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("check username: %w", err)
	}
	if err == nil && existingID != user.ID {
		err = fmt.Errorf("%w: username %s", storage.ErrConflict, user.Username)
		return err
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	if data, err = s.seal(data); err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.userKey(user.ID), data, 0)
	pipe.Set(ctx, s.usernameKey(user.Username), user.ID, 0)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	ctx, span := s.startSpan(ctx, "get_user")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "get_user", err, startTime) }()

	data, err := s.client.Get(ctx, s.userKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			err = fmt.Errorf("%w: user %s", storage.ErrNotFound, id)
			return nil, err
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	if data, err = s.open(data); err != nil {
		return nil, err
	}

	var user storage.User
	if err = json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	return &user, nil
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	ctx, span := s.startSpan(ctx, "find_user_by_username")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "find_user_by_username", err, startTime) }()

	id, err := s.client.Get(ctx, s.usernameKey(username)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			err = fmt.Errorf("%w: user %s", storage.ErrNotFound, username)
			return nil, err
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return s.GetUser(ctx, id)
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

	if role == nil || role.Name == "" {
		err = fmt.Errorf("role name is required")
		return err
	}

	data, err := json.Marshal(role)
	if err != nil {
		return fmt.Errorf("marshal role: %w", err)
	}
	if err = s.client.Set(ctx, s.roleKey(role.Name), data, 0).Err(); err != nil {
		return fmt.Errorf("save role: %w", err)
	}
	return nil
}

func (s *Store) GetRole(ctx context.Context, name string) (*storage.Role, error) {
	ctx, span := s.startSpan(ctx, "get_role")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "get_role", err, startTime) }()

	data, err := s.client.Get(ctx, s.roleKey(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			err = fmt.Errorf("%w: role %s", storage.ErrNotFound, name)
			return nil, err
		}
		return nil, fmt.Errorf("get role: %w", err)
	}

	var role storage.Role
	if err = json.Unmarshal(data, &role); err != nil {
		return nil, fmt.Errorf("unmarshal role: %w", err)
	}
	return &role, nil
}
