// Package postgres provides a PostgreSQL-backed implementation of all
// storage interfaces using lib/pq. Protocol mutations can be grouped
// atomically through WithinTx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kyzima-spb/restlib-oauth2/instrumentation"
	"github.com/kyzima-spb/restlib-oauth2/storage"
)

const (
	connectionVerifyTimeout = 5 * time.Second
	defaultCleanupInterval  = 5 * time.Minute
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS oauth_clients (
	client_id         TEXT PRIMARY KEY,
	secret_hash       TEXT NOT NULL DEFAULT '',
	issued_at         TIMESTAMPTZ NOT NULL,
	secret_expires_at TIMESTAMPTZ,
	metadata          JSONB NOT NULL DEFAULT '{}',
	user_id           TEXT NOT NULL DEFAULT '',
	scopes            TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS oauth_tokens (
	id                    TEXT PRIMARY KEY,
	access_token          TEXT NOT NULL UNIQUE,
	refresh_token         TEXT UNIQUE,
	token_type            TEXT NOT NULL,
	scope                 TEXT NOT NULL DEFAULT '',
	issued_at             TIMESTAMPTZ NOT NULL,
	expires_in            BIGINT NOT NULL,
	access_token_revoked  BOOLEAN NOT NULL DEFAULT FALSE,
	refresh_token_revoked BOOLEAN NOT NULL DEFAULT FALSE,
	client_id             TEXT NOT NULL,
	user_id               TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS oauth_codes (
	code                  TEXT PRIMARY KEY,
	id                    TEXT NOT NULL,
	redirect_uri          TEXT NOT NULL DEFAULT '',
	scope                 TEXT NOT NULL DEFAULT '',
	nonce                 TEXT NOT NULL DEFAULT '',
	auth_time             TIMESTAMPTZ NOT NULL,
	expires_in            BIGINT NOT NULL DEFAULT 0,
	code_challenge        TEXT NOT NULL DEFAULT '',
	code_challenge_method TEXT NOT NULL DEFAULT '',
	client_id             TEXT NOT NULL,
	user_id               TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS oauth_users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL DEFAULT '',
	role_names    TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS oauth_roles (
	name        TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	scopes      TEXT[] NOT NULL DEFAULT '{}',
	children    TEXT[] NOT NULL DEFAULT '{}'
);
`

// Config holds configuration for the PostgreSQL storage backend.
type Config struct {
	// DSN is the lib/pq connection string (required).
	DSN string

	// Logger is the optional structured logger (default slog.Default()).
	Logger *slog.Logger

	// CleanupInterval is the period of the background deletion of
	// expired codes and dead tokens (default 5 minutes).
	CleanupInterval time.Duration
}

// Store is a PostgreSQL-backed implementation of all storage interfaces.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.UserStore   = (*Store)(nil)
	_ storage.RoleStore   = (*Store)(nil)
	_ storage.TxStore     = (*Store)(nil)
)

// New connects to PostgreSQL, creates the schema when missing and
// starts the background cleanup.
func New(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = defaultCleanupInterval
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger.Info("connected to postgres storage")

	s := &Store{
		db:              db,
		logger:          logger,
		cleanupInterval: interval,
		stopCleanup:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s, nil
}

// Close stops the cleanup goroutine and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
	return s.db.Close()
}

// SetInstrumentation wires OpenTelemetry metrics and tracing into the
// store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
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

// querier is the subset of sql.DB and sql.Tx the store uses, so every
// method transparently joins a transaction opened by WithinTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// WithinTx runs fn inside a single database transaction. Store calls
// made with the context passed to fn join the transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		// Already inside a transaction; join it.
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// nullable maps an empty string to NULL so empty refresh tokens do not
// collide on the unique index.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
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

	metadata, err := json.Marshal(client.Metadata)
	if err != nil {
		return fmt.Errorf("marshal client metadata: %w", err)
	}

	var expires any
	if !client.SecretExpiresAt.IsZero() {
		expires = client.SecretExpiresAt
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO oauth_clients (client_id, secret_hash, issued_at, secret_expires_at, metadata, user_id, scopes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (client_id) DO UPDATE SET
			secret_hash = EXCLUDED.secret_hash,
			secret_expires_at = EXCLUDED.secret_expires_at,
			metadata = EXCLUDED.metadata,
			user_id = EXCLUDED.user_id,
			scopes = EXCLUDED.scopes`,
		client.ClientID, client.SecretHash, client.IssuedAt, expires,
		metadata, client.UserID, pq.Array(client.Scopes))
	if err != nil {
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

	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT client_id, secret_hash, issued_at, secret_expires_at, metadata, user_id, scopes
		FROM oauth_clients WHERE client_id = $1`, clientID)
	client, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
			return nil, err
		}
		return nil, fmt.Errorf("get client: %w", err)
	}
	return client, nil
}

func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ctx, span := s.startSpan(ctx, "list_clients")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "list_clients", err, startTime) }()

	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT client_id, secret_hash, issued_at, secret_expires_at, metadata, user_id, scopes
		FROM oauth_clients ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		client, scanErr := scanClient(rows)
		if scanErr != nil {
			err = fmt.Errorf("scan client: %w", scanErr)
			return nil, err
		}
		clients = append(clients, client)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	return clients, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClient(row scanner) (*storage.Client, error) {
	var (
		client   storage.Client
		expires  sql.NullTime
		metadata []byte
	)
	err := row.Scan(&client.ClientID, &client.SecretHash, &client.IssuedAt,
		&expires, &metadata, &client.UserID, pq.Array(&client.Scopes))
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		client.SecretExpiresAt = expires.Time
	}
	if err := json.Unmarshal(metadata, &client.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal client metadata: %w", err)
	}
	return &client, nil
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

	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO oauth_tokens (id, access_token, refresh_token, token_type, scope,
			issued_at, expires_in, access_token_revoked, refresh_token_revoked, client_id, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		token.ID, token.AccessToken, nullable(token.RefreshToken), token.TokenType,
		token.Scope, token.IssuedAt, token.ExpiresIn,
		token.AccessTokenRevoked, token.RefreshTokenRevoked, token.ClientID, token.UserID)
	if err != nil {
		if isUniqueViolation(err) {
			err = fmt.Errorf("%w: token credentials in use", storage.ErrConflict)
			return err
		}
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

const tokenColumns = `id, access_token, COALESCE(refresh_token, ''), token_type, scope,
	issued_at, expires_in, access_token_revoked, refresh_token_revoked, client_id, user_id`

func (s *Store) GetTokenByAccess(ctx context.Context, accessToken string) (*storage.Token, error) {
	return s.getToken(ctx, "get_token_by_access", "access_token", accessToken)
}

func (s *Store) GetTokenByRefresh(ctx context.Context, refreshToken string) (*storage.Token, error) {
	return s.getToken(ctx, "get_token_by_refresh", "refresh_token", refreshToken)
}

func (s *Store) getToken(ctx context.Context, operation, column, value string) (*storage.Token, error) {
	ctx, span := s.startSpan(ctx, operation)
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, operation, err, startTime) }()

	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE `+column+` = $1`, value)

	var token storage.Token
	err = row.Scan(&token.ID, &token.AccessToken, &token.RefreshToken, &token.TokenType,
		&token.Scope, &token.IssuedAt, &token.ExpiresIn,
		&token.AccessTokenRevoked, &token.RefreshTokenRevoked, &token.ClientID, &token.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("%w: token", storage.ErrNotFound)
			return nil, err
		}
		return nil, fmt.Errorf("get token: %w", err)
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

	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE oauth_tokens
		SET access_token_revoked = $2, refresh_token_revoked = $3
		WHERE id = $1`,
		token.ID, token.AccessTokenRevoked, token.RefreshTokenRevoked)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	if affected == 0 {
		err = fmt.Errorf("%w: token %s", storage.ErrNotFound, token.ID)
		return err
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

	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO oauth_codes (code, id, redirect_uri, scope, nonce, auth_time,
			expires_in, code_challenge, code_challenge_method, client_id, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		code.Code, code.ID, code.RedirectURI, code.Scope, code.Nonce, code.AuthTime,
		code.ExpiresIn, code.CodeChallenge, code.CodeChallengeMethod, code.ClientID,
		code.UserID)
	if err != nil {
		if isUniqueViolation(err) {
			err = fmt.Errorf("%w: code in use", storage.ErrConflict)
			return err
		}
		return fmt.Errorf("save code: %w", err)
	}
	return nil
}

func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code, clientID string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startSpan(ctx, "consume_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "consume_code", err, startTime) }()

	// DELETE ... RETURNING makes redemption single-use under race; the
	// client filter keeps a foreign redemption attempt from burning
	// the code.
	row := s.q(ctx).QueryRowContext(ctx, `
		DELETE FROM oauth_codes
		WHERE code = $1 AND client_id = $2
		RETURNING code, id, redirect_uri, scope, nonce, auth_time,
			expires_in, code_challenge, code_challenge_method, client_id, user_id`,
		code, clientID)

	var record storage.AuthorizationCode
	err = row.Scan(&record.Code, &record.ID, &record.RedirectURI, &record.Scope,
		&record.Nonce, &record.AuthTime, &record.ExpiresIn, &record.CodeChallenge,
		&record.CodeChallengeMethod, &record.ClientID, &record.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
			return nil, err
		}
		return nil, fmt.Errorf("consume code: %w", err)
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

	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO oauth_users (id, username, password_hash, role_names)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			password_hash = EXCLUDED.password_hash,
			role_names = EXCLUDED.role_names`,
		user.ID, user.Username, user.PasswordHash, pq.Array(user.RoleNames))
	if err != nil {
		if isUniqueViolation(err) {
			err = fmt.Errorf("%w: username %s", storage.ErrConflict, user.Username)
			return err
		}
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	return s.getUser(ctx, "get_user", "id", id)
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	return s.getUser(ctx, "find_user_by_username", "username", username)
}

func (s *Store) getUser(ctx context.Context, operation, column, value string) (*storage.User, error) {
	ctx, span := s.startSpan(ctx, operation)
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, operation, err, startTime) }()

	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, username, password_hash, role_names FROM oauth_users WHERE `+column+` = $1`, value)

	var user storage.User
	err = row.Scan(&user.ID, &user.Username, &user.PasswordHash, pq.Array(&user.RoleNames))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("%w: user %s", storage.ErrNotFound, value)
			return nil, err
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
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

	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO oauth_roles (name, description, scopes, children)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			scopes = EXCLUDED.scopes,
			children = EXCLUDED.children`,
		role.Name, role.Description, pq.Array(role.Scopes), pq.Array(role.Children))
	if err != nil {
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

	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT name, description, scopes, children FROM oauth_roles WHERE name = $1`, name)

	var role storage.Role
	err = row.Scan(&role.Name, &role.Description, pq.Array(&role.Scopes), pq.Array(&role.Children))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("%w: role %s", storage.ErrNotFound, name)
			return nil, err
		}
		return nil, fmt.Errorf("get role: %w", err)
	}
	return &role, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup deletes expired authorization codes and expired tokens.
// Revoked but unexpired tokens are kept so introspection can report
// them inactive.
func (s *Store) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM oauth_codes
		WHERE auth_time + make_interval(secs => COALESCE(NULLIF(expires_in, 0), $1)) < now()`,
		int64(storage.AuthorizationCodeLifetime/time.Second))
	if err != nil {
		s.logger.Error("code cleanup failed", "error", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("removed expired authorization codes", "count", n)
	}

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM oauth_tokens
		WHERE issued_at + make_interval(secs => expires_in) < now()`)
	if err != nil {
		s.logger.Error("token cleanup failed", "error", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("removed expired tokens", "count", n)
	}
}
