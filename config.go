package oauth

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kyzima-spb/restlib-oauth2/server"
)

// Config holds the configuration of the HTTP layer and the server
// core behind it. Values are loaded from a YAML file with environment
// variables layered on top.
type Config struct {
	// Issuer is the server's issuer identifier (base URL). Required.
	Issuer string `yaml:"issuer"`

	// ListenAddr is the host:port the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// AccessTokenTTL is the access token lifetime in seconds.
	AccessTokenTTL int64 `yaml:"access_token_ttl"`

	// AuthorizationCodeTTL is the authorization code lifetime in seconds.
	AuthorizationCodeTTL int64 `yaml:"authorization_code_ttl"`

	// SupportedScopes lists the scopes the server accepts.
	SupportedScopes []string `yaml:"supported_scopes"`

	// RefreshTokenRotation rotates refresh tokens on every refresh.
	RefreshTokenRotation bool `yaml:"refresh_token_rotation"`

	// IncludeRefreshToken controls refresh token issuance.
	IncludeRefreshToken bool `yaml:"include_refresh_token"`

	// RequirePKCE makes code_challenge mandatory for the code grant.
	RequirePKCE bool `yaml:"require_pkce"`

	// TrustProxy trusts X-Forwarded-For for client addresses.
	TrustProxy bool `yaml:"trust_proxy"`

	// RateLimitPerSecond caps requests per client address. Zero
	// disables rate limiting.
	RateLimitPerSecond int `yaml:"rate_limit_per_second"`

	// RateLimitBurst is the burst allowance of the rate limiter.
	RateLimitBurst int `yaml:"rate_limit_burst"`

	// AuditEnabled turns security audit logging on.
	AuditEnabled bool `yaml:"audit_enabled"`

	// Storage selects the storage backend: memory, postgres or redis.
	Storage StorageConfig `yaml:"storage"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend is one of "memory", "postgres", "redis".
	Backend string `yaml:"backend"`

	// PostgresDSN is the lib/pq connection string.
	PostgresDSN string `yaml:"postgres_dsn"`

	// RedisURL is the redis connection URL.
	RedisURL string `yaml:"redis_url"`

	// RedisEncryptionKey is an optional base64-encoded 32-byte key.
	// When set, token and user records are encrypted at rest.
	RedisEncryptionKey string `yaml:"redis_encryption_key"`
}

// ServerConfig projects the loaded configuration onto the server
// core's config.
func (c *Config) ServerConfig() *server.Config {
	return &server.Config{
		Issuer:               c.Issuer,
		AccessTokenTTL:       c.AccessTokenTTL,
		AuthorizationCodeTTL: c.AuthorizationCodeTTL,
		SupportedScopes:      c.SupportedScopes,
		RefreshTokenRotation: server.Bool(c.RefreshTokenRotation),
		IncludeRefreshToken:  server.Bool(c.IncludeRefreshToken),
		RequirePKCE:          c.RequirePKCE,
		TrustProxy:           c.TrustProxy,
	}
}

// LoadConfig loads configuration with predictable precedence: the
// YAML file at path (or OAUTH_CONFIG_PATH when path is empty), then
// environment variables on top. A .env file in the working directory
// is sourced first so local development does not need exported vars.
func LoadConfig(path string) (*Config, error) {
	// Missing .env is fine; containers inject the environment.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:           ":8080",
		RefreshTokenRotation: true,
		IncludeRefreshToken:  true,
		AuditEnabled:         true,
		Storage:              StorageConfig{Backend: "memory"},
	}

	if path == "" {
		path = os.Getenv("OAUTH_CONFIG_PATH")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	return cfg, nil
}

// applyEnv overlays OAUTH_* environment variables onto the config.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("OAUTH_ISSUER"); v != "" {
		cfg.Issuer = v
	}
	if v := os.Getenv("OAUTH_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("OAUTH_SUPPORTED_SCOPES"); v != "" {
		cfg.SupportedScopes = strings.Fields(v)
	}
	if v := os.Getenv("OAUTH_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("OAUTH_POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("OAUTH_REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("OAUTH_REDIS_ENCRYPTION_KEY"); v != "" {
		cfg.Storage.RedisEncryptionKey = v
	}

	intVars := map[string]*int64{
		"OAUTH_ACCESS_TOKEN_TTL":       &cfg.AccessTokenTTL,
		"OAUTH_AUTHORIZATION_CODE_TTL": &cfg.AuthorizationCodeTTL,
	}
	for name, dst := range intVars {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = parsed
	}

	boolVars := map[string]*bool{
		"OAUTH_REFRESH_TOKEN_ROTATION": &cfg.RefreshTokenRotation,
		"OAUTH_INCLUDE_REFRESH_TOKEN":  &cfg.IncludeRefreshToken,
		"OAUTH_REQUIRE_PKCE":           &cfg.RequirePKCE,
		"OAUTH_TRUST_PROXY":            &cfg.TrustProxy,
		"OAUTH_AUDIT_ENABLED":          &cfg.AuditEnabled,
	}
	for name, dst := range boolVars {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = parsed
	}

	rateVars := map[string]*int{
		"OAUTH_RATE_LIMIT_PER_SECOND": &cfg.RateLimitPerSecond,
		"OAUTH_RATE_LIMIT_BURST":      &cfg.RateLimitBurst,
	}
	for name, dst := range rateVars {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = parsed
	}
	return nil
}
