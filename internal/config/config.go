// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full server configuration. Defaults are provided via struct tags.
type Config struct {
	// Backend credentials. ENV: AIPPT_APP_ID, AIPPT_API_SECRET
	AppID     string `env:"AIPPT_APP_ID"`
	APISecret string `env:"AIPPT_API_SECRET"`
	BaseURL   string `env:"AIPPT_BASE_URL,default=https://zwapi.xfyun.cn/api/ppt/v2"`
	// RateLimit is requests per second towards the backend; 0 disables limiting.
	RateLimit  float64       `env:"AIPPT_RATE_LIMIT,default=5"`
	RateBurst  int           `env:"AIPPT_RATE_BURST,default=5"`
	Timeout    time.Duration `env:"AIPPT_TIMEOUT,default=60s"`
	MaxRetries uint64        `env:"AIPPT_MAX_RETRIES,default=3"`

	Host      string `env:"MCP_HOST,default=localhost"`
	Port      int    `env:"MCP_PORT,default=8002"`
	Endpoint  string `env:"MCP_ENDPOINT,default=/mcp"`
	PublicURL string `env:"MCP_PUBLIC_URL"`

	HeartbeatInterval  time.Duration `env:"MCP_HEARTBEAT_INTERVAL,default=30s"`
	SessionIdleTimeout time.Duration `env:"MCP_SESSION_IDLE_TIMEOUT,default=0s"`
	ClosedSessionTTL   time.Duration `env:"MCP_CLOSED_SESSION_TTL,default=10m"`
	MaxBodyBytes       int64         `env:"MCP_MAX_BODY_BYTES,default=4194304"`

	ServerName    string `env:"MCP_SERVER_NAME,default=pptmcpseriver"`
	ServerVersion string `env:"MCP_SERVER_VERSION,default=0.2.0"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	// RedisAddr selects the Redis cache when set: "host:port" or a redis:// URL.
	RedisAddr      string        `env:"REDIS_ADDR"`
	CacheKeyPrefix string        `env:"CACHE_KEY_PREFIX,default=aippt:cache:"`
	CacheTTL       time.Duration `env:"CACHE_TTL,default=5m"`
	CacheMaxItems  int           `env:"CACHE_MAX_ITEMS,default=256"`

	AuthIssuer     string `env:"AUTH_ISSUER"`
	AuthAudience   string `env:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `env:"AUTH_JWKS_URL"`
	AuthHS256Key   string `env:"AUTH_HS256_SECRET"`
	AuthScopes     string `env:"AUTH_REQUIRED_SCOPES"`
	AuthDiscovery  bool   `env:"AUTH_DISCOVERY,default=false"`
	AuthRealm      string `env:"AUTH_REALM"`
	MetricsEnabled bool   `env:"METRICS_ENABLED,default=true"`
}

// AuthMode is the bearer token scheme selected by the configuration.
type AuthMode int

const (
	AuthNone AuthMode = iota
	AuthDiscovery
	AuthJWKS
	AuthHS256
)

// Load decodes the configuration from the environment.
func Load() (*Config, error) {
	var c Config
	if err := envdecode.Decode(&c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &c, nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// RequiredScopes splits AuthScopes on whitespace or commas.
func (c *Config) RequiredScopes() []string {
	return strings.FieldsFunc(c.AuthScopes, func(r rune) bool { return r == ',' || r == ' ' })
}

// AuthMode reports which authenticator the configuration asks for.
func (c *Config) AuthMode() AuthMode {
	switch {
	case c.AuthHS256Key != "":
		return AuthHS256
	case c.AuthJWKSURL != "":
		return AuthJWKS
	case c.AuthDiscovery:
		return AuthDiscovery
	}
	return AuthNone
}

// ValidateBackend checks what every transport needs.
func (c *Config) ValidateBackend() error {
	var errs []error
	if c.AppID == "" {
		errs = append(errs, errors.New("AIPPT_APP_ID is required"))
	}
	if c.APISecret == "" {
		errs = append(errs, errors.New("AIPPT_API_SECRET is required"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("AIPPT_TIMEOUT must be positive, got %s", c.Timeout))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("AIPPT_RATE_LIMIT must not be negative, got %v", c.RateLimit))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must not be negative, got %s", c.CacheTTL))
	}
	if c.CacheMaxItems <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_MAX_ITEMS must be positive, got %d", c.CacheMaxItems))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Validate checks the full HTTP server configuration.
func (c *Config) Validate() error {
	errs := []error{c.ValidateBackend()}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("MCP_PORT out of range: %d", c.Port))
	}
	if !strings.HasPrefix(c.Endpoint, "/") {
		errs = append(errs, fmt.Errorf("MCP_ENDPOINT must start with '/', got %q", c.Endpoint))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("MCP_HEARTBEAT_INTERVAL must be positive, got %s", c.HeartbeatInterval))
	}
	if c.SessionIdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("MCP_SESSION_IDLE_TIMEOUT must not be negative, got %s", c.SessionIdleTimeout))
	}
	if c.ClosedSessionTTL < 0 {
		errs = append(errs, fmt.Errorf("MCP_CLOSED_SESSION_TTL must not be negative, got %s", c.ClosedSessionTTL))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("MCP_MAX_BODY_BYTES must be positive, got %d", c.MaxBodyBytes))
	}
	if c.AuthMode() != AuthNone {
		if c.AuthIssuer == "" {
			errs = append(errs, errors.New("AUTH_ISSUER is required when authentication is enabled"))
		}
		if c.AuthAudience == "" {
			errs = append(errs, errors.New("AUTH_AUDIENCE is required when authentication is enabled"))
		}
		if c.AuthMode() == AuthHS256 && len(c.AuthHS256Key) < 32 {
			errs = append(errs, errors.New("AUTH_HS256_SECRET must be at least 32 bytes"))
		}
	}
	return errors.Join(errs...)
}
