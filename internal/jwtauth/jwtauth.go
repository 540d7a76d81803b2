// Package jwtauth verifies bearer access tokens. Keys come from OIDC
// discovery, a fixed JWKS URL or a shared HMAC secret; every source runs the
// same claim policy.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates that the access token failed validation (e.g.,
// signature, issuer, audience, exp/nbf) and the request should be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates the token was valid but did not satisfy the
// required scopes policy.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// Config controls validation behavior for access tokens.
type Config struct {
	Issuer string
	// ExpectedAudiences lists every accepted audience; a token must carry at
	// least one of them.
	ExpectedAudiences []string
	RequiredScopes    []string
	ScopeModeAny      bool // if true, any of RequiredScopes is sufficient; else all are required
	AllowedAlgs       []string
	Leeway            time.Duration
	// RequireATJWT enforces the RFC 9068 "at+jwt" typ header.
	RequireATJWT bool
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

func (c *Config) validate() error {
	if c == nil {
		return errors.New("config is required")
	}
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(c.ExpectedAudiences) == 0 {
		return errors.New("at least one expected audience required")
	}
	if len(c.AllowedAlgs) == 0 {
		return errors.New("at least one allowed algorithm required")
	}
	if slices.Contains(c.AllowedAlgs, "none") {
		return errors.New(`algorithm "none" is never allowed`)
	}
	return nil
}

// UserInfo is the internal user claims carrier for validated tokens.
type UserInfo interface {
	UserID() string
	Claims(ref any) error
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Discovery is the advertisement-only metadata learned from the issuer.
type Discovery struct {
	Issuer                string
	JWKSURI               string
	AuthorizationEndpoint string
	TokenEndpoint         string
	ScopesSupported       []string
}

// Authenticator validates access tokens against one key source.
type Authenticator struct {
	cfg     Config
	keyfunc jwt.Keyfunc
	now     func() time.Time
}

// NewFromDiscovery performs OIDC discovery to obtain jwks_uri and issuer, and
// constructs an Authenticator that validates RFC 9068 access tokens. JWKS keys
// are auto-refreshed.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Authenticator, *Discovery, error) {
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer        string   `json:"issuer"`
		JwksURI       string   `json:"jwks_uri"`
		Authorization string   `json:"authorization_endpoint"`
		Token         string   `json:"token_endpoint"`
		ResponseTypes []string `json:"response_types_supported"`
		Scopes        []string `json:"scopes_supported"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	var missing []string
	if meta.JwksURI == "" {
		missing = append(missing, "jwks_uri")
	}
	if meta.Authorization == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if meta.Token == "" {
		missing = append(missing, "token_endpoint")
	}
	if len(meta.ResponseTypes) == 0 {
		missing = append(missing, "response_types_supported")
	}
	if len(missing) > 0 {
		return nil, nil, fmt.Errorf("discovery incomplete: missing %s", strings.Join(missing, ", "))
	}

	c := *cfg
	c.Issuer = meta.Issuer
	c.RequireATJWT = true
	a, err := NewJWKS(ctx, &c, meta.JwksURI)
	if err != nil {
		return nil, nil, err
	}
	return a, &Discovery{
		Issuer:                meta.Issuer,
		JWKSURI:               meta.JwksURI,
		AuthorizationEndpoint: meta.Authorization,
		TokenEndpoint:         meta.Token,
		ScopesSupported:       append([]string(nil), meta.Scopes...),
	}, nil
}

// NewJWKS validates tokens signed by keys published at jwksURI (no discovery).
func NewJWKS(ctx context.Context, cfg *Config, jwksURI string) (*Authenticator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return newAuthenticator(cfg, kf.Keyfunc), nil
}

// NewHS256 validates tokens signed with a shared secret.
func NewHS256(cfg *Config, secret []byte) (*Authenticator, error) {
	if cfg != nil {
		c := *cfg
		c.AllowedAlgs = []string{jwt.SigningMethodHS256.Alg()}
		cfg = &c
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(secret) < 32 {
		return nil, errors.New("hs256 secret must be at least 32 bytes")
	}
	key := append([]byte(nil), secret...)
	return newAuthenticator(cfg, func(*jwt.Token) (any, error) { return key, nil }), nil
}

func newAuthenticator(cfg *Config, kf jwt.Keyfunc) *Authenticator {
	c := *cfg
	c.ExpectedAudiences = append([]string(nil), cfg.ExpectedAudiences...)
	c.RequiredScopes = append([]string(nil), cfg.RequiredScopes...)
	c.AllowedAlgs = append([]string(nil), cfg.AllowedAlgs...)
	a := &Authenticator{cfg: c, now: time.Now}
	a.keyfunc = func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(a.cfg.AllowedAlgs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf(t)
	}
	return a
}

// CheckAuthentication verifies tok and returns its subject and claims.
func (a *Authenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
		jwt.WithTimeFunc(a.now),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	if a.cfg.RequireATJWT {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if !audIntersects(claims["aud"], a.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if iatf, ok := claims["iat"].(float64); ok {
		iat := time.Unix(int64(iatf), 0)
		if iat.After(a.now().Add(a.cfg.Leeway + 5*time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrUnauthorized)
		}
	}
	if !a.hasScopes(claims) {
		return nil, ErrInsufficientScope
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func (a *Authenticator) hasScopes(claims jwt.MapClaims) bool {
	if len(a.cfg.RequiredScopes) == 0 {
		return true
	}
	scopeStr, _ := claims["scope"].(string)
	have := strings.Fields(scopeStr)
	if a.cfg.ScopeModeAny {
		return slices.ContainsFunc(a.cfg.RequiredScopes, func(s string) bool { return slices.Contains(have, s) })
	}
	for _, want := range a.cfg.RequiredScopes {
		if !slices.Contains(have, want) {
			return false
		}
	}
	return true
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
