package auth

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/ggoodman/aippt-mcp-go/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of the access token
// authenticators (scopes, algorithms, leeway, advertisement).
type AccessTokenAuthOption func(*accessTokenConfig)

type accessTokenConfig struct {
	jwt        *jwtauth.Config
	advertise  bool
	advertiser ScopeAdvertiser
}

// ScopeAdvertiser derives the scopes published in protected resource metadata
// from the scopes the issuer advertises (nil when nothing was discovered).
type ScopeAdvertiser func(discovered []string) []string

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *accessTokenConfig) {
		c.jwt.RequiredScopes = append([]string(nil), scopes...)
		c.jwt.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) AccessTokenAuthOption {
	return func(c *accessTokenConfig) {
		c.jwt.RequiredScopes = append([]string(nil), scopes...)
		c.jwt.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"]. Ignored by NewHS256.
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *accessTokenConfig) {
		c.jwt.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *accessTokenConfig) { c.jwt.Leeway = d }
}

// WithAdvertisedScopes overrides the scopes published in protected resource metadata.
func WithAdvertisedScopes(fn ScopeAdvertiser) AccessTokenAuthOption {
	return func(c *accessTokenConfig) { c.advertiser = fn }
}

// WithoutAdvertisement disables the protected resource metadata document.
func WithoutAdvertisement() AccessTokenAuthOption {
	return func(c *accessTokenConfig) { c.advertise = false }
}

// StaticScopes advertises exactly scopes, ignoring discovery.
func StaticScopes(scopes ...string) ScopeAdvertiser {
	fixed := append([]string{}, scopes...)
	return func([]string) []string { return append([]string{}, fixed...) }
}

// FilterScopes advertises the discovered scopes that satisfy keep.
func FilterScopes(keep func(string) bool) ScopeAdvertiser {
	return func(discovered []string) []string {
		out := []string{}
		for _, s := range discovered {
			if keep(s) {
				out = append(out, s)
			}
		}
		return out
	}
}

func newAccessTokenConfig(issuer, audience string, opts []AccessTokenAuthOption) (*accessTokenConfig, error) {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	if audience != "" {
		cfg.ExpectedAudiences = []string{audience}
	}
	c := &accessTokenConfig{jwt: cfg, advertise: true}
	for _, opt := range opts {
		opt(c)
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return nil, errors.New("audience is required")
	}
	return c, nil
}

// NewFromDiscovery returns an Authenticator that verifies RFC 9068 JWT access
// tokens using keys discovered via OpenID Connect discovery.
//
// Required:
//   - issuer:   authorization server issuer URL
//   - audience: expected audience ("aud") claim, typically the public endpoint URL
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...AccessTokenAuthOption) (SecurityProvider, error) {
	c, err := newAccessTokenConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	a, d, err := jwtauth.NewFromDiscovery(ctx, c.jwt)
	if err != nil {
		return nil, err
	}
	return &adapter{a: a, sec: buildSecurityConfig(c, d)}, nil
}

// NewJWKS returns an Authenticator that verifies JWT access tokens signed by
// keys published at jwksURL, without discovery.
func NewJWKS(ctx context.Context, issuer, audience, jwksURL string, opts ...AccessTokenAuthOption) (SecurityProvider, error) {
	c, err := newAccessTokenConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	a, err := jwtauth.NewJWKS(ctx, c.jwt, jwksURL)
	if err != nil {
		return nil, err
	}
	return &adapter{a: a, sec: buildSecurityConfig(c, &jwtauth.Discovery{Issuer: issuer, JWKSURI: jwksURL})}, nil
}

// NewHS256 returns an Authenticator for tokens signed with a shared secret.
// There are no public keys to publish, so it never advertises metadata.
func NewHS256(issuer, audience string, secret []byte, opts ...AccessTokenAuthOption) (SecurityProvider, error) {
	c, err := newAccessTokenConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	a, err := jwtauth.NewHS256(c.jwt, secret)
	if err != nil {
		return nil, err
	}
	c.advertise = false
	c.jwt.AllowedAlgs = []string{"HS256"}
	return &adapter{a: a, sec: buildSecurityConfig(c, &jwtauth.Discovery{Issuer: issuer})}, nil
}

func buildSecurityConfig(c *accessTokenConfig, d *jwtauth.Discovery) SecurityConfig {
	sec := SecurityConfig{
		Issuer:      c.jwt.Issuer,
		Audiences:   slices.Clone(c.jwt.ExpectedAudiences),
		AllowedAlgs: slices.Clone(c.jwt.AllowedAlgs),
		Leeway:      c.jwt.Leeway,
		Advertise:   c.advertise,
	}
	var discovered []string
	if d != nil {
		if d.Issuer != "" {
			sec.Issuer = d.Issuer
		}
		sec.JWKSURL = d.JWKSURI
		sec.AuthorizationEndpoint = d.AuthorizationEndpoint
		sec.TokenEndpoint = d.TokenEndpoint
		discovered = slices.Clone(d.ScopesSupported)
	}
	sec.ScopesSupported = discovered
	if c.advertiser != nil {
		sec.ScopesSupported = c.advertiser(discovered)
	}
	return sec
}

// adapter wraps the internal authenticator to satisfy the public interface.
type adapter struct {
	a   *jwtauth.Authenticator
	sec SecurityConfig
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return userInfoAdapter{ui: ui}, nil
}

func (ad *adapter) SecurityConfig() SecurityConfig { return ad.sec.Copy() }

type userInfoAdapter struct{ ui jwtauth.UserInfo }

func (u userInfoAdapter) UserID() string       { return u.ui.UserID() }
func (u userInfoAdapter) Claims(ref any) error { return u.ui.Claims(ref) }
