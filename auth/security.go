package auth

import "time"

// SecurityConfig describes how this resource validates bearer tokens and what
// it advertises about that in protected resource metadata.
type SecurityConfig struct {
	Issuer      string
	Audiences   []string
	AllowedAlgs []string
	JWKSURL     string
	Leeway      time.Duration

	// Advertisement only; never used for validation.
	ScopesSupported       []string
	AuthorizationEndpoint string
	TokenEndpoint         string

	// Advertise enables the protected resource metadata document.
	Advertise bool
}

// Copy returns a deep copy safe for mutation by the caller.
func (c SecurityConfig) Copy() SecurityConfig {
	dup := c
	dup.Audiences = append([]string(nil), c.Audiences...)
	dup.AllowedAlgs = append([]string(nil), c.AllowedAlgs...)
	dup.ScopesSupported = append([]string(nil), c.ScopesSupported...)
	return dup
}

// SecurityDescriptor exposes security configuration for transports to advertise.
type SecurityDescriptor interface{ SecurityConfig() SecurityConfig }

// SecurityProvider combines validation + descriptor. Returned by constructors.
type SecurityProvider interface {
	Authenticator
	SecurityDescriptor
}
