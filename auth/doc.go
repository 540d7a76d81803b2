// Package auth provides optional bearer token authentication for the HTTP
// transport. An Authenticator validates a token string and returns the
// principal, or an error wrapping ErrUnauthorized or ErrInsufficientScope.
// The transport extracts the token and maps those errors onto RFC 6750
// challenges.
//
// Three constructors cover the usual deployments:
//
//	// Issuer discovery (RFC 9068 access tokens, JWKS auto-refresh).
//	a, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://ppt.example/mcp")
//
//	// Fixed JWKS URL, no discovery.
//	a, err := auth.NewJWKS(ctx, issuer, audience, "https://issuer.example/keys")
//
//	// Shared secret, for service-to-service callers.
//	a, err := auth.NewHS256("aippt-mcp", "aippt-mcp", secret)
//
// Scope policy is set with WithRequiredScopes (all) or WithAnyRequiredScope.
// Providers built from an issuer also describe themselves through
// SecurityDescriptor so the transport can publish protected resource
// metadata; WithAdvertisedScopes controls the scopes listed there.
package auth
