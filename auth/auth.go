package auth

import (
	"context"
	"errors"
)

var (
	// ErrUnauthorized marks a missing, malformed, expired or otherwise invalid
	// bearer token. The transport answers it with 401 and error="invalid_token".
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInsufficientScope marks a valid token that lacks a required scope.
	// The transport answers it with 403 and error="insufficient_scope".
	ErrInsufficientScope = errors.New("insufficient scope")
)

// UserInfo is the principal behind a validated token. UserID is the session
// owner: the HTTP transport binds every session to the UserID that created it
// and hides it from everyone else.
type UserInfo interface {
	UserID() string
	// Claims decodes the token's claims into ref.
	Claims(ref any) error
}

// Authenticator validates the bearer token of an incoming request. A nil
// UserInfo or an empty UserID with a nil error is treated as a server fault.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}
