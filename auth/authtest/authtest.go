// Package authtest provides in-memory authenticators for tests and local
// development.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/aippt-mcp-go/auth"
)

// StaticTokens accepts a fixed set of bearer tokens, each mapped to a user id.
// A token mapped to the empty string authenticates but is treated as lacking
// scope, which lets tests exercise the 403 path.
type StaticTokens map[string]string

// CheckAuthentication implements auth.Authenticator.
func (s StaticTokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	userID, ok := s[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	if userID == "" {
		return nil, auth.ErrInsufficientScope
	}
	return user(userID), nil
}

type user string

func (u user) UserID() string { return string(u) }

func (u user) Claims(ref any) error {
	b, err := json.Marshal(map[string]any{"sub": string(u)})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
