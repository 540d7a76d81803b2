package stdio

import (
	"os/user"
)

// UserProvider names the local peer. Stdio carries no bearer token, so the
// name is informational and only ends up in the session's log group.
type UserProvider interface {
	CurrentUserID() (string, error)
}

// OSUserProvider reports the operating system user running the process:
// user.Username when set, user.Uid otherwise.
type OSUserProvider struct{}

func (OSUserProvider) CurrentUserID() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}

// StaticUser is a UserProvider that always reports the same id.
type StaticUser string

func (s StaticUser) CurrentUserID() (string, error) { return string(s), nil }
