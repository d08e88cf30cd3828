// Package auth implements the built-in identity provider: user storage,
// password login, and the token grant the gateway exposes at /oauth/token.
package auth

import (
	"time"
)

// User is a stored account. Scopes, tenant roles, and permissions feed the
// token claims directly; authorization never reads the user table.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Scopes       []string
	TenantRoles  map[string][]string
	Permissions  []string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LoginAttempt is an audit record for one authentication attempt.
type LoginAttempt struct {
	Username  string
	Success   bool
	RemoteIP  string
	CreatedAt time.Time
}
