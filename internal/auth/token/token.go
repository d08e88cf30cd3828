// Package token issues and verifies the platform's RS256 access tokens and
// derives the authority set every authorization decision runs on.
package token

import (
	"github.com/golang-jwt/jwt/v5"
)

// ResourceRoles mirrors one client entry of a Keycloak resource_access
// claim.
type ResourceRoles struct {
	Roles []string `json:"roles"`
}

// Claims is the platform's token payload. mt carries tenant memberships as
// tenant id to role list; resource_access is accepted for tokens minted by
// Keycloak instead of the built-in issuer.
type Claims struct {
	jwt.RegisteredClaims

	Scope          string                   `json:"scope,omitempty"`
	TenantRoles    map[string][]string      `json:"mt,omitempty"`
	Permissions    []string                 `json:"perm,omitempty"`
	ResourceAccess map[string]ResourceRoles `json:"resource_access,omitempty"`
}
