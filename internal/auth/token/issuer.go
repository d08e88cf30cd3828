package token

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/auth/keys"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/config"
)

// Issuer mints access tokens signed with the manager's current key. The kid
// header lets verifiers pick the matching public key across rotations.
type Issuer struct {
	keys *keys.Manager
	cfg  *config.JWTConfig
}

// NewIssuer creates an issuer.
func NewIssuer(km *keys.Manager, cfg *config.JWTConfig) *Issuer {
	return &Issuer{keys: km, cfg: cfg}
}

// IssueRequest describes the identity a token is minted for.
type IssueRequest struct {
	Subject     string
	Scopes      []string
	TenantRoles map[string][]string
	Permissions []string
}

// Issue signs an access token. Returns the compact token and its expiry.
func (i *Issuer) Issue(req IssueRequest) (string, time.Time, error) {
	key := i.keys.Current()
	if key == nil {
		return "", time.Time{}, fmt.Errorf("no signing key available")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(i.cfg.AccessTokenTTL)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   req.Subject,
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Scope:       strings.Join(req.Scopes, " "),
		TenantRoles: req.TenantRoles,
		Permissions: req.Permissions,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = key.KID

	signed, err := tok.SignedString(key.Private)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}
