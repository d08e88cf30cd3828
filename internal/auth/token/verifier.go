package token

import (
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/platform/apperr"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/config"
)

// KeySource resolves verification keys by kid. Satisfied by keys.Manager.
type KeySource interface {
	Public(kid string) (*rsa.PublicKey, bool)
}

// Verifier validates access tokens. Every rejection is KindAuth; callers
// surface it as invalid_token without leaking which check failed.
type Verifier struct {
	keys KeySource
	cfg  *config.JWTConfig
}

// NewVerifier creates a verifier.
func NewVerifier(keys KeySource, cfg *config.JWTConfig) *Verifier {
	return &Verifier{keys: keys, cfg: cfg}
}

// Verify parses and validates a compact token.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, v.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAuth, fmt.Errorf("invalid token: %w", err))
	}
	return claims, nil
}

func (v *Verifier) keyFunc(t *jwt.Token) (interface{}, error) {
	kid, ok := t.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("token has no kid header")
	}
	pub, ok := v.keys.Public(kid)
	if !ok {
		// Unknown kid: forged, or signed before the retention horizon.
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return pub, nil
}
