// Package keys manages the RSA signing keys behind token issuance. Keys
// rotate on an interval; retired keys stay resolvable for verification until
// no token signed with them can still be valid.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/config"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/logger"
)

// Key is one signing key generation.
type Key struct {
	KID       string
	Private   *rsa.PrivateKey
	CreatedAt time.Time
}

// Manager holds the key ring. Current() always returns a usable key even
// while a rotation is in flight; swaps are atomic.
type Manager struct {
	mu   sync.RWMutex
	ring []*Key // newest first

	current atomic.Pointer[Key]

	interval time.Duration
	maxTTL   time.Duration
	bits     int

	failures int
	healthy  atomic.Bool

	log *logger.Logger
}

// NewManager creates a manager and generates the first key synchronously, so
// a service never starts without a signing key.
func NewManager(cfg *config.JWTConfig, log *logger.Logger) (*Manager, error) {
	bits := cfg.KeySize
	if bits < 2048 {
		bits = 2048
	}
	m := &Manager{
		interval: cfg.KeyRotationInterval,
		maxTTL:   cfg.AccessTokenTTL,
		bits:     bits,
		log:      log.Named("keys"),
	}
	m.healthy.Store(true)

	if err := m.Rotate(); err != nil {
		return nil, fmt.Errorf("generate initial signing key: %w", err)
	}
	return m, nil
}

// Retention returns how many generations stay resolvable: every key that may
// have signed a still-valid token, plus the current one.
func (m *Manager) Retention() int {
	if m.interval <= 0 {
		return 2
	}
	return int(math.Ceil(float64(m.maxTTL)/float64(m.interval))) + 1
}

// Rotate generates a fresh key, promotes it, and trims the ring to the
// retention horizon.
func (m *Manager) Rotate() error {
	private, err := rsa.GenerateKey(rand.Reader, m.bits)
	if err != nil {
		return fmt.Errorf("generate rsa key: %w", err)
	}
	key := &Key{
		KID:       uuid.NewString(),
		Private:   private,
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.ring = append([]*Key{key}, m.ring...)
	if n := m.Retention(); len(m.ring) > n {
		m.ring = m.ring[:n]
	}
	m.mu.Unlock()

	m.current.Store(key)
	m.log.Info("signing key rotated", zap.String("kid", key.KID))
	return nil
}

// Run rotates on the configured interval until ctx is cancelled. Two
// consecutive generation failures flip the manager unhealthy; issuance keeps
// working on the current key, and readiness surfaces the degradation.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Rotate(); err != nil {
				m.failures++
				m.log.Error("key rotation failed",
					zap.Int("consecutive_failures", m.failures), zap.Error(err))
				if m.failures >= 2 {
					m.healthy.Store(false)
				}
				continue
			}
			m.failures = 0
			m.healthy.Store(true)
		}
	}
}

// Current returns the active signing key.
func (m *Manager) Current() *Key {
	return m.current.Load()
}

// Public resolves a verification key by kid. Unknown kids mean either a
// forged token or one signed before the retention horizon; both verify as
// invalid.
func (m *Manager) Public(kid string) (*rsa.PublicKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.ring {
		if k.KID == kid {
			return &k.Private.PublicKey, true
		}
	}
	return nil, false
}

// Healthy reports whether rotation is keeping up.
func (m *Manager) Healthy() bool {
	return m.healthy.Load()
}

// JWK is one RFC 7517 public key.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is the published key set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWKS returns every retained public key, newest first. Consumers cache the
// document; a token with an unknown kid forces a refetch.
func (m *Manager) JWKS() *JWKS {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := &JWKS{Keys: make([]JWK, 0, len(m.ring))}
	for _, k := range m.ring {
		pub := k.Private.PublicKey
		set.Keys = append(set.Keys, JWK{
			Kty: "RSA",
			Use: "sig",
			Alg: "RS256",
			Kid: k.KID,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return set
}

// Marshal serializes the key set.
func (s *JWKS) Marshal() ([]byte, error) {
	return json.Marshal(s)
}
