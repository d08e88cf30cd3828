package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/auth/token"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/platform/apperr"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/logger"
)

// UserRepository is the storage the service authenticates against.
type UserRepository interface {
	FindByUsername(ctx context.Context, username string) (*User, error)
	RecordLoginAttempt(ctx context.Context, attempt *LoginAttempt) error
}

var _ UserRepository = (*Repository)(nil)

// TokenIssuer mints access tokens. Satisfied by token.Issuer.
type TokenIssuer interface {
	Issue(req token.IssueRequest) (string, time.Time, error)
}

var _ TokenIssuer = (*token.Issuer)(nil)

// Grant is the /oauth/token response body.
type Grant struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	ExpiresIn   int64    `json:"expires_in"`
	Ext         GrantExt `json:"ext"`
}

// GrantExt carries the non-standard response members, keyed under ext.
type GrantExt struct {
	Scope string `json:"scope"`
}

// Service handles password logins.
type Service struct {
	repo   UserRepository
	issuer TokenIssuer
	log    *logger.Logger
}

// NewService creates an auth service.
func NewService(repo UserRepository, issuer TokenIssuer, log *logger.Logger) *Service {
	return &Service{repo: repo, issuer: issuer, log: log.Named("auth")}
}

// Login authenticates a username and password and mints a token. Every
// rejection is the same KindAuth error; the caller cannot distinguish an
// unknown user from a wrong password or a disabled account.
func (s *Service) Login(ctx context.Context, username, password, remoteIP string) (*Grant, error) {
	deny := func() (*Grant, error) {
		s.audit(ctx, username, false, remoteIP)
		return nil, apperr.New(apperr.KindAuth, "invalid credentials")
	}

	user, err := s.repo.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Burn a comparison anyway to keep timing flat.
			_ = bcrypt.CompareHashAndPassword(
				[]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"),
				[]byte(password))
			return deny()
		}
		return nil, apperr.Wrap(apperr.KindUpstream, err)
	}

	if !user.Active {
		return deny()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return deny()
	}

	access, expiresAt, err := s.issuer.Issue(token.IssueRequest{
		Subject:     user.ID,
		Scopes:      user.Scopes,
		TenantRoles: user.TenantRoles,
		Permissions: user.Permissions,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, err)
	}

	s.audit(ctx, username, true, remoteIP)
	return &Grant{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
		Ext:         GrantExt{Scope: strings.Join(user.Scopes, " ")},
	}, nil
}

func (s *Service) audit(ctx context.Context, username string, success bool, remoteIP string) {
	err := s.repo.RecordLoginAttempt(ctx, &LoginAttempt{
		Username: username,
		Success:  success,
		RemoteIP: remoteIP,
	})
	if err != nil {
		s.log.Warn("login attempt audit failed",
			zap.String("username", username), zap.Error(err))
	}
}
