package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/auth/token"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/platform/apperr"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/logger"
)

type mockUserRepo struct {
	users    map[string]*User
	attempts []*LoginAttempt
}

func (m *mockUserRepo) FindByUsername(_ context.Context, username string) (*User, error) {
	if u, ok := m.users[username]; ok {
		return u, nil
	}
	return nil, ErrUserNotFound
}

func (m *mockUserRepo) RecordLoginAttempt(_ context.Context, attempt *LoginAttempt) error {
	m.attempts = append(m.attempts, attempt)
	return nil
}

type mockIssuer struct {
	issued []token.IssueRequest
}

func (m *mockIssuer) Issue(req token.IssueRequest) (string, time.Time, error) {
	m.issued = append(m.issued, req)
	return "signed-token", time.Now().Add(15 * time.Minute), nil
}

func hash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func TestLogin_Success(t *testing.T) {
	repo := &mockUserRepo{users: map[string]*User{
		"alice": {
			ID:           "user-1",
			Username:     "alice",
			PasswordHash: hash(t, "s3cret"),
			Scopes:       []string{"orders.write"},
			TenantRoles:  map[string][]string{"acme": {"buyer"}},
			Active:       true,
		},
	}}
	issuer := &mockIssuer{}
	svc := NewService(repo, issuer, logger.New("error", "auth-test"))

	grant, err := svc.Login(context.Background(), "alice", "s3cret", "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "signed-token", grant.AccessToken)
	assert.Equal(t, "Bearer", grant.TokenType)
	assert.InDelta(t, 900, grant.ExpiresIn, 5)
	assert.Equal(t, "orders.write", grant.Ext.Scope)

	require.Len(t, issuer.issued, 1)
	assert.Equal(t, "user-1", issuer.issued[0].Subject)
	assert.Equal(t, []string{"orders.write"}, issuer.issued[0].Scopes)

	require.Len(t, repo.attempts, 1)
	assert.True(t, repo.attempts[0].Success)
}

func TestLogin_WrongPassword(t *testing.T) {
	repo := &mockUserRepo{users: map[string]*User{
		"alice": {ID: "user-1", Username: "alice", PasswordHash: hash(t, "s3cret"), Active: true},
	}}
	svc := NewService(repo, &mockIssuer{}, logger.New("error", "auth-test"))

	_, err := svc.Login(context.Background(), "alice", "wrong", "127.0.0.1")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindAuth))

	require.Len(t, repo.attempts, 1)
	assert.False(t, repo.attempts[0].Success)
}

func TestLogin_UnknownUserSameError(t *testing.T) {
	repo := &mockUserRepo{users: map[string]*User{}}
	svc := NewService(repo, &mockIssuer{}, logger.New("error", "auth-test"))

	_, unknownErr := svc.Login(context.Background(), "nobody", "pw", "127.0.0.1")
	require.Error(t, unknownErr)

	repo.users["alice"] = &User{ID: "u", Username: "alice", PasswordHash: hash(t, "pw"), Active: true}
	_, wrongErr := svc.Login(context.Background(), "alice", "other", "127.0.0.1")
	require.Error(t, wrongErr)

	// Indistinguishable rejections.
	assert.Equal(t, unknownErr.Error(), wrongErr.Error())
}

func TestLogin_DisabledAccount(t *testing.T) {
	repo := &mockUserRepo{users: map[string]*User{
		"alice": {ID: "user-1", Username: "alice", PasswordHash: hash(t, "s3cret"), Active: false},
	}}
	svc := NewService(repo, &mockIssuer{}, logger.New("error", "auth-test"))

	_, err := svc.Login(context.Background(), "alice", "s3cret", "127.0.0.1")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindAuth))
}
