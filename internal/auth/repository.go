package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/database"
)

// ErrUserNotFound is returned when no account matches the username.
var ErrUserNotFound = errors.New("user not found")

// Repository persists users and login attempts in the auth database.
type Repository struct {
	db *database.PostgresDB
}

// NewRepository creates a repository.
func NewRepository(db *database.PostgresDB) *Repository {
	return &Repository{db: db}
}

// FindByUsername loads a user. The lookup is case-insensitive; usernames
// are unique under lower(username).
func (r *Repository) FindByUsername(ctx context.Context, username string) (*User, error) {
	row := r.db.Pool().QueryRow(ctx, `
		SELECT id, username, password_hash, scopes, tenant_roles, permissions, active, created_at, updated_at
		FROM users
		WHERE lower(username) = lower($1)`,
		username,
	)

	var u User
	var scopes, tenantRoles, permissions []byte
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &scopes, &tenantRoles,
		&permissions, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("find user by username: %w", err)
	}

	if err := unmarshalInto(scopes, &u.Scopes); err != nil {
		return nil, fmt.Errorf("decode user scopes: %w", err)
	}
	if err := unmarshalInto(tenantRoles, &u.TenantRoles); err != nil {
		return nil, fmt.Errorf("decode user tenant roles: %w", err)
	}
	if err := unmarshalInto(permissions, &u.Permissions); err != nil {
		return nil, fmt.Errorf("decode user permissions: %w", err)
	}
	return &u, nil
}

// RecordLoginAttempt appends one audit row. Failures here never block the
// login path.
func (r *Repository) RecordLoginAttempt(ctx context.Context, attempt *LoginAttempt) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO login_attempts (username, success, remote_ip, created_at)
		VALUES ($1, $2, $3, $4)`,
		attempt.Username, attempt.Success, attempt.RemoteIP, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record login attempt: %w", err)
	}
	return nil
}

func unmarshalInto(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
