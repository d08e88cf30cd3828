package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/database"
)

// ErrNotFound is returned when no payment exists for the saga.
var ErrNotFound = errors.New("payment not found")

// Repository persists payments in the payment database.
type Repository struct {
	db *database.PostgresDB
}

// NewRepository creates a repository.
func NewRepository(db *database.PostgresDB) *Repository {
	return &Repository{db: db}
}

// CreateTx inserts a payment inside the caller's transaction.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, p *Payment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO payments (id, tenant_id, saga_id, order_id, amount_minor, currency_code, status, provider, provider_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.TenantID, p.SagaID, p.OrderID, p.AmountMinor, p.CurrencyCode,
		int16(p.Status), p.Provider, p.ProviderRef, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment %s: %w", p.ID, err)
	}
	return nil
}

// GetBySagaForUpdateTx locks the saga's payment row.
func (r *Repository) GetBySagaForUpdateTx(ctx context.Context, tx pgx.Tx, tenantID, sagaID string) (*Payment, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, tenant_id, saga_id, order_id, amount_minor, currency_code, status, provider, provider_ref, created_at, updated_at
		FROM payments
		WHERE tenant_id = $1 AND saga_id = $2
		FOR UPDATE`,
		tenantID, sagaID,
	)

	var p Payment
	var status int16
	err := row.Scan(&p.ID, &p.TenantID, &p.SagaID, &p.OrderID, &p.AmountMinor,
		&p.CurrencyCode, &status, &p.Provider, &p.ProviderRef, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load payment for saga %s: %w", sagaID, err)
	}
	p.Status = Status(status)
	return &p, nil
}

// UpdateStatusTx writes a new status inside the caller's transaction.
func (r *Repository) UpdateStatusTx(ctx context.Context, tx pgx.Tx, p *Payment, status Status) error {
	_, err := tx.Exec(ctx, `
		UPDATE payments SET status = $2, updated_at = $3 WHERE id = $1`,
		p.ID, int16(status), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update payment %s status: %w", p.ID, err)
	}
	p.Status = status
	return nil
}

// SaveCaptureTx records a capture inside the caller's transaction.
func (r *Repository) SaveCaptureTx(ctx context.Context, tx pgx.Tx, paymentID string, amountMinor int64, providerRef string) (*Capture, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	c := &Capture{
		ID:          id.String(),
		PaymentID:   paymentID,
		AmountMinor: amountMinor,
		ProviderRef: providerRef,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO captures (id, payment_id, amount_minor, provider_ref, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.PaymentID, c.AmountMinor, c.ProviderRef, c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert capture for payment %s: %w", paymentID, err)
	}
	return c, nil
}
