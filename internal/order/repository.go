package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/event"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/database"
)

// ErrNotFound is returned when no order matches the tenant-scoped lookup.
var ErrNotFound = errors.New("order not found")

// Repository persists orders in the order database.
type Repository struct {
	db *database.PostgresDB
}

// NewRepository creates a repository.
func NewRepository(db *database.PostgresDB) *Repository {
	return &Repository{db: db}
}

// CreateTx inserts the order inside the caller's transaction.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, o *Order) error {
	lines, err := json.Marshal(o.Lines)
	if err != nil {
		return fmt.Errorf("marshal order lines: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, tenant_id, saga_id, customer_id, user_id, lines, currency_code, total_amount_minor, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, o.TenantID, o.SagaID, o.CustomerID, o.UserID, lines,
		o.CurrencyCode, o.TotalAmountMinor, int16(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateStatusBySagaTx moves the order belonging to a saga to a new status
// inside the caller's transaction. Missing orders are tolerated: terminal
// bookkeeping can arrive before the create command on a replayed stream.
func (r *Repository) UpdateStatusBySagaTx(ctx context.Context, tx pgx.Tx, tenantID, sagaID string, status Status) error {
	_, err := tx.Exec(ctx, `
		UPDATE orders SET status = $3, updated_at = $4
		WHERE tenant_id = $1 AND saga_id = $2`,
		tenantID, sagaID, int16(status), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update order status for saga %s: %w", sagaID, err)
	}
	return nil
}

const selectOrderSQL = `
	SELECT id, tenant_id, saga_id, customer_id, user_id, lines, currency_code, total_amount_minor, status, created_at, updated_at
	FROM orders`

// Get loads an order scoped to its tenant.
func (r *Repository) Get(ctx context.Context, tenantID, id string) (*Order, error) {
	return r.scanOne(r.db.Pool().QueryRow(ctx, selectOrderSQL+` WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

// GetBySaga loads the order created by a saga.
func (r *Repository) GetBySaga(ctx context.Context, tenantID, sagaID string) (*Order, error) {
	return r.scanOne(r.db.Pool().QueryRow(ctx, selectOrderSQL+` WHERE tenant_id = $1 AND saga_id = $2`, tenantID, sagaID))
}

func (r *Repository) scanOne(row pgx.Row) (*Order, error) {
	var o Order
	var lines []byte
	var status int16
	err := row.Scan(&o.ID, &o.TenantID, &o.SagaID, &o.CustomerID, &o.UserID,
		&lines, &o.CurrencyCode, &o.TotalAmountMinor, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Status = Status(status)
	if len(lines) > 0 {
		var parsed []event.OrderLine
		if err := json.Unmarshal(lines, &parsed); err != nil {
			return nil, fmt.Errorf("decode order lines: %w", err)
		}
		o.Lines = parsed
	}
	return &o, nil
}
