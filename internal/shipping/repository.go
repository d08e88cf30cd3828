package shipping

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/database"
)

// ErrNotFound is returned when the saga holds no shipment.
var ErrNotFound = errors.New("shipment not found")

// Repository persists shipments in the shipping database.
type Repository struct {
	db *database.PostgresDB
}

// NewRepository creates a repository.
func NewRepository(db *database.PostgresDB) *Repository {
	return &Repository{db: db}
}

// CreateTx inserts a shipment inside the caller's transaction.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, sh *Shipment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO shipments (id, tenant_id, saga_id, order_id, carrier, tracking_ref,
			status, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sh.ID, sh.TenantID, sh.SagaID, sh.OrderID, sh.Carrier, sh.TrackingRef,
		int16(sh.Status), sh.FailureReason, sh.CreatedAt, sh.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert shipment %s: %w", sh.ID, err)
	}
	return nil
}

// GetBySaga loads the saga's shipment.
func (r *Repository) GetBySaga(ctx context.Context, tenantID, sagaID string) (*Shipment, error) {
	row := r.db.Pool().QueryRow(ctx, `
		SELECT id, tenant_id, saga_id, order_id, carrier, tracking_ref,
			status, failure_reason, created_at, updated_at
		FROM shipments
		WHERE tenant_id = $1 AND saga_id = $2`,
		tenantID, sagaID,
	)
	var sh Shipment
	var status int16
	err := row.Scan(&sh.ID, &sh.TenantID, &sh.SagaID, &sh.OrderID, &sh.Carrier,
		&sh.TrackingRef, &status, &sh.FailureReason, &sh.CreatedAt, &sh.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load shipment for saga %s: %w", sagaID, err)
	}
	sh.Status = ShipmentStatus(status)
	return &sh, nil
}
