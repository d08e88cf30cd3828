package inventory

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

var (
	// ErrSnapshotNotFound is returned when ORDER_CREATED has not been seen
	// for the saga yet.
	ErrSnapshotNotFound = errors.New("order snapshot not found")
	// ErrReservationNotFound is returned when the saga holds no reservation.
	ErrReservationNotFound = errors.New("reservation not found")
)

// Repository persists stock, snapshots, and reservations in the inventory
// database.
type Repository struct {
	db *database.PostgresDB
}

// NewRepository creates a repository.
func NewRepository(db *database.PostgresDB) *Repository {
	return &Repository{db: db}
}

// SaveSnapshotTx stores the order lines for later reservation.
func (r *Repository) SaveSnapshotTx(ctx context.Context, tx pgx.Tx, snap *Snapshot) error {
	lines, err := json.Marshal(snap.Lines)
	if err != nil {
		return fmt.Errorf("marshal snapshot lines: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO order_snapshots (tenant_id, saga_id, order_id, lines, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		snap.TenantID, snap.SagaID, snap.OrderID, lines, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert order snapshot for saga %s: %w", snap.SagaID, err)
	}
	return nil
}

// GetSnapshotTx loads the saga's order snapshot.
func (r *Repository) GetSnapshotTx(ctx context.Context, tx pgx.Tx, tenantID, sagaID string) (*Snapshot, error) {
	row := tx.QueryRow(ctx, `
		SELECT tenant_id, saga_id, order_id, lines, created_at
		FROM order_snapshots
		WHERE tenant_id = $1 AND saga_id = $2`,
		tenantID, sagaID,
	)
	var snap Snapshot
	var lines []byte
	err := row.Scan(&snap.TenantID, &snap.SagaID, &snap.OrderID, &lines, &snap.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("load order snapshot: %w", err)
	}
	if err := json.Unmarshal(lines, &snap.Lines); err != nil {
		return nil, fmt.Errorf("decode snapshot lines: %w", err)
	}
	return &snap, nil
}

// ReserveStockTx locks the stock rows for all lines and decrements them when
// every line is coverable. Returns ok=false and the first short SKU when
// stock is insufficient; nothing is decremented in that case.
func (r *Repository) ReserveStockTx(ctx context.Context, tx pgx.Tx, tenantID string, lines []event.OrderLine) (bool, string, error) {
	skus := make([]string, len(lines))
	for i, l := range lines {
		skus[i] = l.SKU
	}

	rows, err := tx.Query(ctx, `
		SELECT sku, available FROM stock_items
		WHERE tenant_id = $1 AND sku = ANY($2)
		ORDER BY sku
		FOR UPDATE`,
		tenantID, skus,
	)
	if err != nil {
		return false, "", fmt.Errorf("lock stock rows: %w", err)
	}
	available := make(map[string]int)
	for rows.Next() {
		var sku string
		var avail int
		if err := rows.Scan(&sku, &avail); err != nil {
			rows.Close()
			return false, "", fmt.Errorf("scan stock row: %w", err)
		}
		available[sku] = avail
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, "", err
	}

	for _, l := range lines {
		if available[l.SKU] < l.Qty {
			return false, l.SKU, nil
		}
	}

	for _, l := range lines {
		_, err := tx.Exec(ctx, `
			UPDATE stock_items SET available = available - $3, updated_at = $4
			WHERE tenant_id = $1 AND sku = $2`,
			tenantID, l.SKU, l.Qty, time.Now().UTC(),
		)
		if err != nil {
			return false, "", fmt.Errorf("decrement stock %s: %w", l.SKU, err)
		}
	}
	return true, "", nil
}

// ReleaseStockTx returns reserved quantities to stock.
func (r *Repository) ReleaseStockTx(ctx context.Context, tx pgx.Tx, tenantID string, lines []event.OrderLine) error {
	for _, l := range lines {
		_, err := tx.Exec(ctx, `
			UPDATE stock_items SET available = available + $3, updated_at = $4
			WHERE tenant_id = $1 AND sku = $2`,
			tenantID, l.SKU, l.Qty, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("increment stock %s: %w", l.SKU, err)
		}
	}
	return nil
}

// CreateReservationTx inserts a reservation inside the caller's transaction.
func (r *Repository) CreateReservationTx(ctx context.Context, tx pgx.Tx, res *Reservation) error {
	lines, err := json.Marshal(res.Lines)
	if err != nil {
		return fmt.Errorf("marshal reservation lines: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO reservations (id, tenant_id, saga_id, order_id, lines, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		res.ID, res.TenantID, res.SagaID, res.OrderID, lines, int16(res.Status),
		res.CreatedAt, res.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert reservation %s: %w", res.ID, err)
	}
	return nil
}

// GetReservationForUpdateTx locks the saga's reservation.
func (r *Repository) GetReservationForUpdateTx(ctx context.Context, tx pgx.Tx, tenantID, sagaID string) (*Reservation, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, tenant_id, saga_id, order_id, lines, status, created_at, updated_at
		FROM reservations
		WHERE tenant_id = $1 AND saga_id = $2
		FOR UPDATE`,
		tenantID, sagaID,
	)
	var res Reservation
	var lines []byte
	var status int16
	err := row.Scan(&res.ID, &res.TenantID, &res.SagaID, &res.OrderID, &lines,
		&status, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("load reservation for saga %s: %w", sagaID, err)
	}
	res.Status = ReservationStatus(status)
	if err := json.Unmarshal(lines, &res.Lines); err != nil {
		return nil, fmt.Errorf("decode reservation lines: %w", err)
	}
	return &res, nil
}

// UpdateReservationStatusTx writes a new status inside the caller's
// transaction.
func (r *Repository) UpdateReservationStatusTx(ctx context.Context, tx pgx.Tx, res *Reservation, status ReservationStatus) error {
	_, err := tx.Exec(ctx, `
		UPDATE reservations SET status = $2, updated_at = $3 WHERE id = $1`,
		res.ID, int16(status), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update reservation %s status: %w", res.ID, err)
	}
	res.Status = status
	return nil
}
