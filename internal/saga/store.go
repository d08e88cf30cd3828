package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/event"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/database"
)

// ErrNotFound is returned when a saga does not exist for the tenant.
var ErrNotFound = errors.New("saga not found")

// Store persists saga rows in the order service's database.
type Store struct {
	db *database.PostgresDB
}

// NewStore creates a saga store.
func NewStore(db *database.PostgresDB) *Store {
	return &Store{db: db}
}

const insertSagaSQL = `
	INSERT INTO sagas (id, tenant_id, user_id, order_id, state, last_event_type, last_event_ts, attempts, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// CreateTx inserts a saga row inside the caller's transaction, so the row
// commits atomically with the outbox insert that starts the saga.
func (s *Store) CreateTx(ctx context.Context, tx pgx.Tx, sg *Saga) error {
	_, err := tx.Exec(ctx, insertSagaSQL,
		sg.ID, sg.TenantID, sg.UserID, nullable(sg.OrderID), int16(sg.State),
		nullable(string(sg.LastEventType)), nullableTime(sg.LastEventTS),
		sg.Attempts, sg.CreatedAt, sg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert saga %s: %w", sg.ID, err)
	}
	return nil
}

const selectSagaSQL = `
	SELECT id, tenant_id, user_id, COALESCE(order_id, ''), state,
	       COALESCE(last_event_type, ''), COALESCE(last_event_ts, 'epoch'::timestamptz),
	       attempts, created_at, updated_at
	FROM sagas`

// Get loads a saga scoped to its tenant.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Saga, error) {
	row := s.db.Pool().QueryRow(ctx, selectSagaSQL+` WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanSaga(row)
}

// GetForUpdateTx loads a saga with a row lock inside the caller's
// transaction. Every event application locks the row first, so concurrent
// deliveries for one saga serialize at the database.
func (s *Store) GetForUpdateTx(ctx context.Context, tx pgx.Tx, tenantID, id string) (*Saga, error) {
	row := tx.QueryRow(ctx, selectSagaSQL+` WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id)
	return scanSaga(row)
}

// UpdateTx writes back the saga's mutable columns inside the caller's
// transaction.
func (s *Store) UpdateTx(ctx context.Context, tx pgx.Tx, sg *Saga) error {
	tag, err := tx.Exec(ctx, `
		UPDATE sagas
		SET order_id = $3, state = $4, last_event_type = $5, last_event_ts = $6,
		    attempts = $7, updated_at = $8
		WHERE tenant_id = $1 AND id = $2`,
		sg.TenantID, sg.ID, nullable(sg.OrderID), int16(sg.State),
		nullable(string(sg.LastEventType)), nullableTime(sg.LastEventTS),
		sg.Attempts, sg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update saga %s: %w", sg.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExpired returns non-terminal sagas whose step budget has run out. PAID
// rows split on the last applied event: a pending capture expires on the
// payment budget, a pending shipment on the shipping budget.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Saga, error) {
	rows, err := s.db.Pool().Query(ctx, selectSagaSQL+`
		WHERE ((state IN ($1, $2) AND COALESCE(last_event_ts, created_at) < $5)
		    OR (state = $3 AND COALESCE(last_event_ts, created_at) < $6)
		    OR (state = $4 AND last_event_type = $7 AND COALESCE(last_event_ts, created_at) < $8)
		    OR (state = $4 AND last_event_type IS DISTINCT FROM $7 AND COALESCE(last_event_ts, created_at) < $9))
		ORDER BY updated_at
		LIMIT $10`,
		int16(StatePending), int16(StateAwaitingPayment), int16(StateReserved), int16(StatePaid),
		now.Add(-StepBudget(StateAwaitingPayment, "")),
		now.Add(-StepBudget(StateReserved, "")),
		string(event.TypeInventoryReserved),
		now.Add(-StepBudget(StatePaid, event.TypeInventoryReserved)),
		now.Add(-StepBudget(StatePaid, "")),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired sagas: %w", err)
	}
	defer rows.Close()

	var out []*Saga
	for rows.Next() {
		sg, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

func scanSaga(row pgx.Row) (*Saga, error) {
	var sg Saga
	var state int16
	var lastType string
	err := row.Scan(&sg.ID, &sg.TenantID, &sg.UserID, &sg.OrderID, &state,
		&lastType, &sg.LastEventTS, &sg.Attempts, &sg.CreatedAt, &sg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan saga: %w", err)
	}
	sg.State = State(state)
	sg.LastEventType = event.Type(lastType)
	return &sg, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
