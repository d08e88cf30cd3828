// Package idempotency implements the per-service processing ledger that
// turns at-least-once delivery into exactly-once effects. A consumer claims
// (tenant, saga, eventType) in the same transaction as its state change; a
// redelivery hits the unique constraint and is acked without effect.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/event"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/database"
)

// ErrDuplicate is returned when the (tenant, saga, eventType) key is already
// claimed. The caller must ack the delivery and skip the effect.
var ErrDuplicate = errors.New("event already processed")

const uniqueViolation = "23505"

// HashResult fingerprints the outbound envelope so that redeliveries can be
// audited against the originally committed result.
func HashResult(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Entry is one processed-event record.
type Entry struct {
	TenantID        string
	SagaID          string
	EventType       event.Type
	OutboundEventID string
	ResultHash      string
	ProcessedAt     time.Time
}

// Ledger persists processed-event claims in the owning service's database.
type Ledger struct {
	db *database.PostgresDB
}

// NewLedger creates a ledger.
func NewLedger(db *database.PostgresDB) *Ledger {
	return &Ledger{db: db}
}

// ClaimTx records the event as processed inside the caller's transaction.
// Returns ErrDuplicate when another delivery of the same event already
// committed; the caller's transaction is then poisoned and must roll back.
func (l *Ledger) ClaimTx(ctx context.Context, tx pgx.Tx, e *Entry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO processed_events (tenant_id, saga_id, event_type, outbound_event_id, result_hash, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.TenantID, e.SagaID, string(e.EventType), e.OutboundEventID, e.ResultHash, time.Now().UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("claim event %s/%s/%s: %w", e.TenantID, e.SagaID, e.EventType, err)
	}
	return nil
}

// Lookup returns the recorded entry for a key, or nil when the event has not
// been processed. Used to short-circuit before opening the effect
// transaction.
func (l *Ledger) Lookup(ctx context.Context, tenantID, sagaID string, typ event.Type) (*Entry, error) {
	row := l.db.Pool().QueryRow(ctx, `
		SELECT tenant_id, saga_id, event_type, COALESCE(outbound_event_id, ''), COALESCE(result_hash, ''), processed_at
		FROM processed_events
		WHERE tenant_id = $1 AND saga_id = $2 AND event_type = $3`,
		tenantID, sagaID, string(typ),
	)

	var e Entry
	var typStr string
	err := row.Scan(&e.TenantID, &e.SagaID, &typStr, &e.OutboundEventID, &e.ResultHash, &e.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup processed event: %w", err)
	}
	e.EventType = event.Type(typStr)
	return &e, nil
}
