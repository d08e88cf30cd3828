package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/event"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/database"
)

// Store persists outbox rows. Each service owns one outbox table in its own
// database.
type Store struct {
	db *database.PostgresDB
}

// NewStore creates an outbox store.
func NewStore(db *database.PostgresDB) *Store {
	return &Store{db: db}
}

// SaveTx inserts a row inside the caller's transaction. This is the only
// write path: an emission never exists without its state change.
func (s *Store) SaveTx(ctx context.Context, tx pgx.Tx, row *Row) error {
	headers, err := json.Marshal(row.Headers)
	if err != nil {
		return fmt.Errorf("marshal outbox headers: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, created_on, tenant_id, saga_id, event_type, topic, partition_key, payload, headers, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		row.EventID, row.CreatedOn, row.TenantID, row.SagaID, string(row.EventType),
		row.Topic, row.Key, row.Payload, headers, row.Attempts, row.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox row %s: %w", row.EventID, err)
	}
	return nil
}

// LeaseBatch claims up to limit publishable rows for lease. Rows already
// leased by another publisher are skipped, not waited on, so competing
// publisher instances never lease the same row twice while a lease is live.
// Attempts is incremented at lease time: a publisher crash after broker ack
// but before delete surfaces as a redelivery, which consumers absorb.
func (s *Store) LeaseBatch(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Row, error) {
	rows, err := s.db.Pool().Query(ctx, `
		UPDATE outbox_events o
		SET lease_until = $1, attempts = o.attempts + 1
		FROM (
			SELECT event_id, created_on
			FROM outbox_events
			WHERE lease_until IS NULL OR lease_until < $2
			ORDER BY created_at, event_id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		) c
		WHERE o.event_id = c.event_id AND o.created_on = c.created_on
		RETURNING o.event_id, o.created_on, o.tenant_id, o.saga_id, o.event_type,
		          o.topic, o.partition_key, o.payload, o.headers, o.attempts,
		          o.lease_until, COALESCE(o.last_error, ''), o.created_at`,
		now.Add(lease), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("lease outbox batch: %w", err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes rows after broker ack.
func (s *Store) Delete(ctx context.Context, batch []*Row) error {
	if len(batch) == 0 {
		return nil
	}
	ids := make([]string, len(batch))
	days := make([]time.Time, len(batch))
	for i, r := range batch {
		ids[i] = r.EventID
		days[i] = r.CreatedOn
	}
	_, err := s.db.Pool().Exec(ctx, `
		DELETE FROM outbox_events
		WHERE (event_id, created_on) IN (SELECT * FROM unnest($1::uuid[], $2::date[]))`,
		ids, days,
	)
	if err != nil {
		return fmt.Errorf("delete outbox rows: %w", err)
	}
	return nil
}

// Reschedule releases the lease with a backoff so the row is retried later,
// recording the publish error for inspection.
func (s *Store) Reschedule(ctx context.Context, row *Row, next time.Time, cause string) error {
	_, err := s.db.Pool().Exec(ctx, `
		UPDATE outbox_events
		SET lease_until = $3, last_error = $4
		WHERE event_id = $1 AND created_on = $2`,
		row.EventID, row.CreatedOn, next, cause,
	)
	if err != nil {
		return fmt.Errorf("reschedule outbox row %s: %w", row.EventID, err)
	}
	return nil
}

// Quarantine moves a row that exhausted its attempts to the dead-letter
// table. The move is transactional; the row is never both live and dead.
func (s *Store) Quarantine(ctx context.Context, row *Row, cause string) error {
	return s.db.WithinTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO outbox_dead_letter (event_id, tenant_id, saga_id, event_type, topic, partition_key, payload, attempts, last_error, quarantined_at)
			SELECT event_id, tenant_id, saga_id, event_type, topic, partition_key, payload, attempts, $3, now()
			FROM outbox_events
			WHERE event_id = $1 AND created_on = $2`,
			row.EventID, row.CreatedOn, cause,
		)
		if err != nil {
			return fmt.Errorf("quarantine outbox row %s: %w", row.EventID, err)
		}
		_, err = tx.Exec(ctx, `
			DELETE FROM outbox_events WHERE event_id = $1 AND created_on = $2`,
			row.EventID, row.CreatedOn,
		)
		if err != nil {
			return fmt.Errorf("remove quarantined row %s: %w", row.EventID, err)
		}
		return nil
	})
}

// PendingCount returns the current outbox depth.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.Pool().QueryRow(ctx, `SELECT count(*) FROM outbox_events`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outbox rows: %w", err)
	}
	return n, nil
}

func scanRow(rows pgx.Rows) (*Row, error) {
	var r Row
	var typ string
	var headers []byte
	err := rows.Scan(&r.EventID, &r.CreatedOn, &r.TenantID, &r.SagaID, &typ,
		&r.Topic, &r.Key, &r.Payload, &headers, &r.Attempts,
		&r.LeaseUntil, &r.LastError, &r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan outbox row: %w", err)
	}
	r.EventType = event.Type(typ)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &r.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal outbox headers: %w", err)
		}
	}
	return &r, nil
}
