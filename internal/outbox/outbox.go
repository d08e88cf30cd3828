// Package outbox implements the transactional outbox each service writes
// its emissions through. A row is inserted in the same transaction as the
// state change it announces; a publisher drains leased rows to Kafka and
// deletes them on broker ack. Delivery is at-least-once; rows that exhaust
// their attempts are quarantined to a dead-letter table.
package outbox

import (
	"time"

	"github.com/google/uuid"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/event"
)

// Row is one pending emission. (EventID, CreatedOn) is the primary key so
// the table can be range-partitioned by day.
type Row struct {
	EventID   string
	CreatedOn time.Time
	TenantID  string
	SagaID    string
	EventType event.Type
	Topic     string
	Key       string
	Payload   []byte
	Headers   map[string]string
	Attempts  int
	LeaseUntil *time.Time
	LastError string
	CreatedAt time.Time
}

// NewRow builds a pending row for an envelope already serialized to payload.
// The partition key is the saga id, which keeps all records of one saga on
// one partition.
func NewRow(env *event.Envelope, topic, correlationID string) (*Row, error) {
	payload, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Row{
		EventID:   id.String(),
		CreatedOn: now.Truncate(24 * time.Hour),
		TenantID:  env.TenantID,
		SagaID:    env.SagaID,
		EventType: env.Type,
		Topic:     topic,
		Key:       env.SagaID,
		Payload:   payload,
		Headers:   env.Headers(correlationID),
		CreatedAt: now,
	}, nil
}
