package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/event"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/config"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/kafka"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/logger"
)

type mockStore struct {
	mu          sync.Mutex
	batch       []*Row
	deleted     []*Row
	rescheduled []*Row
	quarantined []*Row
	deleteErr   error
}

func (m *mockStore) LeaseBatch(_ context.Context, _ time.Time, _ int, _ time.Duration) ([]*Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.batch
	m.batch = nil
	return out, nil
}

func (m *mockStore) Delete(_ context.Context, batch []*Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, batch...)
	return nil
}

func (m *mockStore) Reschedule(_ context.Context, row *Row, _ time.Time, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rescheduled = append(m.rescheduled, row)
	return nil
}

func (m *mockStore) Quarantine(_ context.Context, row *Row, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quarantined = append(m.quarantined, row)
	return nil
}

func (m *mockStore) PendingCount(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.batch)), nil
}

type mockProducer struct {
	mu       sync.Mutex
	produced []*kafka.Message
	failIDs  map[string]bool
}

func (m *mockProducer) Produce(_ context.Context, msg *kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.failIDs {
		if string(msg.Value) == id {
			return errors.New("broker unavailable")
		}
	}
	m.produced = append(m.produced, msg)
	return nil
}

func testRow(id, sagaID string, attempts int) *Row {
	return &Row{
		EventID:   id,
		CreatedOn: time.Now().UTC().Truncate(24 * time.Hour),
		TenantID:  "tenant-a",
		SagaID:    sagaID,
		EventType: event.TypeOrderCreated,
		Topic:     "order.events.v1",
		Key:       sagaID,
		Payload:   []byte(id),
		Attempts:  attempts,
		CreatedAt: time.Now().UTC(),
	}
}

func testPublisher(store RowStore, producer Producer) *Publisher {
	return NewPublisher(store, producer, config.OutboxConfig{
		PollInterval:  10 * time.Millisecond,
		BatchSize:     100,
		LeaseDuration: time.Second,
		MaxAttempts:   3,
		MaxInFlight:   4,
	}, logger.New("error", "outbox-test"))
}

func TestDrain_PublishesAndDeletes(t *testing.T) {
	store := &mockStore{batch: []*Row{
		testRow("e1", "saga-1", 1),
		testRow("e2", "saga-1", 1),
		testRow("e3", "saga-2", 1),
	}}
	producer := &mockProducer{}

	testPublisher(store, producer).Drain(context.Background())

	assert.Len(t, producer.produced, 3)
	assert.Len(t, store.deleted, 3)
	assert.Empty(t, store.rescheduled)
	assert.Empty(t, store.quarantined)
}

func TestDrain_KeyOrderPreserved(t *testing.T) {
	store := &mockStore{batch: []*Row{
		testRow("e1", "saga-1", 1),
		testRow("e2", "saga-1", 1),
		testRow("e3", "saga-1", 1),
	}}
	producer := &mockProducer{}

	testPublisher(store, producer).Drain(context.Background())

	require.Len(t, producer.produced, 3)
	assert.Equal(t, "e1", string(producer.produced[0].Value))
	assert.Equal(t, "e2", string(producer.produced[1].Value))
	assert.Equal(t, "e3", string(producer.produced[2].Value))
}

func TestDrain_FailureStopsChainForKey(t *testing.T) {
	store := &mockStore{batch: []*Row{
		testRow("e1", "saga-1", 1),
		testRow("e2", "saga-1", 1),
		testRow("e3", "saga-2", 1),
	}}
	producer := &mockProducer{failIDs: map[string]bool{"e1": true}}

	testPublisher(store, producer).Drain(context.Background())

	// e2 must not overtake the failed e1; saga-2 is unaffected.
	require.Len(t, producer.produced, 1)
	assert.Equal(t, "e3", string(producer.produced[0].Value))

	require.Len(t, store.rescheduled, 1)
	assert.Equal(t, "e1", store.rescheduled[0].EventID)
	require.Len(t, store.deleted, 1)
	assert.Equal(t, "e3", store.deleted[0].EventID)
}

func TestDrain_ExhaustedAttemptsQuarantined(t *testing.T) {
	store := &mockStore{batch: []*Row{
		testRow("e1", "saga-1", 4), // over MaxAttempts=3
		testRow("e2", "saga-1", 1),
	}}
	producer := &mockProducer{}

	testPublisher(store, producer).Drain(context.Background())

	require.Len(t, store.quarantined, 1)
	assert.Equal(t, "e1", store.quarantined[0].EventID)

	// The chain continues past a quarantined row.
	require.Len(t, producer.produced, 1)
	assert.Equal(t, "e2", string(producer.produced[0].Value))
}

func TestDrain_DeleteFailureLeavesRowsLeased(t *testing.T) {
	store := &mockStore{
		batch:     []*Row{testRow("e1", "saga-1", 1)},
		deleteErr: errors.New("db down"),
	}
	producer := &mockProducer{}

	testPublisher(store, producer).Drain(context.Background())

	// Published but not deleted: the row will be republished after lease
	// expiry and deduped downstream.
	assert.Len(t, producer.produced, 1)
	assert.Empty(t, store.deleted)
}

func TestNewRow_CarriesEnvelopeIdentity(t *testing.T) {
	env, err := event.New("saga-1", "tenant-a", event.TypeOrderCreated, event.OrderCreatePayload{
		CustomerID:       "cust-1",
		UserID:           "user-1",
		CurrencyCode:     "EUR",
		TotalAmountMinor: 2599,
	})
	require.NoError(t, err)

	row, err := NewRow(env, "order.events.v1", "corr-1")
	require.NoError(t, err)

	assert.Equal(t, "saga-1", row.Key)
	assert.Equal(t, "saga-1", row.SagaID)
	assert.Equal(t, "tenant-a", row.TenantID)
	assert.Equal(t, event.TypeOrderCreated, row.EventType)
	assert.Equal(t, "corr-1", row.Headers[event.HeaderCorrelationID])
	assert.NotEmpty(t, row.EventID)

	parsed, err := event.Parse(row.Payload)
	require.NoError(t, err)
	assert.Equal(t, event.TypeOrderCreated, parsed.Type)
}
