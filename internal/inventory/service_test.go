package inventory

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/event"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/idempotency"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/outbox"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/platform/apperr"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/config"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/logger"
)

type fakeTx struct{}

func (fakeTx) WithinTx(_ context.Context, fn func(tx pgx.Tx) error) error { return fn(nil) }

type fakeStore struct {
	stock        map[string]int
	snapshots    map[string]*Snapshot
	reservations map[string]*Reservation
}

func newFakeStore(stock map[string]int) *fakeStore {
	return &fakeStore{
		stock:        stock,
		snapshots:    map[string]*Snapshot{},
		reservations: map[string]*Reservation{},
	}
}

func (f *fakeStore) SaveSnapshotTx(_ context.Context, _ pgx.Tx, snap *Snapshot) error {
	f.snapshots[snap.SagaID] = snap
	return nil
}

func (f *fakeStore) GetSnapshotTx(_ context.Context, _ pgx.Tx, _, sagaID string) (*Snapshot, error) {
	if snap, ok := f.snapshots[sagaID]; ok {
		return snap, nil
	}
	return nil, ErrSnapshotNotFound
}

func (f *fakeStore) ReserveStockTx(_ context.Context, _ pgx.Tx, _ string, lines []event.OrderLine) (bool, string, error) {
	for _, l := range lines {
		if f.stock[l.SKU] < l.Qty {
			return false, l.SKU, nil
		}
	}
	for _, l := range lines {
		f.stock[l.SKU] -= l.Qty
	}
	return true, "", nil
}

func (f *fakeStore) ReleaseStockTx(_ context.Context, _ pgx.Tx, _ string, lines []event.OrderLine) error {
	for _, l := range lines {
		f.stock[l.SKU] += l.Qty
	}
	return nil
}

func (f *fakeStore) CreateReservationTx(_ context.Context, _ pgx.Tx, res *Reservation) error {
	f.reservations[res.SagaID] = res
	return nil
}

func (f *fakeStore) GetReservationForUpdateTx(_ context.Context, _ pgx.Tx, _, sagaID string) (*Reservation, error) {
	if res, ok := f.reservations[sagaID]; ok {
		return res, nil
	}
	return nil, ErrReservationNotFound
}

func (f *fakeStore) UpdateReservationStatusTx(_ context.Context, _ pgx.Tx, res *Reservation, status ReservationStatus) error {
	res.Status = status
	return nil
}

type fakeLedger struct {
	claimed map[string]bool
}

func (f *fakeLedger) ClaimTx(_ context.Context, _ pgx.Tx, e *idempotency.Entry) error {
	if f.claimed == nil {
		f.claimed = make(map[string]bool)
	}
	key := e.SagaID + "/" + string(e.EventType)
	if f.claimed[key] {
		return idempotency.ErrDuplicate
	}
	f.claimed[key] = true
	return nil
}

type fakeOutbox struct {
	rows []*outbox.Row
}

func (f *fakeOutbox) SaveTx(_ context.Context, _ pgx.Tx, row *outbox.Row) error {
	f.rows = append(f.rows, row)
	return nil
}

type fixture struct {
	svc    *Service
	store  *fakeStore
	outbox *fakeOutbox
}

func newFixture(stock map[string]int) *fixture {
	f := &fixture{store: newFakeStore(stock), outbox: &fakeOutbox{}}
	f.svc = NewService(fakeTx{}, f.store, &fakeLedger{}, f.outbox, config.KafkaTopics{
		OrderEvents:     "order.events.v1",
		PaymentEvents:   "payment.events.v1",
		InventoryEvents: "inventory.events.v1",
	}, logger.New("error", "inventory-test"))
	return f
}

func orderCreated(t *testing.T, sagaID string, lines []event.OrderLine) *event.Envelope {
	t.Helper()
	env, err := event.New(sagaID, "tenant-a", event.TypeOrderCreated, event.OrderCreatePayload{
		OrderID: "order-1",
		Lines:   lines,
	})
	require.NoError(t, err)
	return env
}

func paymentEvent(t *testing.T, sagaID string, typ event.Type) *event.Envelope {
	t.Helper()
	env, err := event.New(sagaID, "tenant-a", typ, event.PaymentPayload{OrderID: "order-1"})
	require.NoError(t, err)
	return env
}

func emitted(t *testing.T, row *outbox.Row) *event.Envelope {
	t.Helper()
	env, err := event.Parse(row.Payload)
	require.NoError(t, err)
	return env
}

func seed(t *testing.T, f *fixture, sagaID string, lines []event.OrderLine) {
	t.Helper()
	require.NoError(t, f.svc.Handle(context.Background(), orderCreated(t, sagaID, lines), nil))
}

func TestReserve_Success(t *testing.T) {
	f := newFixture(map[string]int{"sku-1": 10})
	seed(t, f, "saga-1", []event.OrderLine{{SKU: "sku-1", Qty: 3, Price: "9.99"}})

	require.NoError(t, f.svc.Handle(context.Background(), paymentEvent(t, "saga-1", event.TypePaymentAuthorized), nil))

	assert.Equal(t, 7, f.store.stock["sku-1"])
	res := f.store.reservations["saga-1"]
	require.NotNil(t, res)
	assert.Equal(t, ReservationReserved, res.Status)

	require.Len(t, f.outbox.rows, 1)
	out := emitted(t, f.outbox.rows[0])
	assert.Equal(t, event.TypeInventoryReserved, out.Type)
	assert.Equal(t, "inventory.events.v1", f.outbox.rows[0].Topic)
}

func TestReserve_OutOfStock(t *testing.T) {
	f := newFixture(map[string]int{"sku-1": 1})
	seed(t, f, "saga-1", []event.OrderLine{{SKU: "sku-1", Qty: 3}})

	require.NoError(t, f.svc.Handle(context.Background(), paymentEvent(t, "saga-1", event.TypePaymentAuthorized), nil))

	// Nothing decremented; failure announced.
	assert.Equal(t, 1, f.store.stock["sku-1"])
	assert.Equal(t, ReservationFailed, f.store.reservations["saga-1"].Status)

	out := emitted(t, f.outbox.rows[0])
	assert.Equal(t, event.TypeInventoryFailed, out.Type)
	assert.Equal(t, "OUT_OF_STOCK:sku-1", out.Reason)
}

func TestReserve_BeforeSnapshotRetries(t *testing.T) {
	f := newFixture(map[string]int{"sku-1": 10})

	err := f.svc.Handle(context.Background(), paymentEvent(t, "saga-1", event.TypePaymentAuthorized), nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUpstream))
}

func TestReserve_DuplicateAcked(t *testing.T) {
	f := newFixture(map[string]int{"sku-1": 10})
	seed(t, f, "saga-1", []event.OrderLine{{SKU: "sku-1", Qty: 3}})
	env := paymentEvent(t, "saga-1", event.TypePaymentAuthorized)

	require.NoError(t, f.svc.Handle(context.Background(), env, nil))
	err := f.svc.Handle(context.Background(), env, nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	// No second emission; the duplicate's stock decrement rolls back with
	// its transaction.
	assert.Len(t, f.outbox.rows, 1)
}

func TestRelease_AfterCaptureFailure(t *testing.T) {
	f := newFixture(map[string]int{"sku-1": 10})
	seed(t, f, "saga-1", []event.OrderLine{{SKU: "sku-1", Qty: 4}})
	require.NoError(t, f.svc.Handle(context.Background(), paymentEvent(t, "saga-1", event.TypePaymentAuthorized), nil))
	require.Equal(t, 6, f.store.stock["sku-1"])

	env := paymentEvent(t, "saga-1", event.TypePaymentFailed)
	env.WithReason("CAPTURE_FAILED")
	require.NoError(t, f.svc.Handle(context.Background(), env, nil))

	assert.Equal(t, 10, f.store.stock["sku-1"])
	assert.Equal(t, ReservationReleased, f.store.reservations["saga-1"].Status)

	out := emitted(t, f.outbox.rows[1])
	assert.Equal(t, event.TypeInventoryRelease, out.Type)
	assert.Equal(t, "CAPTURE_FAILED", out.Reason)
}

func TestRelease_WithoutReservationIsNoop(t *testing.T) {
	f := newFixture(map[string]int{"sku-1": 10})

	require.NoError(t, f.svc.Handle(context.Background(), paymentEvent(t, "saga-1", event.TypePaymentFailed), nil))
	assert.Empty(t, f.outbox.rows)
}

func TestRelease_TwiceIsConflict(t *testing.T) {
	f := newFixture(map[string]int{"sku-1": 10})
	seed(t, f, "saga-1", []event.OrderLine{{SKU: "sku-1", Qty: 4}})
	require.NoError(t, f.svc.Handle(context.Background(), paymentEvent(t, "saga-1", event.TypePaymentAuthorized), nil))
	require.NoError(t, f.svc.Handle(context.Background(), paymentEvent(t, "saga-1", event.TypePaymentFailed), nil))

	err := f.svc.Handle(context.Background(), paymentEvent(t, "saga-1", event.TypePaymentFailed), nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Equal(t, 10, f.store.stock["sku-1"])
}
