package shipping

import (
	"context"
	"errors"
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

type fakeShipments struct {
	created []*Shipment
}

func (f *fakeShipments) CreateTx(_ context.Context, _ pgx.Tx, sh *Shipment) error {
	f.created = append(f.created, sh)
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

// scriptedCarrier returns the configured dispatch, or an error when nil.
type scriptedCarrier struct {
	dispatch *Dispatch
}

func (c *scriptedCarrier) Name() string { return "scripted" }

func (c *scriptedCarrier) Schedule(_ context.Context, _ *DispatchRequest) (*Dispatch, error) {
	if c.dispatch == nil {
		return nil, errors.New("carrier down")
	}
	return c.dispatch, nil
}

type fixture struct {
	svc       *Service
	shipments *fakeShipments
	outbox    *fakeOutbox
	carrier   *scriptedCarrier
}

func newFixture(d *Dispatch) *fixture {
	f := &fixture{
		shipments: &fakeShipments{},
		outbox:    &fakeOutbox{},
		carrier:   &scriptedCarrier{dispatch: d},
	}
	f.svc = NewService(fakeTx{}, f.shipments, &fakeLedger{}, f.outbox, f.carrier, config.KafkaTopics{
		OrderEvents:   "order.events.v1",
		PaymentEvents: "payment.events.v1",
	}, logger.New("error", "shipping-test"))
	return f
}

func captured(t *testing.T, sagaID string) *event.Envelope {
	t.Helper()
	env, err := event.New(sagaID, "tenant-a", event.TypePaymentCaptured, event.PaymentPayload{
		OrderID:   "order-1",
		PaymentID: "pay-1",
		CaptureID: "cap-1",
	})
	require.NoError(t, err)
	return env
}

func emitted(t *testing.T, row *outbox.Row) *event.Envelope {
	t.Helper()
	env, err := event.Parse(row.Payload)
	require.NoError(t, err)
	return env
}

func TestSchedule_CompletesOrder(t *testing.T) {
	f := newFixture(&Dispatch{Scheduled: true, TrackingRef: "trk-1"})

	require.NoError(t, f.svc.Handle(context.Background(), captured(t, "saga-1"), nil))

	require.Len(t, f.shipments.created, 1)
	sh := f.shipments.created[0]
	assert.Equal(t, ShipmentScheduled, sh.Status)
	assert.Equal(t, "trk-1", sh.TrackingRef)
	assert.Equal(t, "scripted", sh.Carrier)

	require.Len(t, f.outbox.rows, 1)
	row := f.outbox.rows[0]
	assert.Equal(t, "order.events.v1", row.Topic)
	out := emitted(t, row)
	assert.Equal(t, event.TypeOrderCompleted, out.Type)

	var payload event.ShippingPayload
	require.NoError(t, out.DecodePayload(&payload))
	assert.Equal(t, "order-1", payload.OrderID)
	assert.Equal(t, sh.ID, payload.ShipmentID)
}

func TestSchedule_CarrierRejectionFailsOrder(t *testing.T) {
	f := newFixture(&Dispatch{Scheduled: false, FailureReason: "CARRIER_REJECTED"})

	require.NoError(t, f.svc.Handle(context.Background(), captured(t, "saga-1"), nil))

	require.Len(t, f.shipments.created, 1)
	assert.Equal(t, ShipmentFailed, f.shipments.created[0].Status)
	assert.Equal(t, "CARRIER_REJECTED", f.shipments.created[0].FailureReason)

	out := emitted(t, f.outbox.rows[0])
	assert.Equal(t, event.TypeOrderFailed, out.Type)
	assert.Equal(t, ReasonShippingFailed, out.Reason)
}

func TestSchedule_DuplicateAcked(t *testing.T) {
	f := newFixture(&Dispatch{Scheduled: true, TrackingRef: "trk-1"})
	env := captured(t, "saga-1")

	require.NoError(t, f.svc.Handle(context.Background(), env, nil))
	err := f.svc.Handle(context.Background(), env, nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Len(t, f.outbox.rows, 1)
}

func TestSchedule_CarrierDownRetries(t *testing.T) {
	f := newFixture(nil)

	err := f.svc.Handle(context.Background(), captured(t, "saga-1"), nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUpstream))
	assert.Empty(t, f.outbox.rows)
}

func TestSchedule_IgnoresOtherEvents(t *testing.T) {
	f := newFixture(&Dispatch{Scheduled: true})
	env, err := event.New("saga-1", "tenant-a", event.TypePaymentAuthorized, event.PaymentPayload{OrderID: "order-1"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Handle(context.Background(), env, nil))
	assert.Empty(t, f.outbox.rows)
	assert.Empty(t, f.shipments.created)
}

func TestFakeCarrier_Deterministic(t *testing.T) {
	c := NewFakeCarrier(10)
	first, err := c.Schedule(context.Background(), &DispatchRequest{SagaID: "saga-1"})
	require.NoError(t, err)
	second, err := c.Schedule(context.Background(), &DispatchRequest{SagaID: "saga-1"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFakeCarrier_ZeroModuloNeverRejects(t *testing.T) {
	c := NewFakeCarrier(0)
	for i := 0; i < 50; i++ {
		d, err := c.Schedule(context.Background(), &DispatchRequest{SagaID: string(rune('a' + i))})
		require.NoError(t, err)
		assert.True(t, d.Scheduled)
	}
}
