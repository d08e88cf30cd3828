package shipping

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/event"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/idempotency"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/outbox"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/platform/apperr"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/config"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/database"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/kafka"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/logger"
)

// ReasonShippingFailed marks saga failures caused by carrier rejection.
// Funds stay captured; there is no refund leg.
const ReasonShippingFailed = "SHIPPING_FAILED"

// TxRunner runs a function inside one database transaction.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

var _ TxRunner = (*database.PostgresDB)(nil)

// ShipmentStore is the shipping persistence.
type ShipmentStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, sh *Shipment) error
}

var _ ShipmentStore = (*Repository)(nil)

// Ledger claims processed events.
type Ledger interface {
	ClaimTx(ctx context.Context, tx pgx.Tx, e *idempotency.Entry) error
}

var _ Ledger = (*idempotency.Ledger)(nil)

// OutboxStore stages emissions.
type OutboxStore interface {
	SaveTx(ctx context.Context, tx pgx.Tx, row *outbox.Row) error
}

var _ OutboxStore = (*outbox.Store)(nil)

// Service closes the saga: PAYMENT_CAPTURED schedules a shipment and emits
// ORDER_COMPLETED, or ORDER_FAILED when the carrier rejects the pickup.
type Service struct {
	tx        TxRunner
	shipments ShipmentStore
	ledger    Ledger
	outbox    OutboxStore
	carrier   Carrier
	topics    config.KafkaTopics
	log       *logger.Logger
}

// NewService creates the shipping service.
func NewService(tx TxRunner, shipments ShipmentStore, ledger Ledger, ob OutboxStore, carrier Carrier, topics config.KafkaTopics, log *logger.Logger) *Service {
	return &Service{
		tx:        tx,
		shipments: shipments,
		ledger:    ledger,
		outbox:    ob,
		carrier:   carrier,
		topics:    topics,
		log:       log.Named("shipping"),
	}
}

// Handle is the consumer entry point.
func (s *Service) Handle(ctx context.Context, env *event.Envelope, rec *kafka.Record) error {
	if env.Type != event.TypePaymentCaptured {
		return nil
	}
	correlationID := ""
	if rec != nil {
		correlationID = rec.Header(event.HeaderCorrelationID)
	}
	return s.schedule(ctx, env, correlationID)
}

func (s *Service) schedule(ctx context.Context, env *event.Envelope, correlationID string) error {
	var payload event.PaymentPayload
	if err := env.DecodePayload(&payload); err != nil {
		return apperr.Wrap(apperr.KindValidation, err)
	}

	// The carrier decides before the transaction opens. The fake carrier is
	// deterministic per saga, so a redelivery that reaches this point again
	// gets the same decision; the ledger claim below still makes the effect
	// single-shot.
	d, err := s.carrier.Schedule(ctx, &DispatchRequest{
		TenantID: env.TenantID,
		SagaID:   env.SagaID,
		OrderID:  payload.OrderID,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, err)
	}

	sh, err := NewShipment(env.TenantID, env.SagaID, payload.OrderID, s.carrier.Name(), d)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, err)
	}

	var out *event.Envelope
	if d.Scheduled {
		out, err = event.New(env.SagaID, env.TenantID, event.TypeOrderCompleted, event.ShippingPayload{
			OrderID:    sh.OrderID,
			ShipmentID: sh.ID,
		})
	} else {
		out, err = event.New(env.SagaID, env.TenantID, event.TypeOrderFailed, event.OrderResultPayload{
			OrderID: sh.OrderID,
		})
	}
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, err)
	}
	if !d.Scheduled {
		out.WithReason(ReasonShippingFailed)
	}
	row, err := outbox.NewRow(out, s.topics.OrderEvents, correlationID)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, err)
	}

	err = s.tx.WithinTx(ctx, func(tx pgx.Tx) error {
		if err := s.claim(ctx, tx, env, row); err != nil {
			return err
		}
		if err := s.shipments.CreateTx(ctx, tx, sh); err != nil {
			return apperr.Wrap(apperr.KindUpstream, err)
		}
		if err := s.outbox.SaveTx(ctx, tx, row); err != nil {
			return apperr.Wrap(apperr.KindUpstream, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("shipment decided",
		zap.String("saga_id", env.SagaID),
		zap.String("shipment_id", sh.ID),
		zap.String("status", sh.Status.String()),
		zap.String("reason", sh.FailureReason))
	return nil
}

func (s *Service) claim(ctx context.Context, tx pgx.Tx, env *event.Envelope, row *outbox.Row) error {
	entry := &idempotency.Entry{
		TenantID:        env.TenantID,
		SagaID:          env.SagaID,
		EventType:       env.Type,
		OutboundEventID: row.EventID,
		ResultHash:      idempotency.HashResult(row.Payload),
	}
	if err := s.ledger.ClaimTx(ctx, tx, entry); err != nil {
		if errors.Is(err, idempotency.ErrDuplicate) {
			return apperr.Wrap(apperr.KindConflict, err)
		}
		return apperr.Wrap(apperr.KindUpstream, err)
	}
	return nil
}
