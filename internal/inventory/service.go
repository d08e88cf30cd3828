package inventory

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

// TxRunner runs a function inside one database transaction.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

var _ TxRunner = (*database.PostgresDB)(nil)

// Store is the inventory persistence.
type Store interface {
	SaveSnapshotTx(ctx context.Context, tx pgx.Tx, snap *Snapshot) error
	GetSnapshotTx(ctx context.Context, tx pgx.Tx, tenantID, sagaID string) (*Snapshot, error)
	ReserveStockTx(ctx context.Context, tx pgx.Tx, tenantID string, lines []event.OrderLine) (bool, string, error)
	ReleaseStockTx(ctx context.Context, tx pgx.Tx, tenantID string, lines []event.OrderLine) error
	CreateReservationTx(ctx context.Context, tx pgx.Tx, res *Reservation) error
	GetReservationForUpdateTx(ctx context.Context, tx pgx.Tx, tenantID, sagaID string) (*Reservation, error)
	UpdateReservationStatusTx(ctx context.Context, tx pgx.Tx, res *Reservation, status ReservationStatus) error
}

var _ Store = (*Repository)(nil)

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

// Service reacts to saga events: ORDER_CREATED snapshots the lines,
// PAYMENT_AUTHORIZED reserves, a later PAYMENT_FAILED releases.
type Service struct {
	tx     TxRunner
	store  Store
	ledger Ledger
	outbox OutboxStore
	topics config.KafkaTopics
	log    *logger.Logger
}

// NewService creates the inventory service.
func NewService(tx TxRunner, store Store, ledger Ledger, ob OutboxStore, topics config.KafkaTopics, log *logger.Logger) *Service {
	return &Service{
		tx:     tx,
		store:  store,
		ledger: ledger,
		outbox: ob,
		topics: topics,
		log:    log.Named("inventory"),
	}
}

// Handle is the consumer entry point.
func (s *Service) Handle(ctx context.Context, env *event.Envelope, rec *kafka.Record) error {
	correlationID := ""
	if rec != nil {
		correlationID = rec.Header(event.HeaderCorrelationID)
	}

	switch env.Type {
	case event.TypeOrderCreated:
		return s.snapshot(ctx, env)
	case event.TypePaymentAuthorized:
		return s.reserve(ctx, env, correlationID)
	case event.TypePaymentFailed:
		return s.release(ctx, env, correlationID)
	default:
		return nil
	}
}

// snapshot stores the order lines. No emission; this is the only applied
// event with zero outbound events.
func (s *Service) snapshot(ctx context.Context, env *event.Envelope) error {
	var payload event.OrderCreatePayload
	if err := env.DecodePayload(&payload); err != nil {
		return apperr.Wrap(apperr.KindValidation, err)
	}

	return s.tx.WithinTx(ctx, func(tx pgx.Tx) error {
		if err := s.claim(ctx, tx, env, nil); err != nil {
			return err
		}
		return s.wrapStore(s.store.SaveSnapshotTx(ctx, tx, &Snapshot{
			TenantID: env.TenantID,
			SagaID:   env.SagaID,
			OrderID:  payload.OrderID,
			Lines:    payload.Lines,
		}))
	})
}

func (s *Service) reserve(ctx context.Context, env *event.Envelope, correlationID string) error {
	return s.tx.WithinTx(ctx, func(tx pgx.Tx) error {
		snap, err := s.store.GetSnapshotTx(ctx, tx, env.TenantID, env.SagaID)
		if err != nil {
			if errors.Is(err, ErrSnapshotNotFound) {
				// ORDER_CREATED rides another partition; retry until the
				// snapshot lands or the watchdog fails the saga.
				return apperr.New(apperr.KindUpstream, "no snapshot yet for saga %s", env.SagaID)
			}
			return apperr.Wrap(apperr.KindUpstream, err)
		}

		ok, shortSKU, err := s.store.ReserveStockTx(ctx, tx, env.TenantID, snap.Lines)
		if err != nil {
			return apperr.Wrap(apperr.KindUpstream, err)
		}

		status := ReservationReserved
		outType := event.TypeInventoryReserved
		reason := ""
		if !ok {
			status = ReservationFailed
			outType = event.TypeInventoryFailed
			reason = "OUT_OF_STOCK:" + shortSKU
		}

		res, err := NewReservation(snap, status)
		if err != nil {
			return apperr.Wrap(apperr.KindFatal, err)
		}

		out, err := event.New(env.SagaID, env.TenantID, outType, event.InventoryPayload{
			OrderID:       snap.OrderID,
			ReservationID: res.ID,
			Lines:         snap.Lines,
		})
		if err != nil {
			return apperr.Wrap(apperr.KindFatal, err)
		}
		if reason != "" {
			out.WithReason(reason)
		}
		row, err := outbox.NewRow(out, s.topics.InventoryEvents, correlationID)
		if err != nil {
			return apperr.Wrap(apperr.KindFatal, err)
		}

		if err := s.claim(ctx, tx, env, row); err != nil {
			return err
		}
		if err := s.wrapStore(s.store.CreateReservationTx(ctx, tx, res)); err != nil {
			return err
		}
		if err := s.wrapStore(s.outbox.SaveTx(ctx, tx, row)); err != nil {
			return err
		}

		s.log.Info("reservation decided",
			zap.String("saga_id", env.SagaID),
			zap.String("reservation_id", res.ID),
			zap.String("status", status.String()),
			zap.String("reason", reason))
		return nil
	})
}

// release returns stock after a capture-stage payment failure. A payment
// failure with no live reservation needs nothing from inventory.
func (s *Service) release(ctx context.Context, env *event.Envelope, correlationID string) error {
	return s.tx.WithinTx(ctx, func(tx pgx.Tx) error {
		res, err := s.store.GetReservationForUpdateTx(ctx, tx, env.TenantID, env.SagaID)
		if err != nil {
			if errors.Is(err, ErrReservationNotFound) {
				return nil
			}
			return apperr.Wrap(apperr.KindUpstream, err)
		}
		if res.Status != ReservationReserved {
			return apperr.New(apperr.KindConflict, "release on %s reservation %s", res.Status, res.ID)
		}

		out, err := event.New(env.SagaID, env.TenantID, event.TypeInventoryRelease, event.InventoryPayload{
			OrderID:       res.OrderID,
			ReservationID: res.ID,
			Lines:         res.Lines,
		})
		if err != nil {
			return apperr.Wrap(apperr.KindFatal, err)
		}
		if env.Reason != "" {
			out.WithReason(env.Reason)
		}
		row, err := outbox.NewRow(out, s.topics.InventoryEvents, correlationID)
		if err != nil {
			return apperr.Wrap(apperr.KindFatal, err)
		}

		if err := s.claim(ctx, tx, env, row); err != nil {
			return err
		}
		if err := s.wrapStore(s.store.ReleaseStockTx(ctx, tx, env.TenantID, res.Lines)); err != nil {
			return err
		}
		if err := s.wrapStore(s.store.UpdateReservationStatusTx(ctx, tx, res, ReservationReleased)); err != nil {
			return err
		}
		if err := s.wrapStore(s.outbox.SaveTx(ctx, tx, row)); err != nil {
			return err
		}

		s.log.Info("reservation released",
			zap.String("saga_id", env.SagaID),
			zap.String("reservation_id", res.ID))
		return nil
	})
}

func (s *Service) claim(ctx context.Context, tx pgx.Tx, env *event.Envelope, row *outbox.Row) error {
	entry := &idempotency.Entry{
		TenantID:  env.TenantID,
		SagaID:    env.SagaID,
		EventType: env.Type,
	}
	if row != nil {
		entry.OutboundEventID = row.EventID
		entry.ResultHash = idempotency.HashResult(row.Payload)
	}
	if err := s.ledger.ClaimTx(ctx, tx, entry); err != nil {
		if errors.Is(err, idempotency.ErrDuplicate) {
			return apperr.Wrap(apperr.KindConflict, err)
		}
		return apperr.Wrap(apperr.KindUpstream, err)
	}
	return nil
}

func (s *Service) wrapStore(err error) error {
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, err)
	}
	return nil
}
