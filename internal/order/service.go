package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/event"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/idempotency"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/outbox"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/platform/apperr"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/saga"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/config"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/database"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/kafka"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/logger"
)

// TxRunner runs a function inside one database transaction. Satisfied by
// database.PostgresDB.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

var _ TxRunner = (*database.PostgresDB)(nil)

// OrderStore is the order persistence the service writes through.
type OrderStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, o *Order) error
	UpdateStatusBySagaTx(ctx context.Context, tx pgx.Tx, tenantID, sagaID string, status Status) error
}

var _ OrderStore = (*Repository)(nil)

// SagaStore is the saga persistence.
type SagaStore interface {
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, tenantID, id string) (*saga.Saga, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, sg *saga.Saga) error
}

var _ SagaStore = (*saga.Store)(nil)

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

// Service applies saga events to the order aggregate. Every application
// runs in one transaction: saga row lock, ledger claim, effect, outbox.
type Service struct {
	tx     TxRunner
	orders OrderStore
	sagas  SagaStore
	ledger Ledger
	outbox OutboxStore
	topics config.KafkaTopics
	log    *logger.Logger
}

// NewService creates the order service.
func NewService(tx TxRunner, orders OrderStore, sagas SagaStore, ledger Ledger, ob OutboxStore, topics config.KafkaTopics, log *logger.Logger) *Service {
	return &Service{
		tx:     tx,
		orders: orders,
		sagas:  sagas,
		ledger: ledger,
		outbox: ob,
		topics: topics,
		log:    log.Named("order"),
	}
}

// Handle is the consumer entry point.
func (s *Service) Handle(ctx context.Context, env *event.Envelope, rec *kafka.Record) error {
	correlationID := ""
	if rec != nil {
		correlationID = rec.Header(event.HeaderCorrelationID)
	}

	switch env.Type {
	case event.TypeOrderCreate:
		return s.handleCreate(ctx, env, correlationID)
	case event.TypePaymentFailed:
		return s.handlePaymentFailed(ctx, env, correlationID)
	case event.TypePaymentVoid:
		return s.handleVoid(ctx, env, correlationID)
	case event.TypeOrderCreated, event.TypePaymentAuthorized,
		event.TypeInventoryReserved, event.TypeInventoryFailed,
		event.TypePaymentCaptured, event.TypeInventoryRelease,
		event.TypeOrderCompleted, event.TypeOrderFailed:
		return s.applyBookkeeping(ctx, env)
	default:
		return nil
	}
}

// handleCreate turns the ORDER_CREATE command into an Order row and the
// ORDER_CREATED announcement.
func (s *Service) handleCreate(ctx context.Context, env *event.Envelope, correlationID string) error {
	var payload event.OrderCreatePayload
	if err := env.DecodePayload(&payload); err != nil {
		return apperr.Wrap(apperr.KindValidation, err)
	}

	return s.tx.WithinTx(ctx, func(tx pgx.Tx) error {
		sg, err := s.lockSaga(ctx, tx, env)
		if err != nil {
			return err
		}

		o, err := NewOrder(env.TenantID, env.SagaID, &payload)
		if err != nil {
			return apperr.Wrap(apperr.KindFatal, err)
		}

		created, err := event.New(env.SagaID, env.TenantID, event.TypeOrderCreated, event.OrderCreatePayload{
			OrderID:          o.ID,
			CustomerID:       o.CustomerID,
			UserID:           o.UserID,
			Lines:            o.Lines,
			CurrencyCode:     o.CurrencyCode,
			TotalAmountMinor: o.TotalAmountMinor,
		})
		if err != nil {
			return apperr.Wrap(apperr.KindFatal, err)
		}
		row, err := outbox.NewRow(created, s.topics.OrderEvents, correlationID)
		if err != nil {
			return apperr.Wrap(apperr.KindFatal, err)
		}

		if err := s.claim(ctx, tx, env, row); err != nil {
			return err
		}
		if err := s.orders.CreateTx(ctx, tx, o); err != nil {
			return apperr.Wrap(apperr.KindUpstream, err)
		}

		sg.OrderID = o.ID
		sg.UpdatedAt = time.Now().UTC()
		if err := s.sagas.UpdateTx(ctx, tx, sg); err != nil {
			return apperr.Wrap(apperr.KindUpstream, err)
		}
		if err := s.outbox.SaveTx(ctx, tx, row); err != nil {
			return apperr.Wrap(apperr.KindUpstream, err)
		}

		s.log.Info("order created",
			zap.String("saga_id", sg.ID),
			zap.String("tenant_id", sg.TenantID),
			zap.String("order_id", o.ID))
		return nil
	})
}

// applyBookkeeping advances the saga and mirrors the state onto the order.
// No emission.
func (s *Service) applyBookkeeping(ctx context.Context, env *event.Envelope) error {
	return s.tx.WithinTx(ctx, func(tx pgx.Tx) error {
		sg, err := s.lockSaga(ctx, tx, env)
		if err != nil {
			return err
		}
		if err := s.claim(ctx, tx, env, nil); err != nil {
			return err
		}
		if !sg.Apply(env.Type, env.TS) {
			return apperr.New(apperr.KindConflict, "event %s illegal in state %s", env.Type, sg.State)
		}
		return s.persist(ctx, tx, sg)
	})
}

// handlePaymentFailed closes the saga when no reservation exists yet; a
// capture-stage failure only books, the compensation chain closes it later.
func (s *Service) handlePaymentFailed(ctx context.Context, env *event.Envelope, correlationID string) error {
	return s.tx.WithinTx(ctx, func(tx pgx.Tx) error {
		sg, err := s.lockSaga(ctx, tx, env)
		if err != nil {
			return err
		}

		switch sg.State {
		case saga.StateAwaitingPayment:
			reason := env.Reason
			if reason == "" {
				reason = string(event.TypePaymentFailed)
			}
			return s.fail(ctx, tx, sg, env, reason, correlationID)
		case saga.StatePaid:
			if err := s.claim(ctx, tx, env, nil); err != nil {
				return err
			}
			if !sg.Apply(env.Type, env.TS) {
				return apperr.New(apperr.KindConflict, "event %s illegal in state %s", env.Type, sg.State)
			}
			return s.persist(ctx, tx, sg)
		default:
			return apperr.New(apperr.KindConflict, "PAYMENT_FAILED illegal in state %s", sg.State)
		}
	})
}

// handleVoid is the tail of every compensation chain: the void confirms all
// side effects are undone, so the saga fails terminally here.
func (s *Service) handleVoid(ctx context.Context, env *event.Envelope, correlationID string) error {
	return s.tx.WithinTx(ctx, func(tx pgx.Tx) error {
		sg, err := s.lockSaga(ctx, tx, env)
		if err != nil {
			return err
		}
		if _, ok := saga.Next(sg.State, event.TypePaymentVoid); !ok {
			return apperr.New(apperr.KindConflict, "PAYMENT_VOID illegal in state %s", sg.State)
		}
		reason := env.Reason
		if reason == "" {
			reason = "COMPENSATED"
		}
		return s.fail(ctx, tx, sg, env, reason, correlationID)
	})
}

// fail emits ORDER_FAILED and moves saga and order to their terminal states,
// all inside the caller's transaction.
func (s *Service) fail(ctx context.Context, tx pgx.Tx, sg *saga.Saga, env *event.Envelope, reason, correlationID string) error {
	failed, err := event.New(sg.ID, sg.TenantID, event.TypeOrderFailed, event.OrderResultPayload{OrderID: sg.OrderID})
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, err)
	}
	failed.WithReason(reason)
	row, err := outbox.NewRow(failed, s.topics.OrderEvents, correlationID)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, err)
	}

	if err := s.claim(ctx, tx, env, row); err != nil {
		return err
	}

	sg.Apply(env.Type, env.TS)
	if !sg.Apply(event.TypeOrderFailed, time.Now().UTC()) {
		return apperr.New(apperr.KindConflict, "ORDER_FAILED illegal in state %s", sg.State)
	}
	if err := s.outbox.SaveTx(ctx, tx, row); err != nil {
		return apperr.Wrap(apperr.KindUpstream, err)
	}
	if err := s.persist(ctx, tx, sg); err != nil {
		return err
	}

	s.log.Info("saga failed",
		zap.String("saga_id", sg.ID),
		zap.String("tenant_id", sg.TenantID),
		zap.String("reason", reason))
	return nil
}

// HandleTimeout is the watchdog hook: it emits the failure event the silent
// downstream service owed, onto that service's topic, and pushes the saga's
// clock forward so one expiry fires exactly once.
func (s *Service) HandleTimeout(ctx context.Context, stale *saga.Saga, typ event.Type) error {
	return s.tx.WithinTx(ctx, func(tx pgx.Tx) error {
		sg, err := s.sagas.GetForUpdateTx(ctx, tx, stale.TenantID, stale.ID)
		if err != nil {
			if errors.Is(err, saga.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("lock saga for timeout: %w", err)
		}
		// Re-check under lock: the awaited event may have landed meanwhile.
		if expected, ok := saga.TimeoutEvent(sg.State, sg.LastEventType); !ok || expected != typ {
			return nil
		}
		if time.Since(sg.LastEventTS) < saga.StepBudget(sg.State, sg.LastEventType) {
			return nil
		}

		env, err := event.New(sg.ID, sg.TenantID, typ, event.OrderResultPayload{OrderID: sg.OrderID})
		if err != nil {
			return err
		}
		env.WithReason(saga.ReasonTimeout)
		row, err := outbox.NewRow(env, s.topicFor(typ), "")
		if err != nil {
			return err
		}
		if err := s.outbox.SaveTx(ctx, tx, row); err != nil {
			return err
		}

		sg.LastEventTS = time.Now().UTC()
		sg.Attempts++
		sg.UpdatedAt = sg.LastEventTS
		return s.sagas.UpdateTx(ctx, tx, sg)
	})
}

func (s *Service) topicFor(typ event.Type) string {
	switch typ {
	case event.TypePaymentAuthorized, event.TypePaymentFailed,
		event.TypePaymentCaptured, event.TypePaymentVoid:
		return s.topics.PaymentEvents
	case event.TypeInventoryReserved, event.TypeInventoryFailed, event.TypeInventoryRelease:
		return s.topics.InventoryEvents
	default:
		return s.topics.OrderEvents
	}
}

func (s *Service) lockSaga(ctx context.Context, tx pgx.Tx, env *event.Envelope) (*saga.Saga, error) {
	sg, err := s.sagas.GetForUpdateTx(ctx, tx, env.TenantID, env.SagaID)
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			return nil, apperr.New(apperr.KindValidation, "saga %s unknown for tenant %s", env.SagaID, env.TenantID)
		}
		return nil, apperr.Wrap(apperr.KindUpstream, err)
	}
	if sg.State.IsTerminal() {
		return nil, apperr.New(apperr.KindConflict, "saga %s already %s", sg.ID, sg.State)
	}
	return sg, nil
}

// claim records the inbound event in the ledger, with the outbound row's
// identity when this application emits.
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

func (s *Service) persist(ctx context.Context, tx pgx.Tx, sg *saga.Saga) error {
	if err := s.orders.UpdateStatusBySagaTx(ctx, tx, sg.TenantID, sg.ID, StatusForSagaState(sg.State)); err != nil {
		return apperr.Wrap(apperr.KindUpstream, err)
	}
	if err := s.sagas.UpdateTx(ctx, tx, sg); err != nil {
		return apperr.Wrap(apperr.KindUpstream, err)
	}
	return nil
}
