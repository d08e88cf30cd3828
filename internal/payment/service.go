package payment

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

// PaymentStore is the payment persistence.
type PaymentStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, p *Payment) error
	GetBySagaForUpdateTx(ctx context.Context, tx pgx.Tx, tenantID, sagaID string) (*Payment, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, p *Payment, status Status) error
	SaveCaptureTx(ctx context.Context, tx pgx.Tx, paymentID string, amountMinor int64, providerRef string) (*Capture, error)
}

var _ PaymentStore = (*Repository)(nil)

// Ledger claims processed events.
type Ledger interface {
	ClaimTx(ctx context.Context, tx pgx.Tx, e *idempotency.Entry) error
	Lookup(ctx context.Context, tenantID, sagaID string, typ event.Type) (*idempotency.Entry, error)
}

var _ Ledger = (*idempotency.Ledger)(nil)

// OutboxStore stages emissions.
type OutboxStore interface {
	SaveTx(ctx context.Context, tx pgx.Tx, row *outbox.Row) error
}

var _ OutboxStore = (*outbox.Store)(nil)

// Service reacts to saga events: ORDER_CREATED authorizes,
// INVENTORY_RESERVED captures, INVENTORY_FAILED and INVENTORY_RELEASE void.
// Each inbound event produces at most one outbound event, committed
// together with the payment row and the ledger claim.
type Service struct {
	tx       TxRunner
	payments PaymentStore
	ledger   Ledger
	outbox   OutboxStore
	provider Provider
	topics   config.KafkaTopics
	log      *logger.Logger
}

// NewService creates the payment service.
func NewService(tx TxRunner, payments PaymentStore, ledger Ledger, ob OutboxStore, provider Provider, topics config.KafkaTopics, log *logger.Logger) *Service {
	return &Service{
		tx:       tx,
		payments: payments,
		ledger:   ledger,
		outbox:   ob,
		provider: provider,
		topics:   topics,
		log:      log.Named("payment"),
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
		return s.authorize(ctx, env, correlationID)
	case event.TypeInventoryReserved:
		return s.capture(ctx, env, correlationID)
	case event.TypeInventoryFailed, event.TypeInventoryRelease:
		return s.void(ctx, env, correlationID)
	default:
		return nil
	}
}

func (s *Service) authorize(ctx context.Context, env *event.Envelope, correlationID string) error {
	var payload event.OrderCreatePayload
	if err := env.DecodePayload(&payload); err != nil {
		return apperr.Wrap(apperr.KindValidation, err)
	}

	// A redelivery that already committed must not reach the provider
	// again. A lookup miss is harmless; the claim below still guards the
	// effect.
	if done, err := s.ledger.Lookup(ctx, env.TenantID, env.SagaID, env.Type); err == nil && done != nil {
		return apperr.New(apperr.KindConflict, "saga %s already authorized", env.SagaID)
	}

	// The provider decides before the transaction opens. The fake provider
	// is deterministic per saga, so a redelivery that reaches this point
	// again gets the same decision; the ledger claim below still makes the
	// effect single-shot.
	res, err := s.provider.Authorize(ctx, &AuthorizeRequest{
		TenantID:     env.TenantID,
		SagaID:       env.SagaID,
		OrderID:      payload.OrderID,
		AmountMinor:  payload.TotalAmountMinor,
		CurrencyCode: payload.CurrencyCode,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, err)
	}

	p, err := NewPayment(env.TenantID, env.SagaID, payload.OrderID,
		payload.TotalAmountMinor, payload.CurrencyCode, s.provider.Name(), res)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, err)
	}

	outType := event.TypePaymentAuthorized
	if !res.Approved {
		outType = event.TypePaymentFailed
	}
	out, err := event.New(env.SagaID, env.TenantID, outType, event.PaymentPayload{
		OrderID:      p.OrderID,
		PaymentID:    p.ID,
		AmountMinor:  p.AmountMinor,
		CurrencyCode: p.CurrencyCode,
		ProviderRef:  p.ProviderRef,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, err)
	}
	if !res.Approved {
		out.WithReason(res.DeclineReason)
	}
	row, err := outbox.NewRow(out, s.topics.PaymentEvents, correlationID)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, err)
	}

	err = s.tx.WithinTx(ctx, func(tx pgx.Tx) error {
		if err := s.claim(ctx, tx, env, row); err != nil {
			return err
		}
		if err := s.payments.CreateTx(ctx, tx, p); err != nil {
			return apperr.Wrap(apperr.KindUpstream, err)
		}
		return s.stage(ctx, tx, row)
	})
	if err != nil {
		return err
	}

	s.log.Info("authorization decided",
		zap.String("saga_id", env.SagaID),
		zap.String("payment_id", p.ID),
		zap.String("status", p.Status.String()),
		zap.String("reason", res.DeclineReason))
	return nil
}

func (s *Service) capture(ctx context.Context, env *event.Envelope, correlationID string) error {
	return s.tx.WithinTx(ctx, func(tx pgx.Tx) error {
		p, err := s.loadPayment(ctx, tx, env)
		if err != nil {
			return err
		}
		if p.Status != StatusAuthorized {
			return apperr.New(apperr.KindConflict, "capture on %s payment %s", p.Status, p.ID)
		}

		res, err := s.provider.Capture(ctx, p.ProviderRef, p.AmountMinor)
		if err != nil {
			return apperr.Wrap(apperr.KindUpstream, err)
		}

		outType := event.TypePaymentCaptured
		reason := ""
		captureRef := ""
		if res.Approved {
			captureRef = res.Ref
		} else {
			outType = event.TypePaymentFailed
			reason = res.DeclineReason
			if reason == "" {
				reason = "CAPTURE_FAILED"
			}
		}

		out, err := event.New(env.SagaID, env.TenantID, outType, event.PaymentPayload{
			OrderID:      p.OrderID,
			PaymentID:    p.ID,
			CaptureID:    captureRef,
			AmountMinor:  p.AmountMinor,
			CurrencyCode: p.CurrencyCode,
			ProviderRef:  p.ProviderRef,
		})
		if err != nil {
			return apperr.Wrap(apperr.KindFatal, err)
		}
		if reason != "" {
			out.WithReason(reason)
		}
		row, err := outbox.NewRow(out, s.topics.PaymentEvents, correlationID)
		if err != nil {
			return apperr.Wrap(apperr.KindFatal, err)
		}

		if err := s.claim(ctx, tx, env, row); err != nil {
			return err
		}
		if res.Approved {
			if _, err := s.payments.SaveCaptureTx(ctx, tx, p.ID, p.AmountMinor, res.Ref); err != nil {
				return apperr.Wrap(apperr.KindUpstream, err)
			}
			if err := s.payments.UpdateStatusTx(ctx, tx, p, StatusCaptured); err != nil {
				return apperr.Wrap(apperr.KindUpstream, err)
			}
		}
		if err := s.stage(ctx, tx, row); err != nil {
			return err
		}

		s.log.Info("capture decided",
			zap.String("saga_id", env.SagaID),
			zap.String("payment_id", p.ID),
			zap.String("outcome", outType.String()))
		return nil
	})
}

// void releases an authorization during compensation. INVENTORY_FAILED
// voids a never-captured authorization; INVENTORY_RELEASE voids after a
// failed capture. Both confirm with PAYMENT_VOID.
func (s *Service) void(ctx context.Context, env *event.Envelope, correlationID string) error {
	return s.tx.WithinTx(ctx, func(tx pgx.Tx) error {
		p, err := s.loadPayment(ctx, tx, env)
		if err != nil {
			return err
		}
		if p.Status != StatusAuthorized {
			return apperr.New(apperr.KindConflict, "void on %s payment %s", p.Status, p.ID)
		}

		if err := s.provider.Void(ctx, p.ProviderRef); err != nil {
			return apperr.Wrap(apperr.KindUpstream, err)
		}

		out, err := event.New(env.SagaID, env.TenantID, event.TypePaymentVoid, event.PaymentPayload{
			OrderID:      p.OrderID,
			PaymentID:    p.ID,
			AmountMinor:  p.AmountMinor,
			CurrencyCode: p.CurrencyCode,
			ProviderRef:  p.ProviderRef,
		})
		if err != nil {
			return apperr.Wrap(apperr.KindFatal, err)
		}
		if env.Reason != "" {
			out.WithReason(env.Reason)
		}
		row, err := outbox.NewRow(out, s.topics.PaymentEvents, correlationID)
		if err != nil {
			return apperr.Wrap(apperr.KindFatal, err)
		}

		if err := s.claim(ctx, tx, env, row); err != nil {
			return err
		}
		if err := s.payments.UpdateStatusTx(ctx, tx, p, StatusVoided); err != nil {
			return apperr.Wrap(apperr.KindUpstream, err)
		}
		if err := s.stage(ctx, tx, row); err != nil {
			return err
		}

		s.log.Info("authorization voided",
			zap.String("saga_id", env.SagaID),
			zap.String("payment_id", p.ID),
			zap.String("trigger", env.Type.String()))
		return nil
	})
}

func (s *Service) loadPayment(ctx context.Context, tx pgx.Tx, env *event.Envelope) (*Payment, error) {
	p, err := s.payments.GetBySagaForUpdateTx(ctx, tx, env.TenantID, env.SagaID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The authorization event may still be in flight on another
			// topic; retry until it lands or the saga watchdog fires.
			return nil, apperr.New(apperr.KindUpstream, "no payment yet for saga %s", env.SagaID)
		}
		return nil, apperr.Wrap(apperr.KindUpstream, err)
	}
	return p, nil
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

func (s *Service) stage(ctx context.Context, tx pgx.Tx, row *outbox.Row) error {
	if err := s.outbox.SaveTx(ctx, tx, row); err != nil {
		return apperr.Wrap(apperr.KindUpstream, err)
	}
	return nil
}
