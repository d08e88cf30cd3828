// Package order owns the Order aggregate and the saga bookkeeping. It is
// the only writer of saga rows; payment, inventory, and shipping only react
// to events.
package order

import (
	"time"

	"github.com/google/uuid"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/event"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/saga"
)

// Status is the order lifecycle status, stored as smallint.
type Status int16

const (
	StatusPending Status = iota + 1
	StatusAwaitingPayment
	StatusReserved
	StatusPaid
	StatusRejected
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusAwaitingPayment:
		return "AWAITING_PAYMENT"
	case StatusReserved:
		return "RESERVED"
	case StatusPaid:
		return "PAID"
	case StatusRejected:
		return "REJECTED"
	case StatusCancelled:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

// StatusForSagaState maps the saga state onto the customer-visible order
// status. Capture-in-flight still reads RESERVED; only ORDER_COMPLETED
// flips the order to PAID.
func StatusForSagaState(s saga.State) Status {
	switch s {
	case saga.StatePending:
		return StatusPending
	case saga.StateAwaitingPayment:
		return StatusAwaitingPayment
	case saga.StateReserved, saga.StatePaid:
		return StatusReserved
	case saga.StateCompleted:
		return StatusPaid
	case saga.StateFailed:
		return StatusRejected
	}
	return StatusPending
}

// Order is the aggregate.
type Order struct {
	ID               string
	TenantID         string
	SagaID           string
	CustomerID       string
	UserID           string
	Lines            []event.OrderLine
	CurrencyCode     string
	TotalAmountMinor int64
	Status           Status
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewOrder builds a pending order from the create command payload.
func NewOrder(tenantID, sagaID string, p *event.OrderCreatePayload) (*Order, error) {
	id := p.OrderID
	if id == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		id = generated.String()
	}
	now := time.Now().UTC()
	return &Order{
		ID:               id,
		TenantID:         tenantID,
		SagaID:           sagaID,
		CustomerID:       p.CustomerID,
		UserID:           p.UserID,
		Lines:            p.Lines,
		CurrencyCode:     p.CurrencyCode,
		TotalAmountMinor: p.TotalAmountMinor,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}
