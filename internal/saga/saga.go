// Package saga holds the protocol state machine that advances an order
// through authorization, reservation, capture, and compensation. The state
// lives in the order service's database; every other service only reacts to
// event types it owns.
package saga

import (
	"time"

	"github.com/google/uuid"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/event"
)

// State is the saga lifecycle state.
type State int

const (
	StatePending State = iota + 1
	StateAwaitingPayment
	StateReserved
	StatePaid
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateAwaitingPayment:
		return "AWAITING_PAYMENT"
	case StateReserved:
		return "RESERVED"
	case StatePaid:
		return "PAID"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// IsTerminal reports whether the state is absorbing.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// transitions is the legal event DAG. Compensation intermediates
// (INVENTORY_FAILED, INVENTORY_RELEASE, PAYMENT_VOID before the terminal
// ORDER_FAILED) keep the state; terminals are reached only through
// ORDER_COMPLETED / ORDER_FAILED or a direct rejection before any
// compensation is owed.
var transitions = map[State]map[event.Type]State{
	StatePending: {
		event.TypeOrderCreated: StateAwaitingPayment,
		event.TypeOrderFailed:  StateFailed,
	},
	StateAwaitingPayment: {
		event.TypePaymentAuthorized: StateReserved,
		event.TypePaymentFailed:     StateAwaitingPayment,
		event.TypeOrderFailed:       StateFailed,
	},
	StateReserved: {
		event.TypeInventoryReserved: StatePaid,
		event.TypeInventoryFailed:   StateReserved,
		event.TypePaymentVoid:       StateReserved,
		event.TypeOrderFailed:       StateFailed,
	},
	StatePaid: {
		event.TypePaymentCaptured:  StatePaid,
		event.TypePaymentFailed:    StatePaid,
		event.TypeInventoryRelease: StatePaid,
		event.TypePaymentVoid:      StatePaid,
		event.TypeOrderCompleted:   StateCompleted,
		event.TypeOrderFailed:      StateFailed,
	},
}

// Next returns the state after applying typ in state s. ok is false when
// the event is inconsistent with s; such events are logged, acked, and
// discarded by the consumer.
func Next(s State, typ event.Type) (State, bool) {
	if s.IsTerminal() {
		return s, false
	}
	next, ok := transitions[s][typ]
	return next, ok
}

// StepBudget returns the watchdog budget for the step the saga is waiting
// on: how long it may sit before the owning service emits the failure event
// as if the downstream service had failed. PAID covers two waits, told apart
// by the last applied event: the capture after INVENTORY_RESERVED is a
// payment step; everything after the capture is shipping.
func StepBudget(s State, last event.Type) time.Duration {
	switch s {
	case StatePending, StateAwaitingPayment:
		return 30 * time.Second // payment steps
	case StateReserved:
		return 60 * time.Second // inventory
	case StatePaid:
		if last == event.TypeInventoryReserved {
			return 30 * time.Second // capture is a payment step
		}
		return 5 * time.Minute // shipping
	}
	return 0
}

// TimeoutEvent returns the failure event the watchdog emits when the budget
// for state s expires.
func TimeoutEvent(s State, last event.Type) (event.Type, bool) {
	switch s {
	case StatePending:
		// No downstream service is engaged yet; fail the order directly.
		return event.TypeOrderFailed, true
	case StateAwaitingPayment:
		return event.TypePaymentFailed, true
	case StateReserved:
		return event.TypeInventoryFailed, true
	case StatePaid:
		if last == event.TypeInventoryReserved {
			// A stalled capture owes the full compensation chain, so the
			// synthetic event is the one the payment service would emit.
			return event.TypePaymentFailed, true
		}
		return event.TypeOrderFailed, true
	}
	return "", false
}

// Saga is one saga instance. The row is owned by the order service; other
// services never write it.
type Saga struct {
	ID            string
	TenantID      string
	UserID        string
	OrderID       string
	State         State
	LastEventType event.Type
	LastEventTS   time.Time
	Attempts      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewSaga creates a pending saga with a time-ordered id, so that partition
// keys sort monotonically.
func NewSaga(tenantID, userID string) (*Saga, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Saga{
		ID:        id.String(),
		TenantID:  tenantID,
		UserID:    userID,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Apply advances the saga for an inbound event. It returns false without
// mutating when the event is inconsistent with the current state.
func (s *Saga) Apply(typ event.Type, ts time.Time) bool {
	next, ok := Next(s.State, typ)
	if !ok {
		return false
	}
	s.State = next
	s.LastEventType = typ
	s.LastEventTS = ts
	s.Attempts++
	s.UpdatedAt = time.Now().UTC()
	return true
}
