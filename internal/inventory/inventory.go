// Package inventory reserves and releases stock for sagas. It snapshots
// order lines from ORDER_CREATED, reserves on PAYMENT_AUTHORIZED, and
// releases on a capture-stage payment failure.
package inventory

import (
	"time"

	"github.com/google/uuid"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/event"
)

// ReservationStatus is the reservation lifecycle, stored as smallint.
type ReservationStatus int16

const (
	ReservationReserved ReservationStatus = iota + 1
	ReservationFailed
	ReservationReleased
)

func (s ReservationStatus) String() string {
	switch s {
	case ReservationReserved:
		return "RESERVED"
	case ReservationFailed:
		return "FAILED"
	case ReservationReleased:
		return "RELEASED"
	}
	return "UNKNOWN"
}

// Snapshot is the order-lines copy taken when ORDER_CREATED passes by.
// Reservation needs the lines; the payment events do not carry them.
type Snapshot struct {
	TenantID  string
	SagaID    string
	OrderID   string
	Lines     []event.OrderLine
	CreatedAt time.Time
}

// Reservation is one saga's stock hold.
type Reservation struct {
	ID        string
	TenantID  string
	SagaID    string
	OrderID   string
	Lines     []event.OrderLine
	Status    ReservationStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewReservation builds a reservation from a snapshot.
func NewReservation(snap *Snapshot, status ReservationStatus) (*Reservation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Reservation{
		ID:        id.String(),
		TenantID:  snap.TenantID,
		SagaID:    snap.SagaID,
		OrderID:   snap.OrderID,
		Lines:     snap.Lines,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
