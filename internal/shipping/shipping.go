// Package shipping schedules fulfilment once payment is captured. A
// scheduled shipment completes the saga; a carrier rejection fails it with
// funds left captured.
package shipping

import (
	"time"

	"github.com/google/uuid"
)

// ShipmentStatus is the shipment lifecycle, stored as smallint.
type ShipmentStatus int16

const (
	ShipmentScheduled ShipmentStatus = iota + 1
	ShipmentFailed
)

func (s ShipmentStatus) String() string {
	switch s {
	case ShipmentScheduled:
		return "SCHEDULED"
	case ShipmentFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Shipment is one saga's fulfilment record.
type Shipment struct {
	ID            string
	TenantID      string
	SagaID        string
	OrderID       string
	Carrier       string
	TrackingRef   string
	Status        ShipmentStatus
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewShipment builds a shipment from a carrier decision.
func NewShipment(tenantID, sagaID, orderID, carrier string, d *Dispatch) (*Shipment, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sh := &Shipment{
		ID:        id.String(),
		TenantID:  tenantID,
		SagaID:    sagaID,
		OrderID:   orderID,
		Carrier:   carrier,
		Status:    ShipmentScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if d.Scheduled {
		sh.TrackingRef = d.TrackingRef
	} else {
		sh.Status = ShipmentFailed
		sh.FailureReason = d.FailureReason
	}
	return sh, nil
}
