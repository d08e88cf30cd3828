// Package event defines the wire contract shared by every service: the
// canonical event types, the JSON envelope, and the bus header names.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the closed set of saga command and event types.
type Type string

const (
	// Command that starts a saga.
	TypeOrderCreate Type = "ORDER_CREATE"

	// Events.
	TypeOrderCreated        Type = "ORDER_CREATED"
	TypePaymentAuthorized   Type = "PAYMENT_AUTHORIZED"
	TypePaymentFailed       Type = "PAYMENT_FAILED"
	TypeInventoryReserved   Type = "INVENTORY_RESERVED"
	TypeInventoryFailed     Type = "INVENTORY_FAILED"
	TypePaymentCaptured     Type = "PAYMENT_CAPTURED"
	TypePaymentVoid         Type = "PAYMENT_VOID"
	TypeInventoryRelease    Type = "INVENTORY_RELEASE"
	TypeOrderCompleted      Type = "ORDER_COMPLETED"
	TypeOrderFailed         Type = "ORDER_FAILED"
)

// IsValid reports whether t is a known type.
func (t Type) IsValid() bool {
	switch t {
	case TypeOrderCreate, TypeOrderCreated,
		TypePaymentAuthorized, TypePaymentFailed,
		TypeInventoryReserved, TypeInventoryFailed,
		TypePaymentCaptured, TypePaymentVoid, TypeInventoryRelease,
		TypeOrderCompleted, TypeOrderFailed:
		return true
	}
	return false
}

func (t Type) String() string { return string(t) }

// Bus header names carried on every record.
const (
	HeaderTenantID      = "tenantId"
	HeaderCorrelationID = "correlationId"
	HeaderEventType     = "eventType"
	HeaderContentType   = "content_type"
)

// Envelope is the JSON value of every record on the bus. Payload stays raw
// so that intermediate services relay events they do not interpret.
type Envelope struct {
	SagaID   string          `json:"sagaId"`
	Type     Type            `json:"type"`
	TenantID string          `json:"tenantId"`
	TS       time.Time       `json:"ts"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// New builds an envelope with ts=now and a marshaled payload.
func New(sagaID, tenantID string, typ Type, payload interface{}) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = b
	}
	return &Envelope{
		SagaID:   sagaID,
		Type:     typ,
		TenantID: tenantID,
		TS:       time.Now().UTC(),
		Payload:  raw,
	}, nil
}

// WithReason sets the failure reason and returns the envelope.
func (e *Envelope) WithReason(reason string) *Envelope {
	e.Reason = reason
	return e
}

// Marshal serializes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// Parse deserializes and validates an envelope.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.SagaID == "" {
		return nil, fmt.Errorf("envelope missing sagaId")
	}
	if !env.Type.IsValid() {
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	return &env, nil
}

// Headers returns the bus headers for this envelope.
func (e *Envelope) Headers(correlationID string) map[string]string {
	return map[string]string{
		HeaderTenantID:      e.TenantID,
		HeaderCorrelationID: correlationID,
		HeaderEventType:     string(e.Type),
		HeaderContentType:   "application/json",
	}
}

// OrderLine is one line of an order as carried on the wire.
type OrderLine struct {
	SKU   string `json:"sku"`
	Qty   int    `json:"qty"`
	Price string `json:"price"`
}

// OrderCreatePayload is the payload of the ORDER_CREATE command.
type OrderCreatePayload struct {
	OrderID          string      `json:"orderId,omitempty"`
	CustomerID       string      `json:"customerId"`
	UserID           string      `json:"userId"`
	Lines            []OrderLine `json:"lines"`
	CurrencyCode     string      `json:"currencyCode"`
	TotalAmountMinor int64       `json:"totalAmountMinor"`
}

// OrderResultPayload rides on ORDER_COMPLETED and ORDER_FAILED.
type OrderResultPayload struct {
	OrderID string `json:"orderId"`
}

// PaymentPayload rides on PAYMENT_* events.
type PaymentPayload struct {
	OrderID          string `json:"orderId"`
	PaymentID        string `json:"paymentId,omitempty"`
	CaptureID        string `json:"captureId,omitempty"`
	AmountMinor      int64  `json:"amountMinor"`
	CurrencyCode     string `json:"currencyCode"`
	ProviderRef      string `json:"providerRef,omitempty"`
}

// InventoryPayload rides on INVENTORY_* events.
type InventoryPayload struct {
	OrderID       string      `json:"orderId"`
	ReservationID string      `json:"reservationId,omitempty"`
	Lines         []OrderLine `json:"lines,omitempty"`
}

// ShippingPayload rides on ORDER_COMPLETED.
type ShippingPayload struct {
	OrderID    string `json:"orderId"`
	ShipmentID string `json:"shipmentId,omitempty"`
}
