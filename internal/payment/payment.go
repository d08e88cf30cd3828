package payment

import (
	"time"

	"github.com/google/uuid"
)

// Status is the payment lifecycle status, stored as smallint.
type Status int16

const (
	StatusAuthorized Status = iota + 1
	StatusDeclined
	StatusCaptured
	StatusVoided
)

func (s Status) String() string {
	switch s {
	case StatusAuthorized:
		return "AUTHORIZED"
	case StatusDeclined:
		return "DECLINED"
	case StatusCaptured:
		return "CAPTURED"
	case StatusVoided:
		return "VOIDED"
	}
	return "UNKNOWN"
}

// Payment is one authorization and its lifecycle. One payment per saga.
type Payment struct {
	ID           string
	TenantID     string
	SagaID       string
	OrderID      string
	AmountMinor  int64
	CurrencyCode string
	Status       Status
	Provider     string
	ProviderRef  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Capture records one capture against a payment.
type Capture struct {
	ID          string
	PaymentID   string
	AmountMinor int64
	ProviderRef string
	CreatedAt   time.Time
}

// NewPayment builds a payment from a provider decision.
func NewPayment(tenantID, sagaID, orderID string, amountMinor int64, currency, provider string, res *Result) (*Payment, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	status := StatusAuthorized
	if !res.Approved {
		status = StatusDeclined
	}
	now := time.Now().UTC()
	return &Payment{
		ID:           id.String(),
		TenantID:     tenantID,
		SagaID:       sagaID,
		OrderID:      orderID,
		AmountMinor:  amountMinor,
		CurrencyCode: currency,
		Status:       status,
		Provider:     provider,
		ProviderRef:  res.Ref,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}
