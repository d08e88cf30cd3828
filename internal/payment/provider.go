// Package payment authorizes, captures, and voids payments in reaction to
// saga events, behind a pluggable provider abstraction.
package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/config"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/logger"
)

// AuthorizeRequest describes one authorization attempt.
type AuthorizeRequest struct {
	TenantID     string
	SagaID       string
	OrderID      string
	AmountMinor  int64
	CurrencyCode string
}

// Result is a provider decision. Approved=false with a reason is a decline,
// not an error; errors mean the provider could not decide.
type Result struct {
	Ref           string
	Approved      bool
	DeclineReason string
}

// Provider is a payment provider integration.
type Provider interface {
	Name() string
	Authorize(ctx context.Context, req *AuthorizeRequest) (*Result, error)
	Capture(ctx context.Context, ref string, amountMinor int64) (*Result, error)
	Void(ctx context.Context, ref string) error
}

// ErrProviderDisabled is returned by configured-but-disabled integrations.
var ErrProviderDisabled = errors.New("payment provider disabled")

// SelectProvider picks the enabled provider from config. Exactly one must
// be enabled.
func SelectProvider(cfg *config.ProviderConfig, log *logger.Logger) (Provider, error) {
	switch {
	case cfg.Fake.Enabled:
		return NewFakeProvider(&cfg.Fake, log), nil
	case cfg.Adyen.Enabled:
		return newAdyenProvider(&cfg.Adyen), nil
	case cfg.Stripe.Enabled:
		return newStripeProvider(&cfg.Stripe), nil
	default:
		return nil, fmt.Errorf("no payment provider enabled")
	}
}
