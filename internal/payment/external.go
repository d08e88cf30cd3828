package payment

import (
	"context"
	"fmt"

	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/config"
)

// adyenProvider and stripeProvider are configuration-complete placeholders:
// the provider block, selection, and credentials plumbing exist, the HTTP
// integrations do not yet. Enabling one without the integration fails fast
// at the first call rather than at startup, so config can be staged ahead.

type adyenProvider struct {
	cfg *config.ExternalProviderConfig
}

func newAdyenProvider(cfg *config.ExternalProviderConfig) *adyenProvider {
	return &adyenProvider{cfg: cfg}
}

func (p *adyenProvider) Name() string { return "adyen" }

func (p *adyenProvider) Authorize(context.Context, *AuthorizeRequest) (*Result, error) {
	return nil, fmt.Errorf("adyen: %w", ErrProviderDisabled)
}

func (p *adyenProvider) Capture(context.Context, string, int64) (*Result, error) {
	return nil, fmt.Errorf("adyen: %w", ErrProviderDisabled)
}

func (p *adyenProvider) Void(context.Context, string) error {
	return fmt.Errorf("adyen: %w", ErrProviderDisabled)
}

type stripeProvider struct {
	cfg *config.ExternalProviderConfig
}

func newStripeProvider(cfg *config.ExternalProviderConfig) *stripeProvider {
	return &stripeProvider{cfg: cfg}
}

func (p *stripeProvider) Name() string { return "stripe" }

func (p *stripeProvider) Authorize(context.Context, *AuthorizeRequest) (*Result, error) {
	return nil, fmt.Errorf("stripe: %w", ErrProviderDisabled)
}

func (p *stripeProvider) Capture(context.Context, string, int64) (*Result, error) {
	return nil, fmt.Errorf("stripe: %w", ErrProviderDisabled)
}

func (p *stripeProvider) Void(context.Context, string) error {
	return fmt.Errorf("stripe: %w", ErrProviderDisabled)
}
