package payment

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/config"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/logger"
)

// FakeProvider is the built-in provider for development and load tests. Its
// decisions are deterministic per saga id, so a redelivered event gets the
// same answer: amounts over the limit decline, and a configurable fraction
// of sagas decline on a simulated risk check.
type FakeProvider struct {
	cfg *config.FakeProviderConfig
	log *logger.Logger
}

// NewFakeProvider creates a fake provider.
func NewFakeProvider(cfg *config.FakeProviderConfig, log *logger.Logger) *FakeProvider {
	return &FakeProvider{cfg: cfg, log: log.Named("fake-provider")}
}

func (p *FakeProvider) Name() string { return "fake" }

// Authorize simulates an authorization with configured latency.
func (p *FakeProvider) Authorize(ctx context.Context, req *AuthorizeRequest) (*Result, error) {
	if err := p.sleep(ctx); err != nil {
		return nil, err
	}

	if p.cfg.MaxAmountMinor > 0 && req.AmountMinor > p.cfg.MaxAmountMinor {
		return &Result{Approved: false, DeclineReason: "AMOUNT_LIMIT_EXCEEDED"}, nil
	}
	if p.cfg.RiskModulo > 0 && bucket(req.SagaID, "auth")%uint64(p.cfg.RiskModulo) == 0 {
		return &Result{Approved: false, DeclineReason: "RISK_DECLINED"}, nil
	}

	ref := fmt.Sprintf("fake-auth-%s", req.SagaID)
	p.log.Debug("authorization approved",
		zap.String("saga_id", req.SagaID), zap.Int64("amount_minor", req.AmountMinor))
	return &Result{Ref: ref, Approved: true}, nil
}

// Capture simulates a capture against an authorization ref.
func (p *FakeProvider) Capture(ctx context.Context, ref string, _ int64) (*Result, error) {
	if err := p.sleep(ctx); err != nil {
		return nil, err
	}
	if p.cfg.RiskModulo > 0 && bucket(ref, "capture")%uint64(p.cfg.RiskModulo) == 0 {
		return &Result{Approved: false, DeclineReason: "CAPTURE_FAILED"}, nil
	}
	return &Result{Ref: ref + "-cap", Approved: true}, nil
}

// Void always succeeds; voiding twice is a no-op at the provider.
func (p *FakeProvider) Void(ctx context.Context, _ string) error {
	return p.sleep(ctx)
}

func (p *FakeProvider) sleep(ctx context.Context) error {
	min, max := p.cfg.MinLatency, p.cfg.MaxLatency
	if max <= min {
		max = min + time.Millisecond
	}
	delay := min + time.Duration(rand.Int63n(int64(max-min)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func bucket(key, stage string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(stage))
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}
