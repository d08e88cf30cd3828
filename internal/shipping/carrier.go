package shipping

import (
	"context"
	"fmt"
	"hash/fnv"
)

// DispatchRequest asks a carrier to schedule a pickup.
type DispatchRequest struct {
	TenantID string
	SagaID   string
	OrderID  string
}

// Dispatch is the carrier's decision.
type Dispatch struct {
	TrackingRef   string
	Scheduled     bool
	FailureReason string
}

// Carrier schedules shipments. Implementations must be deterministic per
// saga id so a redelivered event reproduces the same decision.
type Carrier interface {
	Name() string
	Schedule(ctx context.Context, req *DispatchRequest) (*Dispatch, error)
}

// FakeCarrier is the built-in carrier for development and load tests. A
// configurable fraction of sagas gets rejected to exercise the failure path.
type FakeCarrier struct {
	failModulo int
}

// NewFakeCarrier creates a fake carrier. failModulo 0 disables rejections.
func NewFakeCarrier(failModulo int) *FakeCarrier {
	return &FakeCarrier{failModulo: failModulo}
}

func (c *FakeCarrier) Name() string { return "fake" }

// Schedule accepts or rejects deterministically per saga id.
func (c *FakeCarrier) Schedule(_ context.Context, req *DispatchRequest) (*Dispatch, error) {
	if c.failModulo > 0 && dispatchBucket(req.SagaID)%uint64(c.failModulo) == 0 {
		return &Dispatch{Scheduled: false, FailureReason: "CARRIER_REJECTED"}, nil
	}
	return &Dispatch{
		TrackingRef: fmt.Sprintf("fake-trk-%s", req.SagaID),
		Scheduled:   true,
	}, nil
}

func dispatchBucket(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("dispatch"))
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}
