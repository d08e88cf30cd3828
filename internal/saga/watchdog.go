package saga

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/event"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/logger"
)

// ReasonTimeout marks failure events emitted by the watchdog rather than a
// downstream service.
const ReasonTimeout = "TIMEOUT"

// ExpiredLister lists sagas whose step budget has run out.
type ExpiredLister interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Saga, error)
}

// TimeoutHandler applies a watchdog-synthesized failure event to one saga.
// The handler owns transactionality: the saga update and the compensation
// event's outbox insert must commit together.
type TimeoutHandler func(ctx context.Context, sg *Saga, typ event.Type) error

// Watchdog periodically sweeps for stuck sagas and injects the failure event
// the missing downstream service would have emitted.
type Watchdog struct {
	store    ExpiredLister
	handle   TimeoutHandler
	interval time.Duration
	batch    int
	log      *logger.Logger
}

// NewWatchdog creates a watchdog sweeping every interval.
func NewWatchdog(store ExpiredLister, handle TimeoutHandler, interval time.Duration, batch int, log *logger.Logger) *Watchdog {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Watchdog{store: store, handle: handle, interval: interval, batch: batch, log: log}
}

// Run sweeps until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("saga watchdog started", zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			w.log.Info("saga watchdog stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) {
	expired, err := w.store.ListExpired(ctx, time.Now().UTC(), w.batch)
	if err != nil {
		w.log.Error("watchdog list expired", zap.Error(err))
		return
	}

	for _, sg := range expired {
		typ, ok := TimeoutEvent(sg.State, sg.LastEventType)
		if !ok {
			continue
		}
		if err := w.handle(ctx, sg, typ); err != nil {
			w.log.Error("watchdog timeout handling failed",
				zap.String("saga_id", sg.ID),
				zap.String("tenant_id", sg.TenantID),
				zap.String("state", sg.State.String()),
				zap.Error(err))
			continue
		}
		w.log.Warn("saga step timed out",
			zap.String("saga_id", sg.ID),
			zap.String("tenant_id", sg.TenantID),
			zap.String("state", sg.State.String()),
			zap.String("emitted", typ.String()))
	}
}
