package outbox

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/config"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/kafka"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/logger"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/retry"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/telemetry"
)

// RowStore is the persistence the publisher drains.
type RowStore interface {
	LeaseBatch(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Row, error)
	Delete(ctx context.Context, batch []*Row) error
	Reschedule(ctx context.Context, row *Row, next time.Time, cause string) error
	Quarantine(ctx context.Context, row *Row, cause string) error
	PendingCount(ctx context.Context) (int64, error)
}

var _ RowStore = (*Store)(nil)

// Producer sends one record and waits for broker ack.
type Producer interface {
	Produce(ctx context.Context, msg *kafka.Message) error
}

var _ Producer = (*kafka.Producer)(nil)

// Publisher drains the outbox to Kafka. Rows sharing a partition key are
// published serially in creation order; distinct keys fan out up to
// MaxInFlight goroutines. A failed publish stops its key's chain for this
// round, so a later event never overtakes an earlier one.
type Publisher struct {
	store    RowStore
	producer Producer
	cfg      config.OutboxConfig
	backoff  *retry.Retrier
	log      *logger.Logger

	published   *telemetry.Counter
	quarantined *telemetry.Counter
}

// NewPublisher creates a publisher.
func NewPublisher(store RowStore, producer Producer, cfg config.OutboxConfig, log *logger.Logger) *Publisher {
	p := &Publisher{
		store:    store,
		producer: producer,
		cfg:      cfg,
		backoff: retry.New(&retry.Config{
			InitialInterval: cfg.PollInterval * 10,
			MaxInterval:     cfg.LeaseDuration,
			Multiplier:      2.0,
			JitterFactor:    0.2,
		}),
		log: log,
	}

	var err error
	p.published, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "outbox.published",
		Description: "Outbox rows acked by the broker",
		Unit:        "{row}",
	})
	if err != nil {
		log.Warn("outbox published counter unavailable", zap.Error(err))
	}
	p.quarantined, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "outbox.quarantined",
		Description: "Outbox rows moved to the dead-letter table",
		Unit:        "{row}",
	})
	if err != nil {
		log.Warn("outbox quarantined counter unavailable", zap.Error(err))
	}
	return p
}

// Run polls until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.log.Info("outbox publisher started",
		zap.Duration("poll_interval", p.cfg.PollInterval),
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Int("max_in_flight", p.cfg.MaxInFlight))

	for {
		select {
		case <-ctx.Done():
			p.log.Info("outbox publisher stopped")
			return
		case <-ticker.C:
			p.Drain(ctx)
		}
	}
}

// Drain leases one batch and publishes it. Exposed for tests and for a
// final flush on shutdown.
func (p *Publisher) Drain(ctx context.Context) {
	batch, err := p.store.LeaseBatch(ctx, time.Now().UTC(), p.cfg.BatchSize, p.cfg.LeaseDuration)
	if err != nil {
		p.log.Error("outbox lease failed", zap.Error(err))
		return
	}
	if len(batch) == 0 {
		return
	}
	if len(batch) == p.cfg.BatchSize {
		// A full lease means we may be falling behind; surface the depth.
		if depth, err := p.store.PendingCount(ctx); err == nil {
			p.log.Warn("outbox backlog", zap.Int64("pending", depth))
		}
	}

	// Group by partition key, preserving the creation order inside each
	// group. LeaseBatch returns rows ordered by created_at.
	groups := make(map[string][]*Row)
	var keys []string
	for _, row := range batch {
		if _, seen := groups[row.Key]; !seen {
			keys = append(keys, row.Key)
		}
		groups[row.Key] = append(groups[row.Key], row)
	}

	maxInFlight := p.cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	sem := make(chan struct{}, maxInFlight)
	var wg sync.WaitGroup
	for _, key := range keys {
		group := groups[key]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.publishGroup(ctx, group)
		}()
	}
	wg.Wait()
}

func (p *Publisher) publishGroup(ctx context.Context, group []*Row) {
	var acked []*Row
	for _, row := range group {
		if row.Attempts > p.cfg.MaxAttempts {
			if err := p.store.Quarantine(ctx, row, row.LastError); err != nil {
				p.log.Error("outbox quarantine failed",
					zap.String("event_id", row.EventID), zap.Error(err))
				break
			}
			if p.quarantined != nil {
				p.quarantined.Inc(ctx, attribute.String("event_type", row.EventType.String()))
			}
			p.log.Error("outbox row quarantined",
				zap.String("event_id", row.EventID),
				zap.String("saga_id", row.SagaID),
				zap.String("event_type", row.EventType.String()),
				zap.Int("attempts", row.Attempts))
			continue
		}

		err := p.producer.Produce(ctx, &kafka.Message{
			Topic:     row.Topic,
			Key:       []byte(row.Key),
			Value:     row.Payload,
			Headers:   row.Headers,
			Timestamp: row.CreatedAt,
		})
		if err != nil {
			// Later rows with this key must not overtake; stop the chain
			// and let the lease-backed retry pick it up.
			next := time.Now().UTC().Add(p.backoff.Interval(row.Attempts - 1))
			if rerr := p.store.Reschedule(ctx, row, next, err.Error()); rerr != nil {
				p.log.Error("outbox reschedule failed",
					zap.String("event_id", row.EventID), zap.Error(rerr))
			}
			p.log.Warn("outbox publish failed",
				zap.String("event_id", row.EventID),
				zap.String("topic", row.Topic),
				zap.Int("attempts", row.Attempts),
				zap.Error(err))
			break
		}
		acked = append(acked, row)
	}

	if len(acked) == 0 {
		return
	}
	if err := p.store.Delete(ctx, acked); err != nil {
		// Rows stay leased and will be republished after expiry; consumers
		// dedupe the duplicates through their ledger.
		p.log.Error("outbox delete after ack failed",
			zap.Int("rows", len(acked)), zap.Error(err))
		return
	}
	if p.published != nil {
		p.published.Add(ctx, int64(len(acked)))
	}
}
