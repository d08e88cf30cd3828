// Package consumer is the shared event-loop runtime every service's Kafka
// consumer runs on. It polls, dispatches records per partition in offset
// order, and commits explicitly, so an offset is never committed ahead of
// its record's effect.
package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/event"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/platform/apperr"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/kafka"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/logger"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/retry"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/telemetry"
)

// Handler applies one event. The implementation owns transactionality and
// idempotency; the runtime only guarantees ordering and redelivery.
type Handler func(ctx context.Context, env *event.Envelope, rec *kafka.Record) error

// Source is the consumer the runtime polls. Satisfied by kafka.Consumer.
type Source interface {
	Poll(ctx context.Context) ([]*kafka.Record, error)
	CommitRecords(ctx context.Context, records []*kafka.Record) error
	Close()
}

var _ Source = (*kafka.Consumer)(nil)

// Options tunes the runtime.
type Options struct {
	// CommitInterval bounds how long a processed offset may stay
	// uncommitted. On rebalance, at most this window is redelivered.
	CommitInterval time.Duration
	// Backoff drives in-place retries for upstream failures. The partition
	// blocks while its head record retries; ordering is never traded for
	// progress.
	Backoff *retry.Config
}

// Runtime is one service's consume loop.
type Runtime struct {
	name    string
	source  Source
	handle  Handler
	opts    Options
	backoff *retry.Retrier
	log     *logger.Logger

	processed *telemetry.Counter
	skipped   *telemetry.Counter

	mu      sync.Mutex
	pending []*kafka.Record
	lastAck time.Time
}

// New creates a runtime. name labels logs and metrics with the owning
// service.
func New(name string, source Source, handle Handler, opts Options, log *logger.Logger) *Runtime {
	if opts.CommitInterval <= 0 {
		opts.CommitInterval = 2 * time.Second
	}
	if opts.Backoff == nil {
		opts.Backoff = retry.DefaultConfig()
	}
	r := &Runtime{
		name:    name,
		source:  source,
		handle:  handle,
		opts:    opts,
		backoff: retry.New(opts.Backoff),
		log:     log.Named("consumer"),
		lastAck: time.Now(),
	}

	var err error
	r.processed, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "consumer.processed",
		Description: "Records applied by the consumer",
		Unit:        "{record}",
	})
	if err != nil {
		log.Warn("consumer processed counter unavailable", zap.Error(err))
	}
	r.skipped, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "consumer.skipped",
		Description: "Records acked without effect",
		Unit:        "{record}",
	})
	if err != nil {
		log.Warn("consumer skipped counter unavailable", zap.Error(err))
	}
	return r
}

// Run consumes until ctx is cancelled or a fatal record stops the loop. A
// fatal error is returned so the process can decide to crash; everything
// else is absorbed.
func (r *Runtime) Run(ctx context.Context) error {
	r.log.Info("consumer started", zap.String("service", r.name))
	defer r.flush(context.Background())

	for {
		if err := ctx.Err(); err != nil {
			r.log.Info("consumer stopped", zap.String("service", r.name))
			return nil
		}

		records, err := r.source.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.log.Info("consumer stopped", zap.String("service", r.name))
				return nil
			}
			r.log.Error("poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if len(records) == 0 {
			r.maybeCommit(ctx)
			continue
		}

		if err := r.dispatch(ctx, records); err != nil {
			return err
		}
		r.maybeCommit(ctx)
	}
}

type partitionKey struct {
	topic     string
	partition int32
}

// dispatch fans partitions out concurrently while keeping each partition's
// records in offset order.
func (r *Runtime) dispatch(ctx context.Context, records []*kafka.Record) error {
	groups := make(map[partitionKey][]*kafka.Record)
	for _, rec := range records {
		k := partitionKey{rec.Topic, rec.Partition}
		groups[k] = append(groups[k], rec)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(groups))
	for _, group := range groups {
		wg.Add(1)
		go func(group []*kafka.Record) {
			defer wg.Done()
			for _, rec := range group {
				if err := r.process(ctx, rec); err != nil {
					errs <- err
					return
				}
				r.markProcessed(rec)
			}
		}(group)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if apperr.Is(err, apperr.KindFatal) {
			r.log.Error("fatal record, stopping consumer",
				zap.String("service", r.name), zap.Error(err))
			return err
		}
	}
	return nil
}

// process applies one record, retrying transient failures in place.
func (r *Runtime) process(ctx context.Context, rec *kafka.Record) error {
	env, err := event.Parse(rec.Value)
	if err != nil {
		// Undecodable records can never succeed; ack and move on.
		r.log.Warn("discarding malformed record",
			zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.Error(err))
		if r.skipped != nil {
			r.skipped.Inc(ctx, attribute.String("reason", "malformed"))
		}
		return nil
	}

	for {
		err := r.handle(ctx, env, rec)
		switch {
		case err == nil:
			if r.processed != nil {
				r.processed.Inc(ctx, attribute.String("event_type", env.Type.String()))
			}
			return nil
		case apperr.Is(err, apperr.KindConflict), apperr.Is(err, apperr.KindValidation):
			// Duplicate delivery or state-illegal event: no effect, ack.
			r.log.Debug("record acked without effect",
				zap.String("saga_id", env.SagaID),
				zap.String("event_type", env.Type.String()),
				zap.String("kind", apperr.KindOf(err).String()))
			if r.skipped != nil {
				r.skipped.Inc(ctx, attribute.String("reason", apperr.KindOf(err).String()))
			}
			return nil
		case apperr.Is(err, apperr.KindFatal):
			return fmt.Errorf("handle %s at %s/%d@%d: %w",
				env.Type, rec.Topic, rec.Partition, rec.Offset, err)
		default:
			// Transient: block this partition and retry in place. Offsets
			// past this record are never committed meanwhile.
			result := r.backoff.Do(ctx, func(ctx context.Context) error {
				return r.handle(ctx, env, rec)
			})
			if result.Err == nil {
				if r.processed != nil {
					r.processed.Inc(ctx, attribute.String("event_type", env.Type.String()))
				}
				return nil
			}
			if ctx.Err() != nil {
				return apperr.Wrap(apperr.KindFatal, ctx.Err())
			}
			r.log.Error("record still failing after backoff, holding partition",
				zap.String("saga_id", env.SagaID),
				zap.String("event_type", env.Type.String()),
				zap.Error(result.LastError))
			select {
			case <-ctx.Done():
				return apperr.Wrap(apperr.KindFatal, ctx.Err())
			case <-time.After(r.opts.Backoff.MaxInterval):
			}
		}
	}
}

func (r *Runtime) markProcessed(rec *kafka.Record) {
	r.mu.Lock()
	r.pending = append(r.pending, rec)
	r.mu.Unlock()
}

func (r *Runtime) maybeCommit(ctx context.Context) {
	r.mu.Lock()
	due := time.Since(r.lastAck) >= r.opts.CommitInterval && len(r.pending) > 0
	r.mu.Unlock()
	if due {
		r.flush(ctx)
	}
}

// flush commits all processed-but-uncommitted offsets.
func (r *Runtime) flush(ctx context.Context) {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.lastAck = time.Now()
	r.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if err := r.source.CommitRecords(ctx, batch); err != nil {
		// Uncommitted offsets mean redelivery, which the ledgers absorb.
		r.log.Error("offset commit failed", zap.Int("records", len(batch)), zap.Error(err))
	}
}
