package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/config"
)

// Record is a consumed record. Offsets are committed explicitly, never
// before the record's handler has completed.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time

	raw *kgo.Record
}

// Header returns a single header value, or "".
func (r *Record) Header(key string) string {
	return r.Headers[key]
}

// ConsumerConfig configures a group consumer.
type ConsumerConfig struct {
	Brokers          []string
	GroupID          string
	Topics           []string
	ClientID         string
	MaxPollRecords   int
	FetchMaxWait     time.Duration
	SessionTimeout   time.Duration
	RebalanceTimeout time.Duration
}

// FromConfig builds a ConsumerConfig from the shared Kafka config with a
// per-service group id and topic subscription.
func FromConfig(cfg *config.KafkaConfig, groupID string, topics []string) *ConsumerConfig {
	return &ConsumerConfig{
		Brokers:          cfg.Brokers,
		GroupID:          groupID,
		Topics:           topics,
		ClientID:         cfg.ClientID,
		MaxPollRecords:   cfg.MaxPollRecords,
		FetchMaxWait:     cfg.FetchMaxWait,
		SessionTimeout:   cfg.SessionTimeout,
		RebalanceTimeout: cfg.RebalanceTimeout,
	}
}

// Consumer wraps a franz-go group consumer with auto-commit disabled.
// Records are delivered in partition order; the caller commits.
type Consumer struct {
	client         *kgo.Client
	maxPollRecords int
}

// NewConsumer creates a new consumer and joins the group.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("consumer group id is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}

	maxPoll := cfg.MaxPollRecords
	if maxPoll <= 0 {
		maxPoll = 500
	}
	fetchWait := cfg.FetchMaxWait
	if fetchWait <= 0 {
		fetchWait = 500 * time.Millisecond
	}
	sessionTimeout := cfg.SessionTimeout
	if sessionTimeout <= 0 {
		sessionTimeout = 10 * time.Second
	}
	rebalanceTimeout := cfg.RebalanceTimeout
	if rebalanceTimeout <= 0 {
		rebalanceTimeout = 30 * time.Second
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(fetchWait),
		kgo.SessionTimeout(sessionTimeout),
		kgo.RebalanceTimeout(rebalanceTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &Consumer{client: client, maxPollRecords: maxPoll}, nil
}

// Poll fetches the next batch of records. Within each partition the
// returned slice preserves offset order.
func (c *Consumer) Poll(ctx context.Context) ([]*Record, error) {
	fetches := c.client.PollRecords(ctx, c.maxPollRecords)
	if fetches.IsClientClosed() {
		return nil, fmt.Errorf("kafka client closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var fetchErr error
	fetches.EachError(func(topic string, partition int32, err error) {
		fetchErr = fmt.Errorf("fetch %s/%d: %w", topic, partition, err)
	})
	if fetchErr != nil && fetches.NumRecords() == 0 {
		return nil, fetchErr
	}

	records := make([]*Record, 0, fetches.NumRecords())
	fetches.EachRecord(func(rec *kgo.Record) {
		headers := make(map[string]string, len(rec.Headers))
		for _, h := range rec.Headers {
			headers[h.Key] = string(h.Value)
		}
		records = append(records, &Record{
			Topic:     rec.Topic,
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Key:       rec.Key,
			Value:     rec.Value,
			Headers:   headers,
			Timestamp: rec.Timestamp,
			raw:       rec,
		})
	})

	return records, nil
}

// CommitRecords commits the offsets of the given records.
func (c *Consumer) CommitRecords(ctx context.Context, records []*Record) error {
	raw := make([]*kgo.Record, 0, len(records))
	for _, r := range records {
		if r.raw != nil {
			raw = append(raw, r.raw)
		}
	}
	if len(raw) == 0 {
		return nil
	}
	if err := c.client.CommitRecords(ctx, raw...); err != nil {
		return fmt.Errorf("commit records: %w", err)
	}
	return nil
}

// Close leaves the group and closes the client.
func (c *Consumer) Close() {
	c.client.Close()
}
