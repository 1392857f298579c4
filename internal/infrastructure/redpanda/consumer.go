package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// RetryBackoff is the first wait after a failed handler call. It grows
	// linearly up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultConsumerConfig returns defaults for the order-change listener
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:         []string{"localhost:9092"},
		GroupID:         "medround-order-listener",
		Topics:          []string{TopicOrdersChanged},
		RetryBackoff:    time.Second,
		MaxRetryBackoff: time.Minute,
	}
}

// MessageHandler is called for each consumed message. A returned error
// means the message must be seen again: it is retried in place and its
// offset is not committed until the handler succeeds.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is one record handed to a MessageHandler
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Consumer reads a consumer group's records one at a time and commits each
// offset only after its handler succeeds. A failing record blocks its
// partition, so later records are never committed past it.
type Consumer struct {
	client     *kgo.Client
	config     ConsumerConfig
	logger     *zap.Logger
	tracer     trace.Tracer
	handler    MessageHandler
	onConsumed func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConsumerConfig().RetryBackoff
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = cfg.RetryBackoff
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
	}, nil
}

// OnConsumed registers a callback run after every handled message.
// Call it before Start.
func (c *Consumer) OnConsumed(fn func()) {
	c.onConsumed = fn
}

// Start begins consuming in the background
func (c *Consumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop waits for the current message and closes the client. Committed
// offsets are already durable; an unfinished message is redelivered to the
// next group member.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.client.Close()
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	for ctx.Err() == nil {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}

		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) {
				return
			}
			c.logger.Error("fetch error",
				zap.String("topic", fe.Topic),
				zap.Int32("partition", fe.Partition),
				zap.Error(fe.Err))
		}

		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, record := range p.Records {
				if !c.handleUntilDone(ctx, record) {
					return
				}
			}
		})
	}
}

// handleUntilDone retries record until its handler succeeds and commits
// it. It returns false when ctx is cancelled first.
func (c *Consumer) handleUntilDone(ctx context.Context, record *kgo.Record) bool {
	for attempt := 1; ; attempt++ {
		err := c.handle(ctx, record)
		if err == nil {
			break
		}
		wait := retryBackoff(attempt, c.config.RetryBackoff, c.config.MaxRetryBackoff)
		c.logger.Error("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}

	if c.onConsumed != nil {
		c.onConsumed()
	}

	c.client.MarkCommitRecords(record)
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil && !errors.Is(err, context.Canceled) {
		// the handler is idempotent, so a lost commit only means a repeat
		c.logger.Warn("failed to commit offset",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
	}
	return true
}

func (c *Consumer) handle(ctx context.Context, record *kgo.Record) error {
	ctx, span := c.tracer.Start(extractTraceContext(ctx, record), "process_message",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	err := c.handler(ctx, &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Timestamp: record.Timestamp,
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// retryBackoff grows linearly from base and is capped at ceiling
func retryBackoff(attempt int, base, ceiling time.Duration) time.Duration {
	d := base * time.Duration(attempt)
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}
