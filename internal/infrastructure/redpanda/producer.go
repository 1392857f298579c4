// Package redpanda publishes intake events and consumes order changes over
// Kafka-compatible streaming with franz-go.
package redpanda

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig holds configuration for the producer
type ProducerConfig struct {
	Brokers []string
	// Linger is how long records wait to fill a batch
	Linger time.Duration
	// RecordRetries bounds broker-level retries of one record
	RecordRetries int
}

// DefaultProducerConfig returns defaults for the outbox relay. A facility
// produces a few thousand intake events a day, so batches stay small.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:       []string{"localhost:9092"},
		Linger:        10 * time.Millisecond,
		RecordRetries: 3,
	}
}

// Producer publishes records synchronously with all-ISR acks and
// idempotent writes, so a relayed outbox entry is durable once Publish
// returns.
type Producer struct {
	client     *kgo.Client
	logger     *zap.Logger
	tracer     trace.Tracer
	onProduced func()
}

// NewProducer creates a producer
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.Linger),
		kgo.ProducerBatchCompression(kgo.Lz4Compression()),
		kgo.RecordRetries(cfg.RecordRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// OnProduced registers a callback run after every acknowledged record.
// Call it before the first Publish.
func (p *Producer) OnProduced(fn func()) {
	p.onProduced = fn
}

// Publish sends a record and waits for the broker to acknowledge it
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "produce_message",
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("key", key),
		))
	defer span.End()

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	injectTraceHeaders(ctx, record)

	r, err := p.client.ProduceSync(ctx, record).First()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	if p.onProduced != nil {
		p.onProduced()
	}
	p.logger.Debug("message produced",
		zap.String("topic", r.Topic),
		zap.Int32("partition", r.Partition),
		zap.Int64("offset", r.Offset))
	return nil
}

// Flush blocks until all buffered records are sent
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Close flushes for up to ten seconds and closes the client
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("flush on close failed", zap.Error(err))
	}
	p.client.Close()
}
