package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is one event committed with the rows it describes and
// relayed to the broker afterwards.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	Key           string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the relay
type OutboxConfig struct {
	// BatchSize is the number of entries relayed per poll
	BatchSize int
	// PollInterval is how often the table is polled
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is dead-lettered
	MaxRetries int
	// DeadLetterTopic receives entries that exhausted MaxRetries.
	// Empty leaves them in the table.
	DeadLetterTopic string
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    100,
		PollInterval: 500 * time.Millisecond,
		MaxRetries:   5,
	}
}

// OutboxPublisher publishes one relayed entry
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox relays committed entries to the publisher. Only one relay holds
// the advisory lock at a time, so entries keep their commit order.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a relay; call Start to begin polling
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultOutboxConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultOutboxConfig().PollInterval
	}
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		done:      make(chan struct{}),
	}
}

// WriteEntry inserts entry inside tx, the transaction that writes the
// rows the event describes.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, entry.AggregateID, entry.AggregateType, entry.EventType, entry.Payload, entry.Topic, entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling in the background
func (o *Outbox) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	go o.run(ctx)

	o.logger.Info("outbox relay polling",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop waits for the current batch to finish
func (o *Outbox) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
}

func (o *Outbox) run(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.relayBatch(ctx)
		}
	}
}

// outboxLockID serialises relays; only one relay publishes at a time
const outboxLockID = int64(0x6d6564726f756e64)

func (o *Outbox) relayBatch(ctx context.Context) {
	ctx, span := o.tracer.Start(ctx, "outbox_relay_batch")
	defer span.End()

	// The advisory lock is session scoped, so lock and unlock must share a connection.
	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		o.logger.Error("failed to acquire connection", zap.Error(err))
		return
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", outboxLockID).Scan(&acquired); err != nil || !acquired {
		return
	}
	defer func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", outboxLockID); err != nil {
			o.logger.Warn("failed to release outbox lock", zap.Error(err))
		}
	}()

	if o.config.DeadLetterTopic != "" {
		o.deadLetterExhausted(ctx)
	}

	entries, err := o.fetch(ctx, "retry_count < $1")
	if err != nil {
		o.logger.Error("failed to fetch outbox entries", zap.Error(err))
		span.RecordError(err)
		return
	}
	span.SetAttributes(attribute.Int("entries", len(entries)))

	for _, entry := range entries {
		if err := o.relay(ctx, entry); err != nil {
			o.logger.Warn("outbox publish failed",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Int("retry_count", entry.RetryCount+1),
				zap.Error(err))
		}
	}
}

// fetch returns unprocessed entries matching cond, which may reference
// MaxRetries as $1.
func (o *Outbox) fetch(ctx context.Context, cond string) ([]*OutboxEntry, error) {
	rows, err := o.pool.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND `+cond+`
		ORDER BY id ASC
		LIMIT $2
	`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*OutboxEntry, error) {
		e := &OutboxEntry{}
		err := row.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.Topic, &e.Key, &e.CreatedAt, &e.RetryCount, &e.LastError)
		return e, err
	})
}

func (o *Outbox) relay(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_relay_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		span.RecordError(err)
		if _, uerr := o.pool.Exec(ctx, `
			UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`, err.Error(), entry.ID); uerr != nil {
			o.logger.Error("failed to record publish failure", zap.Int64("id", entry.ID), zap.Error(uerr))
		}
		return err
	}
	return o.markProcessed(ctx, entry.ID)
}

func (o *Outbox) markProcessed(ctx context.Context, id int64) error {
	if _, err := o.pool.Exec(ctx,
		"UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", id); err != nil {
		return fmt.Errorf("mark outbox entry %d processed: %w", id, err)
	}
	return nil
}

// deadLetter wraps an entry that could not be published
type deadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error"`
	CreatedAt     time.Time       `json:"created_at"`
}

// deadLetterExhausted publishes entries past MaxRetries to the dead-letter
// topic and marks them processed.
func (o *Outbox) deadLetterExhausted(ctx context.Context) {
	entries, err := o.fetch(ctx, "retry_count >= $1")
	if err != nil {
		o.logger.Error("failed to fetch exhausted outbox entries", zap.Error(err))
		return
	}

	for _, e := range entries {
		payload, err := json.Marshal(deadLetter{
			OriginalTopic: e.Topic,
			EventType:     e.EventType,
			AggregateID:   e.AggregateID,
			Payload:       e.Payload,
			RetryCount:    e.RetryCount,
			LastError:     e.LastError,
			CreatedAt:     e.CreatedAt,
		})
		if err != nil {
			o.logger.Error("failed to encode dead letter", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, e.Key, payload); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if err := o.markProcessed(ctx, e.ID); err != nil {
			o.logger.Error("failed to mark dead-lettered entry", zap.Error(err))
			continue
		}
		o.logger.Warn("outbox entry dead-lettered",
			zap.Int64("id", e.ID),
			zap.String("aggregate_id", e.AggregateID),
			zap.Int("retry_count", e.RetryCount))
	}
}

// CleanupProcessed deletes entries relayed more than olderThan ago
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return result.RowsAffected(), nil
}

// OutboxStats counts entries by relay state
type OutboxStats struct {
	// Pending entries are waiting for (another) publish attempt
	Pending int64
	// Processed entries were relayed in the last 24 hours
	Processed int64
	// Failed entries exhausted MaxRetries and wait for dead-lettering
	Failed int64
}

// GetStats returns current outbox counts
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1)
		FROM outbox
	`, o.config.MaxRetries).Scan(&stats.Pending, &stats.Processed, &stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
