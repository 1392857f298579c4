// Package orderevents regenerates a single order's intake records when the
// clinician system reports that the order changed.
package orderevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/carehome/medround/internal/domain/medication"
	"github.com/carehome/medround/internal/generation"
	"github.com/carehome/medround/internal/infrastructure/redpanda"
	"github.com/carehome/medround/internal/schedule"
)

// Regenerator is the part of generation.Job the handler drives
type Regenerator interface {
	RunOrder(ctx context.Context, orderID string, date schedule.Date) (*generation.Report, error)
	Today() schedule.Date
}

// Publisher sends undecodable messages to the dead-letter topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Handler consumes OrderChanged events
type Handler struct {
	gen             Regenerator
	deadLetter      Publisher
	deadLetterTopic string
	logger          *zap.Logger
}

// NewHandler creates a handler. deadLetter may be nil, in which case
// undecodable messages are logged and dropped.
func NewHandler(gen Regenerator, deadLetter Publisher, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		gen:             gen,
		deadLetter:      deadLetter,
		deadLetterTopic: redpanda.TopicDeadLetter,
		logger:          logger,
	}
}

// Handle implements redpanda.MessageHandler. It returns an error only when
// the message should be redelivered: a systemic generation failure or a
// failed dead-letter publish.
func (h *Handler) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	change, err := decode(msg.Value)
	if errors.Is(err, errIgnored) {
		return nil
	}
	if err != nil {
		return h.reject(ctx, msg, err)
	}

	date := h.gen.Today()
	if change.Date != "" {
		date, err = schedule.ParseDate(change.Date)
		if err != nil {
			return h.reject(ctx, msg, fmt.Errorf("invalid date: %w", err))
		}
	}

	log := h.logger.With(
		zap.String("order_id", change.OrderID),
		zap.Stringer("target_date", date),
		zap.String("status", string(change.Status)))

	report, err := h.gen.RunOrder(ctx, change.OrderID, date)
	switch {
	case errors.Is(err, medication.ErrOrderNotFound):
		log.Warn("order change for unknown order")
		return nil
	case err != nil:
		return err
	}

	if !report.Succeeded() {
		log.Warn("order regeneration failed",
			zap.Any("failures", report.Failures))
		return nil
	}

	log.Info("order regenerated",
		zap.Int("records_created", report.RecordsCreated),
		zap.Int("records_existing", report.RecordsExisting))
	return nil
}

var errIgnored = errors.New("not an order change")

func decode(value []byte) (*medication.OrderChangedData, error) {
	var evt medication.Event
	if err := json.Unmarshal(value, &evt); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if evt.EventType != medication.EventOrderChanged {
		return nil, errIgnored
	}

	var data medication.OrderChangedData
	if err := json.Unmarshal(evt.EventData, &data); err != nil {
		return nil, fmt.Errorf("decode order change: %w", err)
	}
	if data.OrderID == "" {
		data.OrderID = evt.AggregateID
	}
	if data.OrderID == "" {
		return nil, errors.New("order change without order id")
	}
	return &data, nil
}

func (h *Handler) reject(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	h.logger.Error("rejecting order change",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))

	if h.deadLetter == nil {
		return nil
	}
	if err := h.deadLetter.Publish(ctx, h.deadLetterTopic, string(msg.Key), msg.Value); err != nil {
		return fmt.Errorf("publish to dead letter: %w", err)
	}
	return nil
}
