// Package idempotency provides deterministic idempotency keys and the
// generation ledger that lets repeated runs skip work already finished.
package idempotency

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of a ledger entry
type Status string

const (
	StatusNone        Status = ""
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
)

// Store persists ledger entries. Implementations must return StatusNone
// (and no error) for unknown keys.
type Store interface {
	Status(ctx context.Context, key string) (Status, error)
	SetStatus(ctx context.Context, key string, status Status, detail string) error
}

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	// Skipped is true when the key had already finished
	Skipped bool
	// WasRecovered is true when a previous attempt had not finished
	WasRecovered bool
}

// ProcessFunc is the unit of work guarded by the ledger
type ProcessFunc func(ctx context.Context) error

// Inbox records which keys have finished processing. The ledger is an
// optimisation only: callers must keep their work idempotent, because a
// store failure makes Process fall through to running fn again.
type Inbox struct {
	store  Store
	logger *zap.Logger
	tracer trace.Tracer
}

// NewInbox creates a new inbox over store
func NewInbox(store Store, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("inbox"),
	}
}

// Process runs fn unless key has already finished.
func (i *Inbox) Process(ctx context.Context, key string, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(attribute.String("idempotency_key", key)))
	defer span.End()

	status, err := i.store.Status(ctx, key)
	if err != nil {
		i.logger.Warn("ledger lookup failed, processing anyway",
			zap.String("key", key), zap.Error(err))
		status = StatusNone
	}

	if status == StatusFinished {
		span.SetAttributes(attribute.Bool("duplicate", true))
		return &ProcessResult{Skipped: true}, nil
	}

	recovered := status == StatusStarted || status == StatusRecoverable
	span.SetAttributes(attribute.Bool("recovered", recovered))

	if err := i.store.SetStatus(ctx, key, StatusStarted, ""); err != nil {
		i.logger.Warn("failed to mark ledger entry started",
			zap.String("key", key), zap.Error(err))
	}

	if err := fn(ctx); err != nil {
		if markErr := i.store.SetStatus(ctx, key, StatusRecoverable, err.Error()); markErr != nil {
			i.logger.Error("failed to mark ledger entry recoverable",
				zap.String("key", key), zap.Error(markErr))
		}
		span.RecordError(err)
		return nil, err
	}

	if err := i.store.SetStatus(ctx, key, StatusFinished, ""); err != nil {
		// The work itself succeeded; the next run will simply redo it.
		i.logger.Error("failed to mark ledger entry finished",
			zap.String("key", key), zap.Error(err))
	}

	return &ProcessResult{WasRecovered: recovered}, nil
}
