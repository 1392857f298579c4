// Package generation runs the daily job that turns active medication orders
// into intake records for one target date.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carehome/medround/internal/domain/medication"
	"github.com/carehome/medround/internal/observability/metrics"
	"github.com/carehome/medround/internal/recurrence"
	"github.com/carehome/medround/internal/schedule"
	"github.com/carehome/medround/pkg/circuitbreaker"
	"github.com/carehome/medround/pkg/idempotency"
	"github.com/carehome/medround/pkg/workerpool"
)

// ErrSystemic is returned when the repository is unusable as a whole and
// the run stopped early.
var ErrSystemic = errors.New("systemic generation failure")

// Config holds job configuration
type Config struct {
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
	Shifts     schedule.ShiftConfig
	Location   *time.Location
}

// DefaultConfig returns defaults for a UTC facility
func DefaultConfig() Config {
	pool := workerpool.DefaultConfig()
	return Config{
		Workers:    pool.Workers,
		MaxRetries: pool.MaxRetries,
		RetryDelay: pool.RetryDelay,
		Shifts:     schedule.DefaultShiftConfig(),
		Location:   time.UTC,
	}
}

// Option configures a Job
type Option func(*Job)

// WithLedger lets the job skip orders already generated unchanged for a date
func WithLedger(store idempotency.Store) Option {
	return func(j *Job) {
		if store != nil {
			j.ledger = idempotency.NewInbox(store, j.logger)
		}
	}
}

// WithMetrics records run metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(j *Job) { j.metrics = m }
}

// WithBreaker replaces the default repository circuit breaker
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(j *Job) { j.breaker = cb }
}

// WithClock overrides the time source used for CreatedAt and report times
func WithClock(now func() time.Time) Option {
	return func(j *Job) { j.now = now }
}

// Job generates intake records. It is safe for concurrent use, but runs
// for the same date should not overlap; the trigger guarantees that.
type Job struct {
	repo     medication.Repository
	expander *recurrence.Expander
	cfg      Config
	ledger   *idempotency.Inbox
	breaker  *circuitbreaker.CircuitBreaker
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewJob creates a generation job over repo
func NewJob(repo medication.Repository, cfg Config, logger *zap.Logger, opts ...Option) (*Job, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if err := cfg.Shifts.Validate(); err != nil {
		return nil, err
	}

	j := &Job{
		repo:     repo,
		expander: recurrence.NewExpander(cfg.Location),
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("generation"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}

	if j.breaker == nil {
		bcfg := circuitbreaker.DefaultConfig("order-repository")
		bcfg.Ignore = isPermanent
		cb, err := circuitbreaker.New(bcfg, logger)
		if err != nil {
			return nil, fmt.Errorf("create circuit breaker: %w", err)
		}
		j.breaker = cb
	}
	if j.metrics != nil {
		j.breaker.Subscribe(j.metrics.BreakerStateChanged)
	}

	return j, nil
}

// Location returns the facility time zone
func (j *Job) Location() *time.Location { return j.cfg.Location }

// Today returns the current calendar date in the facility time zone
func (j *Job) Today() schedule.Date {
	return schedule.Today(j.now(), j.cfg.Location)
}

// Run generates intake records for every active order on date. Per-order
// failures are collected in the report and do not fail the run. The
// returned error wraps ErrSystemic when the order query fails after retries
// or the repository circuit opens; the report then has Aborted set.
func (j *Job) Run(ctx context.Context, date schedule.Date) (*Report, error) {
	ctx, span := j.tracer.Start(ctx, "generation_run",
		trace.WithAttributes(attribute.String("target_date", date.String())))
	defer span.End()

	report := &Report{TargetDate: date, StartedAt: j.now().UTC()}
	j.logger.Info("generation run started", zap.Stringer("target_date", date))

	var orders []*medication.Order
	err := j.withRetry(ctx, func() error {
		var qerr error
		orders, qerr = j.repo.QueryActiveOrders(ctx, date)
		return qerr
	})
	if err != nil {
		report.Aborted = true
		j.finish(report)
		span.RecordError(err)
		span.SetStatus(codes.Error, "order query failed")
		j.logger.Error("generation run aborted: order query failed",
			zap.Stringer("target_date", date), zap.Error(err))
		return report, fmt.Errorf("%w: query active orders: %w", ErrSystemic, err)
	}

	return j.execute(ctx, span, report, orders)
}

// RunOrder regenerates a single order for date. Records already present are
// left untouched, so it is safe after an edit or activation mid-day.
func (j *Job) RunOrder(ctx context.Context, orderID string, date schedule.Date) (*Report, error) {
	ctx, span := j.tracer.Start(ctx, "generation_run_order",
		trace.WithAttributes(
			attribute.String("order_id", orderID),
			attribute.String("target_date", date.String()),
		))
	defer span.End()

	report := &Report{TargetDate: date, StartedAt: j.now().UTC()}

	var order *medication.Order
	err := j.withRetry(ctx, func() error {
		var gerr error
		order, gerr = j.repo.GetOrder(ctx, orderID)
		return gerr
	})
	if errors.Is(err, medication.ErrOrderNotFound) {
		return nil, err
	}
	if err != nil {
		report.Aborted = true
		j.finish(report)
		span.RecordError(err)
		return report, fmt.Errorf("%w: get order %s: %w", ErrSystemic, orderID, err)
	}

	return j.execute(ctx, span, report, []*medication.Order{order})
}

// orderTask carries one order through the pool. Its fields accumulate
// across retry attempts of the same order.
type orderTask struct {
	order    *medication.Order
	date     schedule.Date
	skipped  bool
	created  map[string]bool
	existing map[string]bool
}

func (j *Job) execute(ctx context.Context, span trace.Span, report *Report, orders []*medication.Order) (*Report, error) {
	report.OrdersConsidered = len(orders)
	span.SetAttributes(attribute.Int("orders", len(orders)))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var tripped atomic.Bool
	pool, err := workerpool.New(workerpool.Config{
		Workers:    j.cfg.Workers,
		MaxRetries: j.cfg.MaxRetries,
		RetryDelay: j.cfg.RetryDelay,
	}, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		ot := task.Payload.(*orderTask)
		if err := j.processOrder(ctx, ot); err != nil {
			if circuitbreaker.IsOpen(err) {
				tripped.Store(true)
				cancel()
			}
			return &workerpool.Result{Error: err}
		}
		return &workerpool.Result{Success: true}
	}, j.logger)
	if err != nil {
		return report, err
	}
	pool.WithRetryPolicy(isRetryable)

	tasks := make([]*workerpool.Task, len(orders))
	for i, o := range orders {
		tasks[i] = &workerpool.Task{
			ID: o.ID,
			Payload: &orderTask{
				order:    o,
				date:     report.TargetDate,
				created:  make(map[string]bool),
				existing: make(map[string]bool),
			},
		}
	}

	results := pool.Run(runCtx, tasks)

	for i, res := range results {
		ot := tasks[i].Payload.(*orderTask)
		report.RecordsCreated += len(ot.created)

		if res.Success {
			if ot.skipped {
				report.OrdersSkipped++
				continue
			}
			report.OrdersProcessed++
			report.RecordsExisting += len(ot.existing)
			continue
		}

		f := Failure{
			OrderID:  ot.order.ID,
			Kind:     classify(res.Error),
			Error:    res.Error.Error(),
			Attempts: res.Attempts,
		}
		if abandoned(res.Error) {
			// records created before the abort stay counted above
			f.Kind = FailureAborted
			report.Failures = append(report.Failures, f)
			continue
		}
		report.Failures = append(report.Failures, f)
		j.logger.Warn("order generation failed",
			zap.String("order_id", f.OrderID),
			zap.String("kind", string(f.Kind)),
			zap.Int("attempts", f.Attempts),
			zap.Error(res.Error))
	}

	var runErr error
	switch {
	case tripped.Load():
		report.Aborted = true
		runErr = fmt.Errorf("%w: order repository circuit open: %d orders abandoned",
			ErrSystemic, report.countFailures(FailureAborted))
	case ctx.Err() != nil:
		report.Aborted = true
		runErr = ctx.Err()
	}

	j.finish(report)

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "generation aborted")
		j.logger.Error("generation run aborted",
			zap.Stringer("target_date", report.TargetDate),
			zap.Int("orders_processed", report.OrdersProcessed),
			zap.Int("records_created", report.RecordsCreated),
			zap.Error(runErr))
		return report, runErr
	}

	span.SetAttributes(
		attribute.Int("records_created", report.RecordsCreated),
		attribute.Int("failures", len(report.Failures)),
	)
	j.logger.Info("generation run finished",
		zap.Stringer("target_date", report.TargetDate),
		zap.Int("orders_considered", report.OrdersConsidered),
		zap.Int("orders_processed", report.OrdersProcessed),
		zap.Int("orders_skipped", report.OrdersSkipped),
		zap.Int("records_created", report.RecordsCreated),
		zap.Int("records_existing", report.RecordsExisting),
		zap.Int("failures", len(report.Failures)),
		zap.Duration("duration", report.Duration()))

	return report, nil
}

// processOrder expands one order and inserts its doses. The ledger entry
// is keyed by the order fingerprint, so an edited order is processed again.
func (j *Job) processOrder(ctx context.Context, ot *orderTask) error {
	ctx, span := j.tracer.Start(ctx, "generation_order",
		trace.WithAttributes(attribute.String("order_id", ot.order.ID)))
	defer span.End()

	doses, err := j.expander.Expand(ot.order, ot.date)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("doses", len(doses)))

	insert := func(ctx context.Context) error {
		return j.insertDoses(ctx, ot, doses)
	}

	if j.ledger == nil {
		return insert(ctx)
	}

	key := idempotency.GenerateKey("generation", ot.order.ID, ot.date.String(), ot.order.Fingerprint())
	res, err := j.ledger.Process(ctx, key, insert)
	if err != nil {
		return err
	}
	if res.Skipped {
		ot.skipped = true
		span.SetAttributes(attribute.Bool("skipped", true))
	}
	return nil
}

func (j *Job) insertDoses(ctx context.Context, ot *orderTask, doses []recurrence.Dose) error {
	now := j.now()
	for _, d := range doses {
		shift, shiftDate := j.cfg.Shifts.ClassifyAt(d.Date, d.Clock)
		rec := medication.NewIntakeRecord(ot.order, d.Date, d.Clock, d.At, shift, shiftDate, now)
		key := rec.Key()

		var outcome medication.InsertOutcome
		err := j.breaker.Do(ctx, func() error {
			var ierr error
			outcome, ierr = j.repo.InsertIntakeRecordIfAbsent(ctx, rec)
			return ierr
		})
		if err != nil {
			return fmt.Errorf("insert %s: %w", key, err)
		}

		if outcome == medication.Inserted {
			ot.created[key] = true
			continue
		}
		if !ot.created[key] {
			ot.existing[key] = true
		}
	}
	return nil
}

// withRetry runs fn through the breaker, retrying retryable errors up to
// MaxRetries times.
func (j *Job) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = j.breaker.Do(ctx, fn)
		if err == nil || !isRetryable(err) || attempt >= j.cfg.MaxRetries {
			return err
		}

		j.logger.Warn("repository call failed, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(j.cfg.RetryDelay * time.Duration(attempt+1)):
		}
	}
}

func (j *Job) finish(report *Report) {
	report.FinishedAt = j.now().UTC()
	if j.metrics == nil {
		return
	}

	outcome := metrics.OutcomeCompleted
	switch {
	case report.Aborted:
		outcome = metrics.OutcomeAborted
	case len(report.Failures) > 0:
		outcome = metrics.OutcomePartial
	}
	j.metrics.GenerationRuns.WithLabelValues(outcome).Inc()
	j.metrics.GenerationDuration.Observe(report.Duration().Seconds())
	j.metrics.LastRunTimestamp.Set(float64(report.FinishedAt.Unix()))
	j.metrics.OrdersProcessed.Add(float64(report.OrdersProcessed))
	j.metrics.OrdersSkipped.Add(float64(report.OrdersSkipped))
	j.metrics.RecordsCreated.Add(float64(report.RecordsCreated))
	j.metrics.RecordsExisting.Add(float64(report.RecordsExisting))
	for _, f := range report.Failures {
		j.metrics.OrderFailures.WithLabelValues(string(f.Kind)).Inc()
	}
}

func classify(err error) FailureKind {
	switch {
	case rejectedByDatabase(err):
		return FailureRejected
	case isPermanent(err):
		return FailureValidation
	}
	return FailureTransient
}

// isPermanent reports errors that retrying cannot fix. They are also
// ignored by the repository breaker since they say nothing about its health.
func isPermanent(err error) bool {
	return medication.IsValidationError(err) ||
		errors.Is(err, medication.ErrOrderNotFound) ||
		rejectedByDatabase(err)
}

// rejectedByDatabase matches data exceptions (class 22) and integrity
// constraint violations (class 23): the row is bad, not the connection.
func rejectedByDatabase(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")
}

// abandoned reports orders cut short by a run abort
func abandoned(err error) bool {
	return circuitbreaker.IsOpen(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func isRetryable(err error) bool {
	return err != nil &&
		!isPermanent(err) &&
		!circuitbreaker.IsOpen(err) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
