// Package trigger fires the daily generation run on a cron schedule.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/carehome/medround/internal/generation"
	"github.com/carehome/medround/internal/schedule"
)

// Runner is the part of generation.Job the scheduler drives
type Runner interface {
	Run(ctx context.Context, date schedule.Date) (*generation.Report, error)
	// Today returns the current date in the facility time zone
	Today() schedule.Date
}

// Config holds scheduler configuration
type Config struct {
	// Spec is a standard five-field cron expression
	Spec string
	// Location is the zone Spec is evaluated in
	Location *time.Location
	// Timeout bounds a single run
	Timeout time.Duration
}

// DefaultConfig fires at 11:00 UTC every day
func DefaultConfig() Config {
	return Config{
		Spec:     "0 11 * * *",
		Location: time.UTC,
		Timeout:  30 * time.Minute,
	}
}

// Scheduler runs generation for the facility's current date on every tick.
// A tick that arrives while the previous run is still going is skipped.
type Scheduler struct {
	cron    *cron.Cron
	entry   cron.EntryID
	loc     *time.Location
	runner  Runner
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a scheduler; call Start to begin firing
func New(cfg Config, runner Runner, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	cl := cronLogger{logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		loc:     cfg.Location,
		runner:  runner,
		timeout: cfg.Timeout,
		logger:  logger,
	}

	id, err := s.cron.AddFunc(cfg.Spec, s.fire)
	if err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", cfg.Spec, err)
	}
	s.entry = id

	return s, nil
}

// Start begins firing in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("generation trigger started", zap.Time("next_run", s.Next()))
}

// Stop stops firing and waits for a running generation to finish or ctx
// to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("generation still running at shutdown")
	}
}

// Next returns the next scheduled fire time
func (s *Scheduler) Next() time.Time {
	entry := s.cron.Entry(s.entry)
	if entry.Next.IsZero() && entry.Schedule != nil {
		return entry.Schedule.Next(time.Now().In(s.loc))
	}
	return entry.Next
}

func (s *Scheduler) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	date := s.runner.Today()
	report, err := s.runner.Run(ctx, date)
	if err != nil {
		s.logger.Error("scheduled generation failed",
			zap.Stringer("target_date", date),
			zap.Error(err))
		return
	}
	if !report.Succeeded() {
		s.logger.Warn("scheduled generation finished with failures",
			zap.Stringer("target_date", date),
			zap.Strings("failed_orders", report.FailedOrderIDs()))
	}
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
