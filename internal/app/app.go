// Package app wires medround components from configuration. Every binary
// builds on it so that the scheduler, the API, the listener and the
// one-shot generate command share one generation setup.
package app

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carehome/medround/internal/config"
	"github.com/carehome/medround/internal/generation"
	"github.com/carehome/medround/internal/infrastructure/postgres"
	"github.com/carehome/medround/internal/infrastructure/redpanda"
	"github.com/carehome/medround/internal/observability/logging"
	"github.com/carehome/medround/internal/observability/metrics"
	"github.com/carehome/medround/internal/observability/tracing"
	"github.com/carehome/medround/pkg/idempotency"
)

// Bootstrap loads configuration and builds the logger
func Bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// App holds the shared components of a medround process
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Pool    *pgxpool.Pool
	Repo    *postgres.Repository
	Job     *generation.Job
	Metrics *metrics.Metrics

	tracing *tracing.Provider
	closers []func()
}

// New connects to the database, sets up tracing and the generation ledger,
// and builds the generation job.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, service string) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	tcfg := tracing.DefaultConfig(service)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.tracing = tp

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	shifts, err := cfg.Shifts()
	if err != nil {
		return nil, err
	}

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, err
	}
	a.Pool = pool
	a.closers = append(a.closers, pool.Close)
	logger.Info("connected to database")

	a.Repo = postgres.NewRepository(pool, postgres.RepositoryConfig{
		Location:    loc,
		IntakeTopic: redpanda.TopicIntakeScheduled,
	}, logger)
	a.Metrics = metrics.New(nil)

	ledger, err := a.ledger(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Job, err = generation.NewJob(a.Repo, generation.Config{
		Workers:    cfg.GenerationWorkers,
		MaxRetries: cfg.GenerationMaxRetries,
		RetryDelay: cfg.GenerationRetryDelay,
		Shifts:     shifts,
		Location:   loc,
	}, logger, generation.WithMetrics(a.Metrics), generation.WithLedger(ledger))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	logger.Info("generation configured",
		zap.String("facility_timezone", loc.String()),
		zap.Stringer("day_shift_start", shifts.DayStart),
		zap.Stringer("night_shift_start", shifts.NightStart),
		zap.String("ledger", cfg.LedgerBackend))

	return a, nil
}

func (a *App) ledger(ctx context.Context) (idempotency.Store, error) {
	switch a.Config.LedgerBackend {
	case config.LedgerRedis:
		opts, err := redis.ParseURL(a.Config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.closers = append(a.closers, func() { client.Close() })
		return idempotency.NewRedisStore(client, "", a.Config.LedgerTTL), nil

	case config.LedgerPostgres:
		pcfg := idempotency.DefaultPostgresConfig()
		pcfg.DefaultTTL = a.Config.LedgerTTL
		store := idempotency.NewPostgresStore(a.Pool, pcfg, a.Logger)
		store.StartCleanup()
		a.closers = append(a.closers, store.Stop)
		return store, nil
	}
	return nil, nil
}

// Close releases resources in reverse order of acquisition
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.Logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}
}
