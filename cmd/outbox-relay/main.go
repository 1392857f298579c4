// Package main provides the outbox relay service entry point.
// It publishes IntakeScheduled events committed alongside new intake
// records to Redpanda.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/carehome/medround/internal/app"
	"github.com/carehome/medround/internal/infrastructure/postgres"
	"github.com/carehome/medround/internal/infrastructure/redpanda"
	"github.com/carehome/medround/internal/observability/metrics"
)

const (
	statsInterval   = 15 * time.Second
	cleanupInterval = time.Hour
	retainProcessed = 7 * 24 * time.Hour
)

func main() {
	cfg, logger, err := app.Bootstrap()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}
	admin.Close()

	m := metrics.New(nil)

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	producer.OnProduced(m.KafkaMessagesProduced.Inc)

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, logger)

	outbox.Start()
	logger.Info("outbox relay started")

	go housekeeping(ctx, outbox, m, logger)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: metrics.Handler(nil)}
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	outbox.Stop()
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Warn("flush failed", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}

// housekeeping exports the pending gauge and prunes old processed entries
func housekeeping(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger) {
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stats.C:
			s, err := outbox.GetStats(ctx)
			if err != nil {
				logger.Warn("outbox stats failed", zap.Error(err))
				continue
			}
			m.OutboxPending.Set(float64(s.Pending))
			if s.Failed > 0 {
				logger.Warn("outbox has entries past max retries", zap.Int64("failed", s.Failed))
			}
		case <-cleanup.C:
			n, err := outbox.CleanupProcessed(ctx, retainProcessed)
			if err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
				continue
			}
			logger.Info("outbox cleanup", zap.Int64("deleted", n))
		}
	}
}
