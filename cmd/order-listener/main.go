// Package main provides the order listener entry point.
// It consumes OrderChanged events and regenerates the changed order's
// intake records for the current day.
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
	"github.com/carehome/medround/internal/infrastructure/redpanda"
	"github.com/carehome/medround/internal/observability/metrics"
	"github.com/carehome/medround/internal/orderevents"
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

	a, err := app.New(ctx, cfg, logger, "medround-order-listener")
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close(context.Background())

	if err := redpanda.HealthCheck(ctx, cfg.KafkaBrokers); err != nil {
		logger.Warn("redpanda not reachable yet", zap.Error(err))
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	deadLetter, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer deadLetter.Close()
	deadLetter.OnProduced(a.Metrics.KafkaMessagesProduced.Inc)

	handler := orderevents.NewHandler(a.Job, deadLetter, logger)

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers

	consumer, err := redpanda.NewConsumer(consumerCfg, handler.Handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.OnConsumed(a.Metrics.KafkaMessagesConsumed.Inc)

	consumer.Start()
	logger.Info("order listener started", zap.Strings("topics", consumerCfg.Topics))

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
	consumer.Stop()
	logger.Info("order listener stopped")
}
