// Package main provides the medround command: the API server with the
// daily generation trigger, a one-shot generate command and migrations.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/carehome/medround/internal/api"
	"github.com/carehome/medround/internal/app"
	"github.com/carehome/medround/internal/infrastructure/postgres"
	"github.com/carehome/medround/internal/schedule"
	"github.com/carehome/medround/internal/trigger"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "medround",
		Short:        "Medication round scheduling and intake record generation",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the daily generation trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			withScheduler, _ := cmd.Flags().GetBool("scheduler")
			return runServer(withScheduler)
		},
	}
	cmd.Flags().Bool("scheduler", true, "Fire generation on GENERATION_CRON")
	return cmd
}

func runServer(withScheduler bool) error {
	cfg, logger, err := app.Bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, "medround")
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer a.Close(context.Background())

	var sched *trigger.Scheduler
	if withScheduler {
		cronLoc, err := time.LoadLocation(cfg.CronTimezone)
		if err != nil {
			return err
		}
		sched, err = trigger.New(trigger.Config{
			Spec:     cfg.GenerationCron,
			Location: cronLoc,
			Timeout:  trigger.DefaultConfig().Timeout,
		}, a.Job, logger)
		if err != nil {
			return err
		}
		sched.Start()
	}

	if len(cfg.APIKeys) == 0 {
		logger.Warn("API_KEYS is empty, /api/v1 is unauthenticated")
	}

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.NewRouter(api.Deps{
			Generator: a.Job,
			Records:   a.Repo,
			Metrics:   a.Metrics,
			Checks:    map[string]api.ReadinessCheck{"database": a.Repo.Ping},
			APIKeys:   cfg.APIKeys,
			Logger:    logger,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting medround API", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate intake records for one date and print the report",
		Long: `Generate intake records for every active order on a date.

Exits non-zero only when the run is aborted by a systemic failure. Orders
that failed individually are listed in the report.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dateFlag, _ := cmd.Flags().GetString("date")
			orderID, _ := cmd.Flags().GetString("order")
			return runGenerate(cmd.Context(), dateFlag, orderID)
		},
	}
	cmd.Flags().String("date", "", "Target date YYYY-MM-DD (default: today in FACILITY_TIMEZONE)")
	cmd.Flags().String("order", "", "Regenerate a single order only")
	return cmd
}

func runGenerate(ctx context.Context, dateFlag, orderID string) error {
	cfg, logger, err := app.Bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, "medround-generate")
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	date := a.Job.Today()
	if dateFlag != "" {
		if date, err = schedule.ParseDate(dateFlag); err != nil {
			return fmt.Errorf("--date: %w", err)
		}
	}

	var runErr error
	var report interface{}
	if orderID != "" {
		r, err := a.Job.RunOrder(ctx, orderID, date)
		report, runErr = r, err
	} else {
		r, err := a.Job.Run(ctx, date)
		report, runErr = r, err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	return runErr
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := app.Bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := context.Background()
			pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.Migrate(ctx, pool); err != nil {
				return err
			}
			logger.Info("schema applied")
			return nil
		},
	}
}
