package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresConfig holds configuration for the postgres ledger store
type PostgresConfig struct {
	// DefaultTTL is the time-to-live of ledger entries
	DefaultTTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
}

// DefaultPostgresConfig returns sensible defaults
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: 1 * time.Hour,
	}
}

// PostgresStore keeps ledger entries in the generation_ledger table
type PostgresStore struct {
	pool   *pgxpool.Pool
	config PostgresConfig
	logger *zap.Logger

	// Control for cleanup goroutine
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPostgresStore creates a new postgres-backed ledger store
func NewPostgresStore(pool *pgxpool.Pool, cfg PostgresConfig, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &PostgresStore{
		pool:   pool,
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Status returns the status recorded for key
func (s *PostgresStore) Status(ctx context.Context, key string) (Status, error) {
	query := `
		SELECT status
		FROM generation_ledger
		WHERE idempotency_key = $1
		  AND expires_at > NOW()
	`

	var status Status
	err := s.pool.QueryRow(ctx, query, key).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return StatusNone, nil
	}
	if err != nil {
		return StatusNone, err
	}
	return status, nil
}

// SetStatus creates or updates the entry for key
func (s *PostgresStore) SetStatus(ctx context.Context, key string, status Status, detail string) error {
	query := `
		INSERT INTO generation_ledger (idempotency_key, status, detail, expires_at)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $2, detail = NULLIF($3, ''), updated_at = NOW(), expires_at = $4
	`

	_, err := s.pool.Exec(ctx, query, key, status, detail, time.Now().Add(s.config.DefaultTTL))
	return err
}

// StartCleanup starts the background cleanup goroutine
func (s *PostgresStore) StartCleanup() {
	go s.cleanupLoop()
	s.logger.Info("ledger cleanup started", zap.Duration("interval", s.config.CleanupInterval))
}

// Stop stops the ledger cleanup
func (s *PostgresStore) Stop() {
	s.cancel()
	<-s.done
	s.logger.Info("ledger cleanup stopped")
}

func (s *PostgresStore) cleanupLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.cleanup(s.ctx); err != nil {
				s.logger.Error("ledger cleanup failed", zap.Error(err))
			}
		}
	}
}

func (s *PostgresStore) cleanup(ctx context.Context) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM generation_ledger WHERE expires_at < NOW()`)
	if err != nil {
		return err
	}

	if result.RowsAffected() > 0 {
		s.logger.Info("ledger cleanup completed", zap.Int64("deleted", result.RowsAffected()))
	}
	return nil
}
