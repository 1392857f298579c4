// Package postgres provides PostgreSQL infrastructure components: the
// medication repository, the transactional outbox and schema migration.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carehome/medround/internal/domain/medication"
	"github.com/carehome/medround/internal/schedule"
)

// RepositoryConfig holds repository configuration
type RepositoryConfig struct {
	// Location is the facility time zone used to evaluate validity windows
	Location *time.Location
	// IntakeTopic receives an IntakeScheduled event for every new record
	IntakeTopic string
}

// Repository implements medication.Repository on PostgreSQL
type Repository struct {
	pool   *pgxpool.Pool
	config RepositoryConfig
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, cfg RepositoryConfig, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Repository{pool: pool, config: cfg, logger: logger}
}

const orderColumns = `id, resident_id, medication_name, dosage, schedule_type, frequency,
		       times, start_date, end_date, status, updated_at`

// QueryActiveOrders returns active orders whose validity window, taken in
// the facility zone, includes date.
func (r *Repository) QueryActiveOrders(ctx context.Context, date schedule.Date) ([]*medication.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM medication_orders
		WHERE status = $1
		  AND start_date < $2
		  AND (end_date IS NULL OR end_date >= $3)
		ORDER BY id
	`

	dayStart := date.At(0, r.config.Location)
	nextDay := date.AddDays(1).At(0, r.config.Location)

	rows, err := r.pool.Query(ctx, query, medication.StatusActive, nextDay, dayStart)
	if err != nil {
		return nil, fmt.Errorf("query active orders: %w", err)
	}
	defer rows.Close()

	var orders []*medication.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetOrder returns a single order regardless of status
func (r *Repository) GetOrder(ctx context.Context, id string) (*medication.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM medication_orders WHERE id = $1`

	o, err := scanOrder(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, medication.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func scanOrder(row pgx.Row) (*medication.Order, error) {
	o := &medication.Order{}
	var scheduleType, frequency, status string
	err := row.Scan(
		&o.ID, &o.ResidentID, &o.MedicationName, &o.Dosage, &scheduleType, &frequency,
		&o.Times, &o.StartDate, &o.EndDate, &status, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.ScheduleType = medication.ScheduleType(scheduleType)
	o.Frequency = medication.Frequency(frequency)
	o.Status = medication.Status(status)
	return o, nil
}

// InsertIntakeRecordIfAbsent inserts rec unless its (order, date, time) key
// already exists. A new record and its IntakeScheduled outbox entry are
// committed in one transaction.
func (r *Repository) InsertIntakeRecordIfAbsent(ctx context.Context, rec *medication.IntakeRecord) (medication.InsertOutcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO intake_records
		(id, order_id, resident_id, scheduled_date, scheduled_time, scheduled_at, shift, shift_date, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (order_id, scheduled_date, scheduled_time) DO NOTHING
		RETURNING 1
	`

	var inserted int
	err = tx.QueryRow(ctx, query,
		rec.ID,
		rec.OrderID,
		rec.ResidentID,
		dateValue(rec.ScheduledDate),
		rec.ScheduledTime,
		rec.ScheduledAt,
		string(rec.Shift),
		dateValue(rec.ShiftDate),
		string(rec.Status),
		rec.CreatedAt,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return medication.AlreadyExists, nil
	}
	if err != nil {
		return 0, fmt.Errorf("insert intake record: %w", err)
	}

	evt, err := medication.NewIntakeScheduledEvent(rec)
	if err != nil {
		return 0, fmt.Errorf("build intake event: %w", err)
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("marshal intake event: %w", err)
	}

	if err := WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   rec.OrderID,
		AggregateType: evt.AggregateType,
		EventType:     string(evt.EventType),
		Payload:       payload,
		Topic:         r.config.IntakeTopic,
		Key:           rec.OrderID,
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return medication.Inserted, nil
}

// ListIntakeRecords returns a resident's records between from and to inclusive
func (r *Repository) ListIntakeRecords(ctx context.Context, residentID string, from, to schedule.Date) ([]*medication.IntakeRecord, error) {
	query := `
		SELECT id, order_id, resident_id, scheduled_date, scheduled_time, scheduled_at,
		       shift, shift_date, status, created_at
		FROM intake_records
		WHERE resident_id = $1
		  AND scheduled_date BETWEEN $2 AND $3
		ORDER BY scheduled_at ASC, order_id ASC
	`

	rows, err := r.pool.Query(ctx, query, residentID, dateValue(from), dateValue(to))
	if err != nil {
		return nil, fmt.Errorf("list intake records: %w", err)
	}
	defer rows.Close()

	var records []*medication.IntakeRecord
	for rows.Next() {
		rec := &medication.IntakeRecord{}
		var scheduledDate, shiftDate time.Time
		var shift, status string
		err := rows.Scan(
			&rec.ID, &rec.OrderID, &rec.ResidentID, &scheduledDate, &rec.ScheduledTime,
			&rec.ScheduledAt, &shift, &shiftDate, &status, &rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan intake record: %w", err)
		}
		rec.ScheduledDate = schedule.DateOf(scheduledDate, time.UTC)
		rec.ShiftDate = schedule.DateOf(shiftDate, time.UTC)
		rec.Shift = schedule.Shift(shift)
		rec.Status = medication.AdministrationStatus(status)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Ping verifies database connectivity
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// dateValue encodes a civil date for a DATE column
func dateValue(d schedule.Date) time.Time {
	return d.At(0, time.UTC)
}
