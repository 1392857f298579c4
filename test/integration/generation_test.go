// Package integration exercises generation against a real PostgreSQL.
// Set TEST_DATABASE_URL to run; the tests truncate medround's tables.
package integration

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carehome/medround/internal/domain/medication"
	"github.com/carehome/medround/internal/generation"
	"github.com/carehome/medround/internal/infrastructure/postgres"
	"github.com/carehome/medround/internal/infrastructure/redpanda"
	"github.com/carehome/medround/internal/schedule"
	"github.com/carehome/medround/pkg/idempotency"
)

var london = mustLoad("Europe/London")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func setup(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := postgres.Connect(ctx, url, 5)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, postgres.Migrate(ctx, pool))
	_, err = pool.Exec(ctx, `TRUNCATE medication_orders, intake_records, outbox, generation_ledger`)
	require.NoError(t, err)
	return pool
}

func insertOrder(t *testing.T, pool *pgxpool.Pool, o *medication.Order) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO medication_orders
		(id, resident_id, medication_name, schedule_type, frequency, times, start_date, end_date, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE
		SET frequency = EXCLUDED.frequency, times = EXCLUDED.times, status = EXCLUDED.status, end_date = EXCLUDED.end_date, updated_at = NOW()
	`, o.ID, o.ResidentID, o.MedicationName, string(o.ScheduleType), string(o.Frequency),
		o.Times, o.StartDate, o.EndDate, string(o.Status))
	require.NoError(t, err)
}

func order(id, resident string, freq medication.Frequency, times ...string) *medication.Order {
	return &medication.Order{
		ID:             id,
		ResidentID:     resident,
		MedicationName: "Paracetamol",
		ScheduleType:   medication.ScheduleScheduled,
		Frequency:      freq,
		Times:          times,
		StartDate:      time.Date(2024, time.March, 1, 0, 0, 0, 0, london),
		Status:         medication.StatusActive,
	}
}

func newJob(t *testing.T, pool *pgxpool.Pool, opts ...generation.Option) (*generation.Job, *postgres.Repository) {
	t.Helper()
	repo := postgres.NewRepository(pool, postgres.RepositoryConfig{
		Location:    london,
		IntakeTopic: redpanda.TopicIntakeScheduled,
	}, zap.NewNop())

	cfg := generation.DefaultConfig()
	cfg.Location = london
	cfg.RetryDelay = 10 * time.Millisecond
	job, err := generation.NewJob(repo, cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	return job, repo
}

func count(t *testing.T, pool *pgxpool.Pool, query string, args ...interface{}) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), query, args...).Scan(&n))
	return n
}

func TestGeneration_IdempotentAgainstPostgres(t *testing.T) {
	pool := setup(t)
	ctx := context.Background()

	insertOrder(t, pool, order("o1", "r1", medication.FrequencyThreeTimesDaily, "08:00", "14:00", "22:00"))
	insertOrder(t, pool, order("o2", "r1", medication.FrequencyEveryOtherDay, "09:00"))
	prn := order("o3", "r2", medication.FrequencyAsNeeded)
	prn.ScheduleType = medication.SchedulePRN
	insertOrder(t, pool, prn)

	job, repo := newJob(t, pool)
	day := schedule.NewDate(2024, time.March, 15) // 14 days after start

	report, err := job.Run(ctx, day)
	require.NoError(t, err)
	assert.True(t, report.Succeeded())
	assert.Equal(t, 3, report.OrdersConsidered)
	assert.Equal(t, 4, report.RecordsCreated)

	report, err = job.Run(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 0, report.RecordsCreated)
	assert.Equal(t, 4, report.RecordsExisting)

	assert.Equal(t, 4, count(t, pool, `SELECT COUNT(*) FROM intake_records`))
	assert.Equal(t, 4, count(t, pool, `SELECT COUNT(*) FROM outbox WHERE event_type = $1`, string(medication.EventIntakeScheduled)))

	records, err := repo.ListIntakeRecords(ctx, "r1", day, day)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "08:00", records[0].ScheduledTime)
	assert.Equal(t, schedule.ShiftDay, records[0].Shift)
	assert.Equal(t, "22:00", records[3].ScheduledTime)
	assert.Equal(t, schedule.ShiftNight, records[3].Shift)
	assert.Equal(t, day, records[3].ShiftDate)
}

func TestGeneration_DSTSpringForward(t *testing.T) {
	pool := setup(t)
	ctx := context.Background()

	// 01:30 does not exist in London on 2024-03-31
	insertOrder(t, pool, order("o1", "r1", medication.FrequencyTwiceDaily, "01:30", "09:00"))

	job, repo := newJob(t, pool)
	day := schedule.NewDate(2024, time.March, 31)

	report, err := job.Run(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 2, report.RecordsCreated)

	records, err := repo.ListIntakeRecords(ctx, "r1", day, day)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "01:30", records[0].ScheduledTime)
	assert.Equal(t, day, records[0].ScheduledDate)
	assert.Equal(t, schedule.ShiftNight, records[0].Shift)
	assert.Equal(t, schedule.NewDate(2024, time.March, 30), records[0].ShiftDate)
}

func TestGeneration_LedgerSkipsUnchangedOrders(t *testing.T) {
	pool := setup(t)
	ctx := context.Background()

	insertOrder(t, pool, order("o1", "r1", medication.FrequencyOnceDaily, "08:00"))

	store := idempotency.NewPostgresStore(pool, idempotency.DefaultPostgresConfig(), zap.NewNop())
	job, _ := newJob(t, pool, generation.WithLedger(store))
	day := schedule.NewDate(2024, time.March, 15)

	report, err := job.Run(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RecordsCreated)

	report, err = job.Run(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrdersSkipped)

	// an edit changes the fingerprint, so only the new time is inserted
	insertOrder(t, pool, order("o1", "r1", medication.FrequencyTwiceDaily, "08:00", "20:00"))
	report, err = job.RunOrder(ctx, "o1", day)
	require.NoError(t, err)
	assert.Equal(t, 0, report.OrdersSkipped)
	assert.Equal(t, 1, report.RecordsCreated)
	assert.Equal(t, 1, report.RecordsExisting)
}

func TestGeneration_CancelledOrderKeepsRecords(t *testing.T) {
	pool := setup(t)
	ctx := context.Background()

	o := order("o1", "r1", medication.FrequencyOnceDaily, "08:00")
	insertOrder(t, pool, o)
	job, _ := newJob(t, pool)

	_, err := job.Run(ctx, schedule.NewDate(2024, time.March, 15))
	require.NoError(t, err)

	o.Status = medication.StatusCancelled
	insertOrder(t, pool, o)

	report, err := job.Run(ctx, schedule.NewDate(2024, time.March, 16))
	require.NoError(t, err)
	assert.Equal(t, 0, report.OrdersConsidered)
	assert.Equal(t, 1, count(t, pool, `SELECT COUNT(*) FROM intake_records`))
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func (p *capturePublisher) Publish(_ context.Context, topic, _ string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs[topic] = append(p.msgs[topic], value)
	return nil
}

func (p *capturePublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs[topic])
}

func TestOutbox_RelaysIntakeEvents(t *testing.T) {
	pool := setup(t)
	ctx := context.Background()

	insertOrder(t, pool, order("o1", "r1", medication.FrequencyTwiceDaily, "08:00", "20:00"))
	job, _ := newJob(t, pool)
	_, err := job.Run(ctx, schedule.NewDate(2024, time.March, 15))
	require.NoError(t, err)

	pub := &capturePublisher{msgs: make(map[string][][]byte)}
	cfg := postgres.DefaultOutboxConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, pub, cfg, zap.NewNop())

	outbox.Start()
	require.Eventually(t, func() bool {
		return pub.count(redpanda.TopicIntakeScheduled) == 2
	}, 5*time.Second, 20*time.Millisecond)
	outbox.Stop()

	var evt medication.Event
	require.NoError(t, json.Unmarshal(pub.msgs[redpanda.TopicIntakeScheduled][0], &evt))
	assert.Equal(t, medication.EventIntakeScheduled, evt.EventType)

	var data medication.IntakeScheduledData
	require.NoError(t, json.Unmarshal(evt.EventData, &data))
	assert.Equal(t, "o1", data.OrderID)
	assert.Equal(t, schedule.ShiftDay, data.Shift)

	stats, err := outbox.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(2), stats.Processed)
}
