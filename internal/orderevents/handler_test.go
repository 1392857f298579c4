package orderevents

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carehome/medround/internal/domain/medication"
	"github.com/carehome/medround/internal/generation"
	"github.com/carehome/medround/internal/infrastructure/memory"
	"github.com/carehome/medround/internal/infrastructure/redpanda"
	"github.com/carehome/medround/internal/schedule"
)

type published struct {
	topic, key string
	value      []byte
}

type fakePublisher struct {
	sent []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{topic, key, value})
	return nil
}

func newJob(t *testing.T, repo medication.Repository) *generation.Job {
	t.Helper()
	cfg := generation.DefaultConfig()
	cfg.Workers = 2
	cfg.MaxRetries = 1
	cfg.RetryDelay = time.Millisecond
	job, err := generation.NewJob(repo, cfg, zap.NewNop(), generation.WithClock(func() time.Time {
		return time.Date(2024, time.January, 15, 9, 30, 0, 0, time.UTC)
	}))
	require.NoError(t, err)
	return job
}

func order(id string, times ...string) *medication.Order {
	return &medication.Order{
		ID:             id,
		ResidentID:     "r1",
		MedicationName: "Metformin",
		ScheduleType:   medication.ScheduleScheduled,
		Frequency:      medication.FrequencyTwiceDaily,
		Times:          times,
		StartDate:      time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		Status:         medication.StatusActive,
	}
}

func message(t *testing.T, data medication.OrderChangedData) *redpanda.ConsumedMessage {
	t.Helper()
	evt, err := medication.NewEvent(data.OrderID, medication.EventOrderChanged, data)
	require.NoError(t, err)
	value, err := json.Marshal(evt)
	require.NoError(t, err)
	return &redpanda.ConsumedMessage{
		Topic: redpanda.TopicOrdersChanged,
		Key:   []byte(data.OrderID),
		Value: value,
	}
}

func TestHandle_RegeneratesChangedOrderForToday(t *testing.T) {
	repo := memory.NewRepository(time.UTC)
	repo.PutOrder(order("o1", "08:00", "18:00"))
	dlq := &fakePublisher{}
	h := NewHandler(newJob(t, repo), dlq, nil)

	require.NoError(t, h.Handle(context.Background(), message(t, medication.OrderChangedData{OrderID: "o1"})))

	records := repo.Records()
	require.Len(t, records, 2)
	assert.Equal(t, schedule.NewDate(2024, time.January, 15), records[0].ScheduledDate)
	assert.Empty(t, dlq.sent)

	// an edit adding a time only inserts the new dose
	repo.PutOrder(order("o1", "08:00", "12:00", "18:00"))
	require.NoError(t, h.Handle(context.Background(), message(t, medication.OrderChangedData{OrderID: "o1"})))
	assert.Len(t, repo.Records(), 3)
}

func TestHandle_ExplicitDate(t *testing.T) {
	repo := memory.NewRepository(time.UTC)
	repo.PutOrder(order("o1", "08:00"))
	h := NewHandler(newJob(t, repo), nil, nil)

	require.NoError(t, h.Handle(context.Background(),
		message(t, medication.OrderChangedData{OrderID: "o1", Date: "2024-01-16"})))

	records := repo.Records()
	require.Len(t, records, 1)
	assert.Equal(t, schedule.NewDate(2024, time.January, 16), records[0].ScheduledDate)
}

func TestHandle_UnknownOrderIsAcknowledged(t *testing.T) {
	repo := memory.NewRepository(time.UTC)
	dlq := &fakePublisher{}
	h := NewHandler(newJob(t, repo), dlq, nil)

	assert.NoError(t, h.Handle(context.Background(), message(t, medication.OrderChangedData{OrderID: "missing"})))
	assert.Empty(t, dlq.sent)
}

func TestHandle_CancelledOrderCreatesNothing(t *testing.T) {
	repo := memory.NewRepository(time.UTC)
	o := order("o1", "08:00")
	o.Status = medication.StatusCancelled
	repo.PutOrder(o)
	h := NewHandler(newJob(t, repo), nil, nil)

	require.NoError(t, h.Handle(context.Background(),
		message(t, medication.OrderChangedData{OrderID: "o1", Status: medication.StatusCancelled})))
	assert.Empty(t, repo.Records())
}

func TestHandle_MalformedMessagesGoToDeadLetter(t *testing.T) {
	repo := memory.NewRepository(time.UTC)
	dlq := &fakePublisher{}
	h := NewHandler(newJob(t, repo), dlq, nil)

	bad := []*redpanda.ConsumedMessage{
		{Key: []byte("k1"), Value: []byte("not json")},
		message(t, medication.OrderChangedData{}),
		message(t, medication.OrderChangedData{OrderID: "o1", Date: "15/01/2024"}),
	}
	for _, msg := range bad {
		assert.NoError(t, h.Handle(context.Background(), msg))
	}

	require.Len(t, dlq.sent, 3)
	for _, p := range dlq.sent {
		assert.Equal(t, redpanda.TopicDeadLetter, p.topic)
	}
	assert.Equal(t, "k1", dlq.sent[0].key)
	assert.Equal(t, []byte("not json"), dlq.sent[0].value)
}

func TestHandle_DeadLetterFailureIsRedelivered(t *testing.T) {
	h := NewHandler(newJob(t, memory.NewRepository(time.UTC)), &fakePublisher{err: errors.New("broker down")}, nil)
	assert.Error(t, h.Handle(context.Background(), &redpanda.ConsumedMessage{Value: []byte("{")}))
}

func TestHandle_IgnoresOtherEvents(t *testing.T) {
	dlq := &fakePublisher{}
	h := NewHandler(newJob(t, memory.NewRepository(time.UTC)), dlq, nil)

	evt, err := medication.NewEvent("o1", medication.EventIntakeScheduled, map[string]string{})
	require.NoError(t, err)
	value, err := json.Marshal(evt)
	require.NoError(t, err)

	assert.NoError(t, h.Handle(context.Background(), &redpanda.ConsumedMessage{Value: value}))
	assert.Empty(t, dlq.sent)
}

func TestHandle_SystemicFailureIsRedelivered(t *testing.T) {
	repo := memory.NewRepository(time.UTC)
	repo.PutOrder(order("o1", "08:00"))
	repo.FailInserts("o1", errors.New("connection refused"), -1)

	// a single order's insert failures are reported, not systemic
	h := NewHandler(newJob(t, repo), nil, nil)
	assert.NoError(t, h.Handle(context.Background(), message(t, medication.OrderChangedData{OrderID: "o1"})))

	stub := &stubRegenerator{err: generation.ErrSystemic}
	h = NewHandler(stub, nil, nil)
	err := h.Handle(context.Background(), message(t, medication.OrderChangedData{OrderID: "o1"}))
	assert.ErrorIs(t, err, generation.ErrSystemic)
}

type stubRegenerator struct {
	err error
}

func (s *stubRegenerator) RunOrder(context.Context, string, schedule.Date) (*generation.Report, error) {
	return &generation.Report{Aborted: true}, s.err
}

func (s *stubRegenerator) Today() schedule.Date { return schedule.NewDate(2024, time.January, 15) }
