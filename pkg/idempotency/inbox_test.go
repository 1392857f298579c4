package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	statuses  map[string]Status
	details   map[string]string
	lookupErr error
	setErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{statuses: map[string]Status{}, details: map[string]string{}}
}

func (f *fakeStore) Status(_ context.Context, key string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return StatusNone, f.lookupErr
	}
	return f.statuses[key], nil
}

func (f *fakeStore) SetStatus(_ context.Context, key string, status Status, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.statuses[key] = status
	f.details[key] = detail
	return nil
}

func TestInbox_SkipsFinishedKeys(t *testing.T) {
	store := newFakeStore()
	inbox := NewInbox(store, nil)
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) error { calls++; return nil }

	first, err := inbox.Process(ctx, "order-1|2024-01-15|abc", fn)
	require.NoError(t, err)
	assert.False(t, first.Skipped)

	second, err := inbox.Process(ctx, "order-1|2024-01-15|abc", fn)
	require.NoError(t, err)
	assert.True(t, second.Skipped)

	assert.Equal(t, 1, calls)
	assert.Equal(t, StatusFinished, store.statuses["order-1|2024-01-15|abc"])
}

func TestInbox_FailedWorkIsRecoverable(t *testing.T) {
	store := newFakeStore()
	inbox := NewInbox(store, nil)
	ctx := context.Background()

	boom := errors.New("insert timed out")
	_, err := inbox.Process(ctx, "k", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StatusRecoverable, store.statuses["k"])
	assert.Equal(t, "insert timed out", store.details["k"])

	res, err := inbox.Process(ctx, "k", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
	assert.Equal(t, StatusFinished, store.statuses["k"])
}

func TestInbox_StoreFailureFallsThrough(t *testing.T) {
	store := newFakeStore()
	store.lookupErr = errors.New("connection refused")
	store.setErr = errors.New("connection refused")
	inbox := NewInbox(store, nil)

	calls := 0
	for i := 0; i < 2; i++ {
		res, err := inbox.Process(context.Background(), "k", func(context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.False(t, res.Skipped)
	}
	assert.Equal(t, 2, calls)
}

func TestIntakeKeyAndRecordID(t *testing.T) {
	key1 := IntakeKey("order-1", "2024-01-15", "08:00")
	key2 := IntakeKey("order-1", "2024-01-15", "08:00")
	key3 := IntakeKey("order-1", "2024-01-15", "14:00")

	assert.Equal(t, "order-1|2024-01-15|08:00", key1)
	assert.Equal(t, RecordID(key1), RecordID(key2))
	assert.NotEqual(t, RecordID(key1), RecordID(key3))
	assert.Equal(t, 5, int(RecordID(key1).Version()))
}

func TestGenerateKey(t *testing.T) {
	a := GenerateKey("order-1", "2024-01-15", "fp1")
	b := GenerateKey("order-1", "2024-01-15", "fp1")
	c := GenerateKey("order-1", "2024-01-15", "fp2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
