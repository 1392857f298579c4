package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errPermanent = errors.New("permanent")

func tasks(n int) []*Task {
	out := make([]*Task, n)
	for i := range out {
		out[i] = &Task{ID: fmt.Sprintf("task-%d", i), Payload: i}
	}
	return out
}

func TestPool_RunReturnsResultsInTaskOrder(t *testing.T) {
	pool, err := New(Config{Workers: 4}, func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true, Data: task.Payload.(int) * 2}
	}, nil)
	require.NoError(t, err)

	results := pool.Run(context.Background(), tasks(50))
	require.Len(t, results, 50)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("task-%d", i), r.TaskID)
		assert.True(t, r.Success)
		assert.Equal(t, i*2, r.Data)
		assert.Equal(t, 1, r.Attempts)
	}

	stats := pool.Stats()
	assert.Equal(t, int64(50), stats.TasksSubmitted)
	assert.Equal(t, int64(50), stats.TasksCompleted)
	assert.Equal(t, int64(0), stats.ActiveWorkers)
}

func TestPool_RetriesTransientFailures(t *testing.T) {
	var calls int64
	pool, err := New(Config{Workers: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		if atomic.AddInt64(&calls, 1) < 3 {
			return &Result{Error: errors.New("connection reset")}
		}
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)

	results := pool.Run(context.Background(), tasks(1))
	assert.True(t, results[0].Success)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, int64(2), pool.Stats().TasksRetried)
}

func TestPool_GivesUpAfterMaxRetries(t *testing.T) {
	transient := errors.New("connection reset")
	pool, err := New(Config{Workers: 2, MaxRetries: 2, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		return &Result{Error: transient}
	}, nil)
	require.NoError(t, err)

	results := pool.Run(context.Background(), tasks(1))
	assert.False(t, results[0].Success)
	assert.Equal(t, 3, results[0].Attempts)
	assert.ErrorIs(t, results[0].Error, transient)
	assert.Equal(t, int64(1), pool.Stats().TasksFailed)
}

func TestPool_RetryPolicySkipsPermanentErrors(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}

	pool, err := New(Config{Workers: 2, MaxRetries: 5, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		mu.Lock()
		attempts[task.ID]++
		mu.Unlock()
		return &Result{Error: errPermanent}
	}, nil)
	require.NoError(t, err)
	pool.WithRetryPolicy(func(err error) bool { return !errors.Is(err, errPermanent) })

	results := pool.Run(context.Background(), tasks(3))
	for _, r := range results {
		assert.False(t, r.Success)
		assert.Equal(t, errPermanent, r.Error)
	}
	for id, n := range attempts {
		assert.Equal(t, 1, n, id)
	}
}

func TestPool_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool, err := New(Config{Workers: 2}, func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)

	for _, r := range pool.Run(ctx, tasks(4)) {
		assert.False(t, r.Success)
		assert.ErrorIs(t, r.Error, context.Canceled)
	}
}

func TestNew_RequiresWorkerFunc(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}
