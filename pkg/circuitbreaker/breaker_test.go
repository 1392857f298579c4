package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errDown    = errors.New("connection refused")
	errInvalid = errors.New("invalid order")
)

func testConfig() Config {
	cfg := DefaultConfig("orders")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	cfg.Ignore = func(err error) bool { return errors.Is(err, errInvalid) }
	return cfg
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, err := New(testConfig(), nil)
	require.NoError(t, err)

	var transitions []State
	cb.Subscribe(func(name string, from, to State) {
		assert.Equal(t, "orders", name)
		transitions = append(transitions, to)
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := cb.Do(ctx, func() error { return errDown })
		assert.ErrorIs(t, err, errDown)
		assert.False(t, IsOpen(err))
	}

	assert.Equal(t, StateOpen, cb.GetState())
	assert.Equal(t, []State{StateOpen}, transitions)

	called := false
	err = cb.Do(ctx, func() error { called = true; return nil })
	assert.True(t, IsOpen(err))
	assert.False(t, called)
}

func TestCircuitBreaker_IgnoredErrorsDoNotTrip(t *testing.T) {
	cb, err := New(testConfig(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		err := cb.Do(ctx, func() error { return errInvalid })
		assert.ErrorIs(t, err, errInvalid)
	}

	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, uint32(0), cb.Counts().TotalFailures)
}

func TestCircuitBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb, err := New(testConfig(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	_ = cb.Do(ctx, func() error { return errDown })
	_ = cb.Do(ctx, func() error { return errDown })
	require.NoError(t, cb.Do(ctx, func() error { return nil }))
	_ = cb.Do(ctx, func() error { return errDown })

	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, uint32(1), cb.Counts().ConsecutiveFailures)
}

func TestCircuitBreaker_ExecuteReturnsResult(t *testing.T) {
	cb, err := New(DefaultConfig("orders"), nil)
	require.NoError(t, err)

	v, err := cb.Execute(context.Background(), func() (interface{}, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, "orders", cb.Name())
}
