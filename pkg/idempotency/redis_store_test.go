package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	prefix := "medround:test:" + time.Now().Format("150405.000000") + ":"
	store := NewRedisStore(client, prefix, time.Minute)

	status, err := store.Status(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusNone, status)

	require.NoError(t, store.SetStatus(ctx, "k1", StatusRecoverable, "connection reset"))
	detail, err := client.Get(ctx, prefix+"k1:detail").Result()
	require.NoError(t, err)
	assert.Equal(t, "connection reset", detail)

	require.NoError(t, store.SetStatus(ctx, "k1", StatusFinished, ""))
	status, err = store.Status(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, status)

	ttl, err := client.TTL(ctx, prefix+"k1").Result()
	require.NoError(t, err)
	assert.True(t, ttl > 0 && ttl <= time.Minute)

	_, err = client.Get(ctx, prefix+"k1:detail").Result()
	assert.ErrorIs(t, err, redis.Nil)
}
