package auth

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStateStore(t *testing.T, store StateStore) {
	t.Helper()
	ctx := context.Background()

	state, err := store.Issue(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, state)

	ok, err := store.Consume(ctx, state)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Consume(ctx, state)
	require.NoError(t, err)
	assert.False(t, ok, "state is single use")

	ok, err = store.Consume(ctx, "never-issued")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Consume(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStateStore(t *testing.T) {
	store := NewMemoryStateStore(time.Minute)
	defer store.Stop()
	exerciseStateStore(t, store)
}

func TestMemoryStateStore_Expiry(t *testing.T) {
	store := NewMemoryStateStore(20 * time.Millisecond)
	defer store.Stop()

	state, err := store.Issue(context.Background())
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	ok, err := store.Consume(context.Background(), state)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStateStore(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	exerciseStateStore(t, NewRedisStateStore(client, "targetdialer-test", time.Minute))
}
