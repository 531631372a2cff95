package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisQueueDeliversAndRequeuesFailures(t *testing.T) {
	t.Parallel()

	server := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	queue, err := NewRedisQueue(client, RedisQueueConfig{Key: "test:jobs", BlockWait: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, queue.Publish(ctx, id))
	}

	var (
		mu     sync.Mutex
		seen   []string
		failed bool
	)
	handler := func(_ context.Context, id string) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, id)
		if id == "b" && !failed {
			failed = true
			return assert.AnError
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- queue.Consume(ctx, 2, handler) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b", "b", "c"}, seen)
	assert.False(t, server.Exists("test:jobs"))
}

func TestNewRedisQueueRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewRedisQueue(nil, RedisQueueConfig{})
	assert.Error(t, err)
}
