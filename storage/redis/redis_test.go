package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	s, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{})
	require.NoError(t, err)
	assert.Equal(t, "subsync:", s.config.KeyPrefix)
	assert.Equal(t, 5*time.Minute, s.config.ClaimTTL)
	assert.Equal(t, 30*24*time.Hour, s.config.EventTTL)
}

func TestInbox(t *testing.T) {
	client := setupTestRedis(t)
	s, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	res, err := s.Claim(ctx, "stripe", "evt_1", "customer.subscription.updated")
	require.NoError(t, err)
	assert.Equal(t, subsync.ClaimAcquired, res)

	res, err = s.Claim(ctx, "stripe", "evt_1", "customer.subscription.updated")
	require.NoError(t, err)
	assert.Equal(t, subsync.ClaimInFlight, res, "second claim must be rejected")

	require.NoError(t, s.Release(ctx, "stripe", "evt_1"))
	res, err = s.Claim(ctx, "stripe", "evt_1", "customer.subscription.updated")
	require.NoError(t, err)
	assert.Equal(t, subsync.ClaimAcquired, res, "released claim must be claimable")

	require.NoError(t, s.MarkProcessed(ctx, "stripe", "evt_1"))
	require.NoError(t, s.Release(ctx, "stripe", "evt_1"))
	res, err = s.Claim(ctx, "stripe", "evt_1", "customer.subscription.updated")
	require.NoError(t, err)
	assert.Equal(t, subsync.ClaimProcessed, res, "processed event must stay recorded")

	ttl, err := client.TTL(ctx, s.eventKey("stripe", "evt_1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 24*time.Hour)

	assert.ErrorIs(t, s.MarkProcessed(ctx, "stripe", "evt_unknown"), subsync.ErrNotFound)
}

func TestInbox_ClaimExpires(t *testing.T) {
	client := setupTestRedis(t)
	s, err := New(client, Config{ClaimTTL: 50 * time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := s.Claim(ctx, "stripe", "evt_2", "invoice.payment_failed")
	require.NoError(t, err)
	require.Equal(t, subsync.ClaimAcquired, res)

	time.Sleep(100 * time.Millisecond)

	res, err = s.Claim(ctx, "stripe", "evt_2", "invoice.payment_failed")
	require.NoError(t, err)
	assert.Equal(t, subsync.ClaimAcquired, res)
}

func TestInbox_ConcurrentClaim(t *testing.T) {
	client := setupTestRedis(t)
	s, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Claim(ctx, "stripe", "evt_race", "customer.subscription.updated")
			assert.NoError(t, err)
			if res == subsync.ClaimAcquired {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claimed)
}

func TestTryLock(t *testing.T) {
	client := setupTestRedis(t)
	s, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	release, ok, err := s.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lock must be exclusive")

	require.NoError(t, release(ctx))

	release2, ok, err := s.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = release2(ctx) }()
}

func TestTryLock_StaleReleaseKeepsSuccessor(t *testing.T) {
	client := setupTestRedis(t)
	s, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	stale, ok, err := s.TryLock(ctx, "sweep", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)

	_, ok, err = s.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, stale(ctx))

	exists, err := client.Exists(ctx, "subsync:sweep").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
}
