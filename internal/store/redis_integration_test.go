//go:build integration

package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"task-controller/internal/store"
	"task-controller/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupRedis(t *testing.T, ctx context.Context) *store.RedisStore {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "Failed to start redis container")

	t.Cleanup(func() {
		err := container.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate redis container")
	})

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get redis connection string")

	s, err := store.NewRedisStore(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestRedisStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s := setupRedis(t, ctx)

	t.Run("ConcurrentAcquireNeverOverlaps", func(t *testing.T) {
		candidates := []string{"0", "1", "2", "3"}

		var mu sync.Mutex
		seen := map[string]int{}
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ids, err := s.AcquireGPUs(ctx, candidates, 1, 0, 1000)
				assert.NoError(t, err)
				mu.Lock()
				for _, id := range ids {
					seen[id]++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Len(t, seen, 4)
		for id, n := range seen {
			assert.Equal(t, 1, n, "gpu %s leased more than once", id)
		}

		locked, err := s.LockedGPUs(ctx, 2000)
		require.NoError(t, err)
		assert.Empty(t, locked, "every lease is older than the cutoff")
	})

	t.Run("MonitorSets", func(t *testing.T) {
		entry := models.MonitorEntry{TaskId: "T1", Subtasks: map[string]float64{"/a/out/monitor.txt": 1}}
		require.NoError(t, s.RegisterTask(ctx, entry))

		entry.Record = models.TaskMonitorRecord{TaskId: "T1", Percent: 1, State: models.StateDone, Timestamp: 5}
		require.NoError(t, s.FinishTasks(ctx, []models.MonitorEntry{entry}))

		got, running, err := s.GetTask(ctx, "T1")
		require.NoError(t, err)
		assert.False(t, running)
		assert.Equal(t, entry, got)

		require.NoError(t, s.EvictFinished(ctx, []string{"T1"}))
		_, _, err = s.GetTask(ctx, "T1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("StreamConsumerGroup", func(t *testing.T) {
		require.NoError(t, s.EnsureGroup(ctx, "postman"))
		require.NoError(t, s.EnsureGroup(ctx, "postman"))

		_, err := s.Publish(ctx, "raw", []byte(`{"T2":{}}`))
		require.NoError(t, err)

		msgs, err := s.ReadGroup(ctx, "postman", "c1", 10, time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "raw", msgs[0].Topic)

		claimed, err := s.ClaimStale(ctx, "postman", "c2", 0, 10)
		require.NoError(t, err)
		assert.Len(t, claimed, 1)

		require.NoError(t, s.AckDelete(ctx, "postman", msgs[0].Id))

		msgs, err = s.ReadGroup(ctx, "postman", "c1", 10, 100*time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("FailedCacheAndTerminate", func(t *testing.T) {
		data, err := s.LoadFailed(ctx)
		require.NoError(t, err)
		assert.Nil(t, data)

		require.NoError(t, s.UpdateFailed(ctx, func(current []byte) ([]byte, error) {
			assert.Nil(t, current)
			return []byte(`{"T3":{}}`), nil
		}))
		data, err = s.LoadFailed(ctx)
		require.NoError(t, err)
		assert.Equal(t, `{"T3":{}}`, string(data))

		// Concurrent appends are never lost.
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.UpdateFailed(ctx, func(current []byte) ([]byte, error) {
					return append(current, 'x'), nil
				}))
			}()
		}
		wg.Wait()
		data, err = s.LoadFailed(ctx)
		require.NoError(t, err)
		assert.Equal(t, `{"T3":{}}xxxxxxxx`, string(data))

		require.NoError(t, s.MarkTerminated(ctx, "T4", time.Minute))
		terminated, err := s.IsTerminated(ctx, "T4")
		require.NoError(t, err)
		assert.True(t, terminated)
	})
}
