package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"task-controller/pkg/models"

	"github.com/redis/go-redis/v9"
)

// Both scripts purge expired leases first so the purge and the read (or the
// purge, the availability check and the lease) are one atomic step.
var lockedScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
return redis.call('ZRANGE', KEYS[1], 0, -1)
`)

var acquireScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local count = tonumber(ARGV[3])
local picked = {}
for i = 4, #ARGV do
  if #picked == count then break end
  if redis.call('ZSCORE', KEYS[1], ARGV[i]) == false then
    table.insert(picked, ARGV[i])
  end
end
if #picked < count then return {} end
for _, id in ipairs(picked) do
  redis.call('ZADD', KEYS[1], ARGV[2], id)
end
return picked
`)

type RedisStore struct {
	rdb *redis.Client
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("connected to redis", "addr", opts.Addr, "db", opts.DB)
	return &RedisStore{rdb: rdb}, nil
}

func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (s *RedisStore) LockedGPUs(ctx context.Context, cutoff float64) ([]string, error) {
	ids, err := lockedScript.Run(ctx, s.rdb, []string{LeaseKey}, formatScore(cutoff)).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read gpu leases: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) LeaseGPUs(ctx context.Context, ids []string, now float64) error {
	if len(ids) == 0 {
		return nil
	}

	members := make([]redis.Z, 0, len(ids))
	for _, id := range ids {
		members = append(members, redis.Z{Score: now, Member: id})
	}
	if err := s.rdb.ZAdd(ctx, LeaseKey, members...).Err(); err != nil {
		return fmt.Errorf("failed to lease gpus %v: %w", ids, err)
	}
	return nil
}

func (s *RedisStore) AcquireGPUs(ctx context.Context, candidates []string, count int, cutoff, now float64) ([]string, error) {
	if count <= 0 || len(candidates) < count {
		return []string{}, nil
	}

	args := make([]any, 0, 3+len(candidates))
	args = append(args, formatScore(cutoff), formatScore(now), count)
	for _, c := range candidates {
		args = append(args, c)
	}

	ids, err := acquireScript.Run(ctx, s.rdb, []string{LeaseKey}, args...).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to acquire gpus: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (s *RedisStore) RegisterTask(ctx context.Context, entry models.MonitorEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal monitor entry: %w", err)
	}
	if err := s.rdb.HSet(ctx, RunningKey, entry.TaskId, data).Err(); err != nil {
		return fmt.Errorf("failed to register task %s: %w", entry.TaskId, err)
	}
	return nil
}

func (s *RedisStore) readEntries(ctx context.Context, key string) ([]models.MonitorEntry, error) {
	raw, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	entries := make([]models.MonitorEntry, 0, len(raw))
	for taskId, data := range raw {
		var entry models.MonitorEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			slog.Error("skipping corrupted monitor entry", "key", key, "task_id", taskId, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisStore) RunningTasks(ctx context.Context) ([]models.MonitorEntry, error) {
	return s.readEntries(ctx, RunningKey)
}

func (s *RedisStore) FinishedTasks(ctx context.Context) ([]models.MonitorEntry, error) {
	return s.readEntries(ctx, FinishedKey)
}

func marshalEntries(entries []models.MonitorEntry) (map[string]any, error) {
	values := make(map[string]any, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal monitor entry %s: %w", e.TaskId, err)
		}
		values[e.TaskId] = data
	}
	return values, nil
}

func (s *RedisStore) UpdateRunning(ctx context.Context, entries []models.MonitorEntry) error {
	if len(entries) == 0 {
		return nil
	}
	values, err := marshalEntries(entries)
	if err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, RunningKey, values).Err(); err != nil {
		return fmt.Errorf("failed to update running tasks: %w", err)
	}
	return nil
}

func (s *RedisStore) FinishTasks(ctx context.Context, entries []models.MonitorEntry) error {
	if len(entries) == 0 {
		return nil
	}
	values, err := marshalEntries(entries)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.TaskId)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, RunningKey, ids...)
		pipe.HSet(ctx, FinishedKey, values)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to move tasks %v to finished: %w", ids, err)
	}
	return nil
}

func (s *RedisStore) EvictFinished(ctx context.Context, taskIds []string) error {
	if len(taskIds) == 0 {
		return nil
	}
	if err := s.rdb.HDel(ctx, FinishedKey, taskIds...).Err(); err != nil {
		return fmt.Errorf("failed to evict finished tasks: %w", err)
	}
	return nil
}

func (s *RedisStore) GetTask(ctx context.Context, taskId string) (models.MonitorEntry, bool, error) {
	for _, key := range []string{RunningKey, FinishedKey} {
		data, err := s.rdb.HGet(ctx, key, taskId).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return models.MonitorEntry{}, false, fmt.Errorf("failed to read task %s: %w", taskId, err)
		}

		var entry models.MonitorEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return models.MonitorEntry{}, false, fmt.Errorf("corrupted monitor entry for task %s: %w", taskId, err)
		}
		return entry, key == RunningKey, nil
	}
	return models.MonitorEntry{}, false, ErrNotFound
}

func (s *RedisStore) Publish(ctx context.Context, topic string, body []byte) (string, error) {
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: EventsKey,
		Values: map[string]any{"topic": topic, "body": string(body)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish %s event: %w", topic, err)
	}
	return id, nil
}

func (s *RedisStore) EnsureGroup(ctx context.Context, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, EventsKey, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}
	return nil
}

func toStreamMessages(msgs []redis.XMessage) []StreamMessage {
	out := make([]StreamMessage, 0, len(msgs))
	for _, m := range msgs {
		topic, _ := m.Values["topic"].(string)
		body, _ := m.Values["body"].(string)
		out = append(out, StreamMessage{Id: m.ID, Topic: topic, Body: []byte(body)})
	}
	return out
}

func (s *RedisStore) ReadGroup(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	streams, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{EventsKey, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from %s: %w", EventsKey, err)
	}

	var out []StreamMessage
	for _, stream := range streams {
		out = append(out, toStreamMessages(stream.Messages)...)
	}
	return out, nil
}

func (s *RedisStore) ClaimStale(ctx context.Context, group, consumer string, minIdle time.Duration, count int64) ([]StreamMessage, error) {
	msgs, _, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   EventsKey,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim stale messages: %w", err)
	}
	return toStreamMessages(msgs), nil
}

func (s *RedisStore) AckDelete(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, EventsKey, group, ids...)
		pipe.XDel(ctx, EventsKey, ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack messages: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadFailed(ctx context.Context) ([]byte, error) {
	data, err := s.rdb.Get(ctx, FailedKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load failed cache: %w", err)
	}
	return data, nil
}

const maxFailedUpdateAttempts = 10

func (s *RedisStore) UpdateFailed(ctx context.Context, update func(current []byte) ([]byte, error)) error {
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, FailedKey).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}

		next, err := update(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, FailedKey, next, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxFailedUpdateAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, FailedKey)
		if errors.Is(err, redis.TxFailedErr) {
			// Another postman changed the cache between read and write.
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to update failed cache: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to update failed cache: still contended after %d attempts", maxFailedUpdateAttempts)
}

func (s *RedisStore) MarkTerminated(ctx context.Context, taskId string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, TerminateKey+taskId, 1, ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark task %s terminated: %w", taskId, err)
	}
	return nil
}

func (s *RedisStore) IsTerminated(ctx context.Context, taskId string) (bool, error) {
	n, err := s.rdb.Exists(ctx, TerminateKey+taskId).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check terminate flag for %s: %w", taskId, err)
	}
	return n > 0, nil
}
