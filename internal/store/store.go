package store

import (
	"context"
	"errors"
	"time"

	"task-controller/pkg/models"
)

var ErrNotFound = errors.New("not found")

const (
	LeaseKey     = "gpu:leases"
	RunningKey   = "monitor:running"
	FinishedKey  = "monitor:finished"
	EventsKey    = "events:task_status"
	FailedKey    = "postman:failed"
	TerminateKey = "task:terminate:"
)

// LeaseStore holds GPU leases as id -> lease unix timestamp. Every method is a
// single atomic operation against the backing store.
type LeaseStore interface {
	// LockedGPUs purges leases older than cutoff and returns the remaining ids.
	LockedGPUs(ctx context.Context, cutoff float64) ([]string, error)

	LeaseGPUs(ctx context.Context, ids []string, now float64) error

	// AcquireGPUs purges leases older than cutoff, picks the first count
	// candidates that are not leased and leases them at now. It returns an
	// empty slice, and leases nothing, when fewer than count are available.
	AcquireGPUs(ctx context.Context, candidates []string, count int, cutoff, now float64) ([]string, error)
}

type MonitorStore interface {
	RegisterTask(ctx context.Context, entry models.MonitorEntry) error

	RunningTasks(ctx context.Context) ([]models.MonitorEntry, error)

	FinishedTasks(ctx context.Context) ([]models.MonitorEntry, error)

	// UpdateRunning overwrites entries that are still in the running set.
	UpdateRunning(ctx context.Context, entries []models.MonitorEntry) error

	// FinishTasks moves entries from the running set to the finished set.
	FinishTasks(ctx context.Context, entries []models.MonitorEntry) error

	EvictFinished(ctx context.Context, taskIds []string) error

	// GetTask returns ErrNotFound when the task is in neither set.
	GetTask(ctx context.Context, taskId string) (entry models.MonitorEntry, running bool, err error)
}

type StreamMessage struct {
	Id    string
	Topic string
	Body  []byte
}

type EventStream interface {
	Publish(ctx context.Context, topic string, body []byte) (string, error)

	EnsureGroup(ctx context.Context, group string) error

	// ReadGroup returns messages never delivered to the group, waiting up to
	// block for the first one. An empty result is not an error.
	ReadGroup(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error)

	// ClaimStale transfers messages that were delivered to some consumer but
	// not acknowledged within minIdle to the given consumer.
	ClaimStale(ctx context.Context, group, consumer string, minIdle time.Duration, count int64) ([]StreamMessage, error)

	AckDelete(ctx context.Context, group string, ids ...string) error
}

type FailedCache interface {
	// LoadFailed returns nil data when nothing has been saved.
	LoadFailed(ctx context.Context) ([]byte, error)

	// UpdateFailed replaces the cache with update(current) as one atomic
	// step. update may be called more than once and must not have side
	// effects.
	UpdateFailed(ctx context.Context, update func(current []byte) ([]byte, error)) error
}

type TerminateFlags interface {
	MarkTerminated(ctx context.Context, taskId string, ttl time.Duration) error

	IsTerminated(ctx context.Context, taskId string) (bool, error)
}

type Store interface {
	LeaseStore
	MonitorStore
	EventStream
	FailedCache
	TerminateFlags

	Close() error
}
