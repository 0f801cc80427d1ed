package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"task-controller/internal/metrics"
	"task-controller/internal/store"
	"task-controller/internal/utils"
	"task-controller/pkg/models"
)

const (
	TopicRaw = "raw"

	DefaultInterval  = 5 * time.Second
	DefaultRetention = 24 * time.Hour
	defaultReaders   = 8
)

type Store interface {
	store.MonitorStore
	store.EventStream
}

type Config struct {
	Interval  time.Duration
	Retention time.Duration

	// Number of tasks whose logs are read concurrently.
	Readers int
}

type Monitor struct {
	store   Store
	watcher *Watcher
	cfg     Config
	now     func() time.Time
}

// New creates a monitor. watcher may be nil, in which case logs are only
// polled on the interval.
func New(s Store, watcher *Watcher, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Readers <= 0 {
		cfg.Readers = defaultReaders
	}
	return &Monitor{store: s, watcher: watcher, cfg: cfg, now: time.Now}
}

func logPaths(entry models.MonitorEntry) []string {
	paths := make([]string, 0, len(entry.Subtasks))
	for path := range entry.Subtasks {
		paths = append(paths, path)
	}
	return paths
}

func (m *Monitor) Register(ctx context.Context, entry models.MonitorEntry) error {
	entry.Record.TaskId = entry.TaskId
	if entry.Record.State == "" {
		entry.Record.State = models.StatePending
	}
	if err := m.store.RegisterTask(ctx, entry); err != nil {
		return fmt.Errorf("failed to register task %s: %w", entry.TaskId, err)
	}

	if m.watcher != nil {
		if err := m.watcher.Add(logPaths(entry)...); err != nil {
			// Polling still picks the task up.
			slog.Warn("failed to watch progress logs", "task_id", entry.TaskId, "error", err)
		}
	}

	slog.Info("registered task with monitor", "task_id", entry.TaskId, "subtasks", len(entry.Subtasks))
	return nil
}

type update struct {
	record  models.TaskMonitorRecord
	changed bool
}

func (m *Monitor) aggregate(entry models.MonitorEntry) (update, error) {
	record, ok, err := Aggregate(entry.TaskId, entry.Subtasks)
	if err != nil || !ok {
		return update{}, err
	}

	prev := entry.Record
	if record.Timestamp == prev.Timestamp && record.State == prev.State {
		return update{}, nil
	}
	return update{record: record, changed: true}, nil
}

// RunOnce aggregates every running task, publishes the changed records as one
// event and moves finished tasks out of the running set. A task whose logs
// cannot be read is logged and skipped.
func (m *Monitor) RunOnce(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.MonitorCycleSeconds.Observe(time.Since(start).Seconds()) }()

	entries, err := m.store.RunningTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list running tasks: %w", err)
	}

	queue := make(chan models.MonitorEntry, len(entries))
	for _, e := range entries {
		queue <- e
	}
	close(queue)

	completed := make(chan utils.CompletedTask[models.MonitorEntry, update], len(entries))
	utils.RunInPool(m.aggregate, queue, completed, m.cfg.Readers)

	records := make(map[string]models.TaskMonitorRecord)
	var running, finished []models.MonitorEntry

	for c := range completed {
		if c.Error != nil {
			metrics.MonitorErrorsTotal.Inc()
			slog.Error("failed to aggregate task progress", "task_id", c.Input.TaskId, "error", c.Error)
			continue
		}
		if !c.Result.changed {
			continue
		}

		entry := c.Input
		entry.Record = c.Result.record
		records[entry.TaskId] = entry.Record

		if entry.Record.State.IsTerminal() {
			finished = append(finished, entry)
		} else {
			running = append(running, entry)
		}
	}

	if len(records) == 0 {
		return nil
	}

	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to serialize task records: %w", err)
	}
	// Stores are only updated after the event is out, so a failed publish is
	// retried on the next cycle.
	if _, err := m.store.Publish(ctx, TopicRaw, body); err != nil {
		return fmt.Errorf("failed to publish task records: %w", err)
	}
	metrics.MonitorEventsTotal.Add(float64(len(records)))

	if err := m.store.UpdateRunning(ctx, running); err != nil {
		return fmt.Errorf("failed to update running tasks: %w", err)
	}
	if err := m.store.FinishTasks(ctx, finished); err != nil {
		return fmt.Errorf("failed to finish tasks: %w", err)
	}

	for _, e := range finished {
		if m.watcher != nil {
			m.watcher.Remove(logPaths(e)...)
		}
		slog.Info("task finished", "task_id", e.TaskId, "state", e.Record.State, "percent", e.Record.Percent)
	}
	return nil
}

// EvictFinished drops finished tasks whose last update is older than the
// retention period.
func (m *Monitor) EvictFinished(ctx context.Context) error {
	entries, err := m.store.FinishedTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list finished tasks: %w", err)
	}

	cutoff := float64(m.now().Add(-m.cfg.Retention).UnixNano()) / 1e9
	var expired []string
	for _, e := range entries {
		if e.Record.Timestamp < cutoff {
			expired = append(expired, e.TaskId)
		}
	}
	if len(expired) == 0 {
		return nil
	}

	if err := m.store.EvictFinished(ctx, expired); err != nil {
		return fmt.Errorf("failed to evict finished tasks: %w", err)
	}
	slog.Info("evicted finished tasks", "count", len(expired))
	return nil
}

func (m *Monitor) Run(ctx context.Context) {
	slog.Info("starting monitor", "interval", m.cfg.Interval, "retention", m.cfg.Retention)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	var changes <-chan struct{}
	if m.watcher != nil {
		changes = m.watcher.Changes()
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping monitor")
			return
		case <-ticker.C:
			if err := m.EvictFinished(ctx); err != nil {
				slog.Error("monitor eviction failed", "error", err)
			}
		case <-changes:
		}

		if err := m.RunOnce(ctx); err != nil {
			slog.Error("monitor cycle failed", "error", err)
		}
	}
}

func (m *Monitor) Get(ctx context.Context, taskId string) (models.MonitorEntry, bool, error) {
	return m.store.GetTask(ctx, taskId)
}

func (m *Monitor) List(ctx context.Context, running bool) ([]models.MonitorEntry, error) {
	if running {
		return m.store.RunningTasks(ctx)
	}
	return m.store.FinishedTasks(ctx)
}
