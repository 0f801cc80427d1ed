package postman

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"task-controller/internal/metrics"
	"task-controller/internal/store"
	"task-controller/pkg/models"
)

const (
	DefaultGroup     = "postman"
	DefaultBatchSize = 100
	DefaultBlock     = 5 * time.Second
	DefaultClaimIdle = time.Minute
	DefaultFailedTTL = time.Hour
	errorBackoff     = time.Second
)

type Store interface {
	store.EventStream
	store.FailedCache
}

type Config struct {
	Group     string
	Consumer  string
	BatchSize int64
	Block     time.Duration

	// Messages delivered to a consumer but not acknowledged for this long are
	// taken over, which covers a postman that died mid-batch.
	ClaimIdle time.Duration

	// Failed records older than this are given up on.
	FailedTTL time.Duration
}

// Postman forwards task records from the event stream to the recorder. Every
// message is acknowledged only after its records were pushed or cached for
// retry, so a crash leads to redelivery rather than loss.
type Postman struct {
	store    Store
	recorder Recorder
	cfg      Config
	now      func() time.Time

	lastClaim time.Time
}

func New(s Store, recorder Recorder, cfg Config) *Postman {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = cfg.Group
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Block <= 0 {
		cfg.Block = DefaultBlock
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = DefaultClaimIdle
	}
	if cfg.FailedTTL <= 0 {
		cfg.FailedTTL = DefaultFailedTTL
	}
	return &Postman{store: s, recorder: recorder, cfg: cfg, now: time.Now}
}

func (p *Postman) Run(ctx context.Context) error {
	if err := p.store.EnsureGroup(ctx, p.cfg.Group); err != nil {
		return fmt.Errorf("failed to create consumer group %s: %w", p.cfg.Group, err)
	}
	slog.Info("starting postman", "group", p.cfg.Group, "consumer", p.cfg.Consumer)

	for {
		if ctx.Err() != nil {
			slog.Info("stopping postman")
			return nil
		}

		msgs, err := p.next(ctx)
		if err == nil {
			err = p.Process(ctx, msgs)
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.Error("postman cycle failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(errorBackoff):
			}
		}
	}
}

func (p *Postman) next(ctx context.Context) ([]store.StreamMessage, error) {
	if p.now().Sub(p.lastClaim) >= p.cfg.ClaimIdle {
		p.lastClaim = p.now()
		claimed, err := p.store.ClaimStale(ctx, p.cfg.Group, p.cfg.Consumer, p.cfg.ClaimIdle, p.cfg.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to claim stale messages: %w", err)
		}
		if len(claimed) > 0 {
			slog.Info("claimed stale messages", "count", len(claimed))
			return claimed, nil
		}
	}

	msgs, err := p.store.ReadGroup(ctx, p.cfg.Group, p.cfg.Consumer, p.cfg.BatchSize, p.cfg.Block)
	if err != nil {
		return nil, fmt.Errorf("failed to read from event stream: %w", err)
	}
	return msgs, nil
}

// LatestRecords keeps the record with the highest timestamp for each task.
// Messages that cannot be decoded are logged and skipped.
func LatestRecords(msgs []store.StreamMessage) map[string]models.TaskMonitorRecord {
	latest := make(map[string]models.TaskMonitorRecord)
	for _, msg := range msgs {
		var records map[string]models.TaskMonitorRecord
		if err := json.Unmarshal(msg.Body, &records); err != nil {
			slog.Error("dropping undecodable event", "id", msg.Id, "topic", msg.Topic, "error", err)
			continue
		}
		for taskId, record := range records {
			record.TaskId = taskId
			mergeRecord(latest, record)
		}
	}
	return latest
}

func mergeRecord(into map[string]models.TaskMonitorRecord, record models.TaskMonitorRecord) {
	if cur, ok := into[record.TaskId]; !ok || record.Timestamp > cur.Timestamp {
		into[record.TaskId] = record
	}
}

func decodeFailed(data []byte) map[string]models.TaskMonitorRecord {
	failed := make(map[string]models.TaskMonitorRecord)
	if len(data) == 0 {
		return failed
	}
	if err := json.Unmarshal(data, &failed); err != nil {
		// A corrupt cache would block the stream forever.
		slog.Error("discarding unreadable failed record cache", "error", err)
		return map[string]models.TaskMonitorRecord{}
	}
	return failed
}

func (p *Postman) horizon() float64 {
	return float64(p.now().Add(-p.cfg.FailedTTL).UnixNano()) / 1e9
}

// loadFailed returns the cached records still inside the retry horizon and
// whether the cache holds anything at all.
func (p *Postman) loadFailed(ctx context.Context) (map[string]models.TaskMonitorRecord, bool, error) {
	data, err := p.store.LoadFailed(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load failed records: %w", err)
	}
	failed := decodeFailed(data)
	cached := len(data) > 0 && len(failed) > 0

	horizon := p.horizon()
	for taskId, record := range failed {
		if record.Timestamp < horizon {
			slog.Warn("giving up on task record", "task_id", taskId, "timestamp", record.Timestamp)
			metrics.PostmanPushTotal.WithLabelValues("expired").Inc()
			delete(failed, taskId)
		}
	}
	return failed, cached, nil
}

// mergeFailed applies one cycle's outcome to the cache as it is now, which
// may include failures cached by other postmen since it was loaded. handled
// holds the timestamp each task was delivered or dropped at.
func (p *Postman) mergeFailed(current []byte, failed map[string]models.TaskMonitorRecord, handled map[string]float64) map[string]models.TaskMonitorRecord {
	merged := decodeFailed(current)
	horizon := p.horizon()
	for taskId, record := range merged {
		if ts, ok := handled[taskId]; (ok && record.Timestamp <= ts) || record.Timestamp < horizon {
			delete(merged, taskId)
		}
	}
	for _, record := range failed {
		mergeRecord(merged, record)
	}
	return merged
}

// Process pushes the newest record of every task in msgs, together with any
// records that failed in earlier cycles, and then acknowledges msgs.
func (p *Postman) Process(ctx context.Context, msgs []store.StreamMessage) error {
	previous, cached, err := p.loadFailed(ctx)
	if err != nil {
		return err
	}
	if len(msgs) == 0 && !cached {
		return nil
	}

	pending := LatestRecords(msgs)
	for _, record := range previous {
		mergeRecord(pending, record)
	}

	taskIds := make([]string, 0, len(pending))
	for taskId := range pending {
		taskIds = append(taskIds, taskId)
	}
	sort.Strings(taskIds)

	failed := make(map[string]models.TaskMonitorRecord)
	handled := make(map[string]float64)
	for _, taskId := range taskIds {
		record := pending[taskId]
		err := p.recorder.PushStatus(ctx, record)
		switch {
		case err == nil:
			metrics.PostmanPushTotal.WithLabelValues("ok").Inc()
			handled[taskId] = record.Timestamp
		case errors.Is(err, ErrTaskNotFound):
			metrics.PostmanPushTotal.WithLabelValues("dropped").Inc()
			slog.Warn("recorder does not know task, dropping record", "task_id", taskId, "error", err)
			handled[taskId] = record.Timestamp
		default:
			metrics.PostmanPushTotal.WithLabelValues("failed").Inc()
			slog.Error("failed to push task record", "task_id", taskId, "state", record.State, "error", err)
			failed[taskId] = record
		}
	}

	cacheSize := 0
	if len(failed) > 0 || cached {
		err := p.store.UpdateFailed(ctx, func(current []byte) ([]byte, error) {
			merged := p.mergeFailed(current, failed, handled)
			cacheSize = len(merged)
			return json.Marshal(merged)
		})
		if err != nil {
			return fmt.Errorf("failed to save failed records: %w", err)
		}
	}
	metrics.PostmanFailedCacheSize.Set(float64(cacheSize))

	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.Id)
	}
	if err := p.store.AckDelete(ctx, p.cfg.Group, ids...); err != nil {
		return fmt.Errorf("failed to acknowledge %d messages: %w", len(ids), err)
	}

	slog.Info("forwarded task records", "messages", len(msgs), "tasks", len(taskIds), "failed", len(failed))
	return nil
}
