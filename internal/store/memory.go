package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"task-controller/pkg/models"
)

type memoryMessage struct {
	StreamMessage
	seq uint64
}

type pendingEntry struct {
	consumer  string
	delivered time.Time
}

type memoryGroup struct {
	lastSeq uint64
	pending map[string]pendingEntry
}

// MemoryStore is a single-process Store. Every method holds one mutex for its
// whole duration, which gives it the same atomicity as the redis scripts.
type MemoryStore struct {
	mu sync.Mutex

	leases   map[string]float64
	running  map[string]models.MonitorEntry
	finished map[string]models.MonitorEntry

	seq      uint64
	messages []memoryMessage
	groups   map[string]*memoryGroup
	notify   chan struct{}

	failed     []byte
	terminated map[string]time.Time

	// Oldest messages are dropped past this length, 0 means unbounded.
	streamLimit int

	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases:     make(map[string]float64),
		running:    make(map[string]models.MonitorEntry),
		finished:   make(map[string]models.MonitorEntry),
		groups:     make(map[string]*memoryGroup),
		notify:     make(chan struct{}),
		terminated: make(map[string]time.Time),
		now:        time.Now,
	}
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) purgeLeases(cutoff float64) {
	for id, ts := range s.leases {
		if ts < cutoff {
			delete(s.leases, id)
		}
	}
}

func (s *MemoryStore) LockedGPUs(ctx context.Context, cutoff float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeLeases(cutoff)

	ids := make([]string, 0, len(s.leases))
	for id := range s.leases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) LeaseGPUs(ctx context.Context, ids []string, now float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		s.leases[id] = now
	}
	return nil
}

func (s *MemoryStore) AcquireGPUs(ctx context.Context, candidates []string, count int, cutoff, now float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeLeases(cutoff)

	picked := []string{}
	for _, c := range candidates {
		if len(picked) == count {
			break
		}
		if _, leased := s.leases[c]; !leased {
			picked = append(picked, c)
		}
	}
	if count <= 0 || len(picked) < count {
		return []string{}, nil
	}

	for _, id := range picked {
		s.leases[id] = now
	}
	return picked, nil
}

func cloneEntry(e models.MonitorEntry) models.MonitorEntry {
	subtasks := make(map[string]float64, len(e.Subtasks))
	for k, v := range e.Subtasks {
		subtasks[k] = v
	}
	e.Subtasks = subtasks
	return e
}

func (s *MemoryStore) RegisterTask(ctx context.Context, entry models.MonitorEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running[entry.TaskId] = cloneEntry(entry)
	return nil
}

func entriesOf(m map[string]models.MonitorEntry) []models.MonitorEntry {
	out := make([]models.MonitorEntry, 0, len(m))
	for _, e := range m {
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskId < out[j].TaskId })
	return out
}

func (s *MemoryStore) RunningTasks(ctx context.Context) ([]models.MonitorEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return entriesOf(s.running), nil
}

func (s *MemoryStore) FinishedTasks(ctx context.Context) ([]models.MonitorEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return entriesOf(s.finished), nil
}

func (s *MemoryStore) UpdateRunning(ctx context.Context, entries []models.MonitorEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		s.running[e.TaskId] = cloneEntry(e)
	}
	return nil
}

func (s *MemoryStore) FinishTasks(ctx context.Context, entries []models.MonitorEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		delete(s.running, e.TaskId)
		s.finished[e.TaskId] = cloneEntry(e)
	}
	return nil
}

func (s *MemoryStore) EvictFinished(ctx context.Context, taskIds []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range taskIds {
		delete(s.finished, id)
	}
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, taskId string) (models.MonitorEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.running[taskId]; ok {
		return cloneEntry(e), true, nil
	}
	if e, ok := s.finished[taskId]; ok {
		return cloneEntry(e), false, nil
	}
	return models.MonitorEntry{}, false, ErrNotFound
}

func (s *MemoryStore) Publish(ctx context.Context, topic string, body []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	s.messages = append(s.messages, memoryMessage{
		StreamMessage: StreamMessage{Id: id, Topic: topic, Body: append([]byte(nil), body...)},
		seq:           s.seq,
	})
	s.trimStream()

	close(s.notify)
	s.notify = make(chan struct{})

	return id, nil
}

func (s *MemoryStore) EnsureGroup(ctx context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memoryGroup{pending: make(map[string]pendingEntry)}
	}
	return nil
}

func (s *MemoryStore) deliver(group, consumer string, count int64) ([]StreamMessage, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[group]
	if !ok {
		return nil, nil, fmt.Errorf("consumer group %s does not exist", group)
	}

	var out []StreamMessage
	for _, m := range s.messages {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		if m.seq <= g.lastSeq {
			continue
		}
		g.lastSeq = m.seq
		g.pending[m.Id] = pendingEntry{consumer: consumer, delivered: s.now()}
		out = append(out, m.StreamMessage)
	}
	return out, s.notify, nil
}

func (s *MemoryStore) ReadGroup(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	msgs, notify, err := s.deliver(group, consumer, count)
	if err != nil || len(msgs) > 0 || block <= 0 {
		return msgs, err
	}

	timer := time.NewTimer(block)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case <-notify:
		msgs, _, err := s.deliver(group, consumer, count)
		return msgs, err
	}
}

func (s *MemoryStore) ClaimStale(ctx context.Context, group, consumer string, minIdle time.Duration, count int64) ([]StreamMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("consumer group %s does not exist", group)
	}

	now := s.now()
	var out []StreamMessage
	for _, m := range s.messages {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		p, ok := g.pending[m.Id]
		if !ok || now.Sub(p.delivered) < minIdle {
			continue
		}
		g.pending[m.Id] = pendingEntry{consumer: consumer, delivered: now}
		out = append(out, m.StreamMessage)
	}
	return out, nil
}

func (s *MemoryStore) AckDelete(ctx context.Context, group string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	if g, ok := s.groups[group]; ok {
		for _, id := range ids {
			delete(g.pending, id)
		}
	}

	kept := s.messages[:0]
	for _, m := range s.messages {
		if !drop[m.Id] {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	return nil
}

// SetStreamLimit caps the number of messages kept in the stream. Without a
// consumer in the same process nothing ever acknowledges them.
func (s *MemoryStore) SetStreamLimit(limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.streamLimit = limit
	s.trimStream()
}

func (s *MemoryStore) trimStream() {
	if s.streamLimit <= 0 || len(s.messages) <= s.streamLimit {
		return
	}
	drop := s.messages[:len(s.messages)-s.streamLimit]
	for _, g := range s.groups {
		for _, m := range drop {
			delete(g.pending, m.Id)
		}
	}
	s.messages = append([]memoryMessage(nil), s.messages[len(drop):]...)
}

// Len returns the number of messages still in the stream.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *MemoryStore) LoadFailed(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed == nil {
		return nil, nil
	}
	return append([]byte(nil), s.failed...), nil
}

func (s *MemoryStore) UpdateFailed(ctx context.Context, update func(current []byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current []byte
	if s.failed != nil {
		current = append([]byte(nil), s.failed...)
	}
	next, err := update(current)
	if err != nil {
		return err
	}
	s.failed = append([]byte(nil), next...)
	return nil
}

func (s *MemoryStore) MarkTerminated(ctx context.Context, taskId string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.terminated[taskId] = s.now().Add(ttl)
	return nil
}

func (s *MemoryStore) IsTerminated(ctx context.Context, taskId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.terminated[taskId]
	if !ok {
		return false, nil
	}
	if s.now().After(expiry) {
		delete(s.terminated, taskId)
		return false, nil
	}
	return true, nil
}
