package postman

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"task-controller/internal/store"
	"task-controller/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRecorder upserts like the real recorder: older timestamps are ignored.
type fakeRecorder struct {
	mu      sync.Mutex
	pushes  []models.TaskMonitorRecord
	state   map[string]models.TaskMonitorRecord
	down    bool
	unknown map[string]bool
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{state: map[string]models.TaskMonitorRecord{}, unknown: map[string]bool{}}
}

func (r *fakeRecorder) PushStatus(ctx context.Context, record models.TaskMonitorRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.down {
		return errors.New("connection refused")
	}
	if r.unknown[record.TaskId] {
		return ErrTaskNotFound
	}
	r.pushes = append(r.pushes, record)
	if cur, ok := r.state[record.TaskId]; !ok || record.Timestamp >= cur.Timestamp {
		r.state[record.TaskId] = record
	}
	return nil
}

func publish(t *testing.T, s *store.MemoryStore, records ...models.TaskMonitorRecord) {
	body := map[string]models.TaskMonitorRecord{}
	for _, r := range records {
		body[r.TaskId] = r
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)
	_, err = s.Publish(context.Background(), "raw", data)
	require.NoError(t, err)
}

func newTestPostman(t *testing.T, s *store.MemoryStore, recorder Recorder) *Postman {
	p := New(s, recorder, Config{Group: "postman", Block: 10 * time.Millisecond})
	require.NoError(t, s.EnsureGroup(context.Background(), "postman"))
	return p
}

func readAll(t *testing.T, p *Postman, s *store.MemoryStore) []store.StreamMessage {
	msgs, err := s.ReadGroup(context.Background(), p.cfg.Group, p.cfg.Consumer, 100, 0)
	require.NoError(t, err)
	return msgs
}

func TestProcessDeliversLatestRecordPerTask(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	recorder := newFakeRecorder()
	p := newTestPostman(t, s, recorder)

	publish(t, s, models.TaskMonitorRecord{TaskId: "T2", Timestamp: 10, Percent: 0.2, State: models.StateRunning})
	publish(t, s, models.TaskMonitorRecord{TaskId: "T2", Timestamp: 12, Percent: 0.5, State: models.StateRunning})

	require.NoError(t, p.Process(ctx, readAll(t, p, s)))

	require.Len(t, recorder.pushes, 1)
	assert.Equal(t, 12.0, recorder.pushes[0].Timestamp)
	assert.Equal(t, 0.5, recorder.pushes[0].Percent)
	assert.Equal(t, 0, s.Len(), "delivered messages are acknowledged and deleted")
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	recorder := newFakeRecorder()
	p := newTestPostman(t, s, recorder)

	publish(t, s, models.TaskMonitorRecord{TaskId: "T1", Timestamp: 20, Percent: 1, State: models.StateDone})
	msgs := readAll(t, p, s)

	// The same batch delivered twice, as after a crash before acknowledging.
	require.NoError(t, p.Process(ctx, msgs))
	once := recorder.state["T1"]
	require.NoError(t, p.Process(ctx, msgs))

	assert.Equal(t, once, recorder.state["T1"])
	assert.Equal(t, models.StateDone, recorder.state["T1"].State)
}

func TestFailedRecordsAreRetried(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	recorder := newFakeRecorder()
	p := newTestPostman(t, s, recorder)

	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }

	recorder.down = true
	publish(t, s, models.TaskMonitorRecord{TaskId: "T1", Timestamp: 990, Percent: 0.3, State: models.StateRunning})
	require.NoError(t, p.Process(ctx, readAll(t, p, s)))
	assert.Equal(t, 0, s.Len(), "failed records are cached, not left in the stream")

	data, err := s.LoadFailed(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(data), "T1")

	// A newer record arrives while the older one is still cached.
	publish(t, s, models.TaskMonitorRecord{TaskId: "T1", Timestamp: 995, Percent: 0.6, State: models.StateRunning})
	require.NoError(t, p.Process(ctx, readAll(t, p, s)))

	recorder.down = false
	require.NoError(t, p.Process(ctx, nil), "the cache is retried without new messages")

	require.Len(t, recorder.pushes, 1)
	assert.Equal(t, 995.0, recorder.pushes[0].Timestamp, "stale cached records never overwrite newer ones")

	data, err = s.LoadFailed(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}

func TestFailedRecordsExpire(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	recorder := newFakeRecorder()
	p := newTestPostman(t, s, recorder)
	p.cfg.FailedTTL = time.Minute

	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }

	recorder.down = true
	publish(t, s, models.TaskMonitorRecord{TaskId: "T1", Timestamp: 990, State: models.StateRunning})
	require.NoError(t, p.Process(ctx, readAll(t, p, s)))

	now = now.Add(2 * time.Minute)
	recorder.down = false
	require.NoError(t, p.Process(ctx, nil))
	assert.Empty(t, recorder.pushes, "records past the retry horizon are dropped")

	data, err := s.LoadFailed(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}

func TestUnknownTasksAreDropped(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	recorder := newFakeRecorder()
	recorder.unknown["gone"] = true
	p := newTestPostman(t, s, recorder)

	publish(t, s,
		models.TaskMonitorRecord{TaskId: "gone", Timestamp: 5, State: models.StateRunning},
		models.TaskMonitorRecord{TaskId: "T1", Timestamp: 5, State: models.StateRunning},
	)
	require.NoError(t, p.Process(ctx, readAll(t, p, s)))

	data, err := s.LoadFailed(ctx)
	require.NoError(t, err)
	assert.Nil(t, data, "nothing failed, so nothing is cached")
	assert.Contains(t, recorder.state, "T1")
}

func TestUndecodableMessagesAreAcknowledged(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	p := newTestPostman(t, s, newFakeRecorder())

	_, err := s.Publish(ctx, "raw", []byte("not json"))
	require.NoError(t, err)
	require.NoError(t, p.Process(ctx, readAll(t, p, s)))
	assert.Equal(t, 0, s.Len())
}

func TestRunForwardsUntilCancelled(t *testing.T) {
	s := store.NewMemoryStore()
	recorder := newFakeRecorder()
	p := New(s, recorder, Config{Block: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- p.Run(ctx) }()

	publish(t, s, models.TaskMonitorRecord{TaskId: "T1", Timestamp: 1, State: models.StateDone, Percent: 1})

	assert.Eventually(t, func() bool {
		recorder.mu.Lock()
		defer recorder.mu.Unlock()
		return len(recorder.pushes) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("postman did not stop")
	}
}

// gatedRecorder fails every push, but only once released.
type gatedRecorder struct {
	entered chan struct{}
	release chan struct{}
}

func (r *gatedRecorder) PushStatus(ctx context.Context, record models.TaskMonitorRecord) error {
	r.entered <- struct{}{}
	<-r.release
	return errors.New("recorder timed out")
}

func TestConcurrentPostmenKeepEachOthersFailures(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.EnsureGroup(ctx, "postman"))

	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }

	gate := &gatedRecorder{entered: make(chan struct{}, 1), release: make(chan struct{})}
	first := New(s, gate, Config{Group: "postman", Consumer: "a"})
	first.now = clock

	down := newFakeRecorder()
	down.down = true
	second := New(s, down, Config{Group: "postman", Consumer: "b"})
	second.now = clock

	publish(t, s, models.TaskMonitorRecord{TaskId: "T1", Timestamp: 990, State: models.StateRunning})
	firstMsgs, err := s.ReadGroup(ctx, "postman", "a", 100, 0)
	require.NoError(t, err)
	publish(t, s, models.TaskMonitorRecord{TaskId: "T5", Timestamp: 995, State: models.StateRunning})
	secondMsgs, err := s.ReadGroup(ctx, "postman", "b", 100, 0)
	require.NoError(t, err)

	// first loads the empty cache and blocks in its push while second caches
	// its own failure.
	firstDone := make(chan error, 1)
	go func() { firstDone <- first.Process(ctx, firstMsgs) }()
	<-gate.entered
	require.NoError(t, second.Process(ctx, secondMsgs))
	close(gate.release)
	require.NoError(t, <-firstDone)

	data, err := s.LoadFailed(ctx)
	require.NoError(t, err)
	var cached map[string]models.TaskMonitorRecord
	require.NoError(t, json.Unmarshal(data, &cached))
	assert.Contains(t, cached, "T1")
	assert.Contains(t, cached, "T5", "a concurrent postman's failure is not overwritten")
}

func TestDeliveredRecordDoesNotClearNewerFailure(t *testing.T) {
	s := store.NewMemoryStore()
	p := newTestPostman(t, s, newFakeRecorder())
	p.now = func() time.Time { return time.Unix(1000, 0) }

	data, err := json.Marshal(map[string]models.TaskMonitorRecord{
		"T1": {TaskId: "T1", Timestamp: 999, State: models.StateDone, Percent: 1},
	})
	require.NoError(t, err)

	merged := p.mergeFailed(data, nil, map[string]float64{"T1": 990})
	assert.Contains(t, merged, "T1", "only records up to the delivered timestamp are cleared")

	merged = p.mergeFailed(data, nil, map[string]float64{"T1": 999})
	assert.NotContains(t, merged, "T1")
}
