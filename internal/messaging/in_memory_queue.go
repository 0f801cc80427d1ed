package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"task-controller/pkg/models"
)

type Outcome string

const (
	OutcomePending  Outcome = ""
	OutcomeAcked    Outcome = "acked"
	OutcomeNacked   Outcome = "nacked"
	OutcomeRejected Outcome = "rejected"
)

type inMemoryTask struct {
	queue   *InMemoryQueue
	id      string
	payload []byte
}

func (t *inMemoryTask) Queue() string {
	return DefaultTaskQueue
}

func (t *inMemoryTask) Payload() []byte {
	return t.payload
}

func (t *inMemoryTask) Ack() error {
	t.queue.settle(t.id, OutcomeAcked)
	return nil
}

func (t *inMemoryTask) Nack() error {
	t.queue.settle(t.id, OutcomeNacked)
	return nil
}

func (t *inMemoryTask) Reject() error {
	t.queue.settle(t.id, OutcomeRejected)
	return nil
}

// InMemoryQueue is a Publisher and Reciever for single-process runs and tests.
// Nacked tasks are not redelivered; Outcome reports what happened instead.
type InMemoryQueue struct {
	tasks    chan Task
	mu       sync.Mutex
	outcomes map[string]Outcome
	seq      int
	closed   bool
}

var (
	_ Publisher = (*InMemoryQueue)(nil)
	_ Reciever  = (*InMemoryQueue)(nil)
)

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		tasks:    make(chan Task, 100),
		outcomes: make(map[string]Outcome),
	}
}

func (q *InMemoryQueue) publish(payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", fmt.Errorf("queue is closed")
	}

	q.seq++
	id := fmt.Sprintf("msg-%d", q.seq)
	q.outcomes[id] = OutcomePending
	q.tasks <- &inMemoryTask{queue: q, id: id, payload: payload}
	return id, nil
}

func (q *InMemoryQueue) PublishTask(ctx context.Context, req models.TaskRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = q.publish(data)
	return err
}

// PublishRaw enqueues an arbitrary body and returns its message id.
func (q *InMemoryQueue) PublishRaw(body []byte) (string, error) {
	return q.publish(body)
}

func (q *InMemoryQueue) settle(id string, o Outcome) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.outcomes[id] = o
}

func (q *InMemoryQueue) Outcome(id string) Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outcomes[id]
}

func (q *InMemoryQueue) Tasks() <-chan Task {
	return q.tasks
}

func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
}
