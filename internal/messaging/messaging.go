package messaging

import (
	"context"
	"time"

	"task-controller/pkg/models"
)

const (
	DefaultTaskQueue = "task_queue"
	RetryDelay       = 5 * time.Second
	MaxConnectRetry  = 5
)

type Task interface {
	Queue() string

	Payload() []byte

	Ack() error

	// Nack returns the task to the queue for another attempt.
	Nack() error

	// Reject drops the task permanently.
	Reject() error
}

type Publisher interface {
	PublishTask(ctx context.Context, req models.TaskRequest) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
