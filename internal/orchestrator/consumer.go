package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"task-controller/internal/invoker"
	"task-controller/internal/messaging"
	"task-controller/pkg/models"
)

// Consumer feeds task requests from a queue into the orchestrator. Every
// request is run asynchronously regardless of its sync flag.
type Consumer struct {
	orchestrator *Orchestrator
	reciever     messaging.Reciever

	// Wait before returning a request that could not run yet, so a full pool
	// or a GPU shortage does not spin on redelivery.
	RetryDelay time.Duration
}

func NewConsumer(orchestrator *Orchestrator, reciever messaging.Reciever) *Consumer {
	return &Consumer{orchestrator: orchestrator, reciever: reciever, RetryDelay: messaging.RetryDelay}
}

func (c *Consumer) Start(ctx context.Context) {
	slog.Info("starting task consumer")

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-c.reciever.Tasks():
			if !ok {
				return
			}
			c.ProcessTask(ctx, task)
		}
	}
}

func (c *Consumer) Stop() {
	slog.Info("stopping task consumer")
	c.reciever.Close()
}

func (c *Consumer) ProcessTask(ctx context.Context, task messaging.Task) {
	var req models.TaskRequest
	if err := json.Unmarshal(task.Payload(), &req); err != nil {
		slog.Error("error unmarshalling task request", "queue", task.Queue(), "error", err)
		if err := task.Reject(); err != nil { // Discard malformed message
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}
	req.Sync = false

	_, err := c.orchestrator.Submit(ctx, req)
	switch code := invoker.CodeOf(err); code {
	case models.CodeOK:
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "task_id", req.TaskId, "error", err)
		}

	case models.CodeInvalidArgument, models.CodeInvalidPlan:
		slog.Error("rejecting invalid task request", "task_id", req.TaskId, "code", code, "error", err)
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "task_id", req.TaskId, "error", err)
		}

	default:
		slog.Warn("task request could not be dispatched, returning it to the queue", "task_id", req.TaskId, "code", code, "error", err)
		if code == models.CodeServerBusy || code == models.CodeInsufficientGPU {
			select {
			case <-time.After(c.RetryDelay):
			case <-ctx.Done():
			}
		}
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "task_id", req.TaskId, "error", err)
		}
	}
}
