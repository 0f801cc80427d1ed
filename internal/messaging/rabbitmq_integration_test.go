//go:build integration

package messaging_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"task-controller/internal/messaging"
	"task-controller/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
)

func setupRabbitMQContainer(t *testing.T, ctx context.Context) string {
	container, err := rabbitmq.Run(ctx, "rabbitmq:3.11-management")
	require.NoError(t, err, "Failed to start RabbitMQ container")

	t.Cleanup(func() {
		err := container.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate RabbitMQ container")
	})

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err, "Failed to get RabbitMQ AMQP URL")
	return url
}

func TestRabbitMQTaskQueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	url := setupRabbitMQContainer(t, ctx)

	publisher, err := messaging.NewRabbitMQPublisher(url, "tasks_test")
	require.NoError(t, err)
	defer publisher.Close()

	receiver, err := messaging.NewRabbitMQReceiver(url, "tasks_test")
	require.NoError(t, err)
	defer receiver.Close()

	req := models.TaskRequest{UserId: "u1", RepoId: "r1", TaskId: "t1", TaskType: models.TaskTypeMerge, InDatasetIds: []string{"d1"}}
	require.NoError(t, publisher.PublishTask(ctx, req))

	receive := func() messaging.Task {
		select {
		case task := <-receiver.Tasks():
			return task
		case <-time.After(30 * time.Second):
			t.Fatal("timed out waiting for task")
			return nil
		}
	}

	task := receive()
	assert.Equal(t, "tasks_test", task.Queue())

	var got models.TaskRequest
	require.NoError(t, json.Unmarshal(task.Payload(), &got))
	assert.Equal(t, req, got)

	require.NoError(t, task.Nack())
	redelivered := receive()
	assert.Equal(t, task.Payload(), redelivered.Payload(), "nacked tasks are requeued")
	require.NoError(t, redelivered.Ack())
}
