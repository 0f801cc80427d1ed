//go:build integration

package recorder_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"task-controller/internal/database"
	"task-controller/internal/postman"
	"task-controller/internal/recorder"
	"task-controller/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T, ctx context.Context) string {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("recorder"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err, "Failed to start postgres container")

	t.Cleanup(func() {
		err := container.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate postgres container")
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get postgres connection string")
	return url
}

func TestRecorderOnPostgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := database.NewDatabase(setupPostgres(t, ctx))
	require.NoError(t, err)

	require.NoError(t, database.CreateTask(ctx, db, &database.TaskRecord{
		Hash: "T1", UserId: "u1", RepoId: "r1", Type: models.TaskTypeTraining,
	}))

	router := chi.NewRouter()
	recorder.NewRecorderService(db).AddRoutes(router)
	server := httptest.NewServer(router)
	defer server.Close()

	client := postman.NewRecorderClient(server.URL, 10*time.Second)
	require.NoError(t, client.PushStatus(ctx, models.TaskMonitorRecord{TaskId: "T1", Timestamp: 20, Percent: 1, State: models.StateDone}))
	require.NoError(t, client.PushStatus(ctx, models.TaskMonitorRecord{TaskId: "T1", Timestamp: 10, Percent: 0.3, State: models.StateRunning}))

	task, err := database.GetTask(ctx, db, "T1")
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, task.State)
	assert.Equal(t, 20.0, task.Timestamp)

	err = client.PushStatus(ctx, models.TaskMonitorRecord{TaskId: "T9", Timestamp: 1, State: models.StateDone})
	assert.ErrorIs(t, err, postman.ErrTaskNotFound)
}
