package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	backend "task-controller/internal/api"
	"task-controller/internal/database"
	"task-controller/pkg/api"
	"task-controller/pkg/models"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

// RecorderService is a minimal system-of-record: it stores tasks and applies
// the status updates forwarded by the postman.
type RecorderService struct {
	db *gorm.DB
}

func NewRecorderService(db *gorm.DB) *RecorderService {
	return &RecorderService{db: db}
}

func (s *RecorderService) AddRoutes(r chi.Router) {
	r.Get("/health", backend.RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/api/v1/tasks", func(r chi.Router) {
		r.Post("/", backend.RestHandler(s.RegisterTask))
		r.Get("/", backend.RestHandler(s.ListTasks))
		r.Post("/status", backend.RestHandler(s.UpdateStatus))
		r.Get("/{task_hash}", backend.RestHandler(s.GetTask))
	})
}

func recordedTask(t database.TaskRecord) api.RecordedTask {
	return api.RecordedTask{
		TaskHash:     t.Hash,
		UserId:       t.UserId,
		RepoId:       t.RepoId,
		TaskType:     t.Type,
		State:        t.State,
		Percent:      t.Percent,
		Timestamp:    t.Timestamp,
		StateCode:    t.ErrorCode,
		StateMessage: t.ErrorMessage,
	}
}

func (s *RecorderService) RegisterTask(r *http.Request) (any, error) {
	req, err := backend.ParseRequest[api.RegisterTaskRequest](r)
	if err != nil {
		return nil, err
	}
	if req.TaskHash == "" || req.UserId == "" || req.RepoId == "" {
		return nil, backend.CodedErrorf(http.StatusBadRequest, "task_hash, user_id and repo_id are required")
	}

	task := &database.TaskRecord{Hash: req.TaskHash, UserId: req.UserId, RepoId: req.RepoId, Type: req.TaskType}
	if err := database.CreateTask(r.Context(), s.db, task); err != nil {
		if errors.Is(err, database.ErrTaskExists) {
			return nil, backend.CodedError(http.StatusConflict, err)
		}
		return nil, backend.CodedError(http.StatusInternalServerError, err)
	}

	slog.Info("registered task", "task_hash", task.Hash, "task_type", task.Type)
	return recordedTask(*task), nil
}

type listTasksParams struct {
	User string `schema:"user"`
}

func (s *RecorderService) ListTasks(r *http.Request) (any, error) {
	params, err := backend.ParseRequestQueryParams[listTasksParams](r)
	if err != nil {
		return nil, err
	}

	tasks, err := database.ListTasks(r.Context(), s.db, params.User)
	if err != nil {
		return nil, backend.CodedError(http.StatusInternalServerError, err)
	}

	out := make([]api.RecordedTask, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, recordedTask(t))
	}
	return out, nil
}

func (s *RecorderService) GetTask(r *http.Request) (any, error) {
	hash, err := backend.URLParam(r, "task_hash")
	if err != nil {
		return nil, err
	}

	task, err := database.GetTask(r.Context(), s.db, hash)
	if err != nil {
		if errors.Is(err, database.ErrTaskNotFound) {
			return nil, backend.CodedError(http.StatusNotFound, err)
		}
		return nil, backend.CodedError(http.StatusInternalServerError, err)
	}
	return recordedTask(task), nil
}

// UpdateStatus is safe to repeat: an update older than the stored one is
// acknowledged without being applied.
func (s *RecorderService) UpdateStatus(r *http.Request) (any, error) {
	push, err := backend.ParseRequest[api.StatusPush](r)
	if err != nil {
		return nil, err
	}
	if push.TaskHash == "" {
		return nil, backend.CodedErrorf(http.StatusBadRequest, "task_hash is required")
	}

	applied, err := database.UpdateTaskStatus(r.Context(), s.db, database.StatusUpdate{
		Hash:         push.TaskHash,
		Timestamp:    push.Timestamp,
		State:        models.ParseTaskState(string(push.State)),
		Percent:      push.Percent,
		ErrorCode:    push.StateCode,
		ErrorMessage: push.StateMessage,
		StackError:   push.StackError,
	})
	if err != nil {
		if errors.Is(err, database.ErrTaskNotFound) {
			return nil, backend.CodedResponse(http.StatusNotFound, err, api.RecorderResponse{
				Code:    models.CodeTaskNotFound,
				Message: fmt.Sprintf("task %s not found", push.TaskHash),
			})
		}
		return nil, backend.CodedError(http.StatusInternalServerError, err)
	}

	if !applied {
		slog.Info("ignored outdated task status", "task_hash", push.TaskHash, "timestamp", push.Timestamp)
		return api.RecorderResponse{Code: models.CodeOK, Message: "outdated status ignored"}, nil
	}
	return api.RecorderResponse{Code: models.CodeOK, Message: "status applied"}, nil
}
