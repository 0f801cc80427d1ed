package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"task-controller/internal/invoker"
	"task-controller/internal/store"
	"task-controller/pkg/api"
	"task-controller/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Orchestrator interface {
	Submit(ctx context.Context, req models.TaskRequest) (api.TaskResponse, error)
	Terminate(ctx context.Context, taskId string) error
}

type Monitor interface {
	Get(ctx context.Context, taskId string) (models.MonitorEntry, bool, error)
	List(ctx context.Context, running bool) ([]models.MonitorEntry, error)
}

type GPUs interface {
	FreeGPUIds(ctx context.Context) ([]string, error)
	LockedGPUIds(ctx context.Context) ([]string, error)
}

type ControllerService struct {
	orchestrator Orchestrator
	monitor      Monitor
	gpus         GPUs
}

func NewControllerService(orchestrator Orchestrator, monitor Monitor, gpus GPUs) *ControllerService {
	return &ControllerService{orchestrator: orchestrator, monitor: monitor, gpus: gpus}
}

func (s *ControllerService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", RestHandler(s.SubmitTask))
		r.Get("/", RestHandler(s.ListTasks))
		r.Get("/{task_id}", RestHandler(s.GetTask))
		r.Post("/{task_id}/terminate", RestHandler(s.TerminateTask))
	})
	r.Get("/gpus", RestHandler(s.GetGPUs))
	r.Handle("/metrics", promhttp.Handler())
}

// httpStatus maps a rejection code to the status returned with it. Failures
// of a task that did run are reported with 200 and the task's code.
func httpStatus(code models.Code) int {
	switch code {
	case models.CodeInvalidArgument, models.CodeInvalidPlan:
		return http.StatusBadRequest
	case models.CodeInsufficientGPU, models.CodeServerBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *ControllerService) SubmitTask(r *http.Request) (any, error) {
	req, err := ParseRequest[models.TaskRequest](r)
	if err != nil {
		return nil, err
	}

	res, err := s.orchestrator.Submit(r.Context(), req)
	if err != nil {
		return nil, CodedResponse(httpStatus(invoker.CodeOf(err)), err, res)
	}
	return res, nil
}

func statusOf(entry models.MonitorEntry, running bool) api.TaskStatus {
	return api.TaskStatus{
		TaskId:   entry.TaskId,
		UserId:   entry.UserId,
		RepoId:   entry.RepoId,
		TaskType: entry.TaskType,
		Running:  running,
		Record:   entry.Record,
	}
}

func (s *ControllerService) ListTasks(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListTasksParams](r)
	if err != nil {
		return nil, err
	}

	var sets []bool
	switch strings.ToLower(params.State) {
	case "":
		sets = []bool{true, false}
	case "running":
		sets = []bool{true}
	case "finished":
		sets = []bool{false}
	default:
		return nil, CodedErrorf(http.StatusBadRequest, "invalid state '%s': expected running or finished", params.State)
	}

	tasks := []api.TaskStatus{}
	for _, running := range sets {
		entries, err := s.monitor.List(r.Context(), running)
		if err != nil {
			return nil, CodedError(http.StatusInternalServerError, fmt.Errorf("error listing tasks: %w", err))
		}
		for _, e := range entries {
			if params.User != "" && e.UserId != params.User {
				continue
			}
			tasks = append(tasks, statusOf(e, running))
		}
	}
	return tasks, nil
}

func (s *ControllerService) GetTask(r *http.Request) (any, error) {
	taskId, err := URLParam(r, "task_id")
	if err != nil {
		return nil, err
	}

	entry, running, err := s.monitor.Get(r.Context(), taskId)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "task %s not found", taskId)
		}
		return nil, CodedError(http.StatusInternalServerError, fmt.Errorf("error loading task %s: %w", taskId, err))
	}
	return statusOf(entry, running), nil
}

func (s *ControllerService) TerminateTask(r *http.Request) (any, error) {
	taskId, err := URLParam(r, "task_id")
	if err != nil {
		return nil, err
	}

	if err := s.orchestrator.Terminate(r.Context(), taskId); err != nil {
		return nil, CodedError(http.StatusInternalServerError, err)
	}
	return api.TerminateResponse{TaskId: taskId, Message: "termination requested"}, nil
}

func (s *ControllerService) GetGPUs(r *http.Request) (any, error) {
	free, err := s.gpus.FreeGPUIds(r.Context())
	if err != nil {
		return nil, CodedError(http.StatusServiceUnavailable, err)
	}
	locked, err := s.gpus.LockedGPUIds(r.Context())
	if err != nil {
		return nil, CodedError(http.StatusInternalServerError, err)
	}
	return api.GPUStatus{Free: free, Locked: locked}, nil
}
