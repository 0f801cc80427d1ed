package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"task-controller/internal/gpu"
	"task-controller/internal/invoker"
	"task-controller/internal/metrics"
	"task-controller/internal/progress"
	"task-controller/internal/store"
	"task-controller/pkg/api"
	"task-controller/pkg/models"
)

const DefaultTerminateTTL = 24 * time.Hour

// Monitor receives the subtask logs of every task that opts into monitoring.
type Monitor interface {
	Register(ctx context.Context, entry models.MonitorEntry) error
}

type Config struct {
	SandboxRoot string
	RepoRoot    string
	AssetsDir   string

	TerminateTTL time.Duration
}

type Orchestrator struct {
	cfg        Config
	registry   invoker.Registry
	gpus       *gpu.Allocator
	monitor    Monitor
	terminated store.TerminateFlags
	pool       *Pool

	mu     sync.Mutex
	active map[string]struct{}
}

func New(cfg Config, registry invoker.Registry, gpus *gpu.Allocator, monitor Monitor, terminated store.TerminateFlags, pool *Pool) *Orchestrator {
	if cfg.TerminateTTL <= 0 {
		cfg.TerminateTTL = DefaultTerminateTTL
	}
	return &Orchestrator{
		cfg:        cfg,
		registry:   registry,
		gpus:       gpus,
		monitor:    monitor,
		terminated: terminated,
		pool:       pool,
		active:     make(map[string]struct{}),
	}
}

// claim marks taskId as in flight. It fails if the task is already running.
func (o *Orchestrator) claim(taskId string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.active[taskId]; ok {
		return false
	}
	o.active[taskId] = struct{}{}
	return true
}

func (o *Orchestrator) release(taskId string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, taskId)
}

type task struct {
	req      *models.TaskRequest
	plan     invoker.Plan
	subtasks []invoker.Subtask
	gpuIds   []string
}

func mode(req *models.TaskRequest) string {
	if req.Sync {
		return "sync"
	}
	return "async"
}

// Submit validates and plans the request, then either runs it to completion
// (sync) or hands it to the worker pool (async). The returned error is always
// a *invoker.TaskError and means nothing was dispatched. Failures during a
// sync run are reported through the response code instead.
func (o *Orchestrator) Submit(ctx context.Context, request models.TaskRequest) (api.TaskResponse, error) {
	req := request.Clone()
	// The caller going away does not stop a task; only the terminate flag and
	// pool shutdown do.
	ctx = context.WithoutCancel(ctx)
	metrics.TasksSubmittedTotal.WithLabelValues(string(req.TaskType), mode(req)).Inc()

	t, slot, err := o.prepare(ctx, req)
	if err != nil {
		code := invoker.CodeOf(err)
		metrics.TasksRejectedTotal.WithLabelValues(string(req.TaskType), fmt.Sprint(code)).Inc()
		slog.Warn("task rejected", "task_id", req.TaskId, "task_type", req.TaskType, "code", code, "error", err)

		var te *invoker.TaskError
		if !errors.As(err, &te) {
			err = invoker.WrapError(models.CodeInternal, err, "failed to dispatch task %s", req.TaskId)
		}
		return api.TaskResponse{TaskId: req.TaskId, Code: code, Message: err.Error()}, err
	}

	if req.Sync {
		defer o.release(req.TaskId)
		return o.execute(ctx, t), nil
	}

	err = slot.Submit(func(ctx context.Context) {
		defer o.release(req.TaskId)
		o.execute(ctx, t)
	})
	if err != nil {
		o.release(req.TaskId)
		return api.TaskResponse{TaskId: req.TaskId, Code: models.CodeServerBusy, Message: err.Error()},
			invoker.WrapError(models.CodeServerBusy, err, "task %s was not dispatched", req.TaskId)
	}

	slog.Info("task dispatched", "task_id", req.TaskId, "task_type", req.TaskType, "steps", t.plan.Names())
	return api.TaskResponse{TaskId: req.TaskId, Code: models.CodeOK, Message: "accepted", Accepted: true}, nil
}

// prepare runs every check that can reject a task and creates its subtask
// logs. For async requests it also returns the pool slot the task will run in.
func (o *Orchestrator) prepare(ctx context.Context, req *models.TaskRequest) (*task, *Slot, error) {
	inv, err := o.registry.Get(req.TaskType)
	if err != nil {
		return nil, nil, err
	}

	if err := inv.Validate(req); err != nil {
		return nil, nil, err
	}

	if !o.claim(req.TaskId) {
		return nil, nil, invoker.Errorf(models.CodeInvalidArgument, "task %s is already running", req.TaskId)
	}
	t, slot, err := o.place(ctx, req, inv)
	if err != nil {
		o.release(req.TaskId)
		return nil, nil, err
	}
	return t, slot, nil
}

// place plans the task, reserves its pool slot and sets up its subtasks.
func (o *Orchestrator) place(ctx context.Context, req *models.TaskRequest, inv invoker.Invoker) (*task, *Slot, error) {
	plan, err := inv.Plan(req)
	if err != nil {
		if invoker.CodeOf(err) == models.CodeInternal {
			err = invoker.WrapError(models.CodeInvalidPlan, err, "failed to plan task %s", req.TaskId)
		}
		return nil, nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, nil, err
	}

	var slot *Slot
	if !req.Sync {
		slot, err = o.pool.Reserve()
		if err != nil {
			return nil, nil, invoker.WrapError(models.CodeServerBusy, err, "cannot accept task %s", req.TaskId)
		}
	}

	t, err := o.setup(ctx, req, inv, plan)
	if err != nil {
		if slot != nil {
			slot.Release()
		}
		return nil, nil, err
	}
	return t, slot, nil
}

func (o *Orchestrator) setup(ctx context.Context, req *models.TaskRequest, inv invoker.Invoker, plan invoker.Plan) (*task, error) {
	gpuIds := []string{}
	if count := inv.GPUCount(req); count > 0 {
		if o.gpus == nil {
			return nil, invoker.Errorf(models.CodeInsufficientGPU, "task %s needs %d gpus, none are configured", req.TaskId, count)
		}
		ids, err := o.gpus.Acquire(ctx, count)
		if err != nil {
			if errors.Is(err, gpu.ErrNoGPU) {
				return nil, invoker.WrapError(models.CodeInsufficientGPU, err, "no gpus available for task %s", req.TaskId)
			}
			return nil, invoker.WrapError(models.CodeInternal, err, "failed to acquire gpus for task %s", req.TaskId)
		}
		if len(ids) < count {
			return nil, invoker.Errorf(models.CodeInsufficientGPU, "task %s needs %d gpus, not enough are free", req.TaskId, count)
		}
		gpuIds = ids
	}

	subtasks := invoker.Subtasks(o.cfg.SandboxRoot, req, plan)
	now := progress.Now()
	for _, sub := range subtasks {
		if err := progress.Write(sub.LogPath, progress.Line{TaskId: req.TaskId, Timestamp: now, State: models.StatePending}); err != nil {
			return nil, invoker.WrapError(models.CodeInternal, err, "failed to create progress log for subtask %s", sub.Id)
		}
	}

	if !req.SkipMonitor && o.monitor != nil {
		entry := models.MonitorEntry{
			TaskId:   req.TaskId,
			UserId:   req.UserId,
			RepoId:   req.RepoId,
			TaskType: req.TaskType,
			Subtasks: make(map[string]float64, len(subtasks)),
			Record:   models.TaskMonitorRecord{TaskId: req.TaskId, State: models.StatePending},
		}
		for _, sub := range subtasks {
			entry.Subtasks[sub.LogPath] = sub.Weight
		}
		if err := o.monitor.Register(ctx, entry); err != nil {
			return nil, invoker.WrapError(models.CodeInternal, err, "failed to register task %s with monitor", req.TaskId)
		}
	}

	return &task{req: req, plan: plan, subtasks: subtasks, gpuIds: gpuIds}, nil
}

func (o *Orchestrator) Terminate(ctx context.Context, taskId string) error {
	if err := o.terminated.MarkTerminated(ctx, taskId, o.cfg.TerminateTTL); err != nil {
		return fmt.Errorf("failed to mark task %s terminated: %w", taskId, err)
	}
	slog.Info("task marked for termination", "task_id", taskId)
	return nil
}

func (o *Orchestrator) checkContinue(ctx context.Context, taskId string) error {
	if err := ctx.Err(); err != nil {
		return invoker.WrapError(models.CodeTerminated, err, "task %s was cancelled", taskId)
	}
	terminated, err := o.terminated.IsTerminated(ctx, taskId)
	if err != nil {
		// Unreadable flag store does not stop a task.
		slog.Error("failed to read terminate flag", "task_id", taskId, "error", err)
		return nil
	}
	if terminated {
		return invoker.Errorf(models.CodeTerminated, "task %s was terminated", taskId)
	}
	return nil
}

// execute runs the plan from the highest index down to 0. Each step's log is
// moved to RUNNING before it starts and to DONE or ERROR once it returns.
func (o *Orchestrator) execute(ctx context.Context, t *task) api.TaskResponse {
	req := t.req
	previous := ""
	var payload json.RawMessage

	for i := len(t.plan) - 1; i >= 0; i-- {
		step, sub := t.plan[i], t.subtasks[i]

		if err := o.checkContinue(ctx, req.TaskId); err != nil {
			return o.fail(t, i, err)
		}

		o.writeLog(sub, progress.Line{TaskId: req.TaskId, Timestamp: progress.Now(), State: models.StateRunning})
		slog.Info("running step", "task_id", req.TaskId, "step", step.Name, "index", i, "subtask", sub.Id)

		env := invoker.StepEnv{
			RepoRoot:       o.cfg.RepoRoot,
			AssetsDir:      o.cfg.AssetsDir,
			Request:        req,
			Subtask:        sub,
			PreviousTaskId: previous,
			GPUIds:         t.gpuIds,
		}

		start := time.Now()
		// Workers are never interrupted once started.
		out, err := runStep(context.WithoutCancel(ctx), step, env)
		metrics.StepDurationSeconds.WithLabelValues(string(req.TaskType), step.Name).Observe(time.Since(start).Seconds())
		if err != nil {
			return o.fail(t, i, err)
		}

		o.writeLog(sub, progress.Line{TaskId: req.TaskId, Timestamp: progress.Now(), Percent: 1, State: models.StateDone})
		previous = sub.Id
		if i == 0 {
			payload = out
		}
	}

	metrics.TasksCompletedTotal.WithLabelValues(string(req.TaskType), string(models.StateDone)).Inc()
	slog.Info("task completed", "task_id", req.TaskId, "task_type", req.TaskType)
	return api.TaskResponse{TaskId: req.TaskId, Code: models.CodeOK, Message: "done", Payload: payload}
}

func (o *Orchestrator) fail(t *task, index int, err error) api.TaskResponse {
	code := invoker.CodeOf(err)
	sub := t.subtasks[index]

	o.writeLog(sub, progress.Line{
		TaskId:       t.req.TaskId,
		Timestamp:    progress.Now(),
		Percent:      1,
		State:        models.StateError,
		ErrorCode:    int(code),
		ErrorMessage: err.Error(),
		Trace:        invoker.TraceOf(err),
	})

	metrics.TasksCompletedTotal.WithLabelValues(string(t.req.TaskType), string(models.StateError)).Inc()
	slog.Error("task failed", "task_id", t.req.TaskId, "step", t.plan[index].Name, "code", code, "error", err)
	return api.TaskResponse{TaskId: t.req.TaskId, Code: code, Message: err.Error()}
}

func (o *Orchestrator) writeLog(sub invoker.Subtask, line progress.Line) {
	if err := progress.Write(sub.LogPath, line); err != nil {
		slog.Error("failed to write progress log", "subtask", sub.Id, "path", sub.LogPath, "error", err)
	}
}

func runStep(ctx context.Context, step invoker.Step, env invoker.StepEnv) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			trace := strings.Split(strings.TrimSpace(string(debug.Stack())), "\n")
			err = &invoker.TaskError{
				Code:    models.CodeInternal,
				Message: fmt.Sprintf("step %s panicked: %v", step.Name, r),
				Trace:   trace,
			}
		}
	}()
	return step.Run(ctx, env)
}
