package orchestrator_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"task-controller/internal/gpu"
	"task-controller/internal/invoker"
	"task-controller/internal/orchestrator"
	"task-controller/internal/progress"
	"task-controller/internal/store"
	"task-controller/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInvoker struct {
	validateErr error
	gpus        int
	plan        func(req *models.TaskRequest) invoker.Plan
}

func (f *fakeInvoker) Type() models.TaskType { return models.TaskTypeMerge }

func (f *fakeInvoker) Validate(req *models.TaskRequest) error { return f.validateErr }

func (f *fakeInvoker) Plan(req *models.TaskRequest) (invoker.Plan, error) { return f.plan(req), nil }

func (f *fakeInvoker) GPUCount(req *models.TaskRequest) int { return f.gpus }

type fakeMonitor struct {
	mu      sync.Mutex
	entries []models.MonitorEntry
}

func (m *fakeMonitor) Register(ctx context.Context, entry models.MonitorEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

type harness struct {
	sandbox string
	store   *store.MemoryStore
	monitor *fakeMonitor
	pool    *orchestrator.Pool
	orch    *orchestrator.Orchestrator
}

func newHarness(t *testing.T, inv *fakeInvoker, workers, queue int) *harness {
	h := &harness{
		sandbox: t.TempDir(),
		store:   store.NewMemoryStore(),
		monitor: &fakeMonitor{},
		pool:    orchestrator.NewPool(workers, queue),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.pool.Stop(ctx)
	})

	allocator := gpu.NewAllocator(gpu.NewStaticHost([]string{"0", "1"}), h.store, time.Minute)
	h.orch = orchestrator.New(
		orchestrator.Config{SandboxRoot: h.sandbox, RepoRoot: "/repo", AssetsDir: "/assets"},
		invoker.Registry{models.TaskTypeMerge: inv},
		allocator, h.monitor, h.store, h.pool,
	)
	return h
}

func request(taskId string, sync bool) models.TaskRequest {
	return models.TaskRequest{UserId: "u1", RepoId: "r1", TaskId: taskId, TaskType: models.TaskTypeMerge, Sync: sync}
}

func readLog(t *testing.T, sub invoker.Subtask) progress.Line {
	line, err := progress.Read(sub.LogPath)
	require.NoError(t, err)
	return line
}

func subtasksOf(h *harness, req models.TaskRequest, plan invoker.Plan) []invoker.Subtask {
	return invoker.Subtasks(h.sandbox, &req, plan)
}

func TestSyncRunsStepsInReverseOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	previous := map[string]string{}

	step := func(name string, weight float64) invoker.Step {
		return invoker.Step{Name: name, Weight: weight, Run: func(ctx context.Context, env invoker.StepEnv) (json.RawMessage, error) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			previous[name] = env.PreviousTaskId
			return json.RawMessage(`"` + name + `"`), nil
		}}
	}
	plan := func(req *models.TaskRequest) invoker.Plan {
		return invoker.Plan{step("primary", 0.5), step("middle", 0.3), step("first", 0.2)}
	}

	h := newHarness(t, &fakeInvoker{plan: plan}, 1, 0)
	req := request("T1", true)

	res, err := h.orch.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.CodeOK, res.Code)
	assert.JSONEq(t, `"primary"`, string(res.Payload), "the result is the index 0 step's result")

	assert.Equal(t, []string{"first", "middle", "primary"}, order)
	assert.Equal(t, "", previous["first"])
	assert.Equal(t, "T1_2", previous["middle"])
	assert.Equal(t, "T1_1", previous["primary"])

	for _, sub := range subtasksOf(h, req, plan(nil)) {
		line := readLog(t, sub)
		assert.Equal(t, models.StateDone, line.State)
		assert.Equal(t, 1.0, line.Percent)
		assert.Equal(t, "T1", line.TaskId)
	}

	require.Len(t, h.monitor.entries, 1)
	entry := h.monitor.entries[0]
	assert.Len(t, entry.Subtasks, 3)
	total := 0.0
	for _, w := range entry.Subtasks {
		total += w
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestRejectedTasksLeaveNoFiles(t *testing.T) {
	noop := func(ctx context.Context, env invoker.StepEnv) (json.RawMessage, error) { return nil, nil }

	t.Run("Validation", func(t *testing.T) {
		inv := &fakeInvoker{
			validateErr: invoker.Errorf(models.CodeInvalidArgument, "bad request"),
			plan:        func(req *models.TaskRequest) invoker.Plan { return invoker.Plan{{Name: "m", Weight: 1, Run: noop}} },
		}
		h := newHarness(t, inv, 1, 0)

		res, err := h.orch.Submit(context.Background(), request("T1", true))
		require.Error(t, err)
		assert.Equal(t, models.CodeInvalidArgument, res.Code)
		assert.Equal(t, models.CodeInvalidArgument, invoker.CodeOf(err))

		entries, err := os.ReadDir(h.sandbox)
		require.NoError(t, err)
		assert.Empty(t, entries)
		assert.Empty(t, h.monitor.entries)
	})

	t.Run("PlanWeights", func(t *testing.T) {
		inv := &fakeInvoker{plan: func(req *models.TaskRequest) invoker.Plan {
			return invoker.Plan{{Name: "a", Weight: 0.5, Run: noop}, {Name: "b", Weight: 0.4, Run: noop}}
		}}
		h := newHarness(t, inv, 1, 0)

		res, err := h.orch.Submit(context.Background(), request("T1", true))
		require.Error(t, err)
		assert.Equal(t, models.CodeInvalidPlan, res.Code)

		entries, err := os.ReadDir(h.sandbox)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("UnknownType", func(t *testing.T) {
		h := newHarness(t, &fakeInvoker{}, 1, 0)
		req := request("T1", true)
		req.TaskType = models.TaskTypeLabel

		_, err := h.orch.Submit(context.Background(), req)
		assert.Equal(t, models.CodeInvalidArgument, invoker.CodeOf(err))
	})
}

func TestStepFailureStopsPlan(t *testing.T) {
	primaryRan := false
	plan := func(req *models.TaskRequest) invoker.Plan {
		return invoker.Plan{
			{Name: "primary", Weight: 0.6, Run: func(ctx context.Context, env invoker.StepEnv) (json.RawMessage, error) {
				primaryRan = true
				return nil, nil
			}},
			{Name: "merge", Weight: 0.4, Run: func(ctx context.Context, env invoker.StepEnv) (json.RawMessage, error) {
				return nil, &invoker.TaskError{Code: models.CodeWorkerFailed, Message: "mir exited with status 2", Trace: []string{"boom"}}
			}},
		}
	}

	h := newHarness(t, &fakeInvoker{plan: plan}, 1, 0)
	req := request("T1", true)

	res, err := h.orch.Submit(context.Background(), req)
	require.NoError(t, err, "failures after dispatch are reported in the response")
	assert.Equal(t, models.CodeWorkerFailed, res.Code)
	assert.False(t, primaryRan)

	subtasks := subtasksOf(h, req, plan(nil))
	failed := readLog(t, subtasks[1])
	assert.Equal(t, models.StateError, failed.State)
	assert.Equal(t, 1.0, failed.Percent)
	assert.Equal(t, int(models.CodeWorkerFailed), failed.ErrorCode)
	assert.Equal(t, "mir exited with status 2", failed.ErrorMessage)
	assert.Equal(t, []string{"boom"}, failed.Trace)

	assert.Equal(t, models.StatePending, readLog(t, subtasks[0]).State)
}

func TestStepPanicIsReportedAsError(t *testing.T) {
	plan := func(req *models.TaskRequest) invoker.Plan {
		return invoker.Plan{{Name: "primary", Weight: 1, Run: func(ctx context.Context, env invoker.StepEnv) (json.RawMessage, error) {
			panic("unexpected")
		}}}
	}
	h := newHarness(t, &fakeInvoker{plan: plan}, 1, 0)
	req := request("T1", true)

	res, err := h.orch.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.CodeInternal, res.Code)
	assert.Contains(t, res.Message, "unexpected")

	line := readLog(t, subtasksOf(h, req, plan(nil))[0])
	assert.Equal(t, models.StateError, line.State)
	assert.NotEmpty(t, line.Trace)
}

func TestTerminateIsCheckedBetweenSteps(t *testing.T) {
	var h *harness
	primaryRan := false
	plan := func(req *models.TaskRequest) invoker.Plan {
		return invoker.Plan{
			{Name: "primary", Weight: 0.5, Run: func(ctx context.Context, env invoker.StepEnv) (json.RawMessage, error) {
				primaryRan = true
				return nil, nil
			}},
			{Name: "merge", Weight: 0.5, Run: func(ctx context.Context, env invoker.StepEnv) (json.RawMessage, error) {
				return nil, h.orch.Terminate(ctx, env.Request.TaskId)
			}},
		}
	}
	h = newHarness(t, &fakeInvoker{plan: plan}, 1, 0)
	req := request("T1", true)

	res, err := h.orch.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.CodeTerminated, res.Code)
	assert.False(t, primaryRan)

	subtasks := subtasksOf(h, req, plan(nil))
	assert.Equal(t, models.StateDone, readLog(t, subtasks[1]).State, "a running step is never interrupted")
	assert.Equal(t, models.StateError, readLog(t, subtasks[0]).State)
}

func TestSyncTaskSurvivesCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ran []string
	plan := func(req *models.TaskRequest) invoker.Plan {
		return invoker.Plan{
			{Name: "train", Weight: 0.99, Run: func(ctx context.Context, env invoker.StepEnv) (json.RawMessage, error) {
				ran = append(ran, "train")
				return json.RawMessage(`"model"`), nil
			}},
			{Name: "merge", Weight: 0.01, Run: func(ctx context.Context, env invoker.StepEnv) (json.RawMessage, error) {
				ran = append(ran, "merge")
				// The client disconnects mid-plan.
				cancel()
				return nil, nil
			}},
		}
	}
	h := newHarness(t, &fakeInvoker{plan: plan}, 1, 0)
	req := request("T9", true)

	res, err := h.orch.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.CodeOK, res.Code, res.Message)
	assert.Equal(t, []string{"merge", "train"}, ran)
	assert.JSONEq(t, `"model"`, string(res.Payload))

	for _, sub := range subtasksOf(h, req, plan(nil)) {
		assert.Equal(t, models.StateDone, readLog(t, sub).State)
	}
}

func TestSubmitWithCancelledContextRunsEveryStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran []string
	step := func(name string, weight float64) invoker.Step {
		return invoker.Step{Name: name, Weight: weight, Run: func(ctx context.Context, env invoker.StepEnv) (json.RawMessage, error) {
			ran = append(ran, name)
			return nil, ctx.Err()
		}}
	}
	plan := func(req *models.TaskRequest) invoker.Plan {
		return invoker.Plan{step("primary", 0.5), step("middle", 0.3), step("first", 0.2)}
	}
	h := newHarness(t, &fakeInvoker{plan: plan, gpus: 1}, 1, 0)

	res, err := h.orch.Submit(ctx, request("T1", true))
	require.NoError(t, err)
	assert.Equal(t, models.CodeOK, res.Code, res.Message)
	assert.Equal(t, []string{"first", "middle", "primary"}, ran)
	require.Len(t, h.monitor.entries, 1)
}

func TestRunningTaskIdIsRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	plan := func(req *models.TaskRequest) invoker.Plan {
		return invoker.Plan{{Name: "primary", Weight: 1, Run: func(ctx context.Context, env invoker.StepEnv) (json.RawMessage, error) {
			if !env.Request.Sync {
				close(started)
				<-release
			}
			return nil, nil
		}}}
	}
	h := newHarness(t, &fakeInvoker{plan: plan, gpus: 1}, 1, 0)
	ctx := context.Background()

	res, err := h.orch.Submit(ctx, request("T1", false))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	<-started

	res, err = h.orch.Submit(ctx, request("T1", true))
	require.Error(t, err)
	assert.Equal(t, models.CodeInvalidArgument, res.Code)

	assert.Len(t, h.monitor.entries, 1, "the duplicate is not registered")
	locked, err := h.store.LockedGPUs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, locked, 1, "the duplicate takes no gpu")
	sub := subtasksOf(h, request("T1", false), plan(nil))[0]
	assert.Equal(t, models.StateRunning, readLog(t, sub).State, "the running task's log is untouched")

	close(release)
	assert.Eventually(t, func() bool {
		line, err := progress.Read(sub.LogPath)
		return err == nil && line.State == models.StateDone
	}, 5*time.Second, 10*time.Millisecond)

	// Finished tasks may be submitted again.
	assert.Eventually(t, func() bool {
		_, err := h.orch.Submit(ctx, request("T1", true))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAsyncDispatchAndBusy(t *testing.T) {
	release := make(chan struct{})
	done := make(chan string, 2)
	plan := func(req *models.TaskRequest) invoker.Plan {
		return invoker.Plan{{Name: "primary", Weight: 1, Run: func(ctx context.Context, env invoker.StepEnv) (json.RawMessage, error) {
			<-release
			done <- env.Request.TaskId
			return nil, nil
		}}}
	}
	h := newHarness(t, &fakeInvoker{plan: plan}, 1, 0)

	res, err := h.orch.Submit(context.Background(), request("T1", false))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, models.CodeOK, res.Code)

	res, err = h.orch.Submit(context.Background(), request("T2", false))
	require.Error(t, err)
	assert.Equal(t, models.CodeServerBusy, res.Code)
	_, statErr := os.Stat(filepath.Join(h.sandbox, "u1", "T2"))
	assert.True(t, os.IsNotExist(statErr), "a busy rejection has no side effects")

	close(release)
	select {
	case id := <-done:
		assert.Equal(t, "T1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("async task never ran")
	}

	assert.Eventually(t, func() bool {
		line, err := progress.Read(subtasksOf(h, request("T1", false), plan(nil))[0].LogPath)
		return err == nil && line.State == models.StateDone
	}, 5*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		_, err := h.orch.Submit(context.Background(), request("T3", false))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "the slot is returned once the task finishes")
}

func TestGPUAcquireBeforeDispatch(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	plan := func(req *models.TaskRequest) invoker.Plan {
		return invoker.Plan{{Name: "primary", Weight: 1, Run: func(ctx context.Context, env invoker.StepEnv) (json.RawMessage, error) {
			mu.Lock()
			defer mu.Unlock()
			seen = env.GPUIds
			return nil, nil
		}}}
	}

	inv := &fakeInvoker{plan: plan, gpus: 3}
	h := newHarness(t, inv, 1, 0)

	_, err := h.orch.Submit(context.Background(), request("T1", true))
	assert.Equal(t, models.CodeInsufficientGPU, invoker.CodeOf(err))
	entries, err := os.ReadDir(h.sandbox)
	require.NoError(t, err)
	assert.Empty(t, entries)

	inv.gpus = 2
	res, err := h.orch.Submit(context.Background(), request("T2", true))
	require.NoError(t, err)
	assert.Equal(t, models.CodeOK, res.Code)
	assert.Equal(t, []string{"0", "1"}, seen)

	// Leases outlive the task until their ttl expires.
	inv.gpus = 1
	_, err = h.orch.Submit(context.Background(), request("T3", true))
	assert.Equal(t, models.CodeInsufficientGPU, invoker.CodeOf(err))
}

func TestSkipMonitor(t *testing.T) {
	plan := func(req *models.TaskRequest) invoker.Plan {
		return invoker.Plan{{Name: "primary", Weight: 1, Run: func(ctx context.Context, env invoker.StepEnv) (json.RawMessage, error) {
			return nil, nil
		}}}
	}
	h := newHarness(t, &fakeInvoker{plan: plan}, 1, 0)

	req := request("T1", true)
	req.SkipMonitor = true
	_, err := h.orch.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, h.monitor.entries)

	_, err = os.Stat(subtasksOf(h, req, plan(nil))[0].LogPath)
	assert.NoError(t, err, "progress logs are written even without monitoring")
}
