package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"

	"task-controller/pkg/models"
)

const WeightTolerance = 1e-3

// StepEnv is everything a plan step sees when it runs.
type StepEnv struct {
	RepoRoot  string
	AssetsDir string
	Request   *models.TaskRequest
	Subtask   Subtask

	// Id of the subtask that ran immediately before this one, empty for the
	// first executed (highest index) step.
	PreviousTaskId string

	GPUIds []string
}

// StepFunc blocks until the step's worker exits. The payload is only used for
// the index 0 step, where it becomes the task's result.
type StepFunc func(ctx context.Context, env StepEnv) (json.RawMessage, error)

type Step struct {
	Name   string
	Weight float64
	Run    StepFunc
}

// Plan is ordered by index. Steps execute from the last index down to 0, so
// index 0 is always the primary operation and the terminal step.
type Plan []Step

type Subtask struct {
	Index   int
	Id      string
	WorkDir string
	LogPath string
	Weight  float64
}

func (s Subtask) InDir() string {
	return filepath.Join(s.WorkDir, "in")
}

func (s Subtask) OutDir() string {
	return filepath.Join(s.WorkDir, "out")
}

func SubtaskId(taskId string, index int) string {
	if index == 0 {
		return taskId
	}
	return fmt.Sprintf("%s_%d", taskId, index)
}

func TaskDir(sandboxRoot string, req *models.TaskRequest) string {
	return filepath.Join(sandboxRoot, req.UserId, req.TaskId)
}

func Subtasks(sandboxRoot string, req *models.TaskRequest, plan Plan) []Subtask {
	subtasks := make([]Subtask, 0, len(plan))
	for i, step := range plan {
		id := SubtaskId(req.TaskId, i)
		workDir := filepath.Join(TaskDir(sandboxRoot, req), "sub_task", id)
		subtasks = append(subtasks, Subtask{
			Index:   i,
			Id:      id,
			WorkDir: workDir,
			LogPath: filepath.Join(workDir, "out", "monitor.txt"),
			Weight:  step.Weight,
		})
	}
	return subtasks
}

func (p Plan) Validate() error {
	if len(p) == 0 {
		return Errorf(models.CodeInvalidPlan, "plan has no steps")
	}

	total := 0.0
	for i, step := range p {
		if step.Run == nil {
			return Errorf(models.CodeInvalidPlan, "step %d (%s) has nothing to run", i, step.Name)
		}
		if step.Weight < 0 || math.IsNaN(step.Weight) {
			return Errorf(models.CodeInvalidPlan, "step %d (%s) has negative weight %v", i, step.Name, step.Weight)
		}
		total += step.Weight
	}

	if math.Abs(total-1) > WeightTolerance {
		return Errorf(models.CodeInvalidPlan, "plan weights sum to %v, expected 1", total)
	}
	return nil
}

func (p Plan) Names() []string {
	names := make([]string, 0, len(p))
	for _, s := range p {
		names = append(names, s.Name)
	}
	return names
}
