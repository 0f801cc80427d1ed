package models

import "strings"

type TaskType string

const (
	TaskTypeMerge     TaskType = "merge"
	TaskTypeSample    TaskType = "sample"
	TaskTypeTraining  TaskType = "training"
	TaskTypeMining    TaskType = "mining"
	TaskTypeInference TaskType = "inference"
	TaskTypeImport    TaskType = "import"
	TaskTypeExport    TaskType = "export"
	TaskTypeLabel     TaskType = "label"
)

var TaskTypes = []TaskType{
	TaskTypeMerge, TaskTypeSample, TaskTypeTraining, TaskTypeMining,
	TaskTypeInference, TaskTypeImport, TaskTypeExport, TaskTypeLabel,
}

type TaskState string

const (
	StatePending TaskState = "PENDING"
	StateRunning TaskState = "RUNNING"
	StateDone    TaskState = "DONE"
	StateError   TaskState = "ERROR"
	StateUnknown TaskState = "UNKNOWN"
)

func (s TaskState) IsTerminal() bool {
	return s == StateDone || s == StateError
}

func ParseTaskState(s string) TaskState {
	switch TaskState(strings.ToUpper(strings.TrimSpace(s))) {
	case StatePending:
		return StatePending
	case StateRunning:
		return StateRunning
	case StateDone:
		return StateDone
	case StateError:
		return StateError
	default:
		return StateUnknown
	}
}

type Code int

const (
	CodeOK              Code = 0
	CodeInvalidArgument Code = 1001
	CodeInvalidPlan     Code = 1002
	CodeInsufficientGPU Code = 1003
	CodeServerBusy      Code = 1004
	CodeWorkerFailed    Code = 1005
	CodeMissingOutput   Code = 1006
	CodeTerminated      Code = 1007
	CodeInternal        Code = 1008

	// Returned by the system-of-record for a task hash it has never seen.
	CodeTaskNotFound Code = 2004
)

const (
	MergeStrategyStop  = "stop"
	MergeStrategyHost  = "host"
	MergeStrategyGuest = "guest"
)

// TaskRequest is immutable once accepted by the orchestrator.
type TaskRequest struct {
	UserId   string   `json:"user_id"`
	RepoId   string   `json:"repo_id"`
	TaskId   string   `json:"task_id"`
	TaskType TaskType `json:"task_type"`

	InDatasetIds  []string `json:"in_dataset_ids,omitempty"`
	ExDatasetIds  []string `json:"ex_dataset_ids,omitempty"`
	InClassNames  []string `json:"in_class_names,omitempty"`
	ExClassNames  []string `json:"ex_class_names,omitempty"`
	MergeStrategy string   `json:"merge_strategy,omitempty"`

	SampleCount int     `json:"sample_count,omitempty"`
	SampleRate  float64 `json:"sample_rate,omitempty"`

	ModelHash    string `json:"model_hash,omitempty"`
	ModelStage   string `json:"model_stage,omitempty"`
	DockerImage  string `json:"docker_image,omitempty"`
	DockerConfig string `json:"docker_config,omitempty"`
	GPUCount     int    `json:"gpu_count,omitempty"`
	TopK         int    `json:"top_k,omitempty"`

	ImportAssetDir      string `json:"import_asset_dir,omitempty"`
	ImportAnnotationDir string `json:"import_annotation_dir,omitempty"`
	ExportDir           string `json:"export_dir,omitempty"`
	ExportFormat        string `json:"export_format,omitempty"`
	LabelProject        string `json:"label_project,omitempty"`
	LabelTool           string `json:"label_tool,omitempty"`

	Sync        bool `json:"sync,omitempty"`
	SkipMonitor bool `json:"skip_monitor,omitempty"`
}

func (r *TaskRequest) Clone() *TaskRequest {
	c := *r
	c.InDatasetIds = append([]string(nil), r.InDatasetIds...)
	c.ExDatasetIds = append([]string(nil), r.ExDatasetIds...)
	c.InClassNames = append([]string(nil), r.InClassNames...)
	c.ExClassNames = append([]string(nil), r.ExClassNames...)
	return &c
}

type TaskMonitorRecord struct {
	TaskId       string    `json:"task_id"`
	Percent      float64   `json:"percent"`
	State        TaskState `json:"state"`
	Timestamp    float64   `json:"timestamp"`
	ErrorCode    int       `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	StackTrace   string    `json:"stack_trace,omitempty"`
}

// MonitorEntry is what the aggregator keeps per in-flight task: the subtask
// log paths with their weights, and the last record it emitted.
type MonitorEntry struct {
	TaskId   string             `json:"task_id"`
	UserId   string             `json:"user_id"`
	RepoId   string             `json:"repo_id"`
	TaskType TaskType           `json:"task_type"`
	Subtasks map[string]float64 `json:"subtasks"`
	Record   TaskMonitorRecord  `json:"record"`
}
