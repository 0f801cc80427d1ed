package api

import (
	"encoding/json"

	"task-controller/pkg/models"
)

type TaskResponse struct {
	TaskId   string
	Code     models.Code
	Message  string
	Accepted bool            `json:",omitempty"`
	Payload  json.RawMessage `json:",omitempty"`
}

type TerminateResponse struct {
	TaskId  string
	Message string
}

type ListTasksParams struct {
	State string `schema:"state"`
	User  string `schema:"user"`
}

type TaskStatus struct {
	TaskId   string
	UserId   string
	RepoId   string
	TaskType models.TaskType
	Running  bool
	Record   models.TaskMonitorRecord
}

type GPUStatus struct {
	Free   []string
	Locked []string
}

// StatusPush is the body the forwarder sends to the system-of-record.
type StatusPush struct {
	TaskHash     string           `json:"task_hash"`
	Timestamp    float64          `json:"timestamp"`
	State        models.TaskState `json:"state"`
	Percent      float64          `json:"percent"`
	StateCode    int              `json:"state_code"`
	StateMessage string           `json:"state_message"`
	StackError   string           `json:"stack_error,omitempty"`
}

type RecorderResponse struct {
	Code    models.Code `json:"code"`
	Message string      `json:"message"`
}

type RegisterTaskRequest struct {
	TaskHash string          `json:"task_hash"`
	UserId   string          `json:"user_id"`
	RepoId   string          `json:"repo_id"`
	TaskType models.TaskType `json:"task_type"`
}

type RecordedTask struct {
	TaskHash     string           `json:"task_hash"`
	UserId       string           `json:"user_id"`
	RepoId       string           `json:"repo_id"`
	TaskType     models.TaskType  `json:"task_type"`
	State        models.TaskState `json:"state"`
	Percent      float64          `json:"percent"`
	Timestamp    float64          `json:"timestamp"`
	StateCode    int              `json:"state_code"`
	StateMessage string           `json:"state_message"`
}
