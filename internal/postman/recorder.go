package postman

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"task-controller/pkg/api"
	"task-controller/pkg/models"

	"github.com/go-resty/resty/v2"
)

// ErrTaskNotFound means the system-of-record does not know the task and the
// record should not be retried.
var ErrTaskNotFound = errors.New("task not found by recorder")

const StatusEndpoint = "/api/v1/tasks/status"

type Recorder interface {
	PushStatus(ctx context.Context, record models.TaskMonitorRecord) error
}

type RecorderClient struct {
	client  *resty.Client
	timeout time.Duration
}

func NewRecorderClient(baseURL string, timeout time.Duration) *RecorderClient {
	return &RecorderClient{
		client:  resty.New().SetBaseURL(baseURL),
		timeout: timeout,
	}
}

func StatusPushOf(record models.TaskMonitorRecord) api.StatusPush {
	return api.StatusPush{
		TaskHash:     record.TaskId,
		Timestamp:    record.Timestamp,
		State:        record.State,
		Percent:      record.Percent,
		StateCode:    record.ErrorCode,
		StateMessage: record.ErrorMessage,
		StackError:   record.StackTrace,
	}
}

func (c *RecorderClient) PushStatus(ctx context.Context, record models.TaskMonitorRecord) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	res, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(StatusPushOf(record)).
		Post(StatusEndpoint)
	if err != nil {
		return fmt.Errorf("unable to push status of task %s: %w", record.TaskId, err)
	}

	var resp api.RecorderResponse
	if err := json.Unmarshal(res.Body(), &resp); err != nil {
		return fmt.Errorf("recorder returned status %d with unparsable body %q: %w", res.StatusCode(), res.String(), err)
	}

	if resp.Code == models.CodeTaskNotFound {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, resp.Message)
	}
	if !res.IsSuccess() || resp.Code != models.CodeOK {
		return fmt.Errorf("recorder rejected status of task %s: status=%d code=%d message=%s", record.TaskId, res.StatusCode(), resp.Code, resp.Message)
	}
	return nil
}
