package monitor

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"task-controller/internal/progress"
	"task-controller/pkg/models"
)

// Aggregate folds the progress logs of one task into a single record. The
// boolean is false when none of the logs could be read yet.
//
// Any ERROR log makes the whole task ERROR with that log's message. Otherwise
// the percent is the weighted sum of the subtask percents and the task is
// DONE only once every subtask is DONE. Missing logs count as no progress and
// malformed ones as UNKNOWN.
func Aggregate(taskId string, subtasks map[string]float64) (models.TaskMonitorRecord, bool, error) {
	paths := make([]string, 0, len(subtasks))
	for path := range subtasks {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	record := models.TaskMonitorRecord{TaskId: taskId}
	allDone := true
	seen := 0

	for _, path := range paths {
		line, err := progress.Read(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				allDone = false
				continue
			}
			if errors.Is(err, progress.ErrMalformed) {
				slog.Warn("malformed progress log", "task_id", taskId, "path", path, "error", err)
				allDone = false
				continue
			}
			return record, false, fmt.Errorf("failed to read progress log %s: %w", path, err)
		}
		seen++

		if line.State == models.StateError {
			return models.TaskMonitorRecord{
				TaskId:       taskId,
				Percent:      1,
				State:        models.StateError,
				Timestamp:    max(line.Timestamp, record.Timestamp),
				ErrorCode:    line.ErrorCode,
				ErrorMessage: line.ErrorMessage,
				StackTrace:   strings.Join(line.Trace, "\n"),
			}, true, nil
		}

		record.Percent += line.Percent * subtasks[path]
		record.Timestamp = max(record.Timestamp, line.Timestamp)
		if line.State != models.StateDone {
			allDone = false
		}
	}

	if seen == 0 {
		return record, false, nil
	}

	if allDone {
		record.State = models.StateDone
		record.Percent = 1
	} else {
		record.State = models.StateRunning
		record.Percent = min(record.Percent, 1)
	}
	return record, true, nil
}
