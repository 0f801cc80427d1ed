package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"task-controller/pkg/models"

	"gorm.io/gorm"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskExists   = errors.New("task already exists")
)

func CreateTask(ctx context.Context, db *gorm.DB, task *TaskRecord) error {
	now := time.Now().UTC()
	task.CreationTime = now
	task.UpdateTime = now
	if task.State == "" {
		task.State = models.StatePending
	}

	var count int64
	if err := db.WithContext(ctx).Model(&TaskRecord{}).Where("hash = ?", task.Hash).Count(&count).Error; err != nil {
		return fmt.Errorf("error checking for task %s: %w", task.Hash, err)
	}
	if count > 0 {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.Hash)
	}

	if err := db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("error creating task %s: %w", task.Hash, err)
	}
	return nil
}

func GetTask(ctx context.Context, db *gorm.DB, hash string) (TaskRecord, error) {
	var task TaskRecord
	if err := db.WithContext(ctx).First(&task, "hash = ?", hash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return task, fmt.Errorf("%w: %s", ErrTaskNotFound, hash)
		}
		return task, fmt.Errorf("error loading task %s: %w", hash, err)
	}
	return task, nil
}

func ListTasks(ctx context.Context, db *gorm.DB, userId string) ([]TaskRecord, error) {
	var tasks []TaskRecord
	query := db.WithContext(ctx).Order("creation_time DESC")
	if userId != "" {
		query = query.Where("user_id = ?", userId)
	}
	if err := query.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("error listing tasks: %w", err)
	}
	return tasks, nil
}

type StatusUpdate struct {
	Hash         string
	Timestamp    float64
	State        models.TaskState
	Percent      float64
	ErrorCode    int
	ErrorMessage string
	StackError   string
}

// UpdateTaskStatus applies update unless the stored status is newer. Applying
// the same update twice leaves the row as after the first. It returns false
// when the update was older than the stored status.
func UpdateTaskStatus(ctx context.Context, db *gorm.DB, update StatusUpdate) (bool, error) {
	updates := map[string]any{
		"state":         update.State,
		"percent":       update.Percent,
		"timestamp":     update.Timestamp,
		"error_code":    update.ErrorCode,
		"error_message": update.ErrorMessage,
		"stack_error":   update.StackError,
		"update_time":   time.Now().UTC(),
	}

	result := db.WithContext(ctx).
		Model(&TaskRecord{}).
		Where("hash = ? AND timestamp <= ?", update.Hash, update.Timestamp).
		Updates(updates)
	if result.Error != nil {
		slog.Error("error updating task status", "task_hash", update.Hash, "state", update.State, "error", result.Error)
		return false, fmt.Errorf("error updating status of task %s: %w", update.Hash, result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	if _, err := GetTask(ctx, db, update.Hash); err != nil {
		return false, err
	}
	return false, nil
}
