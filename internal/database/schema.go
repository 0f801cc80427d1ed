package database

import (
	"time"

	"task-controller/pkg/models"
)

// TaskRecord is the system-of-record row for one task. Timestamp is the
// progress timestamp of the last applied status update.
type TaskRecord struct {
	Hash      string           `gorm:"primaryKey;size:64"`
	UserId    string           `gorm:"size:64;not null;index"`
	RepoId    string           `gorm:"size:64;not null"`
	Type      models.TaskType  `gorm:"size:20;not null"`
	State     models.TaskState `gorm:"size:20;not null"`
	Percent   float64          `gorm:"not null;default:0"`
	Timestamp float64          `gorm:"not null;default:0"`

	ErrorCode    int
	ErrorMessage string
	StackError   string

	CreationTime time.Time
	UpdateTime   time.Time
}
