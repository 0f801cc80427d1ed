package migration_0

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

type TaskRecord struct {
	Hash      string  `gorm:"primaryKey;size:64"`
	UserId    string  `gorm:"size:64;not null"`
	RepoId    string  `gorm:"size:64;not null"`
	Type      string  `gorm:"size:20;not null"`
	State     string  `gorm:"size:20;not null"`
	Percent   float64 `gorm:"not null;default:0"`
	Timestamp float64 `gorm:"not null;default:0"`

	ErrorCode    int
	ErrorMessage string

	CreationTime time.Time
	UpdateTime   time.Time
}

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&TaskRecord{}); err != nil {
		return fmt.Errorf("initial migration failed: %w", err)
	}
	return nil
}
