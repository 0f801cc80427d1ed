package migration_1

import (
	"fmt"

	"gorm.io/gorm"
)

type TaskRecord struct {
	UserId     string `gorm:"size:64;not null;index"`
	StackError string
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&TaskRecord{}, "stack_error"); err != nil {
		return fmt.Errorf("error adding stack_error column: %w", err)
	}
	if err := db.Migrator().CreateIndex(&TaskRecord{}, "UserId"); err != nil {
		return fmt.Errorf("error creating user_id index: %w", err)
	}
	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropIndex(&TaskRecord{}, "UserId"); err != nil {
		return fmt.Errorf("error dropping user_id index: %w", err)
	}
	if err := db.Migrator().DropColumn(&TaskRecord{}, "stack_error"); err != nil {
		return fmt.Errorf("error dropping stack_error column: %w", err)
	}
	return nil
}
