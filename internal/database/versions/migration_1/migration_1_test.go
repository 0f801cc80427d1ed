package migration_1

import (
	"testing"
	"time"

	"task-controller/internal/database/versions/migration_0"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestMigration(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, migration_0.Migration(db))
	require.NoError(t, db.Create(&migration_0.TaskRecord{
		Hash: "T1", UserId: "u1", RepoId: "r1", Type: "merge", State: "DONE", Percent: 1, Timestamp: 5,
		CreationTime: time.Now(), UpdateTime: time.Now(),
	}).Error)

	require.NoError(t, Migration(db))
	assert.True(t, db.Migrator().HasColumn(&TaskRecord{}, "stack_error"))
	assert.True(t, db.Migrator().HasIndex(&TaskRecord{}, "UserId"))

	var count int64
	require.NoError(t, db.Table("task_records").Where("hash = ?", "T1").Count(&count).Error)
	assert.Equal(t, int64(1), count, "existing rows survive the migration")

	require.NoError(t, Rollback(db))
	assert.False(t, db.Migrator().HasColumn(&TaskRecord{}, "stack_error"))
}
