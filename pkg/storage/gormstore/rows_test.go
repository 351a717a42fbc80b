package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"lenrd/pkg/command"
	"lenrd/pkg/job"
	"lenrd/pkg/storage"
)

// mysql without clientFoundRows reports zero affected rows for updates that
// change nothing; emulate that on sqlite.
func TestUpdate_ZeroAffectedRows(t *testing.T) {
	store, err := Open(Config{
		Driver:   DriverSQLite,
		Path:     filepath.Join(t.TempDir(), "lenrd.db"),
		LogLevel: "silent",
	})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.db.Callback().Update().After("gorm:update").
		Register("lenrd:zero_rows", func(db *gorm.DB) { db.RowsAffected = 0 }))

	ctx := context.Background()
	snap := job.Snapshot{
		ID:        store.NextID(),
		Status:    job.StatusRunning,
		Timestamp: time.Now().UTC(),
		Args:      command.Args{Application: "example", Environment: "production", Task: "deploy"},
	}
	require.NoError(t, store.Save(ctx, snap))

	assert.NoError(t, store.Update(ctx, snap))
	assert.NoError(t, store.SetOutputURI(ctx, snap.ID, "file:///tmp/out.log"))

	snap.ID = "missing"
	assert.ErrorIs(t, store.Update(ctx, snap), storage.ErrNotFound)
	assert.ErrorIs(t, store.SetOutputURI(ctx, "missing", "file:///tmp/out.log"), storage.ErrNotFound)
}
