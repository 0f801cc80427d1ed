package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"task-controller/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), os.ModePerm))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLocalObjectStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(ctx, "models"))

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "model.bin"), "weights")
	writeFile(t, filepath.Join(src, "meta", "classes.txt"), "cat\ndog\n")

	require.NoError(t, store.UploadDir(ctx, "models", "task-1", src))

	objects, err := store.ListObjects(ctx, "models", "task-1/")
	require.NoError(t, err)
	names := []string{}
	for _, o := range objects {
		names = append(names, o.Name)
	}
	assert.ElementsMatch(t, []string{"task-1/model.bin", "task-1/meta/classes.txt"}, names)

	dest := filepath.Join(t.TempDir(), "in", "models")
	require.NoError(t, store.DownloadDir(ctx, "models", "task-1", dest, false))

	data, err := os.ReadFile(filepath.Join(dest, "meta", "classes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "cat\ndog\n", string(data))

	assert.Error(t, store.DownloadDir(ctx, "models", "task-1", dest, false), "existing destination without overwrite")
	assert.NoError(t, store.DownloadDir(ctx, "models", "task-1", dest, true))
}

func TestLocalObjectStoreMissingPrefix(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	err = store.DownloadDir(ctx, "models", "missing", filepath.Join(t.TempDir(), "out"), true)
	assert.Error(t, err)

	require.NoError(t, store.PutObject(ctx, "models", "a/b.txt", strings.NewReader("x")))
	objects, err := store.ListObjects(ctx, "models", "")
	require.NoError(t, err)
	assert.Len(t, objects, 1)
}
