package cache_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockci/enginecore/internal/cache"
)

func TestSaveThenRestoreRecreatesFiles(t *testing.T) {
	cacheDir := t.TempDir()
	c, err := cache.NewFilesystemCache(cacheDir)
	require.NoError(t, err)

	srcDir := t.TempDir()
	filePath := filepath.Join(srcDir, "artifact.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("hello cache"), 0o644))

	require.NoError(t, c.Save(context.Background(), "key-v1", []string{srcDir}))
	require.NoError(t, os.Remove(filePath))

	hit, matchedKey, err := c.Restore(context.Background(), "key-v1", nil)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "key-v1", matchedKey)

	data, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "hello cache", string(data))
}

func TestRestoreFallsBackToRestoreKeyPrefix(t *testing.T) {
	cacheDir := t.TempDir()
	c, err := cache.NewFilesystemCache(cacheDir)
	require.NoError(t, err)

	srcDir := t.TempDir()
	filePath := filepath.Join(srcDir, "deps.lock")
	require.NoError(t, os.WriteFile(filePath, []byte("deps"), 0o644))
	require.NoError(t, c.Save(context.Background(), "deps-linux-abc123", []string{srcDir}))

	hit, matchedKey, err := c.Restore(context.Background(), "deps-linux-def456", []string{"deps-linux-"})
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "deps-linux-abc123", matchedKey)
}

func TestRestoreMissReportsNoMatch(t *testing.T) {
	cacheDir := t.TempDir()
	c, err := cache.NewFilesystemCache(cacheDir)
	require.NoError(t, err)

	hit, _, err := c.Restore(context.Background(), "never-saved", nil)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestSaveIsNoopForExistingKey(t *testing.T) {
	cacheDir := t.TempDir()
	c, err := cache.NewFilesystemCache(cacheDir)
	require.NoError(t, err)

	dirA := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dirA, "f.txt"), []byte("first"), 0o644))
	require.NoError(t, c.Save(context.Background(), "shared-key", []string{dirA}))

	dirB := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dirB, "f.txt"), []byte("second"), 0o644))
	require.NoError(t, c.Save(context.Background(), "shared-key", []string{dirB}))

	require.NoError(t, os.Remove(filepath.Join(dirA, "f.txt")))
	hit, _, err := c.Restore(context.Background(), "shared-key", nil)
	require.NoError(t, err)
	require.True(t, hit)

	data, err := os.ReadFile(filepath.Join(dirA, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data), "first save under a key must win")
}
