package artifacts_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockci/enginecore/internal/artifacts"
	"github.com/blockci/enginecore/internal/domain"
)

func TestUploadCompressesAndWritesManifest(t *testing.T) {
	root := t.TempDir()
	store, err := artifacts.NewFilesystemStore(root)
	require.NoError(t, err)

	srcDir := t.TempDir()
	srcFile := filepath.Join(srcDir, "report.txt")
	require.NoError(t, os.WriteFile(srcFile, []byte("coverage: 93%"), 0o644))

	runID, stepID := domain.RunID("r1"), domain.StepID("s1")
	require.NoError(t, store.Upload(context.Background(), runID, stepID, srcFile, 7))

	archivePath := filepath.Join(root, string(runID), string(stepID), "report.txt.zst")
	_, err = os.Stat(archivePath)
	require.NoError(t, err, "compressed artifact must exist")
	_, err = os.Stat(archivePath + ".manifest.json")
	require.NoError(t, err, "manifest must exist alongside the artifact")

	compressed, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	plain, err := dec.DecodeAll(compressed, nil)
	require.NoError(t, err)
	assert.Equal(t, "coverage: 93%", string(plain))
}

func TestPruneRemovesExpiredArtifacts(t *testing.T) {
	root := t.TempDir()
	store, err := artifacts.NewFilesystemStore(root)
	require.NoError(t, err)

	srcDir := t.TempDir()
	srcFile := filepath.Join(srcDir, "old.log")
	require.NoError(t, os.WriteFile(srcFile, []byte("stale"), 0o644))

	runID, stepID := domain.RunID("r1"), domain.StepID("s1")
	require.NoError(t, store.Upload(context.Background(), runID, stepID, srcFile, 1))

	manifestPath := filepath.Join(root, string(runID), string(stepID), "old.log.zst.manifest.json")
	raw, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	backdated := time.Now().Add(-48 * time.Hour).Format(time.RFC3339Nano)
	patched := []byte(`{"source_path":"` + srcFile + `","uploaded_at":"` + backdated + `","retention_days":1}`)
	_ = raw
	require.NoError(t, os.WriteFile(manifestPath, patched, 0o644))

	require.NoError(t, store.Prune(context.Background()))

	_, err = os.Stat(filepath.Join(root, string(runID), string(stepID), "old.log.zst"))
	assert.True(t, os.IsNotExist(err), "expired artifact should be pruned")
	_, err = os.Stat(manifestPath)
	assert.True(t, os.IsNotExist(err), "expired manifest should be pruned")
}

func TestPruneKeepsArtifactsWithinRetention(t *testing.T) {
	root := t.TempDir()
	store, err := artifacts.NewFilesystemStore(root)
	require.NoError(t, err)

	srcDir := t.TempDir()
	srcFile := filepath.Join(srcDir, "fresh.log")
	require.NoError(t, os.WriteFile(srcFile, []byte("fresh"), 0o644))

	runID, stepID := domain.RunID("r2"), domain.StepID("s2")
	require.NoError(t, store.Upload(context.Background(), runID, stepID, srcFile, 30))

	require.NoError(t, store.Prune(context.Background()))

	_, err = os.Stat(filepath.Join(root, string(runID), string(stepID), "fresh.log.zst"))
	assert.NoError(t, err, "artifact within retention must survive Prune")
}
