package plugin_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockci/enginecore/internal/artifacts"
	"github.com/blockci/enginecore/internal/cache"
	"github.com/blockci/enginecore/internal/plugin"
)

func newHost(t *testing.T) *plugin.Host {
	t.Helper()
	c, err := cache.NewFilesystemCache(t.TempDir())
	require.NoError(t, err)
	a, err := artifacts.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	return plugin.New(c, a)
}

func TestCallUnknownPluginErrors(t *testing.T) {
	h := newHost(t)
	_, err := h.Call(context.Background(), "does-not-exist", nil)
	assert.Error(t, err)
}

func TestCachePluginSaveThenRestore(t *testing.T) {
	h := newHost(t)
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "lock"), []byte("deps"), 0o644))

	_, err := h.Call(context.Background(), "cache@v1", map[string]string{
		"method": "save", "key": "deps-1", "paths": srcDir,
	})
	require.NoError(t, err)

	out, err := h.Call(context.Background(), "cache", map[string]string{
		"method": "restore", "key": "deps-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "true", out["cache-hit"])
	assert.Equal(t, "deps-1", out["matched-key"])
}

func TestCachePluginRequiresKey(t *testing.T) {
	h := newHost(t)
	_, err := h.Call(context.Background(), "cache", map[string]string{"method": "restore"})
	assert.Error(t, err)
}

func TestArtifactPluginUploadsPath(t *testing.T) {
	h := newHost(t)
	srcDir := t.TempDir()
	file := filepath.Join(srcDir, "coverage.xml")
	require.NoError(t, os.WriteFile(file, []byte("<ok/>"), 0o644))

	out, err := h.Call(context.Background(), "artifact", map[string]string{
		"path": file, "run_id": "r1", "step_id": "s1", "retention_days": "5",
	})
	require.NoError(t, err)
	assert.Equal(t, file, out["path"])
}

func TestNotifyPluginPostsMessage(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 256)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHost(t)
	_, err := h.Call(context.Background(), "notify", map[string]string{
		"url": srv.URL, "message": "build failed",
	})
	require.NoError(t, err)
	assert.Equal(t, "build failed", gotBody)
}

func TestCheckoutPluginRequiresRepository(t *testing.T) {
	h := newHost(t)
	_, err := h.Call(context.Background(), "checkout", map[string]string{})
	assert.Error(t, err)
}
