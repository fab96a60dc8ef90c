package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockci/enginecore/internal/domain"
)

func TestResolveHashFilesIsStableForSameContent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.sum"), []byte("module-hash-1"), 0o644))

	first, err := resolveHashFiles(root, "linux-${{ hashFiles('go.sum') }}")
	require.NoError(t, err)

	second, err := resolveHashFiles(root, "linux-${{ hashFiles('go.sum') }}")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotContains(t, first, "hashFiles")
}

func TestResolveHashFilesChangesWithContent(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "go.sum")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))
	before, err := resolveHashFiles(root, "${{ hashFiles('go.sum') }}")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	after, err := resolveHashFiles(root, "${{ hashFiles('go.sum') }}")
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
}

func TestMaterializeCacheKeyResolvesKeyAndRestoreKeys(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.sum"), []byte("deps"), 0o644))

	d := &domain.StepCacheDirective{
		Key:         "linux-${{ hashFiles('go.sum') }}",
		RestoreKeys: []string{"linux-"},
		Paths:       []string{root},
	}
	key, restoreKeys, err := materializeCacheKey(root, d)
	require.NoError(t, err)
	assert.Contains(t, key, "linux-")
	assert.NotContains(t, key, "hashFiles")
	assert.Equal(t, []string{"linux-"}, restoreKeys)
}
