package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/blockci/enginecore/internal/domain"
	"github.com/blockci/enginecore/internal/ports"
)

// hashFilesTokenRe matches a deferred ${{ hashFiles('glob') }} token left in
// a cache key by the compiler (see compiler.Interpolator.CollectHashFiles).
var hashFilesTokenRe = regexp.MustCompile(`\$\{\{\s*hashFiles\([^)]*\)\s*\}\}`)

// resolveHashFiles replaces every hashFiles(glob) token left in s with the
// hex sha256 digest of the sorted, concatenated contents of every file the
// glob matches under root — the deferred half of spec.md §4.1 step 7's
// cache-key policy, finally evaluated here at step start against the
// workspace actually checked out on this agent. Grounded on
// ttzrs-urp-cli's GlobWalk usage for pattern matching (the pack carries no
// other glob library).
func resolveHashFiles(root, s string) (string, error) {
	var outerErr error
	resolved := hashFilesTokenRe.ReplaceAllStringFunc(s, func(tok string) string {
		glob := hashFilesGlob(tok)
		sum, err := hashGlob(root, glob)
		if err != nil {
			outerErr = err
			return tok
		}
		return sum
	})
	return resolved, outerErr
}

func hashGlob(root, pattern string) (string, error) {
	fsys := os.DirFS(root)
	var matches []string
	err := doublestar.GlobWalk(fsys, pattern, func(path string, d fs.DirEntry) error {
		if !d.IsDir() {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(matches)

	h := sha256.New()
	for _, m := range matches {
		data, err := fs.ReadFile(fsys, m)
		if err != nil {
			return "", err
		}
		h.Write([]byte(m))
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// materializeCacheKey resolves the remaining hashFiles(...) tokens in a
// StepCacheDirective's key/restore_keys against the workspace root,
// producing the literal strings the CacheProvider is keyed on.
func materializeCacheKey(root string, d *domain.StepCacheDirective) (key string, restoreKeys []string, err error) {
	key, err = resolveHashFiles(root, d.Key)
	if err != nil {
		return "", nil, err
	}
	restoreKeys = make([]string, len(d.RestoreKeys))
	for i, rk := range d.RestoreKeys {
		restoreKeys[i], err = resolveHashFiles(root, rk)
		if err != nil {
			return "", nil, err
		}
	}
	return key, restoreKeys, nil
}

// restoreCache returns whether the requested key hit, the requested key
// itself (needed by the caller to publish cache.miss/cache.saved against the
// same key restoreKeys fallback didn't match), and the key that actually
// hit (equal to the requested key on an exact match, a restore-key prefix
// otherwise).
func restoreCache(ctx context.Context, cache ports.CacheProvider, root string, d *domain.StepCacheDirective) (hit bool, key string, matchedKey string, err error) {
	key, restoreKeys, err := materializeCacheKey(root, d)
	if err != nil {
		return false, "", "", err
	}
	hit, matchedKey, err = cache.Restore(ctx, key, restoreKeys)
	return hit, key, matchedKey, err
}

// saveCache archives the step's cache paths under its materialized key and
// returns that key so the caller can publish cache.saved against it.
func saveCache(ctx context.Context, cache ports.CacheProvider, root string, d *domain.StepCacheDirective) (string, error) {
	key, _, err := materializeCacheKey(root, d)
	if err != nil {
		return "", err
	}
	if err := cache.Save(ctx, key, d.Paths); err != nil {
		return "", err
	}
	return key, nil
}

func hashFilesGlob(token string) string {
	inner := strings.TrimPrefix(token, "${{")
	inner = strings.TrimSuffix(inner, "}}")
	inner = strings.TrimSpace(inner)
	inner = strings.TrimPrefix(inner, "hashFiles(")
	inner = strings.TrimSuffix(inner, ")")
	return strings.Trim(strings.TrimSpace(inner), `'"`)
}
