// Package cache implements ports.CacheProvider as a local filesystem store:
// each cache key becomes one zstd-compressed tar archive. Grounded on
// bureau-foundation/bureau's lib/artifactstore compression helpers (zstd via
// klauspost/compress), adapted from their chunk-oriented API to whole-archive
// save/restore since cache entries are saved and restored wholesale, never
// streamed in chunks.
package cache

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// FilesystemCache is a single-writer-per-key CacheProvider backed by a
// directory of zstd-compressed tar archives, one per cache key.
type FilesystemCache struct {
	mu   sync.Mutex
	root string
}

// NewFilesystemCache constructs a FilesystemCache rooted at dir, creating it
// if absent.
func NewFilesystemCache(dir string) (*FilesystemCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir cache root: %w", err)
	}
	return &FilesystemCache{root: dir}, nil
}

func (c *FilesystemCache) archivePath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.root, hex.EncodeToString(sum[:])+".tar.zst")
}

// Restore looks for an exact match on key, then falls back to the first
// restoreKeys prefix match found on disk (spec.md §4.1's cache-key fallback
// order), extracting the archive into the current working directory
// relative paths it was saved with.
func (c *FilesystemCache) Restore(ctx context.Context, key string, restoreKeys []string) (bool, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if path := c.archivePath(key); fileExists(path) {
		if err := extractArchive(path); err != nil {
			return false, "", err
		}
		return true, key, nil
	}

	for _, prefix := range restoreKeys {
		matched, ok, err := c.findPrefixMatch(prefix)
		if err != nil {
			return false, "", err
		}
		if ok {
			if err := extractArchive(c.archivePath(matched)); err != nil {
				return false, "", err
			}
			return true, matched, nil
		}
	}
	return false, "", nil
}

// Save archives paths under key. A save under an existing key is a no-op —
// the single-writer-per-key invariant means whoever saved first wins
// (spec.md §5).
func (c *FilesystemCache) Save(ctx context.Context, key string, paths []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.archivePath(key)
	if fileExists(path) {
		return nil
	}

	tmp := path + ".tmp"
	if err := writeArchive(tmp, paths); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return c.recordKeyLocked(key)
}

func (c *FilesystemCache) recordKeyLocked(key string) error {
	f, err := os.OpenFile(filepath.Join(c.root, "index.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(key + "\n")
	return err
}

// findPrefixMatch scans the keys index file, which is in save order, for the
// most recently saved key starting with prefix. Keys are tracked in a sidecar index since the
// archive filenames are content-hashed and no longer carry the literal key.
func (c *FilesystemCache) findPrefixMatch(prefix string) (string, bool, error) {
	index, err := c.loadIndex()
	if err != nil {
		return "", false, err
	}
	var best string
	for _, key := range index {
		if strings.HasPrefix(key, prefix) && fileExists(c.archivePath(key)) {
			best = key
		}
	}
	return best, best != "", nil
}

func (c *FilesystemCache) loadIndex() ([]string, error) {
	path := filepath.Join(c.root, "index.txt")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	return lines, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeArchive(path string, paths []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	for _, root := range paths {
		if err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = p
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			src, err := os.Open(p)
			if err != nil {
				return err
			}
			defer src.Close()
			_, err = io.Copy(tw, src)
			return err
		}); err != nil {
			if os.IsNotExist(err) {
				continue // declared path never materialized; nothing to cache
			}
			return err
		}
	}
	return nil
}

func extractArchive(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(hdr.Name), 0o755); err != nil {
			return err
		}
		dst, err := os.OpenFile(hdr.Name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return err
		}
		if _, err := io.Copy(dst, tr); err != nil {
			dst.Close()
			return err
		}
		dst.Close()
	}
}
