// Package artifacts is the agent-local filesystem ArtifactStore (cmd/agent
// wires it into the runner; cmd/server does not use it): uploaded step
// artifacts land compressed under a run/step directory tree with a
// retention stamp, the same directory-per-container layout as bureau's
// lib/artifactstore.Cache, simplified from its mmap'd block-ring device
// down to plain compressed files since this module has no need for the
// bounded/self-evicting cache semantics bureau's local build cache needs.
package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/blockci/enginecore/internal/domain"
)

// FilesystemStore implements ports.ArtifactStore.
type FilesystemStore struct {
	root string
}

func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FilesystemStore{root: root}, nil
}

// manifest records when an artifact was uploaded and how long to keep it,
// read back by a retention sweep (Prune).
type manifest struct {
	SourcePath    string    `json:"source_path"`
	UploadedAt    time.Time `json:"uploaded_at"`
	RetentionDays int       `json:"retention_days"`
}

func (s *FilesystemStore) dir(runID domain.RunID, stepID domain.StepID) string {
	return filepath.Join(s.root, string(runID), string(stepID))
}

func (s *FilesystemStore) Upload(ctx context.Context, runID domain.RunID, stepID domain.StepID, path string, retentionDays int) error {
	dir := s.dir(runID, stepID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	name := filepath.Base(path)
	dest := filepath.Join(dir, name+".zst")
	if err := compressFile(path, dest); err != nil {
		return fmt.Errorf("compress artifact %q: %w", path, err)
	}

	m := manifest{SourcePath: path, UploadedAt: time.Now().UTC(), RetentionDays: retentionDays}
	blob, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(dest+".manifest.json", blob, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Prune deletes every artifact whose retention window has elapsed.
func (s *FilesystemStore) Prune(ctx context.Context) error {
	return filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ".json" {
			return err
		}
		blob, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var m manifest
		if err := json.Unmarshal(blob, &m); err != nil {
			return nil
		}
		if m.RetentionDays <= 0 {
			return nil
		}
		if time.Since(m.UploadedAt) > time.Duration(m.RetentionDays)*24*time.Hour {
			artifactPath := path[:len(path)-len(".manifest.json")]
			os.Remove(artifactPath)
			os.Remove(path)
		}
		return nil
	})
}

func compressFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return err
	}
	defer enc.Close()

	_, err = io.Copy(enc, in)
	return err
}
