package runner

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/blockci/enginecore/internal/domain"
	"github.com/blockci/enginecore/internal/ports"
)

// publishArtifacts uploads every declared ArtifactSpec on a step after it
// completes. Paths are relative to the workspace; any upload error,
// including a missing path, stops the loop and is returned (Execute then
// fails the step with FailureArtifactUpload), unlike the cache layer's
// best-effort posture, so a misconfigured artifact path is surfaced rather
// than silently dropped.
func publishArtifacts(ctx context.Context, store ports.ArtifactStore, runID domain.RunID, stepID domain.StepID, workspace string, specs []domain.ArtifactSpec) error {
	for _, spec := range specs {
		full := filepath.Join(workspace, spec.Path)
		if err := store.Upload(ctx, runID, stepID, full, spec.RetentionDays); err != nil {
			return fmt.Errorf("upload artifact %q: %w", spec.Path, err)
		}
	}
	return nil
}
