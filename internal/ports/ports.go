// Package ports declares the narrow capability interfaces the execution
// core depends on but does not implement: persistence, the event bus,
// secret resolution, and plugin hosting (spec.md §6, §9). Concrete
// implementations live in internal/repository, internal/eventbus,
// internal/secrets, and internal/plugin.
package ports

import (
	"context"
	"time"

	"github.com/blockci/enginecore/internal/domain"
)

// EventBus publishes lifecycle events and lets subscribers drain them.
// Delivery is at-least-once; every subscriber must be idempotent keyed on
// the identifiers carried in the payload (spec.md §5, §9).
type EventBus interface {
	Publish(ctx context.Context, event domain.Event) error
	Subscribe(ctx context.Context, pattern string) (<-chan domain.Event, func(), error)
}

// PipelineRepository stores pipeline definitions.
type PipelineRepository interface {
	Create(ctx context.Context, def *domain.PipelineDefinition) (domain.PipelineID, error)
	Get(ctx context.Context, id domain.PipelineID) (*domain.PipelineDefinition, bool, error)
	List(ctx context.Context, limit, offset int) ([]domain.PipelineID, error)
}

// RunRepository stores runs and their stage/step trees.
type RunRepository interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id domain.RunID) (*domain.Run, bool, error)
	UpdateRunStatus(ctx context.Context, id domain.RunID, status domain.RunStatus) error
	MarkRunStarted(ctx context.Context, id domain.RunID, startedAt time.Time) error
	NextRunNumber(ctx context.Context, pipelineID domain.PipelineID) (uint64, error)
	InsertStage(ctx context.Context, runID domain.RunID, stage *domain.Stage) error
	UpdateStageStatus(ctx context.Context, runID domain.RunID, stageID domain.StageID, status domain.StageStatus) error
	InsertStep(ctx context.Context, stageID domain.StageID, step *domain.Step) error
	UpdateStepStatus(ctx context.Context, stepID domain.StepID, status domain.StepStatus, reason domain.FailureReason) error
	AppendStepLog(ctx context.Context, stepID domain.StepID, line string) error
	LoadActiveRuns(ctx context.Context) ([]*domain.Run, error)
}

// AgentRepository stores agent registrations and their current status.
type AgentRepository interface {
	Upsert(ctx context.Context, agent *domain.Agent) error
	Get(ctx context.Context, id domain.AgentID) (*domain.Agent, bool, error)
	List(ctx context.Context) ([]*domain.Agent, error)
	ListIdle(ctx context.Context, labels []string) ([]*domain.Agent, error)
	Remove(ctx context.Context, id domain.AgentID) error
}

// LeaseRepository stores job leases.
type LeaseRepository interface {
	Insert(ctx context.Context, lease *domain.Lease) error
	Revoke(ctx context.Context, stepID domain.StepID) error
	CurrentSequence(ctx context.Context, stepID domain.StepID) (uint64, bool, error)
}

// SecretProvider resolves a secret reference to its current value. Values
// returned here must never be logged; callers are responsible for masking.
type SecretProvider interface {
	Resolve(ctx context.Context, ref domain.SecretReference) (string, error)
}

// CacheProvider is a shared, concurrent key-value store with a
// single-writer-per-key invariant: saving under an existing key is a no-op
// (spec.md §5).
type CacheProvider interface {
	Restore(ctx context.Context, key string, restoreKeys []string) (hit bool, matchedKey string, err error)
	Save(ctx context.Context, key string, paths []string) error
}

// PluginHost executes a named plugin with structured input and returns
// structured output or an error. Sandboxing is the host's responsibility.
type PluginHost interface {
	Call(ctx context.Context, name string, input map[string]string) (map[string]string, error)
}

// ArtifactStore uploads step artifacts with a declared retention.
type ArtifactStore interface {
	Upload(ctx context.Context, runID domain.RunID, stepID domain.StepID, path string, retentionDays int) error
}
