// Package domain holds the core types of the CI execution engine: pipeline
// definitions, compiled plans, runs/stages/steps, agents and leases, and the
// event vocabulary that flows between them.
package domain

import "github.com/google/uuid"

// PipelineID identifies a stored pipeline definition.
type PipelineID string

// PlanID identifies a frozen, compiled plan.
type PlanID string

// RunID identifies a single execution of a plan.
type RunID string

// StageID identifies a stage within a run.
type StageID string

// StepID identifies a step within a stage.
type StepID string

// AgentID identifies a registered worker agent.
type AgentID string

// LeaseID identifies one job-lease issuance.
type LeaseID string

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// NewPipelineID mints a new pipeline id.
func NewPipelineID() PipelineID { return PipelineID(newID("pipe")) }

// NewPlanID mints a new plan id.
func NewPlanID() PlanID { return PlanID(newID("plan")) }

// NewRunID mints a new run id.
func NewRunID() RunID { return RunID(newID("run")) }

// NewStageID mints a new stage id.
func NewStageID() StageID { return StageID(newID("stage")) }

// NewStepID mints a new step id.
func NewStepID() StepID { return StepID(newID("step")) }

// NewAgentID mints a new agent id.
func NewAgentID() AgentID { return AgentID(newID("agent")) }

// NewLeaseID mints a new lease id.
func NewLeaseID() LeaseID { return LeaseID(newID("lease")) }
