package domain

import "time"

// RunStatus is the absorbing-state machine described in spec.md §4.2.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCancelling RunStatus = "cancelling"
	RunSuccess   RunStatus = "success"
	RunFailure   RunStatus = "failure"
	RunCancelled RunStatus = "cancelled"
	RunTimeout   RunStatus = "timeout"
)

// IsTerminal reports whether the run can no longer change state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSuccess, RunFailure, RunCancelled, RunTimeout:
		return true
	default:
		return false
	}
}

// ExitCode maps a terminal run status to the outcome code spec.md §6 defines.
func (s RunStatus) ExitCode() int {
	switch s {
	case RunSuccess:
		return 0
	case RunFailure:
		return 1
	case RunCancelled:
		return 2
	case RunTimeout:
		return 3
	default:
		return -1
	}
}

// CancelReasonType enumerates why a run was cancelled.
type CancelReasonType string

const (
	CancelUserRequested CancelReasonType = "user_requested"
	CancelTimeout        CancelReasonType = "timeout"
	CancelSuperseded      CancelReasonType = "superseded"
)

// CancelReason records why cancellation was requested.
type CancelReason struct {
	Reason      CancelReasonType
	CancelledBy string
	Message     string
}

// Run is one execution of a Plan.
type Run struct {
	ID           RunID
	PipelineID   PipelineID
	PipelineName string
	RunNumber    uint64
	PlanID       PlanID
	Status       RunStatus
	Trigger      TriggerContext
	Variables    map[string]string
	TimeoutMin   int
	Stages       []*Stage
	CancelReason *CancelReason
	QueuedAt     time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Duration returns completed-started when both are set, per the invariant
// in spec.md §3.
func (r *Run) Duration() (time.Duration, bool) {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0, false
	}
	return r.CompletedAt.Sub(*r.StartedAt), true
}

// StageStatus is the per-stage state machine, shaped like RunStatus.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSuccess   StageStatus = "success"
	StageFailure   StageStatus = "failure"
	StageSkipped   StageStatus = "skipped"
	StageCancelled StageStatus = "cancelled"
)

// IsTerminal reports whether the stage can no longer change state.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageSuccess, StageFailure, StageSkipped, StageCancelled:
		return true
	default:
		return false
	}
}

// Stage is a child of a Run holding its ordered steps.
type Stage struct {
	Index       int
	ID          StageID
	RunID       RunID
	Name        string
	Status      StageStatus
	Steps       []*Step
	DependsOn   []string
	Condition   *ConditionExpression
	MatrixMeta  *MatrixMeta
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// StepStatus is the per-step state machine.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSuccess   StepStatus = "success"
	StepFailure   StepStatus = "failure"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// IsTerminal reports whether the step can no longer change state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSuccess, StepFailure, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

// FailureReason records why a step failed, distinct from the status itself
// so a timeout and a non-zero exit are both "failure" but distinguishable.
type FailureReason string

const (
	FailureNone            FailureReason = ""
	FailureEnvPrepare      FailureReason = "env_prepare"
	FailureCommandNonZero  FailureReason = "command_non_zero"
	FailureTimeout         FailureReason = "timeout"
	FailureCancelled       FailureReason = "cancelled"
	FailurePluginCrash     FailureReason = "plugin_crash"
	FailureSecretResolve   FailureReason = "secret_resolve"
	FailureCacheIO         FailureReason = "cache_io"
	FailureArtifactUpload  FailureReason = "artifact_upload"
	FailureInfrastructure  FailureReason = "infrastructure_error"
)

// Step is a child of a Stage: the smallest schedulable unit.
type Step struct {
	Index            int
	ID               StepID
	StageID          StageID
	Name             string
	Status           StepStatus
	FailureReason    FailureReason
	ExitCode         *int
	Plan             PlanStep
	CurrentLeaseSeq  uint64
	AssignedAgentID  AgentID
	Outputs          map[string]string
	TruncatedLines   uint64
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// Outcome is the user-visible result of a completed run (spec.md §7).
type Outcome struct {
	RunID          RunID
	Status         RunStatus
	ExitCode       int
	FirstFailingID StepID
	LogTail        []string
}
