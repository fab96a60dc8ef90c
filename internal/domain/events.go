package domain

import "time"

// EventKind tags the lifecycle vocabulary carried over the event bus
// (spec.md §3, §6). Every payload is self-describing: a handler never needs
// to join against another event to interpret one.
type EventKind string

const (
	EventRunQueued       EventKind = "run.queued"
	EventRunStarted      EventKind = "run.started"
	EventRunCompleted    EventKind = "run.completed"
	EventRunCancelled    EventKind = "run.cancelled"
	EventStageStarted    EventKind = "stage.started"
	EventStageCompleted  EventKind = "stage.completed"
	EventStepDispatched  EventKind = "step.dispatched"
	EventStepStarted     EventKind = "step.started"
	EventStepOutput      EventKind = "step.output"
	EventStepCompleted   EventKind = "step.completed"
	EventStepCancelled   EventKind = "step.cancelled"
	EventStepCancelRequested EventKind = "step.cancel_requested"
	EventJobAccepted     EventKind = "step.accepted"
	EventAgentRegistered EventKind = "agent.registered"
	EventAgentHeartbeat  EventKind = "agent.heartbeat"
	EventAgentDeregistered EventKind = "agent.deregistered"
	EventCacheHit        EventKind = "cache.hit"
	EventCacheMiss       EventKind = "cache.miss"
	EventCacheSaved      EventKind = "cache.saved"
)

// Event is a tagged union over the lifecycle vocabulary. Each concrete
// payload type below satisfies Event via Kind/Subject/Seq.
type Event interface {
	Kind() EventKind
	// Subject is the logical, transport-agnostic subject string per
	// spec.md §6's grammar, e.g. "step.{run_id}.{step_id}.completed".
	Subject() string
}

// RunQueuedEvent is published when a run is persisted in Queued state.
type RunQueuedEvent struct {
	RunID        RunID
	PipelineID   PipelineID
	PipelineName string
	RunNumber    uint64
	Trigger      TriggerType
	QueuedAt     time.Time
}

func (e RunQueuedEvent) Kind() EventKind { return EventRunQueued }
func (e RunQueuedEvent) Subject() string { return "run." + string(e.RunID) + ".queued" }

// RunStartedEvent is published when the first stage is dispatched.
type RunStartedEvent struct {
	RunID     RunID
	StartedAt time.Time
}

func (e RunStartedEvent) Kind() EventKind { return EventRunStarted }
func (e RunStartedEvent) Subject() string { return "run." + string(e.RunID) + ".started" }

// RunCompletedEvent is published when a run reaches an absorbing state.
type RunCompletedEvent struct {
	RunID       RunID
	Status      RunStatus
	CompletedAt time.Time
}

func (e RunCompletedEvent) Kind() EventKind { return EventRunCompleted }
func (e RunCompletedEvent) Subject() string { return "run." + string(e.RunID) + ".completed" }

// RunCancelledEvent is published when a cancel request is accepted.
type RunCancelledEvent struct {
	RunID  RunID
	Reason CancelReason
}

func (e RunCancelledEvent) Kind() EventKind { return EventRunCancelled }
func (e RunCancelledEvent) Subject() string { return "run." + string(e.RunID) + ".cancelled" }

// StageStartedEvent is published when a stage's first step dispatches.
type StageStartedEvent struct {
	RunID     RunID
	StageID   StageID
	StageName string
	StartedAt time.Time
}

func (e StageStartedEvent) Kind() EventKind { return EventStageStarted }
func (e StageStartedEvent) Subject() string {
	return "stage." + string(e.RunID) + "." + string(e.StageID) + ".started"
}

// StageCompletedEvent is published when every step in a stage is terminal.
type StageCompletedEvent struct {
	RunID       RunID
	StageID     StageID
	StageName   string
	Status      StageStatus
	CompletedAt time.Time
}

func (e StageCompletedEvent) Kind() EventKind { return EventStageCompleted }
func (e StageCompletedEvent) Subject() string {
	return "stage." + string(e.RunID) + "." + string(e.StageID) + ".completed"
}

// StepDispatchedEvent is published when the scheduler assigns a step to an
// agent and persists the lease.
type StepDispatchedEvent struct {
	RunID       RunID
	StepID      StepID
	AgentID     AgentID
	LeaseSeq    uint64
	DispatchedAt time.Time
}

func (e StepDispatchedEvent) Kind() EventKind { return EventStepDispatched }
func (e StepDispatchedEvent) Subject() string {
	return "step." + string(e.RunID) + "." + string(e.StepID) + ".dispatched"
}

// StepStartedEvent is published by the agent when execution begins.
type StepStartedEvent struct {
	RunID     RunID
	StepID    StepID
	LeaseSeq  uint64
	StartedAt time.Time
}

func (e StepStartedEvent) Kind() EventKind { return EventStepStarted }
func (e StepStartedEvent) Subject() string {
	return "step." + string(e.RunID) + "." + string(e.StepID) + ".started"
}

// LogStream distinguishes stdout from stderr.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
)

// StepOutputEvent carries one line of step output. LineNo is strictly
// increasing per (step, stream).
type StepOutputEvent struct {
	RunID     RunID
	StepID    StepID
	LeaseSeq  uint64
	Stream    LogStream
	LineNo    uint32
	Content   string
	Timestamp time.Time
}

func (e StepOutputEvent) Kind() EventKind { return EventStepOutput }
func (e StepOutputEvent) Subject() string {
	return "step." + string(e.RunID) + "." + string(e.StepID) + ".output"
}

// StepCompletedEvent is published by the agent with exactly one terminal
// outcome per dispatch attempt.
type StepCompletedEvent struct {
	RunID          RunID
	StepID         StepID
	LeaseSeq       uint64
	Success        bool
	ExitCode       int
	FailureReason  FailureReason
	Outputs        map[string]string
	TruncatedLines uint64
	CompletedAt    time.Time
}

func (e StepCompletedEvent) Kind() EventKind { return EventStepCompleted }
func (e StepCompletedEvent) Subject() string {
	return "step." + string(e.RunID) + "." + string(e.StepID) + ".completed"
}

// StepCancelledEvent is published by the agent once a cancelled step's
// process tree has been terminated.
type StepCancelledEvent struct {
	RunID       RunID
	StepID      StepID
	LeaseSeq    uint64
	CancelledAt time.Time
}

func (e StepCancelledEvent) Kind() EventKind { return EventStepCancelled }
func (e StepCancelledEvent) Subject() string {
	return "step." + string(e.RunID) + "." + string(e.StepID) + ".cancelled"
}

// JobAcceptedEvent is published by an agent to confirm it will run a
// dispatched step before the unaccepted-dispatch window elapses
// (spec.md §4.3).
type JobAcceptedEvent struct {
	RunID    RunID
	StepID   StepID
	AgentID  AgentID
	LeaseSeq uint64
}

func (e JobAcceptedEvent) Kind() EventKind { return EventJobAccepted }
func (e JobAcceptedEvent) Subject() string {
	return "step." + string(e.RunID) + "." + string(e.StepID) + ".accepted"
}

// StepCancelRequestedEvent is published by the scheduler to ask the agent
// holding a step's current lease to terminate it (spec.md §4.3).
type StepCancelRequestedEvent struct {
	RunID    RunID
	StepID   StepID
	AgentID  AgentID
	LeaseSeq uint64
}

func (e StepCancelRequestedEvent) Kind() EventKind { return EventStepCancelRequested }
func (e StepCancelRequestedEvent) Subject() string {
	return "agent." + string(e.AgentID) + ".cancel"
}

// AgentRegisteredEvent is published on successful registration.
type AgentRegisteredEvent struct {
	AgentID AgentID
	Name    string
	Labels  []string
}

func (e AgentRegisteredEvent) Kind() EventKind { return EventAgentRegistered }
func (e AgentRegisteredEvent) Subject() string { return "agent." + string(e.AgentID) + ".registered" }

// AgentHeartbeatEvent is published on the agent's heartbeat cadence.
type AgentHeartbeatEvent struct {
	AgentID   AgentID
	Status    AgentStatus
	Metrics   *SystemMetrics
	Timestamp time.Time
}

func (e AgentHeartbeatEvent) Kind() EventKind { return EventAgentHeartbeat }
func (e AgentHeartbeatEvent) Subject() string { return "agent." + string(e.AgentID) + ".heartbeat" }

// AgentDeregisteredEvent is published when an agent deregisters or goes stale.
type AgentDeregisteredEvent struct {
	AgentID AgentID
	Reason  string
}

func (e AgentDeregisteredEvent) Kind() EventKind { return EventAgentDeregistered }
func (e AgentDeregisteredEvent) Subject() string {
	return "agent." + string(e.AgentID) + ".deregistered"
}

// CacheHitEvent/CacheMissEvent/CacheSavedEvent report cache port outcomes.
type CacheHitEvent struct {
	RunID  RunID
	StepID StepID
	Key    string
}

func (e CacheHitEvent) Kind() EventKind { return EventCacheHit }
func (e CacheHitEvent) Subject() string { return "cache.hit." + string(e.RunID) }

type CacheMissEvent struct {
	RunID  RunID
	StepID StepID
	Key    string
}

func (e CacheMissEvent) Kind() EventKind { return EventCacheMiss }
func (e CacheMissEvent) Subject() string { return "cache.miss." + string(e.RunID) }

type CacheSavedEvent struct {
	RunID  RunID
	StepID StepID
	Key    string
}

func (e CacheSavedEvent) Kind() EventKind { return EventCacheSaved }
func (e CacheSavedEvent) Subject() string { return "cache.saved." + string(e.RunID) }
