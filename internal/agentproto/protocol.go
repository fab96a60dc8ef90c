// Wire-level payloads exchanged with agents. These are the JSON-shaped
// descriptors an agent sees over its transport (spec.md §4.3's
// agent.{id}.job{lease_seq, step_descriptor, env, cache_directive,
// secret_refs, deadline} dispatch message); internally the scheduler works
// in terms of domain.PlanStep, so JobDispatch is an adapter between the two.
package agentproto

import "github.com/blockci/enginecore/internal/domain"

// JobDispatch is the message handed to an agent when a step is assigned to
// it. The agent is expected to answer with a JobAcceptedEvent within the
// unaccepted-dispatch window, then stream StepOutputEvent/StepCompletedEvent
// against LeaseSeq.
type JobDispatch struct {
	RunID      domain.RunID        `json:"run_id"`
	StepID     domain.StepID       `json:"step_id"`
	LeaseSeq   uint64              `json:"lease_seq"`
	Descriptor StepDescriptor      `json:"step_descriptor"`
	Deadline   string              `json:"deadline,omitempty"` // RFC3339, empty means no per-step deadline
}

// StepDescriptor is everything an agent needs to run one step: what to run,
// where, with what environment, cache policy, and secret bindings. Secret
// values are never embedded here — only SecretRef names the agent must
// resolve locally against its own SecretProvider.
type StepDescriptor struct {
	Name             string                       `json:"name"`
	DisplayName      string                       `json:"display_name,omitempty"`
	Plugin           string                       `json:"plugin,omitempty"`
	Run              string                       `json:"run,omitempty"`
	Shell            string                       `json:"shell,omitempty"`
	WorkingDirectory string                       `json:"working_directory,omitempty"`
	Environment      *domain.ExecutionEnvironment `json:"environment,omitempty"`
	Variables        map[string]string            `json:"variables,omitempty"`
	SecretRefs       []SecretRef                  `json:"secret_refs,omitempty"`
	CacheDirective   *domain.StepCacheDirective    `json:"cache_directive,omitempty"`
	TimeoutMinutes   int                          `json:"timeout_minutes,omitempty"`
	ContinueOnError  bool                         `json:"continue_on_error,omitempty"`
	Outputs          []string                     `json:"outputs,omitempty"`
	Artifacts        []domain.ArtifactSpec        `json:"artifacts,omitempty"`
}

// SecretRef names a secret binding without carrying its value — the agent
// resolves it against its own SecretProvider and masks it in any output it
// streams back.
type SecretRef struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Path     string `json:"path"`
	Version  string `json:"version,omitempty"`
	Masked   bool   `json:"masked"`
}

// BuildJobDispatch adapts a frozen PlanStep into the wire message sent to
// the agent holding the given lease.
func BuildJobDispatch(runID domain.RunID, leaseSeq uint64, step domain.PlanStep) JobDispatch {
	refs := make([]SecretRef, 0, len(step.Secrets))
	for _, s := range step.Secrets {
		refs = append(refs, SecretRef{Name: s.Name, Provider: s.Provider, Path: s.Path, Version: s.Version, Masked: s.Masked})
	}
	return JobDispatch{
		RunID:    runID,
		StepID:   step.ID,
		LeaseSeq: leaseSeq,
		Descriptor: StepDescriptor{
			Name:             step.Name,
			DisplayName:      step.DisplayName,
			Plugin:           step.Plugin,
			Run:              step.Run,
			Shell:            step.Shell,
			WorkingDirectory: step.WorkingDirectory,
			Environment:      step.Environment,
			Variables:        step.Variables,
			SecretRefs:       refs,
			CacheDirective:   step.CacheDirective,
			TimeoutMinutes:   step.TimeoutMinutes,
			ContinueOnError:  step.ContinueOnError,
			Outputs:          step.Outputs,
			Artifacts:        step.Artifacts,
		},
	}
}
