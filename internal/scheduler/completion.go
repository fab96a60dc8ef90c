package scheduler

import (
	"context"
	"time"

	"github.com/blockci/enginecore/internal/domain"
)

// HandleStepCompleted applies one step.completed report (spec.md §4.2
// completion handling). A report whose lease_seq no longer matches the
// step's current lease is a stale report from a superseded lease and is
// dropped — the step's recorded status is left untouched.
func (s *Scheduler) HandleStepCompleted(ctx context.Context, ev domain.StepCompletedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.findRun(ev.RunID)
	if run == nil {
		return
	}
	step, stage := findStep(run, ev.StepID)
	if step == nil {
		return
	}
	if !s.leases.IsCurrent(ev.StepID, ev.LeaseSeq) {
		s.log.Warnf("dropping stale step.completed step=%s seq=%d", ev.StepID, ev.LeaseSeq)
		return
	}
	if step.Status.IsTerminal() {
		return // already terminal; a cancel or timeout beat this report in
	}

	now := time.Now().UTC()
	step.CompletedAt = &now
	step.Outputs = ev.Outputs
	step.TruncatedLines = ev.TruncatedLines
	code := ev.ExitCode
	step.ExitCode = &code

	if ev.Success {
		step.Status = domain.StepSuccess
	} else {
		step.Status = domain.StepFailure
		step.FailureReason = ev.FailureReason
	}

	s.freeAgentSlot(ctx, step.AssignedAgentID)

	_ = s.runs.UpdateStepStatus(ctx, step.ID, step.Status, step.FailureReason)
	s.evaluateStage(ctx, run, stage)
	s.evaluateRun(ctx, run)
	s.dispatchPass(ctx, run)
}

func findStep(run *Run, id domain.StepID) (*domain.Step, *domain.Stage) {
	for _, stage := range run.Stages {
		for _, step := range stage.Steps {
			if step.ID == id {
				return step, stage
			}
		}
	}
	return nil, nil
}

func (s *Scheduler) freeAgentSlot(ctx context.Context, agentID domain.AgentID) {
	if agentID == "" {
		return
	}
	agent, ok, err := s.agents.Get(ctx, agentID)
	if err != nil || !ok {
		return
	}
	if agent.AssignedJobs > 0 {
		agent.AssignedJobs--
	}
	if agent.Status == domain.AgentBusy && agent.AvailableSlots() > 0 {
		agent.Status = domain.AgentIdle
	}
	_ = s.agents.Upsert(ctx, agent)
}

// evaluateStage recomputes one stage's status once one of its steps
// reaches a terminal state: Failure if any step Failed without
// continue_on_error; otherwise Cancelled if any step was Cancelled;
// otherwise Success (every step Success, Skipped, or Failed under
// continue_on_error).
func (s *Scheduler) evaluateStage(ctx context.Context, run *Run, stage *domain.Stage) {
	if stage.Status.IsTerminal() {
		return
	}

	allTerminal := true
	failed := false
	cancelled := false
	for _, step := range stage.Steps {
		if !step.Status.IsTerminal() {
			allTerminal = false
			continue
		}
		if step.Status == domain.StepFailure && !step.Plan.ContinueOnError {
			failed = true
		}
		if step.Status == domain.StepCancelled {
			cancelled = true
		}
	}
	if failed {
		if meta := run.stageMatrix[stage.Name]; meta != nil && meta.FailFast {
			s.abortStageSiblings(ctx, run, stage)
			allTerminal = true
		}
	}

	if !allTerminal {
		return
	}

	now := time.Now().UTC()
	stage.CompletedAt = &now
	switch {
	case failed:
		stage.Status = domain.StageFailure
	case cancelled:
		stage.Status = domain.StageCancelled
	default:
		stage.Status = domain.StageSuccess
	}
	_ = s.runs.UpdateStageStatus(ctx, run.ID, stage.ID, stage.Status)
	_ = s.bus.Publish(ctx, domain.StageCompletedEvent{
		RunID: run.ID, StageID: stage.ID, StageName: stage.Name, Status: stage.Status, CompletedAt: now,
	})

	if stage.Status == domain.StageFailure {
		s.abortDependents(ctx, run, stage.Name)
	}
}

// abortStageSiblings force-settles every other instance of a fail_fast
// matrix stage once one instance fails: running instances have their lease
// revoked and agent slot freed, pending instances are skipped outright.
func (s *Scheduler) abortStageSiblings(ctx context.Context, run *Run, stage *domain.Stage) {
	now := time.Now().UTC()
	for _, step := range stage.Steps {
		if step.Status.IsTerminal() {
			continue
		}
		if step.Status == domain.StepRunning {
			lease := &domain.Lease{StepID: step.ID, AgentID: step.AssignedAgentID, Sequence: step.CurrentLeaseSeq}
			_ = s.leases.Revoke(ctx, lease)
			s.freeAgentSlot(ctx, step.AssignedAgentID)
		}
		step.Status = domain.StepSkipped
		step.CompletedAt = &now
		_ = s.runs.UpdateStepStatus(ctx, step.ID, domain.StepSkipped, domain.FailureNone)
	}
}

// abortDependents cancels in-flight and pending steps of every stage whose
// depends_on transitively includes a failed stage, honoring
// continue_on_error at the failed stage's own steps (already applied
// above — a stage only reaches Failure when at least one step's failure
// wasn't covered).
func (s *Scheduler) abortDependents(ctx context.Context, run *Run, failedStage string) {
	for _, stage := range run.Stages {
		if stage.Status.IsTerminal() {
			continue
		}
		if !dependsTransitively(run, stage.Name, failedStage) {
			continue
		}
		now := time.Now().UTC()
		stage.Status = domain.StageFailure
		stage.CompletedAt = &now
		for _, step := range stage.Steps {
			if !step.Status.IsTerminal() {
				step.Status = domain.StepSkipped
				step.CompletedAt = &now
				_ = s.runs.UpdateStepStatus(ctx, step.ID, domain.StepSkipped, domain.FailureNone)
			}
		}
		_ = s.runs.UpdateStageStatus(ctx, run.ID, stage.ID, domain.StageFailure)
	}
}

func dependsTransitively(run *Run, stageName, target string) bool {
	stage := run.stageByName[stageName]
	if stage == nil {
		return false
	}
	seen := map[string]bool{}
	var walk func(string) bool
	walk = func(name string) bool {
		if seen[name] {
			return false
		}
		seen[name] = true
		s := run.stageByName[name]
		if s == nil {
			return false
		}
		for _, dep := range s.DependsOn {
			if dep == target || walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(stageName)
}

// evaluateRun recomputes the run's status once every stage is terminal.
func (s *Scheduler) evaluateRun(ctx context.Context, run *Run) {
	if run.Status.IsTerminal() {
		return
	}

	allTerminal := true
	anyFailure := false
	for _, stage := range run.Stages {
		if !stage.Status.IsTerminal() {
			allTerminal = false
			continue
		}
		if stage.Status == domain.StageFailure {
			anyFailure = true
		}
	}
	if !allTerminal {
		return
	}

	now := time.Now().UTC()
	run.CompletedAt = &now
	switch {
	case run.cancelling:
		run.Status = domain.RunCancelled
	case anyFailure:
		run.Status = domain.RunFailure
	default:
		run.Status = domain.RunSuccess
	}

	_ = s.runs.UpdateRunStatus(ctx, run.ID, run.Status)
	_ = s.bus.Publish(ctx, domain.RunCompletedEvent{RunID: run.ID, Status: run.Status, CompletedAt: now})
	delete(s.active, run.ID)
}
