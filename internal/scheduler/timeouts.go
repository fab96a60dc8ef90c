package scheduler

import (
	"context"
	"time"

	"github.com/blockci/enginecore/internal/domain"
)

// CheckTimeouts implements spec.md §5's three-layer timeout model: per-step
// timeout, pipeline wall-clock timeout, and the cancellation grace period.
// It is meant to run on a ticker (e.g. every few seconds) from the same
// goroutine that drains the event bus, so it never races dispatchPass.
func (s *Scheduler) CheckTimeouts(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.sweepUnaccepted(ctx, now)

	for _, run := range s.active {
		if run.cancelling && !run.graceDeadline.IsZero() && now.After(run.graceDeadline) {
			s.forceSettleCancel(ctx, run)
			continue
		}

		// The pipeline timeout is an absolute wall clock from when the run
		// actually started executing (spec.md §5), not from when it was
		// queued — time spent waiting for a free agent slot doesn't count
		// against the budget.
		if run.timeoutMin > 0 && run.StartedAt != nil {
			deadline := run.StartedAt.Add(time.Duration(run.timeoutMin) * time.Minute)
			if now.After(deadline) && !run.Status.IsTerminal() {
				s.timeoutRun(ctx, run)
				continue
			}
		}

		s.checkStepTimeouts(ctx, run, now)
	}
}

// sweepUnaccepted handles any step whose agent never acknowledged within
// the unaccepted-dispatch window (spec.md §4.3): it revokes the lease,
// frees the agent's slot and resets the step to Pending, so a later
// dispatch pass can hand it to any matching agent, the same one included.
func (s *Scheduler) sweepUnaccepted(ctx context.Context, now time.Time) {
	for stepID, pending := range s.pendingAccept {
		if now.Before(pending.Deadline) {
			continue
		}
		delete(s.pendingAccept, stepID)

		run := s.active[pending.RunID]
		if run == nil {
			continue
		}
		step, _ := findStep(run, stepID)
		if step == nil || step.Status != domain.StepRunning {
			continue
		}

		lease := &domain.Lease{StepID: stepID, AgentID: pending.AgentID, Sequence: pending.LeaseSeq}
		_ = s.leases.Revoke(ctx, lease)
		s.freeAgentSlot(ctx, pending.AgentID)

		step.Status = domain.StepPending
		step.AssignedAgentID = ""
		step.CurrentLeaseSeq = 0
		step.StartedAt = nil
		_ = s.runs.UpdateStepStatus(ctx, step.ID, domain.StepPending, domain.FailureNone)
	}
}

// HandleAgentOffline implements spec.md §4.3's crash-recovery path: once an
// agent is marked Offline (stale heartbeat or explicit deregistration), every
// step currently leased to it is revoked and reset to Pending so the next
// dispatch pass re-queues it under a fresh, higher lease_seq rather than
// leaving it to time out.
func (s *Scheduler) HandleAgentOffline(ctx context.Context, ev domain.AgentDeregisteredEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for stepID, pending := range s.pendingAccept {
		if pending.AgentID != ev.AgentID {
			continue
		}
		delete(s.pendingAccept, stepID)
	}

	for runID, run := range s.active {
		for _, stage := range run.Stages {
			for _, step := range stage.Steps {
				if step.Status != domain.StepRunning || step.AssignedAgentID != ev.AgentID {
					continue
				}
				lease := &domain.Lease{StepID: step.ID, AgentID: step.AssignedAgentID, Sequence: step.CurrentLeaseSeq}
				_ = s.leases.Revoke(ctx, lease)

				step.Status = domain.StepPending
				step.AssignedAgentID = ""
				step.CurrentLeaseSeq = 0
				step.StartedAt = nil
				_ = s.runs.UpdateStepStatus(ctx, step.ID, domain.StepPending, domain.FailureNone)
			}
		}
		s.dispatchPass(ctx, s.active[runID])
	}
}

func (s *Scheduler) checkStepTimeouts(ctx context.Context, run *Run, now time.Time) {
	for _, stage := range run.Stages {
		for _, step := range stage.Steps {
			if step.Status != domain.StepRunning || step.StartedAt == nil {
				continue
			}
			limit := step.Plan.TimeoutMinutes
			if limit <= 0 {
				limit = domain.DefaultStepTimeoutMinutes
			}
			deadline := step.StartedAt.Add(time.Duration(limit) * time.Minute)
			if now.After(deadline) {
				s.timeoutStep(ctx, run, stage, step)
			}
		}
	}
}

func (s *Scheduler) timeoutStep(ctx context.Context, run *Run, stage *domain.Stage, step *domain.Step) {
	lease := &domain.Lease{StepID: step.ID, AgentID: step.AssignedAgentID, Sequence: step.CurrentLeaseSeq}
	_ = s.leases.Revoke(ctx, lease)

	step.Status = domain.StepFailure
	step.FailureReason = domain.FailureTimeout
	now := time.Now().UTC()
	step.CompletedAt = &now

	s.freeAgentSlot(ctx, step.AssignedAgentID)
	_ = s.runs.UpdateStepStatus(ctx, step.ID, domain.StepFailure, domain.FailureTimeout)

	s.evaluateStage(ctx, run, stage)
	s.evaluateRun(ctx, run)
	s.dispatchPass(ctx, run)
}

func (s *Scheduler) timeoutRun(ctx context.Context, run *Run) {
	for _, stage := range run.Stages {
		for _, step := range stage.Steps {
			if step.Status.IsTerminal() {
				continue
			}
			if step.Status == domain.StepRunning {
				lease := &domain.Lease{StepID: step.ID, AgentID: step.AssignedAgentID, Sequence: step.CurrentLeaseSeq}
				_ = s.leases.Revoke(ctx, lease)
				s.freeAgentSlot(ctx, step.AssignedAgentID)
			}
			step.Status = domain.StepFailure
			step.FailureReason = domain.FailureTimeout
			now := time.Now().UTC()
			step.CompletedAt = &now
			_ = s.runs.UpdateStepStatus(ctx, step.ID, domain.StepFailure, domain.FailureTimeout)
		}
		if !stage.Status.IsTerminal() {
			now := time.Now().UTC()
			stage.Status = domain.StageFailure
			stage.CompletedAt = &now
			_ = s.runs.UpdateStageStatus(ctx, run.ID, stage.ID, domain.StageFailure)
		}
	}

	now := time.Now().UTC()
	run.Status = domain.RunTimeout
	run.CompletedAt = &now
	_ = s.runs.UpdateRunStatus(ctx, run.ID, domain.RunTimeout)
	_ = s.bus.Publish(ctx, domain.RunCompletedEvent{RunID: run.ID, Status: domain.RunTimeout, CompletedAt: now})
	delete(s.active, run.ID)
}

// forceSettleCancel is the deadline fallback for cancellation: an agent
// that never acknowledges a cancel request within the grace period has its
// step force-marked Cancelled anyway, since the lease has already been
// revoked and a late completion report will be dropped as stale.
func (s *Scheduler) forceSettleCancel(ctx context.Context, run *Run) {
	for _, stage := range run.Stages {
		for _, step := range stage.Steps {
			if step.Status != domain.StepRunning {
				continue
			}
			lease := &domain.Lease{StepID: step.ID, AgentID: step.AssignedAgentID, Sequence: step.CurrentLeaseSeq}
			_ = s.leases.Revoke(ctx, lease)
			step.Status = domain.StepCancelled
			now := time.Now().UTC()
			step.CompletedAt = &now
			s.freeAgentSlot(ctx, step.AssignedAgentID)
			_ = s.runs.UpdateStepStatus(ctx, step.ID, domain.StepCancelled, domain.FailureCancelled)
		}
		s.evaluateStage(ctx, run, stage)
	}
	s.settleIfAllCancelled(ctx, run)
}
