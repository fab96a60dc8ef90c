package scheduler

import (
	"context"
	"time"

	"github.com/blockci/enginecore/internal/domain"
)

// Cancel transitions a run to Cancelling: new dispatches stop, every
// in-flight step gets a cancel request against its current lease, and a
// grace deadline is recorded for the sweep in CheckTimeouts to force-settle
// steps whose agent never acknowledges (spec.md §4.2, §5).
func (s *Scheduler) Cancel(ctx context.Context, runID domain.RunID, reason domain.CancelReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.findRun(runID)
	if run == nil || run.Status.IsTerminal() {
		return
	}
	s.cancelLocked(ctx, run, reason)
}

// cancelLocked is Cancel's body, split out so SubmitRun can supersede an
// in-progress run in the same concurrency group without re-entering s.mu.
func (s *Scheduler) cancelLocked(ctx context.Context, run *Run, reason domain.CancelReason) {
	run.cancelling = true
	run.CancelReason = &reason
	run.graceDeadline = time.Now().UTC().Add(s.cfg.CancelGrace)
	if run.Status == domain.RunQueued || run.Status == domain.RunRunning {
		run.Status = domain.RunCancelling
		_ = s.runs.UpdateRunStatus(ctx, run.ID, domain.RunCancelling)
	}
	_ = s.bus.Publish(ctx, domain.RunCancelledEvent{RunID: run.ID, Reason: reason})

	for _, stage := range run.Stages {
		for _, step := range stage.Steps {
			switch {
			case step.Status == domain.StepRunning:
				_ = s.bus.Publish(ctx, domain.StepCancelRequestedEvent{
					RunID: run.ID, StepID: step.ID, AgentID: step.AssignedAgentID, LeaseSeq: step.CurrentLeaseSeq,
				})
			case !step.Status.IsTerminal():
				// Never dispatched — no lease to revoke, no agent to notify.
				// Settle it immediately so a run cancelled mid-stage doesn't
				// wait forever on steps that were never going to run.
				step.Status = domain.StepCancelled
				now := time.Now().UTC()
				step.CompletedAt = &now
				_ = s.runs.UpdateStepStatus(ctx, step.ID, domain.StepCancelled, domain.FailureCancelled)
			}
		}
		s.evaluateStage(ctx, run, stage)
	}

	s.settleIfAllCancelled(ctx, run)
}

// HandleStepCancelled applies one step.cancelled report; a step already
// terminal when the report arrives is left untouched, matching the "no
// retroactive change to completed steps" invariant.
func (s *Scheduler) HandleStepCancelled(ctx context.Context, ev domain.StepCancelledEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.findRun(ev.RunID)
	if run == nil {
		return
	}
	step, stage := findStep(run, ev.StepID)
	if step == nil || step.Status.IsTerminal() {
		return
	}
	if !s.leases.IsCurrent(ev.StepID, ev.LeaseSeq) {
		return
	}

	step.Status = domain.StepCancelled
	now := time.Now().UTC()
	step.CompletedAt = &now
	s.freeAgentSlot(ctx, step.AssignedAgentID)
	_ = s.runs.UpdateStepStatus(ctx, step.ID, domain.StepCancelled, domain.FailureCancelled)

	s.evaluateStage(ctx, run, stage)
	s.settleIfAllCancelled(ctx, run)
}

// settleIfAllCancelled transitions a Cancelling run to Cancelled once every
// in-flight step has reported terminal — either on its own or because the
// grace-period sweep force-settled it.
func (s *Scheduler) settleIfAllCancelled(ctx context.Context, run *Run) {
	if !run.cancelling {
		return
	}
	for _, stage := range run.Stages {
		for _, step := range stage.Steps {
			if !step.Status.IsTerminal() {
				return
			}
		}
	}
	now := time.Now().UTC()
	run.CompletedAt = &now
	run.Status = domain.RunCancelled
	_ = s.runs.UpdateRunStatus(ctx, run.ID, domain.RunCancelled)
	_ = s.bus.Publish(ctx, domain.RunCompletedEvent{RunID: run.ID, Status: domain.RunCancelled, CompletedAt: now})
	delete(s.active, run.ID)
}
