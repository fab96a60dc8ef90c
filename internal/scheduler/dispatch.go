package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/blockci/enginecore/internal/compiler"
	"github.com/blockci/enginecore/internal/domain"
)

// dispatchPass runs one iteration of spec.md §4.2's dispatch algorithm: it
// recomputes which stages are ready, evaluates step conditions, and
// attempts to match every ready step to an idle agent. It is triggered by
// a new ready step, an agent becoming idle, a lease expiry, or a cancel —
// callers are expected to invoke it after any of those state changes.
func (s *Scheduler) dispatchPass(ctx context.Context, run *Run) {
	if run.cancelling {
		return
	}

	s.advanceStages(ctx, run)

	ready := s.readySteps(ctx, run)
	if len(ready) == 0 {
		return
	}

	idle, err := s.agents.ListIdle(ctx, nil)
	if err != nil {
		s.log.Errorf("list idle agents: %v", err)
		return
	}
	if len(idle) == 0 {
		return
	}

	for _, step := range ready {
		agent := matchAgent(idle, step)
		if agent == nil {
			continue // unmatchable steps remain ready; re-run on next pass
		}
		s.dispatchStep(ctx, run, step, agent)
		if agent.AvailableSlots() <= 0 {
			idle = removeAgent(idle, agent.ID)
		}
	}
}

// advanceStages marks pending stages Running once all their dependency
// stages are terminal-success-or-skipped, and marks them Skipped outright
// if their own condition evaluates false.
func (s *Scheduler) advanceStages(ctx context.Context, run *Run) {
	ictx := compiler.InterpolationContext{Variables: run.Variables, Outputs: map[string]string{}}

	for _, stage := range run.Stages {
		if stage.Status != domain.StagePending {
			continue
		}
		if !allStagesSatisfied(run, stage.DependsOn) {
			continue
		}
		cond := run.stageConditions[stage.Name]
		if cond != nil && !s.interp.EvaluateCondition(cond, ictx) {
			stage.Status = domain.StageSkipped
			now := time.Now().UTC()
			stage.CompletedAt = &now
			for _, step := range stage.Steps {
				step.Status = domain.StepSkipped
			}
			_ = s.runs.UpdateStageStatus(ctx, run.ID, stage.ID, domain.StageSkipped)
			continue
		}
		stage.Status = domain.StageRunning
		now := time.Now().UTC()
		stage.StartedAt = &now
		_ = s.runs.UpdateStageStatus(ctx, run.ID, stage.ID, domain.StageRunning)
		_ = s.bus.Publish(ctx, domain.StageStartedEvent{RunID: run.ID, StageID: stage.ID, StageName: stage.Name, StartedAt: now})

		if run.Status == domain.RunQueued {
			run.Status = domain.RunRunning
			run.StartedAt = &now
			_ = s.runs.UpdateRunStatus(ctx, run.ID, domain.RunRunning)
			_ = s.runs.MarkRunStarted(ctx, run.ID, now)
			_ = s.bus.Publish(ctx, domain.RunStartedEvent{RunID: run.ID, StartedAt: now})
		}
	}
}

func allStagesSatisfied(run *Run, depends []string) bool {
	for _, dep := range depends {
		stage := run.stageByName[dep]
		if stage == nil {
			return false
		}
		if stage.Status != domain.StageSuccess && stage.Status != domain.StageSkipped {
			return false
		}
	}
	return true
}

// readySteps returns pending steps in a Running stage in priority order:
// older run first (irrelevant within one run), lower stage index first,
// stable tiebreak on step id.
func (s *Scheduler) readySteps(ctx context.Context, run *Run) []*domain.Step {
	ictx := compiler.InterpolationContext{Variables: run.Variables, Outputs: map[string]string{}}

	var out []*domain.Step
	stageIndex := make(map[domain.StepID]int)
	for i, stage := range run.Stages {
		if stage.Status != domain.StageRunning {
			continue
		}

		// max_parallel caps how many of this matrix-expanded stage's
		// instances may be StepRunning at once; a stage without a matrix
		// (or with max_parallel unset) is unbounded.
		slots := -1
		if meta := run.stageMatrix[stage.Name]; meta != nil && meta.MaxParallel > 0 {
			running := 0
			for _, step := range stage.Steps {
				if step.Status == domain.StepRunning {
					running++
				}
			}
			slots = meta.MaxParallel - running
			if slots <= 0 {
				continue
			}
		}

		for _, step := range stage.Steps {
			if step.Status != domain.StepPending {
				continue
			}
			if step.Plan.Condition != nil && !s.interp.EvaluateCondition(step.Plan.Condition, ictx) {
				step.Status = domain.StepSkipped
				now := time.Now().UTC()
				step.CompletedAt = &now
				_ = s.runs.UpdateStepStatus(ctx, step.ID, domain.StepSkipped, domain.FailureNone)
				continue
			}
			if slots == 0 {
				continue // over budget this pass; stays pending for the next one
			}
			out = append(out, step)
			stageIndex[step.ID] = i
			if slots > 0 {
				slots--
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if stageIndex[out[i].ID] != stageIndex[out[j].ID] {
			return stageIndex[out[i].ID] < stageIndex[out[j].ID]
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func matchAgent(idle []*domain.Agent, step *domain.Step) *domain.Agent {
	required := step.Plan.RequiredLabels
	pinnedName := step.Plan.RequiredAgentName
	capability, needsCapability := domain.Capability(""), false
	if step.Plan.Environment != nil {
		capability, needsCapability = domain.RequiredCapability(step.Plan.Environment.Type)
	}
	for _, agent := range idle {
		if agent.AvailableSlots() <= 0 {
			continue
		}
		if pinnedName != "" && agent.Name != pinnedName {
			continue
		}
		if !agent.HasLabels(required) {
			continue
		}
		if needsCapability && !agent.HasCapability(capability) {
			continue
		}
		return agent
	}
	return nil
}

func removeAgent(agents []*domain.Agent, id domain.AgentID) []*domain.Agent {
	out := agents[:0]
	for _, a := range agents {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}

func (s *Scheduler) dispatchStep(ctx context.Context, run *Run, step *domain.Step, agent *domain.Agent) {
	lease, err := s.leases.Acquire(ctx, step.ID, agent.ID)
	if err != nil {
		s.log.Errorf("acquire lease for step %s: %v", step.ID, err)
		return
	}

	step.Status = domain.StepRunning
	step.AssignedAgentID = agent.ID
	step.CurrentLeaseSeq = lease.Sequence
	now := time.Now().UTC()
	step.StartedAt = &now

	s.pendingAccept[step.ID] = pendingDispatch{
		RunID:    run.ID,
		AgentID:  agent.ID,
		LeaseSeq: lease.Sequence,
		Deadline: now.Add(s.cfg.DispatchUnacceptedWindow),
	}

	agent.AssignedJobs++
	if agent.AvailableSlots() <= 0 {
		agent.Status = domain.AgentBusy
	}
	_ = s.agents.Upsert(ctx, agent)

	_ = s.runs.UpdateStepStatus(ctx, step.ID, domain.StepRunning, domain.FailureNone)
	_ = s.bus.Publish(ctx, domain.StepDispatchedEvent{
		RunID:        run.ID,
		StepID:       step.ID,
		AgentID:      agent.ID,
		LeaseSeq:     lease.Sequence,
		DispatchedAt: now,
	})
}

// HandleJobAccepted clears the pending-acceptance tracking for a step once
// its agent confirms it will run it.
func (s *Scheduler) HandleJobAccepted(ctx context.Context, ev domain.JobAcceptedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pending, ok := s.pendingAccept[ev.StepID]; ok && pending.LeaseSeq == ev.LeaseSeq {
		delete(s.pendingAccept, ev.StepID)
	}
}
