// Package scheduler owns Run/Stage/Step state end to end: materializing a
// frozen Plan into a Run, driving its DAG, dispatching ready steps to
// agents, and enforcing timeouts and cancellation (spec.md §4.2). It is
// designed as a single-writer loop: every exported method that mutates run
// state is meant to be called from the one goroutine draining the event
// bus subscription returned by Run, matching spec.md §5's concurrency
// model — concurrent callers must serialize through that loop, not call
// these methods from arbitrary goroutines.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blockci/enginecore/internal/compiler"
	"github.com/blockci/enginecore/internal/domain"
	"github.com/blockci/enginecore/internal/logging"
	"github.com/blockci/enginecore/internal/ports"
)

// Config tunes the scheduler's timing behavior.
type Config struct {
	LeaseDuration           time.Duration
	DispatchUnacceptedWindow time.Duration
	CancelGrace             time.Duration
	HeartbeatStaleThreshold time.Duration
	DispatchTick            time.Duration
}

// Scheduler is the single writer of Run/Stage/Step state.
type Scheduler struct {
	cfg     Config
	runs    ports.RunRepository
	agents  ports.AgentRepository
	bus     ports.EventBus
	log     *logging.Logger
	leases  *LeaseManager
	interp  *compiler.Interpolator

	mu             sync.Mutex
	active         map[domain.RunID]*Run
	pendingAccept  map[domain.StepID]pendingDispatch
	groupActive    map[string]domain.RunID
}

// pendingDispatch tracks one dispatch waiting on the agent's job.accepted
// acknowledgement (spec.md §4.3).
type pendingDispatch struct {
	RunID    domain.RunID
	AgentID  domain.AgentID
	LeaseSeq uint64
	Deadline time.Time
}

// Run is the scheduler's in-memory view of one execution, mirroring the
// repository copy so dispatch decisions don't round-trip storage on every
// pass.
type Run struct {
	domain.Run
	stageByName      map[string]*domain.Stage
	stageConditions  map[string]*domain.ConditionExpression
	stageMatrix      map[string]*domain.MatrixMeta
	cancelling       bool
	graceDeadline    time.Time
	timeoutMin       int
}

// New constructs a Scheduler.
func New(cfg Config, runs ports.RunRepository, agents ports.AgentRepository, bus ports.EventBus, log *logging.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		runs:   runs,
		agents: agents,
		bus:    bus,
		log:    log,
		leases: NewLeaseManager(cfg.LeaseDuration, nil, log.With("lease")),
		interp: compiler.NewInterpolator(),
		active: make(map[domain.RunID]*Run),
		pendingAccept: make(map[domain.StepID]pendingDispatch),
		groupActive:   make(map[string]domain.RunID),
	}
}

// WithLeaseRepository swaps in the real LeaseRepository once constructed —
// kept separate from New so Scheduler and LeaseManager can share one
// logging scope without requiring callers to build LeaseManager themselves.
func (s *Scheduler) WithLeaseRepository(repo ports.LeaseRepository) {
	s.leases = NewLeaseManager(s.cfg.LeaseDuration, repo, s.log.With("lease"))
}

// SubmitRun materializes a frozen Plan into a queued Run, persists its
// stage/step tree, and performs the first dispatch pass.
func (s *Scheduler) SubmitRun(ctx context.Context, plan *domain.Plan) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runNumber, err := s.runs.NextRunNumber(ctx, plan.PipelineID)
	if err != nil {
		return nil, fmt.Errorf("next run number: %w", err)
	}

	run := &domain.Run{
		ID:           domain.NewRunID(),
		PipelineID:   plan.PipelineID,
		PipelineName: plan.PipelineName,
		RunNumber:    runNumber,
		PlanID:       plan.ID,
		Status:       domain.RunQueued,
		Trigger: domain.TriggerContext{
			Type: plan.CreatedFromTrigger,
		},
		Variables:  plan.Variables,
		TimeoutMin: plan.TimeoutMin,
		QueuedAt:   time.Now().UTC(),
	}

	stageConditions := make(map[string]*domain.ConditionExpression, len(plan.Stages))
	stageMatrix := make(map[string]*domain.MatrixMeta, len(plan.Stages))
	for _, ps := range plan.Stages {
		stageConditions[ps.Name] = ps.Condition
		stageMatrix[ps.Name] = ps.MatrixMeta
		stage := &domain.Stage{
			ID:         ps.ID,
			RunID:      run.ID,
			Name:       ps.Name,
			Status:     domain.StagePending,
			DependsOn:  ps.DependsOn,
			Condition:  ps.Condition,
			MatrixMeta: ps.MatrixMeta,
		}
		for _, pstep := range ps.Steps {
			stage.Steps = append(stage.Steps, &domain.Step{
				ID:      pstep.ID,
				StageID: stage.ID,
				Name:    pstep.Name,
				Status:  domain.StepPending,
				Plan:    pstep,
				Outputs: map[string]string{},
			})
		}
		run.Stages = append(run.Stages, stage)
	}

	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	for _, stage := range run.Stages {
		if err := s.runs.InsertStage(ctx, run.ID, stage); err != nil {
			return nil, fmt.Errorf("insert stage %s: %w", stage.Name, err)
		}
		for _, step := range stage.Steps {
			if err := s.runs.InsertStep(ctx, stage.ID, step); err != nil {
				return nil, fmt.Errorf("insert step %s: %w", step.Name, err)
			}
		}
	}

	wrapped := &Run{Run: *run, stageByName: make(map[string]*domain.Stage, len(run.Stages)), stageConditions: stageConditions, stageMatrix: stageMatrix, timeoutMin: plan.TimeoutMin}
	for _, stage := range run.Stages {
		wrapped.stageByName[stage.Name] = stage
	}
	s.active[run.ID] = wrapped

	if plan.ConcurrencyGroup != "" {
		if prevID, ok := s.groupActive[plan.ConcurrencyGroup]; ok {
			if prev := s.findRun(prevID); prev != nil && !prev.Status.IsTerminal() && plan.CancelInProgress {
				s.cancelLocked(ctx, prev, domain.CancelReason{
					Reason:      domain.CancelSuperseded,
					CancelledBy: "concurrency-group:" + plan.ConcurrencyGroup,
				})
			}
		}
		s.groupActive[plan.ConcurrencyGroup] = run.ID
	}

	_ = s.bus.Publish(ctx, domain.RunQueuedEvent{
		RunID:        run.ID,
		PipelineID:   run.PipelineID,
		PipelineName: run.PipelineName,
		RunNumber:    run.RunNumber,
		Trigger:      run.Trigger.Type,
		QueuedAt:     run.QueuedAt,
	})

	s.dispatchPass(ctx, wrapped)
	return run, nil
}

// Recover reconstructs in-memory state from the repository on restart
// (spec.md §4.2 crash recovery): every non-absorbing run is re-materialized
// and its dispatch pass re-run, which naturally re-queues any step whose
// lease expired while the scheduler was down.
func (s *Scheduler) Recover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.runs.LoadActiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("load active runs: %w", err)
	}
	for _, run := range active {
		wrapped := &Run{
			Run:             *run,
			stageByName:     make(map[string]*domain.Stage, len(run.Stages)),
			stageConditions: make(map[string]*domain.ConditionExpression, len(run.Stages)),
			stageMatrix:     make(map[string]*domain.MatrixMeta, len(run.Stages)),
			timeoutMin:      run.TimeoutMin,
		}
		for _, stage := range run.Stages {
			wrapped.stageByName[stage.Name] = stage
			wrapped.stageConditions[stage.Name] = stage.Condition
			wrapped.stageMatrix[stage.Name] = stage.MatrixMeta
			for _, step := range stage.Steps {
				if step.Status == domain.StepRunning {
					step.Status = domain.StepPending // re-queue; lease sequence already moved on
				}
			}
		}
		s.active[run.ID] = wrapped
		s.dispatchPass(ctx, wrapped)
	}
	return nil
}

func (s *Scheduler) findRun(id domain.RunID) *Run {
	return s.active[id]
}
