package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockci/enginecore/internal/compiler"
	"github.com/blockci/enginecore/internal/domain"
	"github.com/blockci/enginecore/internal/eventbus"
	"github.com/blockci/enginecore/internal/logging"
	"github.com/blockci/enginecore/internal/repository/memory"
	"github.com/blockci/enginecore/internal/scheduler"
)

type harness struct {
	sched  *scheduler.Scheduler
	bus    *eventbus.Bus
	runs   *memory.Runs
	agents *memory.Agents
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	runs := memory.NewRuns()
	agents := memory.NewAgents()
	bus := eventbus.New(64)
	log := logging.New("test", logging.Error)

	sched := scheduler.New(scheduler.Config{
		LeaseDuration:            time.Minute,
		DispatchUnacceptedWindow: time.Minute,
		CancelGrace:              time.Minute,
		HeartbeatStaleThreshold:  time.Minute,
		DispatchTick:             10 * time.Millisecond,
	}, runs, agents, bus, log)
	sched.WithLeaseRepository(memory.NewLeases())

	return &harness{sched: sched, bus: bus, runs: runs, agents: agents}
}

func onePipeline(name string) *domain.PipelineDefinition {
	return &domain.PipelineDefinition{
		Name: name,
		Stages: []domain.StageDefinition{
			{
				Name:  "build",
				Steps: []domain.StepDefinition{{Name: "compile", Run: "make build"}},
			},
		},
	}
}

func registerIdleAgent(t *testing.T, h *harness, name string) *domain.Agent {
	t.Helper()
	agent := &domain.Agent{
		ID:                domain.NewAgentID(),
		Name:              name,
		Status:            domain.AgentIdle,
		MaxConcurrentJobs: 1,
		RegisteredAt:      time.Now().UTC(),
	}
	require.NoError(t, h.agents.Upsert(context.Background(), agent))
	return agent
}

func TestSubmitRunDispatchesToIdleAgent(t *testing.T) {
	h := newHarness(t)
	registerIdleAgent(t, h, "agent-1")

	c := compiler.New()
	plan, err := c.Compile(domain.NewPipelineID(), onePipeline("build-only"), domain.TriggerContext{Type: domain.TriggerManual})
	require.NoError(t, err)

	run, err := h.sched.SubmitRun(context.Background(), plan)
	require.NoError(t, err)

	stored, ok, err := h.runs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, stored.Stages, 1)
	require.Len(t, stored.Stages[0].Steps, 1)
	assert.Equal(t, domain.StepRunning, stored.Stages[0].Steps[0].Status)
}

func TestStepCompletionSettlesRunSuccess(t *testing.T) {
	h := newHarness(t)
	registerIdleAgent(t, h, "agent-1")

	c := compiler.New()
	plan, err := c.Compile(domain.NewPipelineID(), onePipeline("build-only"), domain.TriggerContext{Type: domain.TriggerManual})
	require.NoError(t, err)

	run, err := h.sched.SubmitRun(context.Background(), plan)
	require.NoError(t, err)

	stored, _, _ := h.runs.GetRun(context.Background(), run.ID)
	step := stored.Stages[0].Steps[0]

	h.sched.HandleStepCompleted(context.Background(), domain.StepCompletedEvent{
		RunID:       run.ID,
		StepID:      step.ID,
		LeaseSeq:    step.CurrentLeaseSeq,
		Success:     true,
		ExitCode:    0,
		CompletedAt: time.Now().UTC(),
	})

	assert.Eventually(t, func() bool {
		r, _, _ := h.runs.GetRun(context.Background(), run.ID)
		return r.Status == domain.RunSuccess
	}, time.Second, 10*time.Millisecond)
}

func TestCancelMarksRunCancelling(t *testing.T) {
	h := newHarness(t)
	registerIdleAgent(t, h, "agent-1")

	c := compiler.New()
	plan, err := c.Compile(domain.NewPipelineID(), onePipeline("build-only"), domain.TriggerContext{Type: domain.TriggerManual})
	require.NoError(t, err)

	run, err := h.sched.SubmitRun(context.Background(), plan)
	require.NoError(t, err)

	h.sched.Cancel(context.Background(), run.ID, domain.CancelReason{Reason: domain.CancelUserRequested, CancelledBy: "tester"})

	stored, _, _ := h.runs.GetRun(context.Background(), run.ID)
	assert.Equal(t, domain.RunCancelling, stored.Status)
}

func linearPipeline(name string) *domain.PipelineDefinition {
	return &domain.PipelineDefinition{
		Name: name,
		Stages: []domain.StageDefinition{
			{
				Name:  "build",
				Steps: []domain.StepDefinition{{Name: "compile", Run: "make build"}},
			},
			{
				Name:      "test",
				DependsOn: []string{"build"},
				Steps:     []domain.StepDefinition{{Name: "unit", Run: "make test"}},
			},
			{
				Name:      "deploy",
				DependsOn: []string{"test"},
				Steps:     []domain.StepDefinition{{Name: "push", Run: "make deploy"}},
			},
		},
	}
}

func TestCancelConvergesPendingStagesToCancelled(t *testing.T) {
	h := newHarness(t)
	registerIdleAgent(t, h, "agent-1")

	c := compiler.New()
	plan, err := c.Compile(domain.NewPipelineID(), linearPipeline("multi-stage"), domain.TriggerContext{Type: domain.TriggerManual})
	require.NoError(t, err)

	run, err := h.sched.SubmitRun(context.Background(), plan)
	require.NoError(t, err)

	h.sched.Cancel(context.Background(), run.ID, domain.CancelReason{Reason: domain.CancelUserRequested, CancelledBy: "tester"})

	stored, _, _ := h.runs.GetRun(context.Background(), run.ID)
	require.Len(t, stored.Stages, 3)
	// The build stage's step was StepRunning when cancelled, so it only
	// settles once the agent acknowledges — but test/deploy were never
	// dispatched and must be terminal immediately.
	assert.Equal(t, domain.StepCancelled, stored.Stages[1].Steps[0].Status)
	assert.Equal(t, domain.StepCancelled, stored.Stages[2].Steps[0].Status)

	buildStep := stored.Stages[0].Steps[0]
	h.sched.HandleStepCancelled(context.Background(), domain.StepCancelledEvent{
		RunID:    run.ID,
		StepID:   buildStep.ID,
		LeaseSeq: buildStep.CurrentLeaseSeq,
	})

	assert.Eventually(t, func() bool {
		r, _, _ := h.runs.GetRun(context.Background(), run.ID)
		return r.Status == domain.RunCancelled
	}, time.Second, 10*time.Millisecond)
}

func TestDispatchHonorsAgentLabelSelector(t *testing.T) {
	h := newHarness(t)
	plain := registerIdleAgent(t, h, "agent-plain")
	gpu := registerIdleAgent(t, h, "agent-gpu")
	gpu.Labels = []string{"gpu"}
	require.NoError(t, h.agents.Upsert(context.Background(), gpu))

	def := &domain.PipelineDefinition{
		Name: "labelled",
		Stages: []domain.StageDefinition{
			{
				Name:  "build",
				Agent: &domain.AgentSelector{Labels: []string{"gpu"}},
				Steps: []domain.StepDefinition{{Name: "compile", Run: "make build"}},
			},
		},
	}

	c := compiler.New()
	plan, err := c.Compile(domain.NewPipelineID(), def, domain.TriggerContext{Type: domain.TriggerManual})
	require.NoError(t, err)

	run, err := h.sched.SubmitRun(context.Background(), plan)
	require.NoError(t, err)

	stored, _, _ := h.runs.GetRun(context.Background(), run.ID)
	assert.Equal(t, gpu.ID, stored.Stages[0].Steps[0].AssignedAgentID)
	assert.NotEqual(t, plain.ID, stored.Stages[0].Steps[0].AssignedAgentID)
}

func TestMatrixFailFastAbortsSiblingInstances(t *testing.T) {
	h := newHarness(t)
	registerIdleAgent(t, h, "agent-1")
	registerIdleAgent(t, h, "agent-2")

	def := &domain.PipelineDefinition{
		Name: "matrixed",
		Stages: []domain.StageDefinition{
			{
				Name: "test",
				Matrix: &domain.MatrixConfig{
					Dimensions: map[string][]any{"shard": {"a", "b"}},
					FailFast:   true,
				},
				Steps: []domain.StepDefinition{{Name: "run", Run: "make test"}},
			},
		},
	}

	c := compiler.New()
	plan, err := c.Compile(domain.NewPipelineID(), def, domain.TriggerContext{Type: domain.TriggerManual})
	require.NoError(t, err)

	run, err := h.sched.SubmitRun(context.Background(), plan)
	require.NoError(t, err)

	stored, _, _ := h.runs.GetRun(context.Background(), run.ID)
	require.Len(t, stored.Stages[0].Steps, 2)
	for _, step := range stored.Stages[0].Steps {
		require.Equal(t, domain.StepRunning, step.Status)
	}

	failing := stored.Stages[0].Steps[0]
	h.sched.HandleStepCompleted(context.Background(), domain.StepCompletedEvent{
		RunID:         run.ID,
		StepID:        failing.ID,
		LeaseSeq:      failing.CurrentLeaseSeq,
		Success:       false,
		FailureReason: domain.FailureCommandNonZero,
		ExitCode:      1,
		CompletedAt:   time.Now().UTC(),
	})

	assert.Eventually(t, func() bool {
		r, _, _ := h.runs.GetRun(context.Background(), run.ID)
		return r.Stages[0].Steps[1].Status == domain.StepSkipped
	}, time.Second, 10*time.Millisecond)
}

func TestConcurrencyGroupSupersedesPriorRun(t *testing.T) {
	h := newHarness(t)
	registerIdleAgent(t, h, "agent-1")
	registerIdleAgent(t, h, "agent-2")

	c := compiler.New()
	def := onePipeline("deploy")
	def.Concurrency = &domain.ConcurrencyConfig{Group: "deploy-prod", CancelInProgress: true}

	plan1, err := c.Compile(domain.NewPipelineID(), def, domain.TriggerContext{Type: domain.TriggerManual})
	require.NoError(t, err)
	run1, err := h.sched.SubmitRun(context.Background(), plan1)
	require.NoError(t, err)

	plan2, err := c.Compile(domain.NewPipelineID(), def, domain.TriggerContext{Type: domain.TriggerManual})
	require.NoError(t, err)
	_, err = h.sched.SubmitRun(context.Background(), plan2)
	require.NoError(t, err)

	stored1, _, _ := h.runs.GetRun(context.Background(), run1.ID)
	assert.Equal(t, domain.RunCancelling, stored1.Status)
	require.NotNil(t, stored1.CancelReason)
	assert.Equal(t, domain.CancelSuperseded, stored1.CancelReason.Reason)
}

// TestPipelineTimeoutMeasuresFromRunStartNotQueue seeds a run whose QueuedAt
// is far enough in the past that a queue-measured timeout would already
// have fired, but whose StartedAt is recent — CheckTimeouts must leave it
// running, then fire once StartedAt itself ages past the budget.
func TestPipelineTimeoutMeasuresFromRunStartNotQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	runID := domain.NewRunID()
	stageID := domain.NewStageID()
	stepID := domain.NewStepID()
	recentStart := time.Now().UTC().Add(-30 * time.Second)
	run := &domain.Run{
		ID:         runID,
		PipelineID: domain.NewPipelineID(),
		Status:     domain.RunRunning,
		TimeoutMin: 1,
		QueuedAt:   time.Now().UTC().Add(-time.Hour),
		StartedAt:  &recentStart,
		Stages: []*domain.Stage{{
			ID:     stageID,
			RunID:  runID,
			Name:   "build",
			Status: domain.StageRunning,
			Steps: []*domain.Step{{
				ID:      stepID,
				StageID: stageID,
				Name:    "compile",
				Status:  domain.StepPending,
			}},
		}},
	}
	require.NoError(t, h.runs.CreateRun(ctx, run))
	require.NoError(t, h.runs.InsertStage(ctx, runID, run.Stages[0]))
	require.NoError(t, h.runs.InsertStep(ctx, stageID, run.Stages[0].Steps[0]))

	require.NoError(t, h.sched.Recover(ctx))
	h.sched.CheckTimeouts(ctx)

	stillRunning, _, err := h.runs.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, stillRunning.Status, "a run started only 30s ago must not time out under a 1 minute budget even though it was queued an hour ago")

	staleStart := time.Now().UTC().Add(-2 * time.Minute)
	require.NoError(t, h.runs.MarkRunStarted(ctx, runID, staleStart))
	require.NoError(t, h.sched.Recover(ctx))
	h.sched.CheckTimeouts(ctx)

	timedOut, _, err := h.runs.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunTimeout, timedOut.Status)
}
