package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockci/enginecore/internal/domain"
	"github.com/blockci/enginecore/internal/repository/memory"
)

func TestPipelinesCreateGetAndList(t *testing.T) {
	p := memory.NewPipelines()
	id1, err := p.Create(context.Background(), &domain.PipelineDefinition{Name: "a"})
	require.NoError(t, err)
	_, err = p.Create(context.Background(), &domain.PipelineDefinition{Name: "b"})
	require.NoError(t, err)

	got, ok, err := p.Get(context.Background(), id1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", got.Name)

	ids, err := p.List(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestRunsLifecycle(t *testing.T) {
	r := memory.NewRuns()
	run := &domain.Run{ID: domain.NewRunID(), Status: domain.RunQueued}
	require.NoError(t, r.CreateRun(context.Background(), run))

	stage := &domain.Stage{ID: domain.NewStageID(), RunID: run.ID}
	require.NoError(t, r.InsertStage(context.Background(), run.ID, stage))

	step := &domain.Step{ID: domain.NewStepID(), Status: domain.StepPending}
	require.NoError(t, r.InsertStep(context.Background(), stage.ID, step))

	require.NoError(t, r.UpdateStepStatus(context.Background(), step.ID, domain.StepFailure, domain.FailureCommandNonZero))
	require.NoError(t, r.UpdateStageStatus(context.Background(), run.ID, stage.ID, domain.StageFailure))
	require.NoError(t, r.UpdateRunStatus(context.Background(), run.ID, domain.RunFailure))
	require.NoError(t, r.AppendStepLog(context.Background(), step.ID, "line one"))

	stored, ok, err := r.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.RunFailure, stored.Status)
	assert.Equal(t, domain.StepFailure, step.Status)

	active, err := r.LoadActiveRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active, "terminal runs must not be returned as active")
}

func TestRunsUpdateStatusOnUnknownIDsErrors(t *testing.T) {
	r := memory.NewRuns()
	assert.Error(t, r.UpdateRunStatus(context.Background(), domain.RunID("missing"), domain.RunSuccess))
	assert.Error(t, r.UpdateStepStatus(context.Background(), domain.StepID("missing"), domain.StepSuccess, domain.FailureNone))
}

func TestRunsNextRunNumberIncrementsPerPipeline(t *testing.T) {
	r := memory.NewRuns()
	pid := domain.NewPipelineID()

	n1, err := r.NextRunNumber(context.Background(), pid)
	require.NoError(t, err)
	n2, err := r.NextRunNumber(context.Background(), pid)
	require.NoError(t, err)
	assert.Equal(t, n1+1, n2)
}

func TestAgentsListIdleFiltersByStatusSlotsAndLabels(t *testing.T) {
	a := memory.NewAgents()
	busy := &domain.Agent{ID: domain.NewAgentID(), Status: domain.AgentBusy, MaxConcurrentJobs: 1, AssignedJobs: 1}
	idleNoLabel := &domain.Agent{ID: domain.NewAgentID(), Status: domain.AgentIdle, MaxConcurrentJobs: 1, Labels: []string{"linux"}}
	idleMatching := &domain.Agent{ID: domain.NewAgentID(), Status: domain.AgentIdle, MaxConcurrentJobs: 1, Labels: []string{"gpu"}}

	require.NoError(t, a.Upsert(context.Background(), busy))
	require.NoError(t, a.Upsert(context.Background(), idleNoLabel))
	require.NoError(t, a.Upsert(context.Background(), idleMatching))

	idle, err := a.ListIdle(context.Background(), []string{"gpu"})
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, idleMatching.ID, idle[0].ID)
}

func TestAgentsRemove(t *testing.T) {
	a := memory.NewAgents()
	agent := &domain.Agent{ID: domain.NewAgentID(), Status: domain.AgentIdle}
	require.NoError(t, a.Upsert(context.Background(), agent))
	require.NoError(t, a.Remove(context.Background(), agent.ID))

	_, ok, err := a.Get(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeasesSequenceTracking(t *testing.T) {
	l := memory.NewLeases()
	stepID := domain.StepID("s1")

	require.NoError(t, l.Insert(context.Background(), &domain.Lease{StepID: stepID, Sequence: 1, Deadline: time.Now().Add(time.Minute)}))
	seq, ok, err := l.CurrentSequence(context.Background(), stepID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), seq)

	require.NoError(t, l.Revoke(context.Background(), stepID))
	require.NoError(t, l.Insert(context.Background(), &domain.Lease{StepID: stepID, Sequence: 2, Deadline: time.Now().Add(time.Minute)}))
	seq, ok, err = l.CurrentSequence(context.Background(), stepID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), seq)
}
