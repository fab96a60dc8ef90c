package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockci/enginecore/internal/domain"
	"github.com/blockci/enginecore/internal/repository/sqlite"
)

func openTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPipelinesRoundTrip(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewPipelines(db)

	id, err := repo.Create(context.Background(), &domain.PipelineDefinition{Name: "build-and-test"})
	require.NoError(t, err)

	got, ok, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "build-and-test", got.Name)

	ids, err := repo.List(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Contains(t, ids, id)
}

func TestRunsCreateAndLoadWithStagesAndSteps(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewRuns(db)

	run := &domain.Run{
		ID:           domain.NewRunID(),
		PipelineID:   domain.NewPipelineID(),
		PipelineName: "deploy",
		RunNumber:    1,
		PlanID:       domain.NewPlanID(),
		Status:       domain.RunRunning,
		Trigger:      domain.TriggerContext{Type: domain.TriggerManual},
		Variables:    map[string]string{"ENV": "prod"},
		QueuedAt:     time.Now().UTC(),
	}
	require.NoError(t, repo.CreateRun(context.Background(), run))

	stage := &domain.Stage{ID: domain.NewStageID(), RunID: run.ID, Name: "build", Status: domain.StageRunning}
	require.NoError(t, repo.InsertStage(context.Background(), run.ID, stage))

	step := &domain.Step{ID: domain.NewStepID(), StageID: stage.ID, Name: "compile", Status: domain.StepRunning}
	require.NoError(t, repo.InsertStep(context.Background(), stage.ID, step))
	require.NoError(t, repo.AppendStepLog(context.Background(), step.ID, "compiling..."))

	require.NoError(t, repo.UpdateStepStatus(context.Background(), step.ID, domain.StepSuccess, domain.FailureNone))
	require.NoError(t, repo.UpdateStageStatus(context.Background(), run.ID, stage.ID, domain.StageSuccess))
	require.NoError(t, repo.UpdateRunStatus(context.Background(), run.ID, domain.RunSuccess))

	loaded, ok, err := repo.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.RunSuccess, loaded.Status)
	require.Len(t, loaded.Stages, 1)
	assert.Equal(t, domain.StageSuccess, loaded.Stages[0].Status)
	require.Len(t, loaded.Stages[0].Steps, 1)
	assert.Equal(t, domain.StepSuccess, loaded.Stages[0].Steps[0].Status)
}

func TestRunsNextRunNumberIncrements(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewRuns(db)
	pid := domain.NewPipelineID()

	n1, err := repo.NextRunNumber(context.Background(), pid)
	require.NoError(t, err)
	n2, err := repo.NextRunNumber(context.Background(), pid)
	require.NoError(t, err)
	assert.Equal(t, n1+1, n2)
}

func TestAgentsUpsertGetListAndRemove(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewAgents(db)

	agent := &domain.Agent{
		ID:                domain.NewAgentID(),
		Name:              "runner-1",
		Labels:            []string{"linux", "gpu"},
		MaxConcurrentJobs: 2,
		Status:            domain.AgentIdle,
		RegisteredAt:      time.Now().UTC(),
		LastHeartbeatAt:   time.Now().UTC(),
	}
	require.NoError(t, repo.Upsert(context.Background(), agent))

	got, ok, err := repo.Get(context.Background(), agent.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "runner-1", got.Name)
	assert.ElementsMatch(t, []string{"linux", "gpu"}, got.Labels)

	idle, err := repo.ListIdle(context.Background(), []string{"gpu"})
	require.NoError(t, err)
	require.Len(t, idle, 1)

	require.NoError(t, repo.Remove(context.Background(), agent.ID))
	_, ok, err = repo.Get(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeasesInsertRevokeAndSequence(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewLeases(db)
	stepID := domain.StepID("s1")

	require.NoError(t, repo.Insert(context.Background(), &domain.Lease{
		ID: domain.NewLeaseID(), StepID: stepID, AgentID: domain.NewAgentID(),
		Sequence: 1, IssuedAt: time.Now().UTC(), Deadline: time.Now().Add(time.Minute),
	}))

	seq, ok, err := repo.CurrentSequence(context.Background(), stepID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), seq)

	require.NoError(t, repo.Revoke(context.Background(), stepID))
	seqAfterRevoke, ok, err := repo.CurrentSequence(context.Background(), stepID)
	require.NoError(t, err)
	require.True(t, ok, "lease_sequences must survive a revoke so reissue gets a strictly higher sequence")
	assert.Equal(t, uint64(1), seqAfterRevoke)
}
