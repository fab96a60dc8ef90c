package compiler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockci/enginecore/internal/compiler"
	"github.com/blockci/enginecore/internal/domain"
)

func simplePipeline() *domain.PipelineDefinition {
	return &domain.PipelineDefinition{
		Name: "build-and-test",
		Triggers: []domain.TriggerConfig{
			{Type: domain.TriggerPush, Branches: []string{"main"}},
		},
		Stages: []domain.StageDefinition{
			{
				Name: "build",
				Steps: []domain.StepDefinition{
					{Name: "compile", Run: "make build"},
				},
			},
			{
				Name:      "test",
				DependsOn: []string{"build"},
				Steps: []domain.StepDefinition{
					{Name: "unit", Run: "make test"},
				},
			},
		},
	}
}

func TestCompileProducesOrderedStages(t *testing.T) {
	c := compiler.New()
	plan, err := c.Compile(domain.NewPipelineID(), simplePipeline(), domain.TriggerContext{Type: domain.TriggerPush, Branch: "main"})
	require.NoError(t, err)
	require.Len(t, plan.Stages, 2)
	assert.Equal(t, "build", plan.Stages[0].Name)
	assert.Equal(t, "test", plan.Stages[1].Name)
	assert.NotEmpty(t, plan.ContentHash)
}

func TestCompileIsDeterministic(t *testing.T) {
	c := compiler.New()
	def := simplePipeline()
	ctx := domain.TriggerContext{Type: domain.TriggerPush, Branch: "main"}

	plan1, err := c.Compile(domain.PipelineID("p1"), def, ctx)
	require.NoError(t, err)
	plan2, err := c.Compile(domain.PipelineID("p1"), def, ctx)
	require.NoError(t, err)

	assert.Equal(t, plan1.ContentHash, plan2.ContentHash)
}

func TestCompileReturnsErrNotTriggeredOnBranchMismatch(t *testing.T) {
	c := compiler.New()
	_, err := c.Compile(domain.NewPipelineID(), simplePipeline(), domain.TriggerContext{Type: domain.TriggerPush, Branch: "feature/x"})
	assert.ErrorIs(t, err, domain.ErrNotTriggered)
}

func TestCompileDetectsCycle(t *testing.T) {
	def := simplePipeline()
	def.Stages[0].DependsOn = []string{"test"}

	c := compiler.New()
	_, err := c.Compile(domain.NewPipelineID(), def, domain.TriggerContext{Type: domain.TriggerPush, Branch: "main"})
	require.Error(t, err)

	var compileErr *domain.CompileError
	require.ErrorAs(t, err, &compileErr)
	found := false
	for _, issue := range compileErr.Issues {
		if issue.Kind == domain.ErrCycle {
			found = true
		}
	}
	assert.True(t, found, "expected a cycle issue, got %+v", compileErr.Issues)
}

func TestCompileCarriesConcurrencyGroup(t *testing.T) {
	def := simplePipeline()
	def.Concurrency = &domain.ConcurrencyConfig{Group: "deploy-prod", CancelInProgress: true}

	c := compiler.New()
	plan, err := c.Compile(domain.NewPipelineID(), def, domain.TriggerContext{Type: domain.TriggerPush, Branch: "main"})
	require.NoError(t, err)
	assert.Equal(t, "deploy-prod", plan.ConcurrencyGroup)
	assert.True(t, plan.CancelInProgress)
}

func TestCompileRejectsDuplicateStageNames(t *testing.T) {
	def := simplePipeline()
	def.Stages = append(def.Stages, domain.StageDefinition{
		Name:  "build",
		Steps: []domain.StepDefinition{{Name: "again", Run: "echo hi"}},
	})

	c := compiler.New()
	_, err := c.Compile(domain.NewPipelineID(), def, domain.TriggerContext{Type: domain.TriggerPush, Branch: "main"})
	require.Error(t, err)

	var compileErr *domain.CompileError
	require.ErrorAs(t, err, &compileErr)
	found := false
	for _, issue := range compileErr.Issues {
		if issue.Kind == domain.ErrDuplicateName {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCompileRejectsStepWithBothRunAndPlugin(t *testing.T) {
	def := simplePipeline()
	def.Stages[0].Steps[0].Plugin = "cache-restore"

	c := compiler.New()
	_, err := c.Compile(domain.NewPipelineID(), def, domain.TriggerContext{Type: domain.TriggerPush, Branch: "main"})
	require.Error(t, err)
}
