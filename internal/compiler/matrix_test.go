package compiler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blockci/enginecore/internal/compiler"
	"github.com/blockci/enginecore/internal/domain"
)

func TestMatrixExpandNilWithoutMatrix(t *testing.T) {
	e := compiler.NewMatrixExpander()
	assert.Nil(t, e.Expand(&domain.StageDefinition{Name: "build"}))
}

func TestMatrixExpandCartesianProduct(t *testing.T) {
	e := compiler.NewMatrixExpander()
	stage := &domain.StageDefinition{
		Name: "test",
		Matrix: &domain.MatrixConfig{
			Dimensions: map[string][]any{
				"os":      {"linux", "darwin"},
				"version": {"1.21", "1.22"},
			},
		},
	}
	combos := e.Expand(stage)
	assert.Len(t, combos, 4)
}

func TestMatrixExpandExcludeFilters(t *testing.T) {
	e := compiler.NewMatrixExpander()
	stage := &domain.StageDefinition{
		Name: "test",
		Matrix: &domain.MatrixConfig{
			Dimensions: map[string][]any{
				"os":      {"linux", "darwin"},
				"version": {"1.21", "1.22"},
			},
			Exclude: []map[string]any{
				{"os": "darwin", "version": "1.21"},
			},
		},
	}
	combos := e.Expand(stage)
	assert.Len(t, combos, 3)
	for _, c := range combos {
		assert.False(t, c.Values["os"] == "darwin" && c.Values["version"] == "1.21")
	}
}

func TestMatrixExpandIncludeAddsCombination(t *testing.T) {
	e := compiler.NewMatrixExpander()
	stage := &domain.StageDefinition{
		Name: "test",
		Matrix: &domain.MatrixConfig{
			Dimensions: map[string][]any{
				"os": {"linux"},
			},
			Include: []map[string]any{
				{"os": "windows", "experimental": "true"},
			},
		},
	}
	combos := e.Expand(stage)
	assert.Len(t, combos, 2)
}

func TestTriggerMatcherBranchGlob(t *testing.T) {
	m := compiler.NewTriggerMatcher()
	def := &domain.PipelineDefinition{
		Triggers: []domain.TriggerConfig{
			{Type: domain.TriggerPush, Branches: []string{"release/*"}},
		},
	}
	assert.True(t, m.Matches(def, domain.TriggerContext{Type: domain.TriggerPush, Branch: "release/1.0"}))
	assert.False(t, m.Matches(def, domain.TriggerContext{Type: domain.TriggerPush, Branch: "main"}))
}

func TestTriggerMatcherPathsIgnore(t *testing.T) {
	m := compiler.NewTriggerMatcher()
	def := &domain.PipelineDefinition{
		Triggers: []domain.TriggerConfig{
			{Type: domain.TriggerPush, PathsIgnore: []string{"docs/**"}},
		},
	}
	assert.False(t, m.Matches(def, domain.TriggerContext{Type: domain.TriggerPush, PathsChanged: []string{"docs/readme.md"}}))
	assert.True(t, m.Matches(def, domain.TriggerContext{Type: domain.TriggerPush, PathsChanged: []string{"src/main.go"}}))
}

func TestTriggerMatcherManualAlwaysMatches(t *testing.T) {
	m := compiler.NewTriggerMatcher()
	def := &domain.PipelineDefinition{
		Triggers: []domain.TriggerConfig{{Type: domain.TriggerManual}},
	}
	assert.True(t, m.Matches(def, domain.TriggerContext{Type: domain.TriggerManual}))
}
