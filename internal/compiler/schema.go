package compiler

import (
	"fmt"

	"github.com/blockci/enginecore/internal/domain"
)

// validateSchema implements spec.md §4.1 step 1: every stage has a
// non-empty name unique within the pipeline; every step within a stage has
// a name unique within that stage; each step has exactly one of run/plugin.
// All issues are collected, never short-circuited.
func validateSchema(def *domain.PipelineDefinition, issues *domain.CompileError) {
	if def.Name == "" {
		issues.Add(domain.ErrSchemaViolation, "name", "pipeline name must not be empty")
	}
	if len(def.Stages) == 0 {
		issues.Add(domain.ErrSchemaViolation, "stages", "pipeline must declare at least one stage")
	}

	seenStages := make(map[string]struct{}, len(def.Stages))
	for si, stage := range def.Stages {
		path := fmt.Sprintf("stages[%d]", si)
		if stage.Name == "" {
			issues.Add(domain.ErrSchemaViolation, path, "stage name must not be empty")
		} else if _, dup := seenStages[stage.Name]; dup {
			issues.Add(domain.ErrDuplicateName, path, fmt.Sprintf("duplicate stage name %q", stage.Name))
		} else {
			seenStages[stage.Name] = struct{}{}
		}

		if stage.Matrix != nil {
			for dim, values := range stage.Matrix.Dimensions {
				if len(values) == 0 {
					issues.Add(domain.ErrEmptyMatrixDimension, path+".matrix",
						fmt.Sprintf("matrix dimension %q has no values", dim))
				}
			}
		}

		seenSteps := make(map[string]struct{}, len(stage.Steps))
		if len(stage.Steps) == 0 {
			issues.Add(domain.ErrSchemaViolation, path+".steps", "stage must declare at least one step")
		}
		for pi, step := range stage.Steps {
			spath := fmt.Sprintf("%s.steps[%d]", path, pi)
			if step.Name == "" {
				issues.Add(domain.ErrSchemaViolation, spath, "step name must not be empty")
			} else if _, dup := seenSteps[step.Name]; dup {
				issues.Add(domain.ErrDuplicateName, spath, fmt.Sprintf("duplicate step name %q", step.Name))
			} else {
				seenSteps[step.Name] = struct{}{}
			}

			hasRun := step.Run != ""
			hasPlugin := step.Plugin != ""
			if hasRun == hasPlugin {
				issues.Add(domain.ErrSchemaViolation, spath, "step must declare exactly one of run or plugin")
			}
			if hasPlugin && !knownPlugins[pluginBaseName(step.Plugin)] {
				issues.Add(domain.ErrUnknownPlugin, spath, fmt.Sprintf("unknown plugin %q", step.Plugin))
			}
		}

		for _, dep := range stage.DependsOn {
			if dep == stage.Name {
				issues.Add(domain.ErrCycle, path, fmt.Sprintf("stage %q depends on itself", stage.Name))
			}
		}
	}

	for _, stage := range def.Stages {
		for _, dep := range stage.DependsOn {
			if _, ok := seenStages[dep]; !ok {
				issues.Add(domain.ErrSchemaViolation, "stages["+stage.Name+"]",
					fmt.Sprintf("depends_on references unknown stage %q", dep))
			}
		}
	}
}

// knownPlugins is the registry of plugin names the compiler accepts. It
// mirrors internal/plugin's built-in registry; an empty registry would
// make every plugin reference fail, so the core ships a small fixed set
// (git checkout and cache restore/save are common enough to be built-in,
// following oxide-plugins/src/registry.rs's bundled plugins).
var knownPlugins = map[string]bool{
	"checkout":     true,
	"cache":        true,
	"artifact":     true,
	"notify":       true,
}

func pluginBaseName(ref string) string {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '@' {
			return ref[:i]
		}
	}
	return ref
}
