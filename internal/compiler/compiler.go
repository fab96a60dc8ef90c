// Package compiler implements the pipeline compiler (spec.md §4.1): the
// pure function that turns a (PipelineDefinition, TriggerContext) pair into
// a frozen Plan, or a CompileError describing every problem found.
package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/blockci/enginecore/internal/domain"
)

// Compiler runs the eight-step compilation pipeline: schema validation,
// trigger filtering, variable layering, interpolation, matrix expansion,
// DAG construction, cache-key templating, and freeze.
type Compiler struct {
	triggers *TriggerMatcher
	interp   *Interpolator
	matrix   *MatrixExpander
}

// New constructs a Compiler.
func New() *Compiler {
	return &Compiler{
		triggers: NewTriggerMatcher(),
		interp:   NewInterpolator(),
		matrix:   NewMatrixExpander(),
	}
}

// Compile runs the full pipeline. It returns domain.ErrNotTriggered (not a
// CompileError) when the document is well-formed but no declared trigger
// matches ctx — that's a no-op, not a failure. Every other problem is
// collected into the returned CompileError rather than stopping at the
// first one found.
func (c *Compiler) Compile(pipelineID domain.PipelineID, def *domain.PipelineDefinition, ctx domain.TriggerContext) (*domain.Plan, error) {
	issues := &domain.CompileError{}

	// Step 1: schema validation.
	validateSchema(def, issues)
	if issues.HasErrors() {
		return nil, issues
	}

	// Step 2: trigger filtering. No match is a no-op, not a failure, so it
	// is signalled to the caller via the ErrNotTriggered sentinel rather
	// than folded into the CompileError aggregate.
	if !c.triggers.Matches(def, ctx) {
		return nil, domain.ErrNotTriggered
	}

	// Step 3: variable layering — pipeline defaults, overridden by
	// trigger-supplied variables (spec.md §4.1 step 3).
	baseVars := layerVariables(def.Variables, ctx.Variables)

	// Step 6: DAG construction happens before step-level expansion so a
	// cycle or unknown dependency is reported before wasted interpolation
	// work, and because matrix expansion needs the stage's resolved
	// dependency edges intact for the plan.
	dag := BuildDag(def.Stages, issues)
	if issues.HasErrors() {
		return nil, issues
	}
	order, ok := dag.TopologicalOrder()
	if !ok {
		issues.Add(domain.ErrCycle, "stages", "cycle detected in stage dependencies")
		return nil, issues
	}

	planStages := make([]domain.PlanStage, 0, len(order))
	for _, node := range order {
		stage := node.Definition
		stageVars := layerVariables(baseVars, stage.Variables)

		planStage := domain.PlanStage{
			ID:            domain.NewStageID(),
			Name:          stage.Name,
			DependsOn:     append([]string{}, stage.DependsOn...),
			Condition:     stage.Condition,
			Environment:   stage.Environment,
			Retry:         stage.Retry,
			AgentSelector: stage.Agent,
		}

		combos := c.matrix.Expand(stage)
		if stage.Matrix != nil {
			planStage.MatrixMeta = &domain.MatrixMeta{
				FailFast:    stage.Matrix.FailFast,
				MaxParallel: stage.Matrix.MaxParallel,
			}
		}
		if combos == nil {
			combos = []MatrixCombination{{Values: map[string]string{}}}
		}

		for _, combo := range combos {
			for si := range stage.Steps {
				step := stage.Steps[si]
				planStep := c.compileStep(step, stage.Agent, stageVars, combo, ctx, issues,
					fmt.Sprintf("stages[%s].steps[%s]", stage.Name, step.Name))
				planStage.Steps = append(planStage.Steps, planStep)
			}
		}

		planStages = append(planStages, planStage)
	}

	if issues.HasErrors() {
		return nil, issues
	}

	timeout := def.Timeout
	if timeout == 0 {
		timeout = domain.DefaultTimeoutMinutes
	}

	plan := &domain.Plan{
		ID:                 domain.NewPlanID(),
		PipelineID:         pipelineID,
		PipelineName:       def.Name,
		TimeoutMin:         timeout,
		Variables:          baseVars,
		Stages:             planStages,
		CreatedFromTrigger: ctx.Type,
	}
	if def.Concurrency != nil {
		plan.ConcurrencyGroup = def.Concurrency.Group
		plan.CancelInProgress = def.Concurrency.CancelInProgress
	}

	// Step 8: freeze — compute the content hash over the normalized plan
	// before returning it. Once frozen a Plan never mutates.
	plan.ContentHash = freeze(plan)

	return plan, nil
}

// compileStep runs steps 4 (interpolation), 5 (matrix substitution), and 7
// (cache-key templating, deferred) for one step instance.
func (c *Compiler) compileStep(step domain.StepDefinition, agentSelector *domain.AgentSelector, stageVars map[string]string, combo MatrixCombination, ctx domain.TriggerContext, issues *domain.CompileError, path string) domain.PlanStep {
	stepVars := layerVariables(stageVars, step.Variables)

	ictx := InterpolationContext{
		Variables: stepVars,
		Matrix:    combo.Values,
		Outputs:   map[string]string{},
		Branch:    ctx.Branch,
		SHA:       ctx.SHA,
		RunnerOS:  runnerOS(step.Environment),
	}

	unbound := func(expr string) {
		issues.Add(domain.ErrUnboundIdentifier, path, fmt.Sprintf("unbound identifier %q", expr))
	}

	run := c.interp.Interpolate(step.Run, ictx, unbound)
	workDir := c.interp.Interpolate(step.WorkingDirectory, ictx, unbound)

	timeout := step.TimeoutMinutes
	if timeout == 0 {
		timeout = domain.DefaultStepTimeoutMinutes
	}

	name := step.Name
	displayName := step.DisplayName
	if combo.DisplayName != "" && combo.DisplayName != name {
		if displayName == "" {
			displayName = combo.DisplayName
		}
	}

	var cacheDirective *domain.StepCacheDirective
	if step.CacheDirective != nil {
		// Step 7: the key/restore_key templates are frozen as-is — any
		// hashFiles(...) token inside stays unresolved until step start.
		cacheDirective = &domain.StepCacheDirective{
			Key:         c.interp.Interpolate(step.CacheDirective.Key, ictx, unbound),
			RestoreKeys: interpolateAll(c.interp, step.CacheDirective.RestoreKeys, ictx, unbound),
			Paths:       step.CacheDirective.Paths,
		}
	}

	// Required labels flow from the stage's agent selector (spec.md §4.2
	// "first agent whose labels are a superset of the step's required
	// labels") — the environment's own capability need (container/
	// firecracker/nix) is matched separately via domain.RequiredCapability.
	var requiredLabels []string
	var requiredAgentName string
	if agentSelector != nil {
		requiredLabels = agentSelector.Labels
		requiredAgentName = agentSelector.Name
	}

	return domain.PlanStep{
		ID:                domain.NewStepID(),
		Name:              name,
		DisplayName:       displayName,
		Plugin:            step.Plugin,
		Run:               run,
		Shell:             step.Shell,
		WorkingDirectory:  workDir,
		Environment:       step.Environment,
		Variables:         stepVars,
		MatrixValues:      toAnyMap(combo.Values),
		Secrets:           step.Secrets,
		Condition:         step.Condition,
		TimeoutMinutes:    timeout,
		Retry:             step.Retry,
		ContinueOnError:   step.ContinueOnError,
		Outputs:           step.Outputs,
		Artifacts:         step.Artifacts,
		CacheDirective:    cacheDirective,
		RequiredLabels:    requiredLabels,
		RequiredAgentName: requiredAgentName,
	}
}

func interpolateAll(in *Interpolator, items []string, ctx InterpolationContext, unbound func(string)) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = in.Interpolate(s, ctx, unbound)
	}
	return out
}

func toAnyMap(in map[string]string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func runnerOS(env *domain.ExecutionEnvironment) string {
	if env == nil {
		return "linux"
	}
	switch env.Type {
	case domain.EnvFirecracker:
		return "linux"
	case domain.EnvNix, domain.EnvHost, domain.EnvContainer:
		return "linux"
	default:
		return "linux"
	}
}

// layerVariables merges override on top of base without mutating either.
func layerVariables(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// freeze computes a stable content hash over the normalized plan: stage and
// step names/commands/variables in deterministic order, so two compilations
// of the same document against the same trigger context always agree,
// independent of map iteration order.
func freeze(plan *domain.Plan) string {
	var b strings.Builder
	b.WriteString(plan.PipelineName)
	b.WriteString("|")
	writeSortedMap(&b, plan.Variables)

	for _, stage := range plan.Stages {
		b.WriteString(";stage:")
		b.WriteString(stage.Name)
		b.WriteString(">")
		b.WriteString(strings.Join(stage.DependsOn, ","))
		for _, step := range stage.Steps {
			b.WriteString(";step:")
			b.WriteString(step.Name)
			b.WriteString("=")
			b.WriteString(step.Run)
			b.WriteString("=")
			b.WriteString(step.Plugin)
			writeSortedMap(&b, step.Variables)
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeSortedMap(b *strings.Builder, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(m[k])
		b.WriteString(",")
	}
}
