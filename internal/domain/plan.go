package domain

// Plan is the frozen, validated execution graph produced by the compiler
// from a (PipelineDefinition, TriggerContext) pair. It is immutable once
// returned and is owned by the Run that references it for the run's
// lifetime (spec.md §9).
type Plan struct {
	ID            PlanID
	PipelineID    PipelineID
	PipelineName  string
	ContentHash   string
	TimeoutMin    int
	Variables     map[string]string
	Stages        []PlanStage
	CreatedFromTrigger TriggerType
	ConcurrencyGroup   string
	CancelInProgress   bool
}

// PlanStage is one stage of a frozen plan: either a single step list or an
// expanded matrix of step instances, plus the resolved dependency edges.
type PlanStage struct {
	ID          StageID
	Name        string
	DependsOn   []string // stage names, resolved to exist at compile time
	Condition   *ConditionExpression
	Environment *ExecutionEnvironment
	Steps       []PlanStep
	Retry       *RetryConfig
	AgentSelector *AgentSelector
	MatrixMeta  *MatrixMeta
}

// MatrixMeta carries matrix fan-out policy through to the scheduler.
type MatrixMeta struct {
	FailFast    bool
	MaxParallel int
}

// PlanStep is one resolved, interpolated step instance (matrix expansion
// produces one PlanStep per combination).
type PlanStep struct {
	ID               StepID
	Name             string
	DisplayName      string
	Plugin           string
	Run              string
	Shell            string
	WorkingDirectory string
	Environment      *ExecutionEnvironment
	Variables        map[string]string
	MatrixValues     map[string]any
	Secrets          []SecretReference
	Condition        *ConditionExpression
	TimeoutMinutes   int
	Retry            *RetryConfig
	ContinueOnError  bool
	Outputs          []string
	Artifacts        []ArtifactSpec
	CacheDirective   *StepCacheDirective
	RequiredLabels   []string
	RequiredAgentName string
}

// TriggerContext is the input that accompanies a trigger event: branch,
// commit, changed paths, and caller-supplied variables that layer over the
// pipeline's own defaults.
type TriggerContext struct {
	Type         TriggerType
	Branch       string
	TargetBranch string
	Tag          string
	SHA          string
	PathsChanged []string
	Cron         string
	Variables    map[string]string
	TriggeredBy  string
}
