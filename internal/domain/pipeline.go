package domain

// PipelineDefinition is the user-authored pipeline document. It is decoded
// straight off YAML with gopkg.in/yaml.v3, the same library the original
// tool used to parse pipeline.yaml.
type PipelineDefinition struct {
	Version     string            `yaml:"version"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Timeout     int               `yaml:"timeout_minutes"`
	Variables   map[string]string `yaml:"variables"`
	Triggers    []TriggerConfig   `yaml:"triggers"`
	Stages      []StageDefinition `yaml:"stages"`
	Cache       *CacheConfig      `yaml:"cache,omitempty"`
	Artifacts   *ArtifactConfig   `yaml:"artifacts,omitempty"`
	Concurrency *ConcurrencyConfig `yaml:"concurrency,omitempty"`
}

// DefaultTimeoutMinutes is applied when a pipeline document omits timeout_minutes.
const DefaultTimeoutMinutes = 60

// DefaultStepTimeoutMinutes is applied when a step omits timeout_minutes.
const DefaultStepTimeoutMinutes = 30

// TriggerType enumerates the kinds of events that can start a run.
type TriggerType string

const (
	TriggerPush        TriggerType = "push"
	TriggerPullRequest TriggerType = "pull_request"
	TriggerCron        TriggerType = "cron"
	TriggerManual      TriggerType = "manual"
	TriggerAPI         TriggerType = "api"
)

// TriggerConfig describes one declared trigger on a pipeline.
type TriggerConfig struct {
	Type        TriggerType `yaml:"type"`
	Branches    []string    `yaml:"branches"`
	Paths       []string    `yaml:"paths"`
	PathsIgnore []string    `yaml:"paths_ignore"`
	Tags        []string    `yaml:"tags"`
	Cron        string      `yaml:"cron,omitempty"`
}

// StageDefinition is one named group of steps with an optional dependency
// edge to other stages.
type StageDefinition struct {
	Name        string               `yaml:"name"`
	DisplayName string               `yaml:"display_name,omitempty"`
	DependsOn   []string             `yaml:"depends_on"`
	Condition   *ConditionExpression `yaml:"condition,omitempty"`
	Environment *ExecutionEnvironment `yaml:"environment,omitempty"`
	Variables   map[string]string    `yaml:"variables"`
	Steps       []StepDefinition     `yaml:"steps"`
	Timeout     *int                 `yaml:"timeout_minutes,omitempty"`
	Retry       *RetryConfig         `yaml:"retry,omitempty"`
	Agent       *AgentSelector       `yaml:"agent,omitempty"`
	Matrix      *MatrixConfig        `yaml:"matrix,omitempty"`
}

// StepDefinition is the smallest schedulable unit: one shell command or one
// plugin invocation.
type StepDefinition struct {
	Name              string               `yaml:"name"`
	DisplayName       string               `yaml:"display_name,omitempty"`
	Plugin            string               `yaml:"plugin,omitempty"`
	Run               string               `yaml:"run,omitempty"`
	Shell             string               `yaml:"shell,omitempty"`
	WorkingDirectory  string               `yaml:"working_directory,omitempty"`
	Environment       *ExecutionEnvironment `yaml:"environment,omitempty"`
	Variables         map[string]string    `yaml:"variables"`
	Secrets           []SecretReference    `yaml:"secrets"`
	Condition         *ConditionExpression `yaml:"condition,omitempty"`
	TimeoutMinutes    int                  `yaml:"timeout_minutes"`
	Retry             *RetryConfig         `yaml:"retry,omitempty"`
	ContinueOnError   bool                 `yaml:"continue_on_error"`
	Outputs           []string             `yaml:"outputs"`
	Artifacts         []ArtifactSpec       `yaml:"artifacts"`
	CacheDirective    *StepCacheDirective  `yaml:"cache,omitempty"`
}

// ArtifactSpec is a single declared artifact on a step.
type ArtifactSpec struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// StepCacheDirective carries the literal key template plus restore-key
// templates; hashFiles() tokens inside either remain deferred until step
// start (spec.md §4.1 step 7).
type StepCacheDirective struct {
	Key         string   `yaml:"key"`
	RestoreKeys []string `yaml:"restore_keys"`
	Paths       []string `yaml:"paths"`
}

// ConditionExpression gates whether a stage or step runs. Both fields may be
// set; "if" must be truthy and "unless" must be falsy for the gate to pass.
type ConditionExpression struct {
	If     string `yaml:"if,omitempty"`
	Unless string `yaml:"unless,omitempty"`
}

// EnvironmentType selects the isolation backend for a step.
type EnvironmentType string

const (
	EnvContainer    EnvironmentType = "container"
	EnvFirecracker  EnvironmentType = "firecracker"
	EnvNix          EnvironmentType = "nix"
	EnvHost         EnvironmentType = "host"
)

// ExecutionEnvironment is the discriminated union of isolation backends.
type ExecutionEnvironment struct {
	Type        EnvironmentType   `yaml:"type"`
	Container   *ContainerConfig  `yaml:"container,omitempty"`
	Firecracker *FirecrackerConfig `yaml:"firecracker,omitempty"`
	Nix         *NixConfig        `yaml:"nix,omitempty"`
}

// ContainerConfig configures the container backend.
type ContainerConfig struct {
	Image      string   `yaml:"image"`
	Registry   string   `yaml:"registry,omitempty"`
	Network    string   `yaml:"network,omitempty"`
	Privileged bool     `yaml:"privileged"`
	Volumes    []VolumeMount `yaml:"volumes"`
}

// VolumeMount binds a host path into the environment.
type VolumeMount struct {
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"read_only"`
}

// FirecrackerConfig configures the micro-VM backend.
type FirecrackerConfig struct {
	Kernel    string `yaml:"kernel"`
	Rootfs    string `yaml:"rootfs"`
	VCPUCount int    `yaml:"vcpu_count"`
	MemoryMB  int    `yaml:"memory_mb"`
}

// NixConfig configures the hermetic reproducible-shell backend.
type NixConfig struct {
	Flake string `yaml:"flake,omitempty"`
	Pure  bool   `yaml:"pure"`
}

// SecretReference is a resolved (by name, never value) secret binding on a
// step.
type SecretReference struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
	Path     string `yaml:"path"`
	Version  string `yaml:"version,omitempty"`
	Masked   bool   `yaml:"masked"`
}

// RetryConfig is parsed, validated, and carried on the frozen plan. Per
// spec.md §7, step-level retry execution is not part of the core — this
// type exists so the policy is visible to whatever external collaborator
// owns re-submission, but the Scheduler and Runner never auto-retry.
type RetryConfig struct {
	MaxAttempts         int  `yaml:"max_attempts"`
	DelaySeconds        int  `yaml:"delay_seconds"`
	ExponentialBackoff  bool `yaml:"exponential_backoff"`
}

// ConcurrencyConfig groups runs for cancellation/limiting purposes.
type ConcurrencyConfig struct {
	Group             string `yaml:"group"`
	CancelInProgress  bool   `yaml:"cancel_in_progress"`
}

// AgentSelector narrows which agents may run a stage, either by label
// superset or by exact agent name.
type AgentSelector struct {
	Labels []string `yaml:"labels"`
	Name   string   `yaml:"name,omitempty"`
}

// CacheConfig is the pipeline-level default cache directive.
type CacheConfig struct {
	Paths       []string `yaml:"paths"`
	Key         string   `yaml:"key,omitempty"`
	RestoreKeys []string `yaml:"restore_keys"`
	TTLDays     int      `yaml:"ttl_days"`
}

// ArtifactConfig is the pipeline-level default artifact directive.
type ArtifactConfig struct {
	Paths         []string `yaml:"paths"`
	Name          string   `yaml:"name,omitempty"`
	RetentionDays int      `yaml:"retention_days"`
	Compression   string   `yaml:"compression"`
}

// MatrixConfig expands one stage into a Cartesian product of step instances.
type MatrixConfig struct {
	Dimensions  map[string][]any `yaml:"dimensions"`
	Include     []map[string]any `yaml:"include"`
	Exclude     []map[string]any `yaml:"exclude"`
	FailFast    bool             `yaml:"fail_fast"`
	MaxParallel int              `yaml:"max_parallel"`
}
