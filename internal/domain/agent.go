package domain

import "time"

// AgentStatus tracks an agent's availability for dispatch.
type AgentStatus string

const (
	AgentOffline AgentStatus = "offline"
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentDraining AgentStatus = "draining"
)

// IsDispatchTarget reports whether the scheduler may dispatch new jobs to
// an agent in this status.
func (s AgentStatus) IsDispatchTarget() bool {
	return s == AgentIdle
}

// Capability is a structured feature an agent advertises (distinct from
// free-form labels), used to match a step's required environment kind.
type Capability string

const (
	CapDocker      Capability = "docker"
	CapFirecracker Capability = "firecracker"
	CapNix         Capability = "nix"
)

// RequiredCapability maps an environment kind to the capability an agent
// must advertise to run it. Host steps require no capability.
func RequiredCapability(envType EnvironmentType) (Capability, bool) {
	switch envType {
	case EnvContainer:
		return CapDocker, true
	case EnvFirecracker:
		return CapFirecracker, true
	case EnvNix:
		return CapNix, true
	default:
		return "", false
	}
}

// SystemMetrics is the payload an agent reports on heartbeat.
type SystemMetrics struct {
	CPUPercent      float64
	MemoryUsedBytes uint64
	MemoryTotalBytes uint64
	LoadAverage     [3]float64
}

// Agent is a worker process that advertises labels/capabilities and
// executes steps.
type Agent struct {
	ID                AgentID
	Name              string
	Labels            []string
	Capabilities      []Capability
	Version           string
	MaxConcurrentJobs int
	AssignedJobs      int
	Status            AgentStatus
	SystemMetrics     *SystemMetrics
	RegisteredAt      time.Time
	LastHeartbeatAt   time.Time
}

// HasLabels reports whether the agent's label set is a superset of required.
func (a *Agent) HasLabels(required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(a.Labels))
	for _, l := range a.Labels {
		set[l] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// HasCapability reports whether the agent advertises the given capability.
func (a *Agent) HasCapability(c Capability) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// AvailableSlots is max_concurrent_jobs - assigned_jobs, never negative.
func (a *Agent) AvailableSlots() int {
	if a.AssignedJobs >= a.MaxConcurrentJobs {
		return 0
	}
	return a.MaxConcurrentJobs - a.AssignedJobs
}

// AgentRegistration is the payload an agent sends on registration.
type AgentRegistration struct {
	Name              string
	Labels            []string
	Capabilities      []Capability
	Version           string
	MaxConcurrentJobs int
}
