// Package runner is the agent-side step executor: environment acquisition,
// workspace setup, cache restore, secret injection, command execution,
// cache save, artifact publish, cleanup — spec.md §4.4's eight-step
// sequence. Grounded on the teacher's internal/core.Runner/Executor
// (sequential stage-then-step loop, log-then-ledger pattern), generalized
// from a single shell-only backend into the Environment interface so
// container/firecracker/nix steps share one Execute call.
package runner

import (
	"context"
	"fmt"

	"github.com/blockci/enginecore/internal/domain"
)

// Environment runs one command inside whatever isolation backend a step
// declares.
type Environment interface {
	// Prepare acquires the backend before any step in the environment
	// runs: the container backend pulls its image and the firecracker
	// backend allocates its socket directory; the host and nix backends
	// do nothing here.
	Prepare(ctx context.Context, env *domain.ExecutionEnvironment, workspace string) error
	// Run executes one command and returns its combined output.
	Run(ctx context.Context, cmd Command) (Result, error)
	// Teardown releases anything Prepare acquired.
	Teardown(ctx context.Context) error
}

// Command is one shell invocation to run inside an Environment.
type Command struct {
	Shell      string
	Script     string
	WorkingDir string
	Env        map[string]string
}

// Result is the outcome of one Environment.Run call.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// NewEnvironment selects the isolation backend for a step, defaulting to
// the host backend when the step declares none (spec.md §4.4).
func NewEnvironment(env *domain.ExecutionEnvironment) (Environment, error) {
	if env == nil {
		return NewHostEnvironment(), nil
	}
	switch env.Type {
	case domain.EnvHost, "":
		return NewHostEnvironment(), nil
	case domain.EnvContainer:
		return NewContainerEnvironment(env.Container), nil
	case domain.EnvFirecracker:
		return NewFirecrackerEnvironment(env.Firecracker), nil
	case domain.EnvNix:
		return NewNixEnvironment(env.Nix), nil
	default:
		return nil, fmt.Errorf("unknown environment type %q", env.Type)
	}
}
