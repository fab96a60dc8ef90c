package runner

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/blockci/enginecore/internal/domain"
)

// NixEnvironment runs a command inside `nix develop` (or `nix-shell` when no
// flake is declared) for a hermetic, reproducible toolchain — grounded on
// the rust-toolchain/docker pattern of shelling out to a package-manager CLI
// rather than linking against one.
type NixEnvironment struct {
	cfg *domain.NixConfig
}

func NewNixEnvironment(cfg *domain.NixConfig) *NixEnvironment {
	return &NixEnvironment{cfg: cfg}
}

func (n *NixEnvironment) Prepare(ctx context.Context, env *domain.ExecutionEnvironment, workspace string) error {
	return nil
}

func (n *NixEnvironment) Run(ctx context.Context, cmd Command) (Result, error) {
	var run *exec.Cmd
	if n.cfg != nil && n.cfg.Flake != "" {
		args := []string{"develop", n.cfg.Flake}
		if n.cfg.Pure {
			args = append(args, "--pure")
		}
		args = append(args, "--command", "sh", "-c", cmd.Script)
		run = exec.CommandContext(ctx, "nix", args...)
	} else {
		run = exec.CommandContext(ctx, "nix-shell", "--run", cmd.Script)
	}
	run.Dir = cmd.WorkingDir
	run.Env = flattenEnv(cmd.Env)

	var stdout, stderr bytes.Buffer
	run.Stdout = &stdout
	run.Stderr = &stderr
	err := run.Run()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			err = nil
		}
	}
	return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, err
}

func (n *NixEnvironment) Teardown(ctx context.Context) error { return nil }
