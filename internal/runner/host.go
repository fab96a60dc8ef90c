package runner

import (
	"bytes"
	"context"
	"os"
	"os/exec"

	"github.com/blockci/enginecore/internal/domain"
)

// HostEnvironment runs commands directly on the agent's own OS, grounded on
// the teacher's internal/core.Executor.RunStep (exec.CommandContext with
// sh -c). No isolation beyond the process itself.
type HostEnvironment struct{}

func NewHostEnvironment() *HostEnvironment { return &HostEnvironment{} }

func (h *HostEnvironment) Prepare(ctx context.Context, env *domain.ExecutionEnvironment, workspace string) error {
	return nil
}

func (h *HostEnvironment) Run(ctx context.Context, c Command) (Result, error) {
	shell := c.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", c.Script)
	cmd.Dir = c.WorkingDir
	cmd.Env = flattenEnv(c.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			err = nil
		}
	}
	return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, err
}

func (h *HostEnvironment) Teardown(ctx context.Context) error { return nil }

func flattenEnv(vars map[string]string) []string {
	if len(vars) == 0 {
		return nil
	}
	out := append([]string{}, os.Environ()...)
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	return out
}
