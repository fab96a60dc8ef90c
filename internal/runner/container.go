package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/blockci/enginecore/internal/domain"
)

// ContainerEnvironment runs each command as a fresh `docker run` against the
// declared image, grounded on oxide-plugins/src/docker.rs's DockerBuildPlugin
// shelling out to the docker CLI rather than talking to the daemon socket
// directly — the pack carries no Docker client library.
type ContainerEnvironment struct {
	cfg       *domain.ContainerConfig
	workspace string
}

func NewContainerEnvironment(cfg *domain.ContainerConfig) *ContainerEnvironment {
	return &ContainerEnvironment{cfg: cfg}
}

func (c *ContainerEnvironment) Prepare(ctx context.Context, env *domain.ExecutionEnvironment, workspace string) error {
	c.workspace = workspace
	if c.cfg == nil || c.cfg.Image == "" {
		return fmt.Errorf("container environment: missing image")
	}
	pull := exec.CommandContext(ctx, "docker", "pull", c.cfg.Image)
	out, err := pull.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker pull %s: %w: %s", c.cfg.Image, err, out)
	}
	return nil
}

func (c *ContainerEnvironment) Run(ctx context.Context, cmd Command) (Result, error) {
	args := []string{"run", "--rm", "-v", c.workspace + ":/workspace", "-w", "/workspace"}
	if c.cfg.Network != "" {
		args = append(args, "--network", c.cfg.Network)
	}
	if c.cfg.Privileged {
		args = append(args, "--privileged")
	}
	for _, v := range c.cfg.Volumes {
		mount := v.Source + ":" + v.Target
		if v.ReadOnly {
			mount += ":ro"
		}
		args = append(args, "-v", mount)
	}
	for k, val := range cmd.Env {
		args = append(args, "-e", k+"="+val)
	}
	args = append(args, c.cfg.Image, "sh", "-c", cmd.Script)

	run := exec.CommandContext(ctx, "docker", args...)
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

func (c *ContainerEnvironment) Teardown(ctx context.Context) error { return nil }
