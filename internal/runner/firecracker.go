package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/blockci/enginecore/internal/domain"
)

// FirecrackerEnvironment runs each command inside a Firecracker microVM by
// invoking the firecracker-exec binary once per Run call, the same way
// ContainerEnvironment shells out to docker — the pack carries no
// Firecracker SDK, and the original's oxide-agent targets the same CLI
// surface (kernel/rootfs/vcpu/memory knobs passed as a one-shot config).
// Prepare only allocates the temporary directory for the API socket.
type FirecrackerEnvironment struct {
	cfg     *domain.FirecrackerConfig
	sockDir string
}

func NewFirecrackerEnvironment(cfg *domain.FirecrackerConfig) *FirecrackerEnvironment {
	return &FirecrackerEnvironment{cfg: cfg}
}

func (f *FirecrackerEnvironment) Prepare(ctx context.Context, env *domain.ExecutionEnvironment, workspace string) error {
	if f.cfg == nil || f.cfg.Kernel == "" || f.cfg.Rootfs == "" {
		return fmt.Errorf("firecracker environment: missing kernel or rootfs")
	}
	dir, err := os.MkdirTemp("", "fc-*")
	if err != nil {
		return fmt.Errorf("firecracker: alloc socket dir: %w", err)
	}
	f.sockDir = dir
	return nil
}

func (f *FirecrackerEnvironment) Run(ctx context.Context, cmd Command) (Result, error) {
	sock := filepath.Join(f.sockDir, "firecracker.sock")
	args := []string{
		"--api-sock", sock,
		"--kernel", f.cfg.Kernel,
		"--rootfs", f.cfg.Rootfs,
		"--vcpus", fmt.Sprintf("%d", maxInt(f.cfg.VCPUCount, 1)),
		"--mem", fmt.Sprintf("%d", maxInt(f.cfg.MemoryMB, 128)),
		"--exec", cmd.Script,
	}
	run := exec.CommandContext(ctx, "firecracker-exec", args...)
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

func (f *FirecrackerEnvironment) Teardown(ctx context.Context) error {
	if f.sockDir != "" {
		return os.RemoveAll(f.sockDir)
	}
	return nil
}

func maxInt(v, min int) int {
	if v < min {
		return min
	}
	return v
}
