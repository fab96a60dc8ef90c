// Package runner is the agent-side executor: given a JobDispatch it acquires
// an isolation environment, restores cache, resolves secrets, runs the step
// (shell command or native plugin), streams masked output, saves cache,
// publishes artifacts, and tears the environment down — spec.md §4.4's
// eight-step sequence. Grounded on the teacher's internal/core.Executor,
// generalized from a single in-process exec.Command call into the pluggable
// Environment/PluginHost/CacheProvider/SecretProvider seams this module
// needs to support four isolation backends and native plugins.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/blockci/enginecore/internal/agentproto"
	"github.com/blockci/enginecore/internal/domain"
	"github.com/blockci/enginecore/internal/ports"
)

// Deps bundles the collaborators Execute needs, resolved once per agent
// process and reused across every dispatched job.
type Deps struct {
	Cache     ports.CacheProvider
	Secrets   ports.SecretProvider
	Plugins   ports.PluginHost
	Artifacts ports.ArtifactStore
	Bus       ports.EventBus
	Runs      ports.RunRepository
}

// Execute runs one dispatched job to completion and returns the terminal
// StepCompletedEvent the scheduler expects, per spec.md §4.4. It never
// returns a Go error for a failed step — a non-zero exit, a timeout, and a
// plugin crash are all encoded in the returned event's FailureReason; the
// error return is reserved for conditions that mean the agent itself could
// not carry out the dispatch (bad environment config, secret resolution
// failure before the step's own logic ever runs).
func Execute(ctx context.Context, deps Deps, workspace string, dispatch agentproto.JobDispatch) (domain.StepCompletedEvent, error) {
	step := dispatch.Descriptor
	var sink *LogSink
	completed := func(success bool, exitCode int, reason domain.FailureReason, outputs map[string]string) domain.StepCompletedEvent {
		var truncated uint64
		if sink != nil {
			truncated = sink.TruncatedLines()
		}
		return domain.StepCompletedEvent{
			RunID:          dispatch.RunID,
			StepID:         dispatch.StepID,
			LeaseSeq:       dispatch.LeaseSeq,
			Success:        success,
			ExitCode:       exitCode,
			FailureReason:  reason,
			Outputs:        outputs,
			TruncatedLines: truncated,
			CompletedAt:    time.Now(),
		}
	}

	if dispatch.Deadline != "" {
		deadline, err := time.Parse(time.RFC3339, dispatch.Deadline)
		if err == nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, deadline)
			defer cancel()
		}
	}

	env, err := NewEnvironment(step.Environment)
	if err != nil {
		return completed(false, -1, domain.FailureEnvPrepare, nil), fmt.Errorf("select environment: %w", err)
	}
	if err := env.Prepare(ctx, step.Environment, workspace); err != nil {
		return completed(false, -1, domain.FailureEnvPrepare, nil), fmt.Errorf("prepare environment: %w", err)
	}
	defer env.Teardown(ctx)

	secretEnv, resolvedSecrets, err := resolveSecrets(ctx, deps.Secrets, secretReferences(step.SecretRefs))
	if err != nil {
		return completed(false, -1, domain.FailureSecretResolve, nil), err
	}
	mask := newMaskSet(resolvedSecrets)
	sink = NewLogSink(deps.Bus, deps.Runs, dispatch.RunID, dispatch.StepID, dispatch.LeaseSeq, mask)

	cacheMissed := false
	if step.CacheDirective != nil && deps.Cache != nil {
		hit, key, matchedKey, err := restoreCache(ctx, deps.Cache, workspace, step.CacheDirective)
		switch {
		case err != nil:
			scanLines(err.Error(), sink.Stderr(ctx))
		case hit:
			_ = deps.Bus.Publish(ctx, domain.CacheHitEvent{RunID: dispatch.RunID, StepID: dispatch.StepID, Key: matchedKey})
		default:
			cacheMissed = true
			_ = deps.Bus.Publish(ctx, domain.CacheMissEvent{RunID: dispatch.RunID, StepID: dispatch.StepID, Key: key})
		}
	}

	combinedEnv := make(map[string]string, len(step.Variables)+len(secretEnv))
	for k, v := range step.Variables {
		combinedEnv[k] = v
	}
	for k, v := range secretEnv {
		combinedEnv[k] = v
	}

	var result Result
	var runErr error
	if step.Plugin != "" {
		result, runErr = runPlugin(ctx, deps.Plugins, step.Plugin, dispatch, combinedEnv)
	} else {
		cmd := Command{Shell: step.Shell, Script: step.Run, WorkingDir: step.WorkingDirectory, Env: combinedEnv}
		result, runErr = env.Run(ctx, cmd)
	}

	scanLines(result.Stdout, sink.Stdout(ctx))
	scanLines(result.Stderr, sink.Stderr(ctx))

	if runErr != nil {
		reason := domain.FailurePluginCrash
		if step.Plugin == "" {
			reason = domain.FailureInfrastructure
		}
		if ctx.Err() == context.DeadlineExceeded {
			reason = domain.FailureTimeout
		}
		return completed(false, result.ExitCode, reason, nil), nil
	}

	if step.CacheDirective != nil && deps.Cache != nil && cacheMissed {
		if key, err := saveCache(ctx, deps.Cache, workspace, step.CacheDirective); err != nil {
			scanLines(err.Error(), sink.Stderr(ctx))
		} else {
			_ = deps.Bus.Publish(ctx, domain.CacheSavedEvent{RunID: dispatch.RunID, StepID: dispatch.StepID, Key: key})
		}
	}

	if len(step.Artifacts) > 0 && deps.Artifacts != nil {
		if err := publishArtifacts(ctx, deps.Artifacts, dispatch.RunID, dispatch.StepID, workspace, step.Artifacts); err != nil {
			return completed(false, result.ExitCode, domain.FailureArtifactUpload, nil), nil
		}
	}

	if result.ExitCode != 0 {
		return completed(false, result.ExitCode, domain.FailureCommandNonZero, nil), nil
	}
	return completed(true, result.ExitCode, domain.FailureNone, parseOutputs(step.Outputs, result.Stdout)), nil
}

func runPlugin(ctx context.Context, host ports.PluginHost, name string, dispatch agentproto.JobDispatch, env map[string]string) (Result, error) {
	if host == nil {
		return Result{ExitCode: -1}, fmt.Errorf("no plugin host configured for plugin %q", name)
	}
	input := make(map[string]string, len(env)+2)
	for k, v := range env {
		input[k] = v
	}
	input["run_id"] = string(dispatch.RunID)
	input["step_id"] = string(dispatch.StepID)

	out, err := host.Call(ctx, name, input)
	if err != nil {
		return Result{ExitCode: -1, Stderr: err.Error()}, err
	}
	return Result{Stdout: out["stdout"], ExitCode: 0}, nil
}

func secretReferences(refs []agentproto.SecretRef) []domain.SecretReference {
	out := make([]domain.SecretReference, 0, len(refs))
	for _, r := range refs {
		out = append(out, domain.SecretReference{Name: r.Name, Provider: r.Provider, Path: r.Path, Version: r.Version, Masked: r.Masked})
	}
	return out
}

// parseOutputs extracts "name=value" lines matching a step's declared output
// keys from its stdout, the same convention the teacher's core.Executor used
// for step-to-step value passing.
func parseOutputs(keys []string, stdout string) map[string]string {
	if len(keys) == 0 {
		return nil
	}
	wanted := make(map[string]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}
	outputs := make(map[string]string)
	scanLines(stdout, func(line string) {
		for i := 0; i < len(line); i++ {
			if line[i] == '=' {
				key, val := line[:i], line[i+1:]
				if wanted[key] {
					outputs[key] = val
				}
				return
			}
		}
	})
	return outputs
}
