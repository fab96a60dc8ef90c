package runner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockci/enginecore/internal/agentproto"
	"github.com/blockci/enginecore/internal/domain"
	"github.com/blockci/enginecore/internal/eventbus"
	"github.com/blockci/enginecore/internal/repository/memory"
	"github.com/blockci/enginecore/internal/runner"
)

func baseDeps() runner.Deps {
	return runner.Deps{
		Bus:  eventbus.New(16),
		Runs: memory.NewRuns(),
	}
}

func TestExecuteHostStepSucceeds(t *testing.T) {
	deps := baseDeps()
	dispatch := agentproto.JobDispatch{
		RunID:    domain.RunID("r1"),
		StepID:   domain.StepID("s1"),
		LeaseSeq: 1,
		Descriptor: agentproto.StepDescriptor{
			Name:    "echo",
			Run:     "echo value=42",
			Outputs: []string{"value"},
		},
	}

	ev, err := runner.Execute(context.Background(), deps, t.TempDir(), dispatch)
	require.NoError(t, err)
	assert.True(t, ev.Success)
	assert.Equal(t, 0, ev.ExitCode)
	assert.Equal(t, domain.FailureNone, ev.FailureReason)
	assert.Equal(t, "42", ev.Outputs["value"])
}

func TestExecuteHostStepNonZeroExit(t *testing.T) {
	deps := baseDeps()
	dispatch := agentproto.JobDispatch{
		RunID:  domain.RunID("r1"),
		StepID: domain.StepID("s1"),
		Descriptor: agentproto.StepDescriptor{
			Name: "fail",
			Run:  "exit 7",
		},
	}

	ev, err := runner.Execute(context.Background(), deps, t.TempDir(), dispatch)
	require.NoError(t, err)
	assert.False(t, ev.Success)
	assert.Equal(t, 7, ev.ExitCode)
	assert.Equal(t, domain.FailureCommandNonZero, ev.FailureReason)
}

func TestExecuteMasksSecretValuesInLogs(t *testing.T) {
	bus := eventbus.New(16)
	deps := runner.Deps{
		Bus:     bus,
		Runs:    memory.NewRuns(),
		Secrets: stubSecretProvider{value: "topsecret"},
	}
	ch, unsub, err := bus.Subscribe(context.Background(), "step.*.*.output")
	require.NoError(t, err)
	defer unsub()

	dispatch := agentproto.JobDispatch{
		RunID:  domain.RunID("r1"),
		StepID: domain.StepID("s1"),
		Descriptor: agentproto.StepDescriptor{
			Name: "print-secret",
			Run:  "echo the key is $API_KEY",
			SecretRefs: []agentproto.SecretRef{
				{Name: "API_KEY", Provider: "env", Path: "API_KEY", Masked: true},
			},
		},
	}

	ev, err := runner.Execute(context.Background(), deps, t.TempDir(), dispatch)
	require.NoError(t, err)
	assert.True(t, ev.Success)

	var lines []string
	draining := true
	for draining {
		select {
		case e := <-ch:
			out, ok := e.(domain.StepOutputEvent)
			require.True(t, ok)
			lines = append(lines, out.Content)
		default:
			draining = false
		}
	}
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.NotContains(t, line, "topsecret")
	}
}

func TestExecuteRespectsDeadline(t *testing.T) {
	deps := baseDeps()
	dispatch := agentproto.JobDispatch{
		RunID:    domain.RunID("r1"),
		StepID:   domain.StepID("s1"),
		Deadline: time.Now().Add(-time.Minute).Format(time.RFC3339),
		Descriptor: agentproto.StepDescriptor{
			Name: "sleep",
			Run:  "sleep 5",
		},
	}

	ev, err := runner.Execute(context.Background(), deps, t.TempDir(), dispatch)
	require.NoError(t, err)
	assert.False(t, ev.Success)
	assert.Equal(t, domain.FailureTimeout, ev.FailureReason)
}

type stubSecretProvider struct{ value string }

func (s stubSecretProvider) Resolve(ctx context.Context, ref domain.SecretReference) (string, error) {
	return s.value, nil
}
