package agentproto_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockci/enginecore/internal/agentproto"
	"github.com/blockci/enginecore/internal/domain"
)

func TestRemoteBusPublishForwardsStepOutputOnly(t *testing.T) {
	var gotPath string
	var gotBody domain.StepOutputEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bus := &agentproto.RemoteBus{HTTP: srv.Client(), BaseURL: srv.URL, AgentID: domain.AgentID("agent-1")}

	out := domain.StepOutputEvent{RunID: domain.RunID("r1"), StepID: domain.StepID("s1"), Content: "building..."}
	require.NoError(t, bus.Publish(context.Background(), out))
	assert.Equal(t, "/agents/agent-1/jobs/output", gotPath)
	assert.Equal(t, "building...", gotBody.Content)

	gotPath = ""
	require.NoError(t, bus.Publish(context.Background(), domain.RunQueuedEvent{RunID: domain.RunID("r1")}))
	assert.Empty(t, gotPath, "non-StepOutputEvent types must not be forwarded")
}

func TestRemoteRunRepositoryAppendStepLogIsNoop(t *testing.T) {
	var repo agentproto.RemoteRunRepository
	assert.NoError(t, repo.AppendStepLog(context.Background(), domain.StepID("s1"), "a line"))
}

func TestRemoteRunRepositoryOtherMethodsError(t *testing.T) {
	var repo agentproto.RemoteRunRepository
	_, _, err := repo.GetRun(context.Background(), domain.RunID("r1"))
	assert.Error(t, err)
	err = repo.CreateRun(context.Background(), &domain.Run{})
	assert.Error(t, err)
}

func TestFetchNextJobNoContentMeansNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dispatch, ok, err := agentproto.FetchNextJob(context.Background(), srv.Client(), srv.URL, domain.AgentID("agent-1"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, dispatch)
}

func TestFetchNextJobDecodesDispatch(t *testing.T) {
	want := agentproto.BuildJobDispatch(domain.RunID("r1"), 3, domain.PlanStep{ID: domain.StepID("s1"), Name: "compile", Run: "make build"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(want))
	}))
	defer srv.Close()

	got, ok, err := agentproto.FetchNextJob(context.Background(), srv.Client(), srv.URL, domain.AgentID("agent-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.StepID, got.StepID)
	assert.Equal(t, want.LeaseSeq, got.LeaseSeq)
	assert.Equal(t, "compile", got.Descriptor.Name)
}

func TestRegisterReturnsAssignedAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reg domain.AgentRegistration
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reg))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(domain.Agent{ID: domain.NewAgentID(), Name: reg.Name, Status: domain.AgentIdle})
	}))
	defer srv.Close()

	agent, err := agentproto.Register(context.Background(), srv.Client(), srv.URL, domain.AgentRegistration{Name: "runner-1"})
	require.NoError(t, err)
	assert.Equal(t, "runner-1", agent.Name)
	assert.Equal(t, domain.AgentIdle, agent.Status)
}

func TestBuildJobDispatchCarriesSecretRefsWithoutValues(t *testing.T) {
	step := domain.PlanStep{
		ID:   domain.StepID("s1"),
		Name: "deploy",
		Secrets: []domain.SecretReference{
			{Name: "api-key", Provider: "age", Path: "secrets/api.age", Masked: true},
		},
	}
	dispatch := agentproto.BuildJobDispatch(domain.RunID("r1"), 1, step)
	require.Len(t, dispatch.Descriptor.SecretRefs, 1)
	assert.Equal(t, "api-key", dispatch.Descriptor.SecretRefs[0].Name)
	assert.True(t, dispatch.Descriptor.SecretRefs[0].Masked)
}
