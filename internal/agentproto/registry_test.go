package agentproto_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockci/enginecore/internal/agentproto"
	"github.com/blockci/enginecore/internal/domain"
	"github.com/blockci/enginecore/internal/eventbus"
	"github.com/blockci/enginecore/internal/logging"
	"github.com/blockci/enginecore/internal/repository/memory"
)

func TestRegisterMarksAgentIdle(t *testing.T) {
	agents := memory.NewAgents()
	bus := eventbus.New(16)
	reg := agentproto.New(agents, bus, logging.New("test", logging.Error), time.Minute)

	agent, err := reg.Register(context.Background(), domain.AgentRegistration{Name: "runner-1", MaxConcurrentJobs: 2})
	require.NoError(t, err)
	assert.Equal(t, domain.AgentIdle, agent.Status)

	stored, ok, err := agents.Get(context.Background(), agent.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "runner-1", stored.Name)
}

func TestHeartbeatUpdatesStatusButNotWhileDraining(t *testing.T) {
	agents := memory.NewAgents()
	bus := eventbus.New(16)
	reg := agentproto.New(agents, bus, logging.New("test", logging.Error), time.Minute)

	agent, err := reg.Register(context.Background(), domain.AgentRegistration{Name: "runner-1"})
	require.NoError(t, err)

	require.NoError(t, reg.Drain(context.Background(), agent.ID))
	require.NoError(t, reg.Heartbeat(context.Background(), agent.ID, domain.AgentIdle, nil))

	stored, _, _ := agents.Get(context.Background(), agent.ID)
	assert.Equal(t, domain.AgentDraining, stored.Status, "draining status must not be overwritten by a self-reported heartbeat")
}

func TestSweepStaleMarksOfflineAfterThreshold(t *testing.T) {
	agents := memory.NewAgents()
	bus := eventbus.New(16)
	reg := agentproto.New(agents, bus, logging.New("test", logging.Error), 10*time.Millisecond)

	agent, err := reg.Register(context.Background(), domain.AgentRegistration{Name: "runner-1"})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	stale, err := reg.SweepStale(context.Background())
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, agent.ID, stale[0])

	stored, _, _ := agents.Get(context.Background(), agent.ID)
	assert.Equal(t, domain.AgentOffline, stored.Status)
}

func TestDeregisterRemovesAgent(t *testing.T) {
	agents := memory.NewAgents()
	bus := eventbus.New(16)
	reg := agentproto.New(agents, bus, logging.New("test", logging.Error), time.Minute)

	agent, err := reg.Register(context.Background(), domain.AgentRegistration{Name: "runner-1"})
	require.NoError(t, err)

	require.NoError(t, reg.Deregister(context.Background(), agent.ID))
	_, ok, err := agents.Get(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
