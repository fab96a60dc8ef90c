// Package agentproto implements the scheduler side of the agent protocol
// (spec.md §4.3): registration, heartbeat-driven liveness, and dispatch
// bookkeeping. It sits between the event bus and ports.AgentRepository so
// the scheduler package only ever deals with domain.Agent records that are
// already known-live.
package agentproto

import (
	"context"
	"time"

	"github.com/blockci/enginecore/internal/domain"
	"github.com/blockci/enginecore/internal/logging"
	"github.com/blockci/enginecore/internal/ports"
)

// Registry tracks agent liveness against a stale threshold and persists
// registrations/heartbeats through an AgentRepository.
type Registry struct {
	agents         ports.AgentRepository
	bus            ports.EventBus
	log            *logging.Logger
	staleThreshold time.Duration
}

// New constructs a Registry.
func New(agents ports.AgentRepository, bus ports.EventBus, log *logging.Logger, staleThreshold time.Duration) *Registry {
	return &Registry{agents: agents, bus: bus, log: log, staleThreshold: staleThreshold}
}

// Register handles agent.registered: insert/update the record and mark it
// Idle.
func (r *Registry) Register(ctx context.Context, reg domain.AgentRegistration) (*domain.Agent, error) {
	agent := &domain.Agent{
		ID:                domain.NewAgentID(),
		Name:              reg.Name,
		Labels:            reg.Labels,
		Capabilities:      reg.Capabilities,
		Version:           reg.Version,
		MaxConcurrentJobs: reg.MaxConcurrentJobs,
		Status:            domain.AgentIdle,
		RegisteredAt:      time.Now().UTC(),
		LastHeartbeatAt:   time.Now().UTC(),
	}
	if err := r.agents.Upsert(ctx, agent); err != nil {
		return nil, err
	}
	_ = r.bus.Publish(ctx, domain.AgentRegisteredEvent{AgentID: agent.ID, Name: agent.Name, Labels: agent.Labels})
	r.log.Infof("agent_registered id=%s name=%s labels=%v", agent.ID, agent.Name, agent.Labels)
	return agent, nil
}

// Heartbeat handles agent.heartbeat: refresh LastHeartbeatAt and the
// reported status/metrics. An agent already marked Draining stays Draining
// whatever status it reports (it keeps serving in-flight leases but accepts
// no new ones).
func (r *Registry) Heartbeat(ctx context.Context, agentID domain.AgentID, status domain.AgentStatus, metrics *domain.SystemMetrics) error {
	agent, ok, err := r.agents.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if !ok {
		return nil // unknown agent; drop per spec.md §7 ErrUnknownAgent
	}
	agent.LastHeartbeatAt = time.Now().UTC()
	agent.SystemMetrics = metrics
	if agent.Status != domain.AgentDraining {
		agent.Status = status
	}
	if err := r.agents.Upsert(ctx, agent); err != nil {
		return err
	}
	_ = r.bus.Publish(ctx, domain.AgentHeartbeatEvent{AgentID: agentID, Status: agent.Status, Metrics: metrics, Timestamp: agent.LastHeartbeatAt})
	return nil
}

// Drain marks an agent Draining: no new dispatches, but its in-flight
// leases run to completion.
func (r *Registry) Drain(ctx context.Context, agentID domain.AgentID) error {
	agent, ok, err := r.agents.Get(ctx, agentID)
	if err != nil || !ok {
		return err
	}
	agent.Status = domain.AgentDraining
	return r.agents.Upsert(ctx, agent)
}

// SweepStale marks every agent whose last heartbeat is older than
// staleThreshold Offline, and returns their IDs so the scheduler can revoke
// their outstanding leases.
func (r *Registry) SweepStale(ctx context.Context) ([]domain.AgentID, error) {
	agents, err := r.agents.List(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var stale []domain.AgentID
	for _, agent := range agents {
		if agent.Status == domain.AgentOffline {
			continue
		}
		if now.Sub(agent.LastHeartbeatAt) > r.staleThreshold {
			agent.Status = domain.AgentOffline
			_ = r.agents.Upsert(ctx, agent)
			_ = r.bus.Publish(ctx, domain.AgentDeregisteredEvent{AgentID: agent.ID, Reason: "heartbeat_stale"})
			stale = append(stale, agent.ID)
			r.log.Warnf("agent_stale id=%s last_heartbeat=%s", agent.ID, agent.LastHeartbeatAt)
		}
	}
	return stale, nil
}

// Deregister removes an agent's record entirely (used after a clean
// drain-then-disconnect).
func (r *Registry) Deregister(ctx context.Context, agentID domain.AgentID) error {
	if err := r.agents.Remove(ctx, agentID); err != nil {
		return err
	}
	_ = r.bus.Publish(ctx, domain.AgentDeregisteredEvent{AgentID: agentID, Reason: "deregistered"})
	return nil
}
