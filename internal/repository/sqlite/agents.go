package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/blockci/enginecore/internal/domain"
)

// Agents implements ports.AgentRepository over the shared DB handle.
type Agents struct {
	db *DB
}

func NewAgents(db *DB) *Agents { return &Agents{db: db} }

func (a *Agents) Upsert(ctx context.Context, agent *domain.Agent) error {
	labelsJSON, err := json.Marshal(agent.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	capsJSON, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	var metricsJSON []byte
	if agent.SystemMetrics != nil {
		metricsJSON, err = json.Marshal(agent.SystemMetrics)
		if err != nil {
			return fmt.Errorf("marshal metrics: %w", err)
		}
	}

	_, err = a.db.conn.ExecContext(ctx,
		`INSERT INTO agents (id, name, labels_json, capabilities_json, version, max_concurrent_jobs, assigned_jobs, status, metrics_json, registered_at, last_heartbeat_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			labels_json = excluded.labels_json,
			capabilities_json = excluded.capabilities_json,
			version = excluded.version,
			max_concurrent_jobs = excluded.max_concurrent_jobs,
			assigned_jobs = excluded.assigned_jobs,
			status = excluded.status,
			metrics_json = excluded.metrics_json,
			last_heartbeat_at = excluded.last_heartbeat_at`,
		string(agent.ID), agent.Name, string(labelsJSON), string(capsJSON), agent.Version, agent.MaxConcurrentJobs,
		agent.AssignedJobs, string(agent.Status), nullableJSON(metricsJSON), agent.RegisteredAt, agent.LastHeartbeatAt,
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (a *Agents) Get(ctx context.Context, id domain.AgentID) (*domain.Agent, bool, error) {
	row := a.db.conn.QueryRowContext(ctx,
		`SELECT id, name, labels_json, capabilities_json, version, max_concurrent_jobs, assigned_jobs, status, metrics_json, registered_at, last_heartbeat_at
		 FROM agents WHERE id = ?`, string(id))
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query agent: %w", err)
	}
	return agent, true, nil
}

func (a *Agents) List(ctx context.Context) ([]*domain.Agent, error) {
	rows, err := a.db.conn.QueryContext(ctx,
		`SELECT id, name, labels_json, capabilities_json, version, max_concurrent_jobs, assigned_jobs, status, metrics_json, registered_at, last_heartbeat_at FROM agents`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

func (a *Agents) ListIdle(ctx context.Context, labels []string) ([]*domain.Agent, error) {
	rows, err := a.db.conn.QueryContext(ctx,
		`SELECT id, name, labels_json, capabilities_json, version, max_concurrent_jobs, assigned_jobs, status, metrics_json, registered_at, last_heartbeat_at
		 FROM agents WHERE status = ?`, string(domain.AgentIdle))
	if err != nil {
		return nil, fmt.Errorf("query idle agents: %w", err)
	}
	defer rows.Close()
	all, err := scanAgents(rows)
	if err != nil {
		return nil, err
	}

	idle := make([]*domain.Agent, 0, len(all))
	for _, ag := range all {
		if ag.AvailableSlots() > 0 && ag.HasLabels(labels) {
			idle = append(idle, ag)
		}
	}
	return idle, nil
}

func (a *Agents) Remove(ctx context.Context, id domain.AgentID) error {
	_, err := a.db.conn.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, string(id))
	return err
}

func scanAgents(rows *sql.Rows) ([]*domain.Agent, error) {
	var agents []*domain.Agent
	for rows.Next() {
		agent, err := scanAgentRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*domain.Agent, error)      { return scanAgentRows(row) }
func scanAgentRows(row rowScanner) (*domain.Agent, error) {
	var id, name, labelsJSON, capsJSON, version, status string
	var maxJobs, assignedJobs int
	var metricsJSON sql.NullString
	var registeredAt, heartbeatAt sql.NullTime

	if err := row.Scan(&id, &name, &labelsJSON, &capsJSON, &version, &maxJobs, &assignedJobs, &status, &metricsJSON, &registeredAt, &heartbeatAt); err != nil {
		return nil, err
	}

	agent := &domain.Agent{
		ID:                domain.AgentID(id),
		Name:              name,
		Version:           version,
		MaxConcurrentJobs: maxJobs,
		AssignedJobs:      assignedJobs,
		Status:            domain.AgentStatus(status),
		RegisteredAt:      registeredAt.Time,
		LastHeartbeatAt:   heartbeatAt.Time,
	}
	if err := json.Unmarshal([]byte(labelsJSON), &agent.Labels); err != nil {
		return nil, fmt.Errorf("unmarshal labels: %w", err)
	}
	if err := json.Unmarshal([]byte(capsJSON), &agent.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if metricsJSON.Valid {
		var m domain.SystemMetrics
		if err := json.Unmarshal([]byte(metricsJSON.String), &m); err != nil {
			return nil, fmt.Errorf("unmarshal metrics: %w", err)
		}
		agent.SystemMetrics = &m
	}
	return agent, nil
}
