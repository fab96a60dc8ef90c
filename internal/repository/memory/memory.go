// Package memory implements every internal/ports repository interface
// in-process, guarded by a plain sync.RWMutex per store — grounded on the
// teacher's internal/core in-memory job/pipeline maps, generalized to the
// full Run/Stage/Step tree and matched one-for-one against ports.go so the
// sqlite-backed implementation in internal/repository/sqlite can be dropped
// in without touching callers. Used by the tests of the packages that need
// a repository; cmd/server always opens the sqlite backend.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blockci/enginecore/internal/domain"
)

// Pipelines is an in-memory PipelineRepository.
type Pipelines struct {
	mu    sync.RWMutex
	defs  map[domain.PipelineID]*domain.PipelineDefinition
	order []domain.PipelineID
}

func NewPipelines() *Pipelines {
	return &Pipelines{defs: make(map[domain.PipelineID]*domain.PipelineDefinition)}
}

func (p *Pipelines) Create(ctx context.Context, def *domain.PipelineDefinition) (domain.PipelineID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := domain.NewPipelineID()
	cp := *def
	p.defs[id] = &cp
	p.order = append(p.order, id)
	return id, nil
}

func (p *Pipelines) Get(ctx context.Context, id domain.PipelineID) (*domain.PipelineDefinition, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	def, ok := p.defs[id]
	return def, ok, nil
}

func (p *Pipelines) List(ctx context.Context, limit, offset int) ([]domain.PipelineID, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if offset >= len(p.order) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(p.order) {
		end = len(p.order)
	}
	out := make([]domain.PipelineID, end-offset)
	copy(out, p.order[offset:end])
	return out, nil
}

// Runs is an in-memory RunRepository. Stage and step lookups are indexed by
// ID so Update*Status doesn't need to walk the whole run tree.
type Runs struct {
	mu        sync.RWMutex
	runs      map[domain.RunID]*domain.Run
	stages    map[domain.StageID]*domain.Stage
	steps     map[domain.StepID]*domain.Step
	stepOwner map[domain.StepID]domain.RunID
	runNumber map[domain.PipelineID]uint64
	logs      map[domain.StepID][]string
}

func NewRuns() *Runs {
	return &Runs{
		runs:      make(map[domain.RunID]*domain.Run),
		stages:    make(map[domain.StageID]*domain.Stage),
		steps:     make(map[domain.StepID]*domain.Step),
		stepOwner: make(map[domain.StepID]domain.RunID),
		runNumber: make(map[domain.PipelineID]uint64),
		logs:      make(map[domain.StepID][]string),
	}
}

func (r *Runs) CreateRun(ctx context.Context, run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
	return nil
}

func (r *Runs) GetRun(ctx context.Context, id domain.RunID) (*domain.Run, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	return run, ok, nil
}

func (r *Runs) UpdateRunStatus(ctx context.Context, id domain.RunID, status domain.RunStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	run.Status = status
	return nil
}

func (r *Runs) MarkRunStarted(ctx context.Context, id domain.RunID, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	run.StartedAt = &startedAt
	return nil
}

func (r *Runs) NextRunNumber(ctx context.Context, pipelineID domain.PipelineID) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runNumber[pipelineID]++
	return r.runNumber[pipelineID], nil
}

func (r *Runs) InsertStage(ctx context.Context, runID domain.RunID, stage *domain.Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[stage.ID] = stage
	return nil
}

func (r *Runs) UpdateStageStatus(ctx context.Context, runID domain.RunID, stageID domain.StageID, status domain.StageStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stage, ok := r.stages[stageID]
	if !ok {
		return fmt.Errorf("stage %s not found", stageID)
	}
	stage.Status = status
	return nil
}

func (r *Runs) InsertStep(ctx context.Context, stageID domain.StageID, step *domain.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[step.ID] = step
	stage, ok := r.stages[stageID]
	if ok {
		r.stepOwner[step.ID] = stage.RunID
	}
	return nil
}

func (r *Runs) UpdateStepStatus(ctx context.Context, stepID domain.StepID, status domain.StepStatus, reason domain.FailureReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.steps[stepID]
	if !ok {
		return fmt.Errorf("step %s not found", stepID)
	}
	step.Status = status
	step.FailureReason = reason
	return nil
}

func (r *Runs) AppendStepLog(ctx context.Context, stepID domain.StepID, line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	const maxBuffered = 10000
	buf := r.logs[stepID]
	if len(buf) >= maxBuffered {
		buf = buf[1:]
	}
	r.logs[stepID] = append(buf, line)
	return nil
}

// LoadActiveRuns returns every run not yet in an absorbing state, used on
// scheduler restart to rebuild in-memory dispatch state.
func (r *Runs) LoadActiveRuns(ctx context.Context) ([]*domain.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Run
	for _, run := range r.runs {
		if !run.Status.IsTerminal() {
			out = append(out, run)
		}
	}
	return out, nil
}

// Agents is an in-memory AgentRepository.
type Agents struct {
	mu     sync.RWMutex
	agents map[domain.AgentID]*domain.Agent
}

func NewAgents() *Agents {
	return &Agents{agents: make(map[domain.AgentID]*domain.Agent)}
}

func (a *Agents) Upsert(ctx context.Context, agent *domain.Agent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agents[agent.ID] = agent
	return nil
}

func (a *Agents) Get(ctx context.Context, id domain.AgentID) (*domain.Agent, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	agent, ok := a.agents[id]
	return agent, ok, nil
}

func (a *Agents) List(ctx context.Context) ([]*domain.Agent, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*domain.Agent, 0, len(a.agents))
	for _, agent := range a.agents {
		out = append(out, agent)
	}
	return out, nil
}

func (a *Agents) ListIdle(ctx context.Context, labels []string) ([]*domain.Agent, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []*domain.Agent
	for _, agent := range a.agents {
		if !agent.Status.IsDispatchTarget() {
			continue
		}
		if agent.AvailableSlots() <= 0 {
			continue
		}
		if !agent.HasLabels(labels) {
			continue
		}
		out = append(out, agent)
	}
	return out, nil
}

func (a *Agents) Remove(ctx context.Context, id domain.AgentID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.agents, id)
	return nil
}

// Leases is an in-memory LeaseRepository. Sequence numbers are tracked per
// step so a reassignment always issues a strictly higher sequence than any
// prior lease for that step, even after a revoke.
type Leases struct {
	mu       sync.Mutex
	bySteps  map[domain.StepID]*domain.Lease
	sequence map[domain.StepID]uint64
}

func NewLeases() *Leases {
	return &Leases{bySteps: make(map[domain.StepID]*domain.Lease), sequence: make(map[domain.StepID]uint64)}
}

func (l *Leases) Insert(ctx context.Context, lease *domain.Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bySteps[lease.StepID] = lease
	l.sequence[lease.StepID] = lease.Sequence
	return nil
}

func (l *Leases) Revoke(ctx context.Context, stepID domain.StepID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.bySteps, stepID)
	return nil
}

func (l *Leases) CurrentSequence(ctx context.Context, stepID domain.StepID) (uint64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq, ok := l.sequence[stepID]
	return seq, ok, nil
}
