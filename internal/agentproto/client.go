package agentproto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/blockci/enginecore/internal/domain"
	"github.com/blockci/enginecore/internal/ports"
)

// RemoteBus is the agent process's ports.EventBus: the only event it ever
// publishes from inside runner.Execute is a StepOutputEvent (via LogSink),
// which it forwards to the server's job-output endpoint. Subscribe is never
// called from the runner's own flow — the agent's job-dispatch long-poll
// goes through a plain HTTP GET, not this bus — so it is a harmless stub.
type RemoteBus struct {
	HTTP    *http.Client
	BaseURL string
	AgentID domain.AgentID
}

func (b *RemoteBus) Publish(ctx context.Context, event domain.Event) error {
	out, ok := event.(domain.StepOutputEvent)
	if !ok {
		return nil
	}
	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	url := fmt.Sprintf("%s/agents/%s/jobs/output", b.BaseURL, b.AgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("post step output: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (b *RemoteBus) Subscribe(ctx context.Context, pattern string) (<-chan domain.Event, func(), error) {
	ch := make(chan domain.Event)
	close(ch)
	return ch, func() {}, nil
}

// RemoteRunRepository satisfies ports.RunRepository for runner.Deps without
// a local database handle. LogSink calls AppendStepLog on every line, but
// RemoteBus.Publish already ships that same line to the server as a
// StepOutputEvent, which the server persists there — so AppendStepLog here
// is a deliberate no-op rather than a second network round trip per line.
// Every other method is unreachable from the runner's execution path and
// exists only to satisfy the interface.
type RemoteRunRepository struct{}

func (RemoteRunRepository) CreateRun(ctx context.Context, run *domain.Run) error {
	return fmt.Errorf("agentproto: CreateRun not available from agent process")
}

func (RemoteRunRepository) GetRun(ctx context.Context, id domain.RunID) (*domain.Run, bool, error) {
	return nil, false, fmt.Errorf("agentproto: GetRun not available from agent process")
}

func (RemoteRunRepository) UpdateRunStatus(ctx context.Context, id domain.RunID, status domain.RunStatus) error {
	return fmt.Errorf("agentproto: UpdateRunStatus not available from agent process")
}

func (RemoteRunRepository) MarkRunStarted(ctx context.Context, id domain.RunID, startedAt time.Time) error {
	return fmt.Errorf("agentproto: MarkRunStarted not available from agent process")
}

func (RemoteRunRepository) NextRunNumber(ctx context.Context, pipelineID domain.PipelineID) (uint64, error) {
	return 0, fmt.Errorf("agentproto: NextRunNumber not available from agent process")
}

func (RemoteRunRepository) InsertStage(ctx context.Context, runID domain.RunID, stage *domain.Stage) error {
	return fmt.Errorf("agentproto: InsertStage not available from agent process")
}

func (RemoteRunRepository) UpdateStageStatus(ctx context.Context, runID domain.RunID, stageID domain.StageID, status domain.StageStatus) error {
	return fmt.Errorf("agentproto: UpdateStageStatus not available from agent process")
}

func (RemoteRunRepository) InsertStep(ctx context.Context, stageID domain.StageID, step *domain.Step) error {
	return fmt.Errorf("agentproto: InsertStep not available from agent process")
}

func (RemoteRunRepository) UpdateStepStatus(ctx context.Context, stepID domain.StepID, status domain.StepStatus, reason domain.FailureReason) error {
	return fmt.Errorf("agentproto: UpdateStepStatus not available from agent process")
}

func (RemoteRunRepository) AppendStepLog(ctx context.Context, stepID domain.StepID, line string) error {
	return nil
}

func (RemoteRunRepository) LoadActiveRuns(ctx context.Context) ([]*domain.Run, error) {
	return nil, fmt.Errorf("agentproto: LoadActiveRuns not available from agent process")
}

var _ ports.EventBus = (*RemoteBus)(nil)
var _ ports.RunRepository = RemoteRunRepository{}

// FetchNextJob long-polls the server for the next dispatched job, returning
// (nil, false, nil) when the poll window elapses with nothing to run.
func FetchNextJob(ctx context.Context, client *http.Client, baseURL string, agentID domain.AgentID) (*JobDispatch, bool, error) {
	url := fmt.Sprintf("%s/agents/%s/jobs/next", baseURL, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("poll jobs/next: unexpected status %d", resp.StatusCode)
	}
	var dispatch JobDispatch
	if err := json.NewDecoder(resp.Body).Decode(&dispatch); err != nil {
		return nil, false, fmt.Errorf("decode job dispatch: %w", err)
	}
	return &dispatch, true, nil
}

// AcceptJob acknowledges a dispatched job so the scheduler stops tracking
// it as unaccepted.
func AcceptJob(ctx context.Context, client *http.Client, baseURL string, agentID domain.AgentID, dispatch JobDispatch) error {
	body, _ := json.Marshal(map[string]any{
		"run_id": dispatch.RunID, "step_id": dispatch.StepID, "lease_seq": dispatch.LeaseSeq,
	})
	url := fmt.Sprintf("%s/agents/%s/jobs/accept", baseURL, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// ReportResult posts a step's terminal outcome back to the server.
func ReportResult(ctx context.Context, client *http.Client, baseURL string, agentID domain.AgentID, result domain.StepCompletedEvent) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/agents/%s/jobs/result", baseURL, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Register submits this agent's registration and returns its assigned ID.
func Register(ctx context.Context, client *http.Client, baseURL string, reg domain.AgentRegistration) (*domain.Agent, error) {
	body, err := json.Marshal(reg)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/agents/register", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("register agent: unexpected status %d", resp.StatusCode)
	}
	var agent domain.Agent
	if err := json.NewDecoder(resp.Body).Decode(&agent); err != nil {
		return nil, fmt.Errorf("decode registered agent: %w", err)
	}
	return &agent, nil
}

// Heartbeat reports this agent's liveness and system metrics.
func Heartbeat(ctx context.Context, client *http.Client, baseURL string, agentID domain.AgentID, status domain.AgentStatus, metrics domain.SystemMetrics) error {
	body, err := json.Marshal(map[string]any{"status": status, "metrics": metrics})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/agents/%s/heartbeat", baseURL, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// DefaultHTTPClient is a conservative client for the agent's long-poll and
// reporting calls: long enough to outlast a 25s server-side poll window.
func DefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 35 * time.Second}
}
