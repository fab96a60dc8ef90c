package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blockci/enginecore/internal/domain"
)

// Runs implements ports.RunRepository over the shared DB handle, the
// sqlite-backed counterpart to internal/repository/memory.Runs.
type Runs struct {
	db *DB
}

func NewRuns(db *DB) *Runs { return &Runs{db: db} }

func (r *Runs) CreateRun(ctx context.Context, run *domain.Run) error {
	triggerJSON, err := json.Marshal(run.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	varsJSON, err := json.Marshal(run.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	var cancelJSON []byte
	if run.CancelReason != nil {
		cancelJSON, err = json.Marshal(run.CancelReason)
		if err != nil {
			return fmt.Errorf("marshal cancel reason: %w", err)
		}
	}

	_, err = r.db.conn.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline_id, pipeline_name, run_number, plan_id, status, trigger_json, variables_json, cancel_reason_json, timeout_min, queued_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(run.ID), string(run.PipelineID), run.PipelineName, run.RunNumber, string(run.PlanID), string(run.Status),
		string(triggerJSON), string(varsJSON), nullableJSON(cancelJSON), run.TimeoutMin, run.QueuedAt, run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, stage := range run.Stages {
		if err := r.InsertStage(ctx, run.ID, stage); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runs) GetRun(ctx context.Context, id domain.RunID) (*domain.Run, bool, error) {
	row := r.db.conn.QueryRowContext(ctx,
		`SELECT pipeline_id, pipeline_name, run_number, plan_id, status, trigger_json, variables_json, cancel_reason_json, timeout_min, queued_at, started_at, completed_at
		 FROM runs WHERE id = ?`, string(id))

	run, err := scanRun(row, id)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query run: %w", err)
	}

	stages, err := r.loadStages(ctx, id)
	if err != nil {
		return nil, false, err
	}
	run.Stages = stages
	return run, true, nil
}

func scanRun(row *sql.Row, id domain.RunID) (*domain.Run, error) {
	var pipelineID, pipelineName, planID, status, triggerJSON, varsJSON string
	var cancelJSON sql.NullString
	var queuedAt sql.NullTime
	var startedAt, completedAt sql.NullTime
	var runNumber uint64
	var timeoutMin int

	err := row.Scan(&pipelineID, &pipelineName, &runNumber, &planID, &status, &triggerJSON, &varsJSON, &cancelJSON, &timeoutMin, &queuedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	run := &domain.Run{
		ID:           id,
		PipelineID:   domain.PipelineID(pipelineID),
		PipelineName: pipelineName,
		RunNumber:    runNumber,
		PlanID:       domain.PlanID(planID),
		Status:       domain.RunStatus(status),
		TimeoutMin:   timeoutMin,
		QueuedAt:     queuedAt.Time,
	}
	if err := json.Unmarshal([]byte(triggerJSON), &run.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if err := json.Unmarshal([]byte(varsJSON), &run.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}
	if cancelJSON.Valid {
		var cr domain.CancelReason
		if err := json.Unmarshal([]byte(cancelJSON.String), &cr); err != nil {
			return nil, fmt.Errorf("unmarshal cancel reason: %w", err)
		}
		run.CancelReason = &cr
	}
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return run, nil
}

func (r *Runs) UpdateRunStatus(ctx context.Context, id domain.RunID, status domain.RunStatus) error {
	_, err := r.db.conn.ExecContext(ctx, `UPDATE runs SET status = ? WHERE id = ?`, string(status), string(id))
	return err
}

func (r *Runs) MarkRunStarted(ctx context.Context, id domain.RunID, startedAt time.Time) error {
	_, err := r.db.conn.ExecContext(ctx, `UPDATE runs SET started_at = ? WHERE id = ?`, startedAt, string(id))
	return err
}

func (r *Runs) NextRunNumber(ctx context.Context, pipelineID domain.PipelineID) (uint64, error) {
	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var next uint64
	err = tx.QueryRowContext(ctx, `SELECT next_number FROM run_counters WHERE pipeline_id = ?`, string(pipelineID)).Scan(&next)
	if err == sql.ErrNoRows {
		next = 1
		_, err = tx.ExecContext(ctx, `INSERT INTO run_counters (pipeline_id, next_number) VALUES (?, ?)`, string(pipelineID), next+1)
	} else if err == nil {
		_, err = tx.ExecContext(ctx, `UPDATE run_counters SET next_number = ? WHERE pipeline_id = ?`, next+1, string(pipelineID))
	}
	if err != nil {
		return 0, fmt.Errorf("advance run counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (r *Runs) InsertStage(ctx context.Context, runID domain.RunID, stage *domain.Stage) error {
	dependsJSON, err := json.Marshal(stage.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}
	var conditionJSON, matrixJSON []byte
	if stage.Condition != nil {
		conditionJSON, err = json.Marshal(stage.Condition)
		if err != nil {
			return fmt.Errorf("marshal stage condition: %w", err)
		}
	}
	if stage.MatrixMeta != nil {
		matrixJSON, err = json.Marshal(stage.MatrixMeta)
		if err != nil {
			return fmt.Errorf("marshal stage matrix meta: %w", err)
		}
	}
	_, err = r.db.conn.ExecContext(ctx,
		`INSERT INTO stages (id, run_id, idx, name, status, depends_on_json, condition_json, matrix_meta_json, started_at, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(stage.ID), string(runID), stage.Index, stage.Name, string(stage.Status), string(dependsJSON),
		nullableJSON(conditionJSON), nullableJSON(matrixJSON), stage.StartedAt, stage.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert stage: %w", err)
	}
	for _, step := range stage.Steps {
		if err := r.InsertStep(ctx, stage.ID, step); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runs) UpdateStageStatus(ctx context.Context, runID domain.RunID, stageID domain.StageID, status domain.StageStatus) error {
	_, err := r.db.conn.ExecContext(ctx, `UPDATE stages SET status = ? WHERE id = ? AND run_id = ?`, string(status), string(stageID), string(runID))
	return err
}

func (r *Runs) InsertStep(ctx context.Context, stageID domain.StageID, step *domain.Step) error {
	planJSON, err := json.Marshal(step.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan step: %w", err)
	}
	var outputsJSON []byte
	if step.Outputs != nil {
		outputsJSON, err = json.Marshal(step.Outputs)
		if err != nil {
			return fmt.Errorf("marshal outputs: %w", err)
		}
	}
	_, err = r.db.conn.ExecContext(ctx,
		`INSERT INTO steps (id, stage_id, idx, name, status, failure_reason, exit_code, plan_json, current_lease_seq, assigned_agent_id, outputs_json, truncated_lines, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(step.ID), string(stageID), step.Index, step.Name, string(step.Status), string(step.FailureReason),
		nullableInt(step.ExitCode), string(planJSON), step.CurrentLeaseSeq, nullableString(string(step.AssignedAgentID)),
		nullableJSON(outputsJSON), step.TruncatedLines, step.StartedAt, step.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

func (r *Runs) UpdateStepStatus(ctx context.Context, stepID domain.StepID, status domain.StepStatus, reason domain.FailureReason) error {
	_, err := r.db.conn.ExecContext(ctx,
		`UPDATE steps SET status = ?, failure_reason = ? WHERE id = ?`, string(status), string(reason), string(stepID))
	return err
}

// maxStepLogLines bounds how many log rows one step retains in step_logs.
// Once a step's output passes this, the oldest row is dropped for every new
// one inserted, so a stuck or chatty process can't grow the table forever.
const maxStepLogLines = 10000

func (r *Runs) AppendStepLog(ctx context.Context, stepID domain.StepID, line string) error {
	var seq int64
	err := r.db.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM step_logs WHERE step_id = ?`, string(stepID)).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next log seq: %w", err)
	}
	if _, err := r.db.conn.ExecContext(ctx, `INSERT INTO step_logs (step_id, seq, line) VALUES (?, ?, ?)`, string(stepID), seq, line); err != nil {
		return err
	}
	_, err = r.db.conn.ExecContext(ctx,
		`DELETE FROM step_logs WHERE step_id = ? AND seq <= ? - ?`, string(stepID), seq, maxStepLogLines)
	return err
}

func (r *Runs) LoadActiveRuns(ctx context.Context) ([]*domain.Run, error) {
	rows, err := r.db.conn.QueryContext(ctx, `SELECT id FROM runs WHERE status NOT IN (?, ?, ?, ?)`,
		string(domain.RunSuccess), string(domain.RunFailure), string(domain.RunCancelled), string(domain.RunTimeout))
	if err != nil {
		return nil, fmt.Errorf("query active runs: %w", err)
	}
	var ids []domain.RunID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, domain.RunID(id))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runs := make([]*domain.Run, 0, len(ids))
	for _, id := range ids {
		run, ok, err := r.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			runs = append(runs, run)
		}
	}
	return runs, nil
}

func (r *Runs) loadStages(ctx context.Context, runID domain.RunID) ([]*domain.Stage, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT id, idx, name, status, depends_on_json, condition_json, matrix_meta_json, started_at, completed_at FROM stages WHERE run_id = ? ORDER BY idx`, string(runID))
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	defer rows.Close()

	var stages []*domain.Stage
	for rows.Next() {
		var id, name, status, dependsJSON string
		var conditionJSON, matrixJSON sql.NullString
		var idx int
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&id, &idx, &name, &status, &dependsJSON, &conditionJSON, &matrixJSON, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		stage := &domain.Stage{
			ID:     domain.StageID(id),
			RunID:  runID,
			Index:  idx,
			Name:   name,
			Status: domain.StageStatus(status),
		}
		if err := json.Unmarshal([]byte(dependsJSON), &stage.DependsOn); err != nil {
			return nil, fmt.Errorf("unmarshal depends_on: %w", err)
		}
		if conditionJSON.Valid {
			var cond domain.ConditionExpression
			if err := json.Unmarshal([]byte(conditionJSON.String), &cond); err != nil {
				return nil, fmt.Errorf("unmarshal stage condition: %w", err)
			}
			stage.Condition = &cond
		}
		if matrixJSON.Valid {
			var meta domain.MatrixMeta
			if err := json.Unmarshal([]byte(matrixJSON.String), &meta); err != nil {
				return nil, fmt.Errorf("unmarshal stage matrix meta: %w", err)
			}
			stage.MatrixMeta = &meta
		}
		if startedAt.Valid {
			t := startedAt.Time
			stage.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			stage.CompletedAt = &t
		}
		steps, err := r.loadSteps(ctx, stage.ID)
		if err != nil {
			return nil, err
		}
		stage.Steps = steps
		stages = append(stages, stage)
	}
	return stages, rows.Err()
}

func (r *Runs) loadSteps(ctx context.Context, stageID domain.StageID) ([]*domain.Step, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT id, idx, name, status, failure_reason, exit_code, plan_json, current_lease_seq, assigned_agent_id, outputs_json, truncated_lines, started_at, completed_at
		 FROM steps WHERE stage_id = ? ORDER BY idx`, string(stageID))
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []*domain.Step
	for rows.Next() {
		var id, name, status, reason, planJSON string
		var idx int
		var exitCode sql.NullInt64
		var leaseSeq uint64
		var agentID, outputsJSON sql.NullString
		var truncated uint64
		var startedAt, completedAt sql.NullTime

		if err := rows.Scan(&id, &idx, &name, &status, &reason, &exitCode, &planJSON, &leaseSeq, &agentID, &outputsJSON, &truncated, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step := &domain.Step{
			ID:              domain.StepID(id),
			StageID:         stageID,
			Index:           idx,
			Name:            name,
			Status:          domain.StepStatus(status),
			FailureReason:   domain.FailureReason(reason),
			CurrentLeaseSeq: leaseSeq,
			TruncatedLines:  truncated,
		}
		if exitCode.Valid {
			v := int(exitCode.Int64)
			step.ExitCode = &v
		}
		if agentID.Valid {
			step.AssignedAgentID = domain.AgentID(agentID.String)
		}
		if outputsJSON.Valid {
			if err := json.Unmarshal([]byte(outputsJSON.String), &step.Outputs); err != nil {
				return nil, fmt.Errorf("unmarshal outputs: %w", err)
			}
		}
		if err := json.Unmarshal([]byte(planJSON), &step.Plan); err != nil {
			return nil, fmt.Errorf("unmarshal plan step: %w", err)
		}
		if startedAt.Valid {
			t := startedAt.Time
			step.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			step.CompletedAt = &t
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
