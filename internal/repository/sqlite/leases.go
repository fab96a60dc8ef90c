package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/blockci/enginecore/internal/domain"
)

// Leases implements ports.LeaseRepository over the shared DB handle. Like
// internal/repository/memory.Leases, Revoke deletes the live lease row but
// leaves lease_sequences untouched so a reissued lease on the same step
// always gets a strictly higher sequence number.
type Leases struct {
	db *DB
}

func NewLeases(db *DB) *Leases { return &Leases{db: db} }

func (l *Leases) Insert(ctx context.Context, lease *domain.Lease) error {
	tx, err := l.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO leases (step_id, id, agent_id, sequence, issued_at, deadline) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(step_id) DO UPDATE SET id = excluded.id, agent_id = excluded.agent_id, sequence = excluded.sequence, issued_at = excluded.issued_at, deadline = excluded.deadline`,
		string(lease.StepID), string(lease.ID), string(lease.AgentID), lease.Sequence, lease.IssuedAt, lease.Deadline,
	)
	if err != nil {
		return fmt.Errorf("insert lease: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO lease_sequences (step_id, sequence) VALUES (?, ?)
		 ON CONFLICT(step_id) DO UPDATE SET sequence = excluded.sequence WHERE excluded.sequence > lease_sequences.sequence`,
		string(lease.StepID), lease.Sequence,
	)
	if err != nil {
		return fmt.Errorf("bump lease sequence: %w", err)
	}
	return tx.Commit()
}

func (l *Leases) Revoke(ctx context.Context, stepID domain.StepID) error {
	_, err := l.db.conn.ExecContext(ctx, `DELETE FROM leases WHERE step_id = ?`, string(stepID))
	return err
}

func (l *Leases) CurrentSequence(ctx context.Context, stepID domain.StepID) (uint64, bool, error) {
	var seq uint64
	err := l.db.conn.QueryRowContext(ctx, `SELECT sequence FROM lease_sequences WHERE step_id = ?`, string(stepID)).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query lease sequence: %w", err)
	}
	return seq, true, nil
}
