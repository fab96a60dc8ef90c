// Package sqlite is the production-grade persistence backend: one
// modernc.org/sqlite database file backing every ports.*Repository
// interface, the durable counterpart to internal/repository/memory used for
// local runs and tests. Grounded on fentz26-Neona's internal/store/store.go
// (WAL-mode open string, single-writer connection pool, idempotent
// CREATE TABLE IF NOT EXISTS migration, nested/variable fields JSON-encoded
// into TEXT columns), carried over to the compiler/run/agent/lease schema
// this module needs instead of Neona's task/lease/lock schema.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the shared *sql.DB handle; each ports interface is implemented by
// a thin wrapper type over the same handle (Pipelines, Runs, Agents,
// Leases), mirroring how internal/repository/memory splits by concern.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and runs
// migrations. SQLite permits exactly one writer at a time, so the
// connection pool is pinned to a single connection the same way Neona's
// store does.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error { return db.conn.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS pipelines (
	id TEXT PRIMARY KEY,
	definition TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS run_counters (
	pipeline_id TEXT PRIMARY KEY,
	next_number INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	pipeline_id TEXT NOT NULL,
	pipeline_name TEXT NOT NULL,
	run_number INTEGER NOT NULL,
	plan_id TEXT NOT NULL,
	status TEXT NOT NULL,
	trigger_json TEXT NOT NULL,
	variables_json TEXT NOT NULL,
	cancel_reason_json TEXT,
	timeout_min INTEGER NOT NULL DEFAULT 0,
	queued_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON runs(pipeline_id);

CREATE TABLE IF NOT EXISTS stages (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id),
	idx INTEGER NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	depends_on_json TEXT NOT NULL,
	condition_json TEXT,
	matrix_meta_json TEXT,
	started_at DATETIME,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_stages_run ON stages(run_id);

CREATE TABLE IF NOT EXISTS steps (
	id TEXT PRIMARY KEY,
	stage_id TEXT NOT NULL REFERENCES stages(id),
	idx INTEGER NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	exit_code INTEGER,
	plan_json TEXT NOT NULL,
	current_lease_seq INTEGER NOT NULL DEFAULT 0,
	assigned_agent_id TEXT,
	outputs_json TEXT,
	truncated_lines INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_steps_stage ON steps(stage_id);

CREATE TABLE IF NOT EXISTS step_logs (
	step_id TEXT NOT NULL REFERENCES steps(id),
	seq INTEGER NOT NULL,
	line TEXT NOT NULL,
	PRIMARY KEY (step_id, seq)
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	labels_json TEXT NOT NULL,
	capabilities_json TEXT NOT NULL,
	version TEXT NOT NULL,
	max_concurrent_jobs INTEGER NOT NULL,
	assigned_jobs INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	metrics_json TEXT,
	registered_at DATETIME NOT NULL,
	last_heartbeat_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS leases (
	step_id TEXT PRIMARY KEY,
	id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	issued_at DATETIME NOT NULL,
	deadline DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS lease_sequences (
	step_id TEXT PRIMARY KEY,
	sequence INTEGER NOT NULL
);
`

func (db *DB) migrate() error {
	_, err := db.conn.Exec(schema)
	return err
}
