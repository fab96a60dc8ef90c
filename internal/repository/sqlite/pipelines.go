package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blockci/enginecore/internal/domain"
)

// Pipelines implements ports.PipelineRepository over the shared DB handle.
type Pipelines struct {
	db *DB
}

func NewPipelines(db *DB) *Pipelines { return &Pipelines{db: db} }

func (p *Pipelines) Create(ctx context.Context, def *domain.PipelineDefinition) (domain.PipelineID, error) {
	id := domain.NewPipelineID()
	blob, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("marshal pipeline definition: %w", err)
	}
	_, err = p.db.conn.ExecContext(ctx,
		`INSERT INTO pipelines (id, definition, created_at) VALUES (?, ?, ?)`,
		string(id), string(blob), time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert pipeline: %w", err)
	}
	return id, nil
}

func (p *Pipelines) Get(ctx context.Context, id domain.PipelineID) (*domain.PipelineDefinition, bool, error) {
	var blob string
	err := p.db.conn.QueryRowContext(ctx, `SELECT definition FROM pipelines WHERE id = ?`, string(id)).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query pipeline: %w", err)
	}
	var def domain.PipelineDefinition
	if err := json.Unmarshal([]byte(blob), &def); err != nil {
		return nil, false, fmt.Errorf("unmarshal pipeline definition: %w", err)
	}
	return &def, true, nil
}

func (p *Pipelines) List(ctx context.Context, limit, offset int) ([]domain.PipelineID, error) {
	rows, err := p.db.conn.QueryContext(ctx,
		`SELECT id FROM pipelines ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query pipelines: %w", err)
	}
	defer rows.Close()

	var ids []domain.PipelineID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pipeline id: %w", err)
		}
		ids = append(ids, domain.PipelineID(id))
	}
	return ids, rows.Err()
}
