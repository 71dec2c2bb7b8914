package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meridel/finbrief/internal/workflow"
)

// ErrRunNotFound reports a lookup for an unknown run ID.
var ErrRunNotFound = errors.New("store: run not found")

// RunSummary is the list-view projection of a run.
type RunSummary struct {
	ID          string     `json:"id"`
	Workflow    string     `json:"workflow"`
	Status      string     `json:"status"`
	Degraded    bool       `json:"degraded"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SaveRun upserts a terminal run record with its node detail as JSONB.
func (s *Store) SaveRun(ctx context.Context, run *workflow.Run) error {
	nodes, err := json.Marshal(run.Nodes)
	if err != nil {
		return fmt.Errorf("marshal run nodes: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO runs (id, workflow, status, degraded, error, nodes, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id)
		DO UPDATE SET status = $3, degraded = $4, error = $5, nodes = $6, completed_at = $8`,
		run.ID, run.Workflow, string(run.Status), run.Degraded,
		run.Error, nodes, run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// GetRun retrieves one run with full node detail.
func (s *Store) GetRun(ctx context.Context, id string) (*workflow.Run, error) {
	var (
		run   workflow.Run
		nodes []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, workflow, status, degraded, error, nodes, started_at, completed_at
		FROM runs WHERE id = $1`, id,
	).Scan(&run.ID, &run.Workflow, &run.Status, &run.Degraded,
		&run.Error, &nodes, &run.StartedAt, &run.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	if len(nodes) > 0 {
		if err := json.Unmarshal(nodes, &run.Nodes); err != nil {
			return nil, fmt.Errorf("unmarshal run nodes: %w", err)
		}
	}
	return &run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, workflow, status, degraded, started_at, completed_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.Workflow, &r.Status, &r.Degraded,
			&r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
