package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/splax/runway/api/internal/domain"
)

const defaultRunLimit = 20

// InsertProvisionRun stores a finished saga run with its step ledger.
func (r *Repository) InsertProvisionRun(ctx context.Context, run *domain.ProvisionRun) error {
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	const query = `INSERT INTO provision_runs (id, user_id, repository, service_name, status, steps, error, project_id, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.pool.Exec(ctx, query,
		run.ID,
		run.UserID,
		run.Repository,
		run.ServiceName,
		run.Status,
		steps,
		nilIfEmpty(run.Error),
		run.ProjectID,
		run.StartedAt,
		run.CompletedAt,
	)
	return mapError(err)
}

// ListProvisionRunsByUser returns recent runs for a user.
func (r *Repository) ListProvisionRunsByUser(ctx context.Context, userID string, limit int) ([]domain.ProvisionRun, error) {
	if limit <= 0 {
		limit = defaultRunLimit
	}
	const query = `SELECT id, user_id, repository, service_name, status, steps, COALESCE(error, ''), project_id, started_at, completed_at
		FROM provision_runs WHERE user_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]domain.ProvisionRun, 0)
	for rows.Next() {
		var run domain.ProvisionRun
		var steps []byte
		if err := rows.Scan(&run.ID, &run.UserID, &run.Repository, &run.ServiceName, &run.Status, &steps, &run.Error, &run.ProjectID, &run.StartedAt, &run.CompletedAt); err != nil {
			return nil, err
		}
		if len(steps) > 0 {
			if err := json.Unmarshal(steps, &run.Steps); err != nil {
				return nil, fmt.Errorf("decode steps for run %s: %w", run.ID, err)
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
