package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/splax/runway/api/internal/domain"
	"github.com/splax/runway/api/internal/repository"
)

const projectColumns = `id, user_id, repository, cloud_project_id, service_name, region, deployment_url, workflow_path, created_at, updated_at`

// UpsertProject writes the ledger row for (repository, service_name). Concurrent
// writers for the same key are serialized with a transaction scoped advisory lock;
// the existing row keeps its id and created_at.
func (r *Repository) UpsertProject(ctx context.Context, record *domain.ProjectRecord) error {
	if record == nil || record.Repository == "" || record.ServiceName == "" {
		return fmt.Errorf("%w: repository and service name required", repository.ErrInvalidArgument)
	}
	record.Repository = strings.ToLower(record.Repository)
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, record.LedgerKey()); err != nil {
		return fmt.Errorf("lock ledger key: %w", err)
	}

	const query = `INSERT INTO projects (` + projectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (repository, service_name) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			cloud_project_id = EXCLUDED.cloud_project_id,
			region = EXCLUDED.region,
			deployment_url = EXCLUDED.deployment_url,
			workflow_path = EXCLUDED.workflow_path,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at`
	row := tx.QueryRow(ctx, query,
		record.ID,
		record.UserID,
		record.Repository,
		record.CloudProjectID,
		record.ServiceName,
		record.Region,
		record.DeploymentURL,
		record.WorkflowPath,
		record.UpdatedAt,
	)
	if err := row.Scan(&record.ID, &record.CreatedAt, &record.UpdatedAt); err != nil {
		return mapError(err)
	}
	return tx.Commit(ctx)
}

// GetProject returns the ledger row for a (repository, service name) pair.
func (r *Repository) GetProject(ctx context.Context, repo, serviceName string) (*domain.ProjectRecord, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE repository = $1 AND service_name = $2`
	return scanProject(r.pool.QueryRow(ctx, query, strings.ToLower(repo), serviceName))
}

// GetProjectByID returns a ledger row by id. Ids that are not UUIDs cannot
// name a row and report ErrNotFound.
func (r *Repository) GetProjectByID(ctx context.Context, id string) (*domain.ProjectRecord, error) {
	if !validID(id) {
		return nil, repository.ErrNotFound
	}
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	return scanProject(r.pool.QueryRow(ctx, query, id))
}

// ListProjectsByUser returns the user's ledger rows, newest first.
func (r *Repository) ListProjectsByUser(ctx context.Context, userID string) ([]domain.ProjectRecord, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE user_id = $1 ORDER BY updated_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.ProjectRecord, 0)
	for rows.Next() {
		record, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// DeleteProject removes a ledger row.
func (r *Repository) DeleteProject(ctx context.Context, id string) error {
	if !validID(id) {
		return repository.ErrNotFound
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanProject(row pgx.Row) (*domain.ProjectRecord, error) {
	var p domain.ProjectRecord
	if err := row.Scan(&p.ID, &p.UserID, &p.Repository, &p.CloudProjectID, &p.ServiceName, &p.Region, &p.DeploymentURL, &p.WorkflowPath, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
