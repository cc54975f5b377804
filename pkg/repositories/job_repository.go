package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/models"
)

// JobRepository provides data access for custom SQL jobs and their results.
type JobRepository interface {
	Create(ctx context.Context, job *models.CustomJob) error
	GetByName(ctx context.Context, name string) (*models.CustomJob, error)
	List(ctx context.Context) ([]*models.CustomJob, error)
	Update(ctx context.Context, job *models.CustomJob) error
	Delete(ctx context.Context, name string) error

	CreateResult(ctx context.Context, result *models.JobResult) error
	ListResults(ctx context.Context, jobName string, limit int) ([]*models.JobResult, error)
}

type jobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new custom job repository.
func NewJobRepository(pool *pgxpool.Pool) JobRepository {
	return &jobRepository{pool: pool}
}

var _ JobRepository = (*jobRepository)(nil)

const jobColumns = `id, name, description, sql_content, parameters, connection, enabled, created_at, updated_at`

func (r *jobRepository) Create(ctx context.Context, job *models.CustomJob) error {
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}

	query := `
		INSERT INTO metadata.custom_jobs (id, name, description, sql_content, parameters, connection, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.pool.Exec(ctx, query,
		job.ID, job.Name, job.Description, job.SQLContent, job.Parameters,
		job.Connection, job.Enabled, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create custom job: %w", err)
	}

	return nil
}

func (r *jobRepository) GetByName(ctx context.Context, name string) (*models.CustomJob, error) {
	query := `SELECT ` + jobColumns + ` FROM metadata.custom_jobs WHERE name = $1`

	var j models.CustomJob
	err := r.pool.QueryRow(ctx, query, name).Scan(
		&j.ID, &j.Name, &j.Description, &j.SQLContent, &j.Parameters,
		&j.Connection, &j.Enabled, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get custom job: %w", err)
	}
	return &j, nil
}

func (r *jobRepository) List(ctx context.Context) ([]*models.CustomJob, error) {
	query := `SELECT ` + jobColumns + ` FROM metadata.custom_jobs ORDER BY name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list custom jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.CustomJob
	for rows.Next() {
		var j models.CustomJob
		err := rows.Scan(
			&j.ID, &j.Name, &j.Description, &j.SQLContent, &j.Parameters,
			&j.Connection, &j.Enabled, &j.CreatedAt, &j.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan custom job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating custom jobs: %w", err)
	}

	return jobs, nil
}

func (r *jobRepository) Update(ctx context.Context, job *models.CustomJob) error {
	job.UpdatedAt = time.Now()

	query := `
		UPDATE metadata.custom_jobs
		SET description = $2, sql_content = $3, parameters = $4, connection = $5, enabled = $6, updated_at = $7
		WHERE name = $1`

	result, err := r.pool.Exec(ctx, query,
		job.Name, job.Description, job.SQLContent, job.Parameters,
		job.Connection, job.Enabled, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update custom job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

func (r *jobRepository) Delete(ctx context.Context, name string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM metadata.custom_jobs WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete custom job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// ============================================================================
// Job Results
// ============================================================================

func (r *jobRepository) CreateResult(ctx context.Context, result *models.JobResult) error {
	result.CreatedAt = time.Now()
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}

	query := `
		INSERT INTO metadata.job_results (id, job_name, execution_id, status, row_count, rows, error_message, duration_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.pool.Exec(ctx, query,
		result.ID, result.JobName, result.ExecutionID, result.Status,
		result.RowCount, result.Rows, result.ErrorMessage, result.DurationSeconds, result.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job result: %w", err)
	}

	return nil
}

func (r *jobRepository) ListResults(ctx context.Context, jobName string, limit int) ([]*models.JobResult, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, job_name, execution_id, status, row_count, rows, error_message, duration_seconds, created_at
		FROM metadata.job_results
		WHERE job_name = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, jobName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list job results: %w", err)
	}
	defer rows.Close()

	var results []*models.JobResult
	for rows.Next() {
		var res models.JobResult
		err := rows.Scan(
			&res.ID, &res.JobName, &res.ExecutionID, &res.Status,
			&res.RowCount, &res.Rows, &res.ErrorMessage, &res.DurationSeconds, &res.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job result: %w", err)
		}
		results = append(results, &res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job results: %w", err)
	}

	return results, nil
}
