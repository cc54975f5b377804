package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/models"
)

// ExecutionRepository provides data access for workflow executions and their
// per-task rows. Executions are append-only: rows are created once and
// mutated in place until they reach a terminal status.
type ExecutionRepository interface {
	// Execution operations
	CreateExecution(ctx context.Context, execution *models.WorkflowExecution) error
	GetExecution(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error)
	UpdateExecution(ctx context.Context, execution *models.WorkflowExecution) error
	ListExecutions(ctx context.Context, workflowName string, limit int) ([]*models.WorkflowExecution, error)

	// Task execution operations
	CreateTaskExecution(ctx context.Context, task *models.TaskExecution) error
	UpdateTaskExecution(ctx context.Context, task *models.TaskExecution) error
	ListTaskExecutions(ctx context.Context, executionID uuid.UUID) ([]models.TaskExecution, error)
}

type executionRepository struct {
	pool *pgxpool.Pool
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(pool *pgxpool.Pool) ExecutionRepository {
	return &executionRepository{pool: pool}
}

var _ ExecutionRepository = (*executionRepository)(nil)

// ============================================================================
// Execution Operations
// ============================================================================

const executionColumns = `id, workflow_name, status, trigger_type,
	started_at, completed_at, duration_seconds,
	total_tasks, completed_tasks, failed_tasks, skipped_tasks,
	error_message, rollback_status, metadata, created_at`

func (r *executionRepository) CreateExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	execution.CreatedAt = time.Now()
	if execution.ID == uuid.Nil {
		execution.ID = uuid.New()
	}
	if execution.Status == "" {
		execution.Status = models.ExecutionStatusPending
	}

	query := `
		INSERT INTO metadata.workflow_executions (
			id, workflow_name, status, trigger_type,
			started_at, completed_at, duration_seconds,
			total_tasks, completed_tasks, failed_tasks, skipped_tasks,
			error_message, rollback_status, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := r.pool.Exec(ctx, query,
		execution.ID, execution.WorkflowName, execution.Status, execution.TriggerType,
		execution.StartedAt, execution.CompletedAt, execution.DurationSeconds,
		execution.TotalTasks, execution.CompletedTasks, execution.FailedTasks, execution.SkippedTasks,
		execution.ErrorMessage, execution.RollbackStatus, execution.Metadata, execution.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

func (r *executionRepository) GetExecution(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM metadata.workflow_executions WHERE id = $1`

	row := r.pool.QueryRow(ctx, query, id)
	execution, err := scanExecutionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return execution, nil
}

func (r *executionRepository) UpdateExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	query := `
		UPDATE metadata.workflow_executions
		SET status = $2, started_at = $3, completed_at = $4, duration_seconds = $5,
		    total_tasks = $6, completed_tasks = $7, failed_tasks = $8, skipped_tasks = $9,
		    error_message = $10, rollback_status = $11, metadata = $12
		WHERE id = $1`

	result, err := r.pool.Exec(ctx, query,
		execution.ID, execution.Status,
		execution.StartedAt, execution.CompletedAt, execution.DurationSeconds,
		execution.TotalTasks, execution.CompletedTasks, execution.FailedTasks, execution.SkippedTasks,
		execution.ErrorMessage, execution.RollbackStatus, execution.Metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

func (r *executionRepository) ListExecutions(ctx context.Context, workflowName string, limit int) ([]*models.WorkflowExecution, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + executionColumns + `
		FROM metadata.workflow_executions
		WHERE workflow_name = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, workflowName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var executions []*models.WorkflowExecution
	for rows.Next() {
		execution, err := scanExecutionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

// ============================================================================
// Task Execution Operations
// ============================================================================

const taskExecutionColumns = `id, execution_id, workflow_name, task_name, status,
	started_at, completed_at, duration_seconds, retry_count,
	error_message, task_output, created_at`

func (r *executionRepository) CreateTaskExecution(ctx context.Context, task *models.TaskExecution) error {
	task.CreatedAt = time.Now()
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Status == "" {
		task.Status = models.ExecutionStatusPending
	}

	query := `
		INSERT INTO metadata.workflow_task_executions (
			id, execution_id, workflow_name, task_name, status,
			started_at, completed_at, duration_seconds, retry_count,
			error_message, task_output, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.pool.Exec(ctx, query,
		task.ID, task.ExecutionID, task.WorkflowName, task.TaskName, task.Status,
		task.StartedAt, task.CompletedAt, task.DurationSeconds, task.RetryCount,
		task.ErrorMessage, task.TaskOutput, task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task execution: %w", err)
	}

	return nil
}

func (r *executionRepository) UpdateTaskExecution(ctx context.Context, task *models.TaskExecution) error {
	query := `
		UPDATE metadata.workflow_task_executions
		SET status = $2, started_at = $3, completed_at = $4, duration_seconds = $5,
		    retry_count = $6, error_message = $7, task_output = $8
		WHERE id = $1`

	result, err := r.pool.Exec(ctx, query,
		task.ID, task.Status,
		task.StartedAt, task.CompletedAt, task.DurationSeconds,
		task.RetryCount, task.ErrorMessage, task.TaskOutput,
	)
	if err != nil {
		return fmt.Errorf("failed to update task execution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

func (r *executionRepository) ListTaskExecutions(ctx context.Context, executionID uuid.UUID) ([]models.TaskExecution, error) {
	query := `SELECT ` + taskExecutionColumns + `
		FROM metadata.workflow_task_executions
		WHERE execution_id = $1
		ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task executions: %w", err)
	}
	defer rows.Close()

	var tasks []models.TaskExecution
	for rows.Next() {
		var t models.TaskExecution
		err := rows.Scan(
			&t.ID, &t.ExecutionID, &t.WorkflowName, &t.TaskName, &t.Status,
			&t.StartedAt, &t.CompletedAt, &t.DurationSeconds, &t.RetryCount,
			&t.ErrorMessage, &t.TaskOutput, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task execution: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task executions: %w", err)
	}

	return tasks, nil
}

func scanExecutionRow(row pgx.Row) (*models.WorkflowExecution, error) {
	var e models.WorkflowExecution
	err := row.Scan(
		&e.ID, &e.WorkflowName, &e.Status, &e.TriggerType,
		&e.StartedAt, &e.CompletedAt, &e.DurationSeconds,
		&e.TotalTasks, &e.CompletedTasks, &e.FailedTasks, &e.SkippedTasks,
		&e.ErrorMessage, &e.RollbackStatus, &e.Metadata, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
