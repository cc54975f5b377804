// Package repositories contains PostgreSQL data access for the catalog.
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

// WorkflowRepository provides data access for workflows, their tasks and
// their dependency edges.
type WorkflowRepository interface {
	// Workflow operations
	Create(ctx context.Context, workflow *models.Workflow) error
	GetByName(ctx context.Context, name string) (*models.Workflow, error)
	List(ctx context.Context) ([]*models.Workflow, error)
	ListScheduled(ctx context.Context) ([]*models.Workflow, error)
	Update(ctx context.Context, workflow *models.Workflow) error
	UpdateLastExecution(ctx context.Context, name string, status models.ExecutionStatus, at time.Time) error
	Delete(ctx context.Context, name string) error

	// Task operations
	CreateTask(ctx context.Context, task *models.WorkflowTask) error
	ListTasks(ctx context.Context, workflowName string) ([]models.WorkflowTask, error)

	// Dependency operations
	CreateDependency(ctx context.Context, dep *models.TaskDependency) error
	ListDependencies(ctx context.Context, workflowName string) ([]models.TaskDependency, error)

	// GetDefinition loads the workflow with its tasks and dependencies.
	GetDefinition(ctx context.Context, name string) (*models.Workflow, []models.WorkflowTask, []models.TaskDependency, error)

	// ReplaceDefinition writes the workflow row and swaps its tasks and
	// dependencies in one transaction. Used by spec import and version
	// restore.
	ReplaceDefinition(ctx context.Context, workflow *models.Workflow, tasks []models.WorkflowTask, deps []models.TaskDependency) error
}

type workflowRepository struct {
	pool *pgxpool.Pool
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(pool *pgxpool.Pool) WorkflowRepository {
	return &workflowRepository{pool: pool}
}

var _ WorkflowRepository = (*workflowRepository)(nil)

// ============================================================================
// Workflow Operations
// ============================================================================

const workflowColumns = `id, name, description, schedule_cron, active, enabled,
	retry_policy, sla_config, rollback_config, metadata,
	last_execution_time, last_execution_status, created_at, updated_at`

func (r *workflowRepository) Create(ctx context.Context, workflow *models.Workflow) error {
	now := time.Now()
	workflow.CreatedAt = now
	workflow.UpdatedAt = now
	if workflow.ID == uuid.Nil {
		workflow.ID = uuid.New()
	}

	query := `
		INSERT INTO metadata.workflows (
			id, name, description, schedule_cron, active, enabled,
			retry_policy, sla_config, rollback_config, metadata,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.pool.Exec(ctx, query,
		workflow.ID, workflow.Name, workflow.Description, workflow.ScheduleCron,
		workflow.Active, workflow.Enabled,
		workflow.RetryPolicy, workflow.SLAConfig, workflow.RollbackConfig, workflow.Metadata,
		workflow.CreatedAt, workflow.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create workflow: %w", err)
	}

	return nil
}

func (r *workflowRepository) GetByName(ctx context.Context, name string) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM metadata.workflows WHERE name = $1`

	row := r.pool.QueryRow(ctx, query, name)
	workflow, err := scanWorkflowRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return workflow, nil
}

func (r *workflowRepository) List(ctx context.Context) ([]*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM metadata.workflows ORDER BY name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	return collectWorkflows(rows)
}

// ListScheduled returns runnable workflows that declare a cron schedule.
func (r *workflowRepository) ListScheduled(ctx context.Context) ([]*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + `
		FROM metadata.workflows
		WHERE schedule_cron IS NOT NULL AND active AND enabled
		ORDER BY name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled workflows: %w", err)
	}
	defer rows.Close()

	return collectWorkflows(rows)
}

func (r *workflowRepository) Update(ctx context.Context, workflow *models.Workflow) error {
	workflow.UpdatedAt = time.Now()

	query := `
		UPDATE metadata.workflows
		SET description = $2, schedule_cron = $3, active = $4, enabled = $5,
		    retry_policy = $6, sla_config = $7, rollback_config = $8,
		    metadata = $9, updated_at = $10
		WHERE name = $1`

	result, err := r.pool.Exec(ctx, query,
		workflow.Name, workflow.Description, workflow.ScheduleCron,
		workflow.Active, workflow.Enabled,
		workflow.RetryPolicy, workflow.SLAConfig, workflow.RollbackConfig,
		workflow.Metadata, workflow.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

// UpdateLastExecution stamps the workflow row after an execution finishes.
func (r *workflowRepository) UpdateLastExecution(ctx context.Context, name string, status models.ExecutionStatus, at time.Time) error {
	query := `
		UPDATE metadata.workflows
		SET last_execution_time = $2, last_execution_status = $3, updated_at = NOW()
		WHERE name = $1`

	result, err := r.pool.Exec(ctx, query, name, at, status)
	if err != nil {
		return fmt.Errorf("failed to stamp workflow execution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *workflowRepository) Delete(ctx context.Context, name string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM metadata.workflows WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// ============================================================================
// Task Operations
// ============================================================================

const taskColumns = `id, workflow_name, task_name, task_type, task_reference,
	task_config, retry_policy, priority, condition_type, condition_expression,
	loop_type, loop_config, created_at, updated_at`

func (r *workflowRepository) CreateTask(ctx context.Context, task *models.WorkflowTask) error {
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}

	query := `
		INSERT INTO metadata.workflow_tasks (
			id, workflow_name, task_name, task_type, task_reference,
			task_config, retry_policy, priority, condition_type,
			condition_expression, loop_type, loop_config, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.pool.Exec(ctx, query,
		task.ID, task.WorkflowName, task.TaskName, task.TaskType, task.TaskReference,
		task.TaskConfig, task.RetryPolicy, task.Priority, task.ConditionType,
		task.ConditionExpression, task.LoopType, task.LoopConfig,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

// ListTasks returns the workflow's tasks in insertion order, which is the
// tiebreak order the executor launches ready tasks in.
func (r *workflowRepository) ListTasks(ctx context.Context, workflowName string) ([]models.WorkflowTask, error) {
	query := `SELECT ` + taskColumns + `
		FROM metadata.workflow_tasks
		WHERE workflow_name = $1
		ORDER BY created_at, task_name`

	rows, err := r.pool.Query(ctx, query, workflowName)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.WorkflowTask
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// ============================================================================
// Dependency Operations
// ============================================================================

func (r *workflowRepository) CreateDependency(ctx context.Context, dep *models.TaskDependency) error {
	if dep.UpstreamTask == dep.DownstreamTask {
		return fmt.Errorf("dependency %q depends on itself: %w", dep.UpstreamTask, apperrors.ErrInvalidConfig)
	}
	dep.CreatedAt = time.Now()
	if dep.ID == uuid.Nil {
		dep.ID = uuid.New()
	}

	query := `
		INSERT INTO metadata.workflow_dependencies (
			id, workflow_name, upstream_task, downstream_task,
			dependency_type, condition_expression, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.pool.Exec(ctx, query,
		dep.ID, dep.WorkflowName, dep.UpstreamTask, dep.DownstreamTask,
		dep.DependencyType, dep.ConditionExpression, dep.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create dependency: %w", err)
	}

	return nil
}

func (r *workflowRepository) ListDependencies(ctx context.Context, workflowName string) ([]models.TaskDependency, error) {
	query := `
		SELECT id, workflow_name, upstream_task, downstream_task,
		       dependency_type, condition_expression, created_at
		FROM metadata.workflow_dependencies
		WHERE workflow_name = $1
		ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, workflowName)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer rows.Close()

	var deps []models.TaskDependency
	for rows.Next() {
		var dep models.TaskDependency
		err := rows.Scan(
			&dep.ID, &dep.WorkflowName, &dep.UpstreamTask, &dep.DownstreamTask,
			&dep.DependencyType, &dep.ConditionExpression, &dep.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return deps, nil
}

// ============================================================================
// Definition Operations
// ============================================================================

func (r *workflowRepository) GetDefinition(ctx context.Context, name string) (*models.Workflow, []models.WorkflowTask, []models.TaskDependency, error) {
	workflow, err := r.GetByName(ctx, name)
	if err != nil {
		return nil, nil, nil, err
	}
	tasks, err := r.ListTasks(ctx, name)
	if err != nil {
		return nil, nil, nil, err
	}
	deps, err := r.ListDependencies(ctx, name)
	if err != nil {
		return nil, nil, nil, err
	}
	return workflow, tasks, deps, nil
}

func (r *workflowRepository) ReplaceDefinition(ctx context.Context, workflow *models.Workflow, tasks []models.WorkflowTask, deps []models.TaskDependency) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	now := time.Now()
	if workflow.ID == uuid.Nil {
		workflow.ID = uuid.New()
	}
	workflow.UpdatedAt = now

	upsert := `
		INSERT INTO metadata.workflows (
			id, name, description, schedule_cron, active, enabled,
			retry_policy, sla_config, rollback_config, metadata,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			schedule_cron = EXCLUDED.schedule_cron,
			active = EXCLUDED.active,
			enabled = EXCLUDED.enabled,
			retry_policy = EXCLUDED.retry_policy,
			sla_config = EXCLUDED.sla_config,
			rollback_config = EXCLUDED.rollback_config,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`

	_, err = tx.Exec(ctx, upsert,
		workflow.ID, workflow.Name, workflow.Description, workflow.ScheduleCron,
		workflow.Active, workflow.Enabled,
		workflow.RetryPolicy, workflow.SLAConfig, workflow.RollbackConfig,
		workflow.Metadata, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert workflow: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM metadata.workflow_dependencies WHERE workflow_name = $1`, workflow.Name); err != nil {
		return fmt.Errorf("failed to clear dependencies: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM metadata.workflow_tasks WHERE workflow_name = $1`, workflow.Name); err != nil {
		return fmt.Errorf("failed to clear tasks: %w", err)
	}

	for i := range tasks {
		task := &tasks[i]
		if task.ID == uuid.Nil {
			task.ID = uuid.New()
		}
		task.WorkflowName = workflow.Name
		// Spread created_at so insertion order survives the round trip.
		task.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		task.UpdatedAt = now

		_, err := tx.Exec(ctx, `
			INSERT INTO metadata.workflow_tasks (
				id, workflow_name, task_name, task_type, task_reference,
				task_config, retry_policy, priority, condition_type,
				condition_expression, loop_type, loop_config, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			task.ID, task.WorkflowName, task.TaskName, task.TaskType, task.TaskReference,
			task.TaskConfig, task.RetryPolicy, task.Priority, task.ConditionType,
			task.ConditionExpression, task.LoopType, task.LoopConfig,
			task.CreatedAt, task.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert task %q: %w", task.TaskName, err)
		}
	}

	for i := range deps {
		dep := &deps[i]
		if dep.UpstreamTask == dep.DownstreamTask {
			return fmt.Errorf("dependency %q depends on itself: %w", dep.UpstreamTask, apperrors.ErrInvalidConfig)
		}
		if dep.ID == uuid.Nil {
			dep.ID = uuid.New()
		}
		dep.WorkflowName = workflow.Name
		dep.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)

		_, err := tx.Exec(ctx, `
			INSERT INTO metadata.workflow_dependencies (
				id, workflow_name, upstream_task, downstream_task,
				dependency_type, condition_expression, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			dep.ID, dep.WorkflowName, dep.UpstreamTask, dep.DownstreamTask,
			dep.DependencyType, dep.ConditionExpression, dep.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s→%s: %w", dep.UpstreamTask, dep.DownstreamTask, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit definition: %w", err)
	}

	return nil
}

// ============================================================================
// Scan Helpers
// ============================================================================

func scanWorkflowRow(row pgx.Row) (*models.Workflow, error) {
	var w models.Workflow
	err := row.Scan(
		&w.ID, &w.Name, &w.Description, &w.ScheduleCron, &w.Active, &w.Enabled,
		&w.RetryPolicy, &w.SLAConfig, &w.RollbackConfig, &w.Metadata,
		&w.LastExecutionTime, &w.LastExecutionStatus, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func scanTaskRow(row pgx.Row) (*models.WorkflowTask, error) {
	var t models.WorkflowTask
	err := row.Scan(
		&t.ID, &t.WorkflowName, &t.TaskName, &t.TaskType, &t.TaskReference,
		&t.TaskConfig, &t.RetryPolicy, &t.Priority, &t.ConditionType,
		&t.ConditionExpression, &t.LoopType, &t.LoopConfig,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectWorkflows(rows pgx.Rows) ([]*models.Workflow, error) {
	var workflows []*models.Workflow
	for rows.Next() {
		workflow, err := scanWorkflowRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, workflow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}
	return workflows, nil
}
