package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/models"
)

// DBTRunRepository records the results of model runs: per-model run rows,
// registered tests with their outcomes, lineage edges and rendered docs.
type DBTRunRepository interface {
	CreateModelRun(ctx context.Context, run *models.ModelRun) error
	UpdateModelRun(ctx context.Context, run *models.ModelRun) error
	ListModelRuns(ctx context.Context, modelName string, limit int) ([]*models.ModelRun, error)
	ListRunsByRunID(ctx context.Context, runID uuid.UUID) ([]*models.ModelRun, error)

	UpsertTest(ctx context.Context, test *models.DBTTest) error
	ListTests(ctx context.Context) ([]*models.DBTTest, error)
	ListTestsForModel(ctx context.Context, modelName string) ([]*models.DBTTest, error)
	DeleteTestsForModel(ctx context.Context, modelName string) error
	CreateTestResult(ctx context.Context, result *models.DBTTestResult) error
	ListTestResults(ctx context.Context, runID uuid.UUID) ([]*models.DBTTestResult, error)

	ReplaceLineage(ctx context.Context, targetModel string, edges []models.LineageEdge) error
	ListLineage(ctx context.Context, modelName string) ([]models.LineageEdge, error)

	UpsertDocumentation(ctx context.Context, doc *models.DBTDocumentation) error
	ListDocumentation(ctx context.Context, modelName string) ([]*models.DBTDocumentation, error)
}

type dbtRunRepository struct {
	pool *pgxpool.Pool
}

// NewDBTRunRepository creates a new run repository.
func NewDBTRunRepository(pool *pgxpool.Pool) DBTRunRepository {
	return &dbtRunRepository{pool: pool}
}

var _ DBTRunRepository = (*dbtRunRepository)(nil)

// ============================================================================
// Model Runs
// ============================================================================

const modelRunColumns = `id, run_id, model_name, status, compiled_sql, executed_sql,
	rows_affected, duration_seconds, error_message, started_at, completed_at`

func (r *dbtRunRepository) CreateModelRun(ctx context.Context, run *models.ModelRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	query := `
		INSERT INTO metadata.dbt_model_runs (
			id, run_id, model_name, status, compiled_sql, executed_sql,
			rows_affected, duration_seconds, error_message, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.pool.Exec(ctx, query,
		run.ID, run.RunID, run.ModelName, run.Status, run.CompiledSQL, run.ExecutedSQL,
		run.RowsAffected, run.DurationSeconds, run.ErrorMessage, run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create model run: %w", err)
	}

	return nil
}

func (r *dbtRunRepository) UpdateModelRun(ctx context.Context, run *models.ModelRun) error {
	query := `
		UPDATE metadata.dbt_model_runs
		SET status = $2, compiled_sql = $3, executed_sql = $4, rows_affected = $5,
		    duration_seconds = $6, error_message = $7, completed_at = $8
		WHERE id = $1`

	result, err := r.pool.Exec(ctx, query,
		run.ID, run.Status, run.CompiledSQL, run.ExecutedSQL, run.RowsAffected,
		run.DurationSeconds, run.ErrorMessage, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update model run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

func (r *dbtRunRepository) ListModelRuns(ctx context.Context, modelName string, limit int) ([]*models.ModelRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + modelRunColumns + `
		FROM metadata.dbt_model_runs
		WHERE model_name = $1
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, modelName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list model runs: %w", err)
	}
	defer rows.Close()

	return collectModelRuns(rows)
}

func (r *dbtRunRepository) ListRunsByRunID(ctx context.Context, runID uuid.UUID) ([]*models.ModelRun, error) {
	query := `SELECT ` + modelRunColumns + `
		FROM metadata.dbt_model_runs
		WHERE run_id = $1
		ORDER BY started_at`

	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	return collectModelRuns(rows)
}

// ============================================================================
// Tests
// ============================================================================

func (r *dbtRunRepository) UpsertTest(ctx context.Context, test *models.DBTTest) error {
	now := time.Now()
	test.UpdatedAt = now
	if test.ID == uuid.Nil {
		test.ID = uuid.New()
		test.CreatedAt = now
	}

	query := `
		INSERT INTO metadata.dbt_tests (id, test_name, model_name, test_type, column_name, test_config, severity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (test_name) DO UPDATE SET
			model_name = EXCLUDED.model_name,
			test_type = EXCLUDED.test_type,
			column_name = EXCLUDED.column_name,
			test_config = EXCLUDED.test_config,
			severity = EXCLUDED.severity,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		test.ID, test.TestName, test.ModelName, test.TestType, test.ColumnName,
		test.TestConfig, test.Severity, test.CreatedAt, test.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert test: %w", err)
	}

	return nil
}

const dbtTestColumns = `id, test_name, model_name, test_type, column_name, test_config, severity, created_at, updated_at`

func (r *dbtRunRepository) ListTests(ctx context.Context) ([]*models.DBTTest, error) {
	query := `SELECT ` + dbtTestColumns + ` FROM metadata.dbt_tests ORDER BY model_name, test_name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tests: %w", err)
	}
	defer rows.Close()

	return collectDBTTests(rows)
}

func (r *dbtRunRepository) ListTestsForModel(ctx context.Context, modelName string) ([]*models.DBTTest, error) {
	query := `SELECT ` + dbtTestColumns + ` FROM metadata.dbt_tests WHERE model_name = $1 ORDER BY test_name`

	rows, err := r.pool.Query(ctx, query, modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to list tests for model: %w", err)
	}
	defer rows.Close()

	return collectDBTTests(rows)
}

func (r *dbtRunRepository) DeleteTestsForModel(ctx context.Context, modelName string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM metadata.dbt_tests WHERE model_name = $1`, modelName)
	if err != nil {
		return fmt.Errorf("failed to delete tests for model: %w", err)
	}
	return nil
}

func (r *dbtRunRepository) CreateTestResult(ctx context.Context, result *models.DBTTestResult) error {
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	if result.ExecutedAt.IsZero() {
		result.ExecutedAt = time.Now()
	}

	query := `
		INSERT INTO metadata.dbt_test_results (id, run_id, test_name, model_name, status, rows_affected, duration_seconds, error_message, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.pool.Exec(ctx, query,
		result.ID, result.RunID, result.TestName, result.ModelName, result.Status,
		result.RowsAffected, result.DurationSeconds, result.ErrorMessage, result.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create test result: %w", err)
	}

	return nil
}

func (r *dbtRunRepository) ListTestResults(ctx context.Context, runID uuid.UUID) ([]*models.DBTTestResult, error) {
	query := `
		SELECT id, run_id, test_name, model_name, status, rows_affected, duration_seconds, error_message, executed_at
		FROM metadata.dbt_test_results
		WHERE run_id = $1
		ORDER BY executed_at`

	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list test results: %w", err)
	}
	defer rows.Close()

	var results []*models.DBTTestResult
	for rows.Next() {
		var res models.DBTTestResult
		err := rows.Scan(
			&res.ID, &res.RunID, &res.TestName, &res.ModelName, &res.Status,
			&res.RowsAffected, &res.DurationSeconds, &res.ErrorMessage, &res.ExecutedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan test result: %w", err)
		}
		results = append(results, &res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating test results: %w", err)
	}

	return results, nil
}

// ============================================================================
// Lineage
// ============================================================================

// ReplaceLineage swaps all edges pointing at targetModel for the given set,
// so lineage always reflects the latest compilation of that model.
func (r *dbtRunRepository) ReplaceLineage(ctx context.Context, targetModel string, edges []models.LineageEdge) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	_, err = tx.Exec(ctx, `DELETE FROM metadata.dbt_lineage WHERE target_model = $1`, targetModel)
	if err != nil {
		return fmt.Errorf("failed to clear lineage: %w", err)
	}

	now := time.Now()
	for i := range edges {
		edge := &edges[i]
		if edge.ID == uuid.Nil {
			edge.ID = uuid.New()
		}
		edge.CreatedAt = now

		_, err = tx.Exec(ctx,
			`INSERT INTO metadata.dbt_lineage (id, source_model, target_model, source_column, target_column, transformation_type, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			edge.ID, edge.SourceModel, edge.TargetModel, edge.SourceColumn, edge.TargetColumn,
			edge.TransformationType, edge.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert lineage edge: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit lineage: %w", err)
	}

	return nil
}

func (r *dbtRunRepository) ListLineage(ctx context.Context, modelName string) ([]models.LineageEdge, error) {
	query := `
		SELECT id, source_model, target_model, source_column, target_column, transformation_type, created_at
		FROM metadata.dbt_lineage
		WHERE source_model = $1 OR target_model = $1
		ORDER BY source_model, target_model, target_column`

	rows, err := r.pool.Query(ctx, query, modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to list lineage: %w", err)
	}
	defer rows.Close()

	var edges []models.LineageEdge
	for rows.Next() {
		var e models.LineageEdge
		err := rows.Scan(&e.ID, &e.SourceModel, &e.TargetModel, &e.SourceColumn, &e.TargetColumn, &e.TransformationType, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lineage edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lineage: %w", err)
	}

	return edges, nil
}

// ============================================================================
// Documentation
// ============================================================================

func (r *dbtRunRepository) UpsertDocumentation(ctx context.Context, doc *models.DBTDocumentation) error {
	doc.UpdatedAt = time.Now()
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Format == "" {
		doc.Format = models.DocumentationFormatMarkdown
	}

	query := `
		INSERT INTO metadata.dbt_documentation (id, model_name, column_name, content, format, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (model_name, column_name) DO UPDATE SET
			content = EXCLUDED.content,
			format = EXCLUDED.format,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		doc.ID, doc.ModelName, doc.ColumnName, doc.Content, doc.Format, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert documentation: %w", err)
	}

	return nil
}

func (r *dbtRunRepository) ListDocumentation(ctx context.Context, modelName string) ([]*models.DBTDocumentation, error) {
	query := `
		SELECT id, model_name, column_name, content, format, updated_at
		FROM metadata.dbt_documentation
		WHERE model_name = $1
		ORDER BY column_name`

	rows, err := r.pool.Query(ctx, query, modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to list documentation: %w", err)
	}
	defer rows.Close()

	var docs []*models.DBTDocumentation
	for rows.Next() {
		var d models.DBTDocumentation
		err := rows.Scan(&d.ID, &d.ModelName, &d.ColumnName, &d.Content, &d.Format, &d.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan documentation: %w", err)
		}
		docs = append(docs, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documentation: %w", err)
	}

	return docs, nil
}

func collectModelRuns(rows pgx.Rows) ([]*models.ModelRun, error) {
	var runs []*models.ModelRun
	for rows.Next() {
		var run models.ModelRun
		err := rows.Scan(
			&run.ID, &run.RunID, &run.ModelName, &run.Status, &run.CompiledSQL, &run.ExecutedSQL,
			&run.RowsAffected, &run.DurationSeconds, &run.ErrorMessage, &run.StartedAt, &run.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model run: %w", err)
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating model runs: %w", err)
	}
	return runs, nil
}

func collectDBTTests(rows pgx.Rows) ([]*models.DBTTest, error) {
	var tests []*models.DBTTest
	for rows.Next() {
		var t models.DBTTest
		err := rows.Scan(&t.ID, &t.TestName, &t.ModelName, &t.TestType, &t.ColumnName, &t.TestConfig, &t.Severity, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan test: %w", err)
		}
		tests = append(tests, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tests: %w", err)
	}
	return tests, nil
}
