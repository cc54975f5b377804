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

// DBTModelRepository provides data access for transformation models, macros
// and declared sources.
type DBTModelRepository interface {
	UpsertModel(ctx context.Context, model *models.DBTModel) error
	GetModel(ctx context.Context, modelName string) (*models.DBTModel, error)
	ListModels(ctx context.Context) ([]*models.DBTModel, error)
	DeleteModel(ctx context.Context, modelName string) error
	SetLastRunStatus(ctx context.Context, modelName string, status models.RunStatus) error

	UpsertMacro(ctx context.Context, macro *models.DBTMacro) error
	ListMacros(ctx context.Context) ([]*models.DBTMacro, error)

	UpsertSource(ctx context.Context, source *models.DBTSource) error
	GetSource(ctx context.Context, sourceName, tableName string) (*models.DBTSource, error)
	ListSources(ctx context.Context) ([]*models.DBTSource, error)
}

type dbtModelRepository struct {
	pool *pgxpool.Pool
}

// NewDBTModelRepository creates a new model repository.
func NewDBTModelRepository(pool *pgxpool.Pool) DBTModelRepository {
	return &dbtModelRepository{pool: pool}
}

var _ DBTModelRepository = (*dbtModelRepository)(nil)

const dbtModelColumns = `id, model_name, materialization, schema_name, sql_content,
	depends_on, columns, tags, config, documentation,
	version, git_commit, git_branch, last_run_status, created_at, updated_at`

// UpsertModel registers a model or refreshes its definition. The stored
// version number increments only when the SQL content actually changed, so
// re-registering an identical model is a no-op for history purposes.
func (r *dbtModelRepository) UpsertModel(ctx context.Context, model *models.DBTModel) error {
	now := time.Now()
	model.UpdatedAt = now
	if model.ID == uuid.Nil {
		model.ID = uuid.New()
		model.CreatedAt = now
	}
	if model.Version == 0 {
		model.Version = 1
	}

	query := `
		INSERT INTO metadata.dbt_models (
			id, model_name, materialization, schema_name, sql_content,
			depends_on, columns, tags, config, documentation,
			version, git_commit, git_branch, last_run_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (model_name) DO UPDATE SET
			materialization = EXCLUDED.materialization,
			schema_name = EXCLUDED.schema_name,
			sql_content = EXCLUDED.sql_content,
			depends_on = EXCLUDED.depends_on,
			columns = EXCLUDED.columns,
			tags = EXCLUDED.tags,
			config = EXCLUDED.config,
			documentation = EXCLUDED.documentation,
			version = CASE WHEN metadata.dbt_models.sql_content IS DISTINCT FROM EXCLUDED.sql_content
				THEN metadata.dbt_models.version + 1
				ELSE metadata.dbt_models.version END,
			git_commit = EXCLUDED.git_commit,
			git_branch = EXCLUDED.git_branch,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + dbtModelColumns

	row := r.pool.QueryRow(ctx, query,
		model.ID, model.ModelName, model.Materialization, model.SchemaName, model.SQLContent,
		model.DependsOn, model.Columns, model.Tags, model.Config, model.Documentation,
		model.Version, model.GitCommit, model.GitBranch, model.LastRunStatus, model.CreatedAt, model.UpdatedAt,
	)

	stored, err := scanDBTModelRow(row)
	if err != nil {
		return fmt.Errorf("failed to upsert model: %w", err)
	}
	*model = *stored

	return nil
}

func (r *dbtModelRepository) GetModel(ctx context.Context, modelName string) (*models.DBTModel, error) {
	query := `SELECT ` + dbtModelColumns + ` FROM metadata.dbt_models WHERE model_name = $1`

	row := r.pool.QueryRow(ctx, query, modelName)
	model, err := scanDBTModelRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get model: %w", err)
	}
	return model, nil
}

func (r *dbtModelRepository) ListModels(ctx context.Context) ([]*models.DBTModel, error) {
	query := `SELECT ` + dbtModelColumns + ` FROM metadata.dbt_models ORDER BY model_name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	var result []*models.DBTModel
	for rows.Next() {
		model, err := scanDBTModelRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		result = append(result, model)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating models: %w", err)
	}

	return result, nil
}

func (r *dbtModelRepository) DeleteModel(ctx context.Context, modelName string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM metadata.dbt_models WHERE model_name = $1`, modelName)
	if err != nil {
		return fmt.Errorf("failed to delete model: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *dbtModelRepository) SetLastRunStatus(ctx context.Context, modelName string, status models.RunStatus) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE metadata.dbt_models SET last_run_status = $2, updated_at = NOW() WHERE model_name = $1`,
		modelName, status,
	)
	if err != nil {
		return fmt.Errorf("failed to update model run status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// ============================================================================
// Macros
// ============================================================================

func (r *dbtModelRepository) UpsertMacro(ctx context.Context, macro *models.DBTMacro) error {
	now := time.Now()
	macro.UpdatedAt = now
	if macro.ID == uuid.Nil {
		macro.ID = uuid.New()
		macro.CreatedAt = now
	}

	query := `
		INSERT INTO metadata.dbt_macros (id, macro_name, parameters, macro_sql, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (macro_name) DO UPDATE SET
			parameters = EXCLUDED.parameters,
			macro_sql = EXCLUDED.macro_sql,
			description = EXCLUDED.description,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		macro.ID, macro.MacroName, macro.Parameters, macro.MacroSQL, macro.Description,
		macro.CreatedAt, macro.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert macro: %w", err)
	}

	return nil
}

func (r *dbtModelRepository) ListMacros(ctx context.Context) ([]*models.DBTMacro, error) {
	query := `SELECT id, macro_name, parameters, macro_sql, description, created_at, updated_at
		FROM metadata.dbt_macros ORDER BY macro_name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list macros: %w", err)
	}
	defer rows.Close()

	var macros []*models.DBTMacro
	for rows.Next() {
		var m models.DBTMacro
		err := rows.Scan(&m.ID, &m.MacroName, &m.Parameters, &m.MacroSQL, &m.Description, &m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan macro: %w", err)
		}
		macros = append(macros, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating macros: %w", err)
	}

	return macros, nil
}

// ============================================================================
// Sources
// ============================================================================

func (r *dbtModelRepository) UpsertSource(ctx context.Context, source *models.DBTSource) error {
	now := time.Now()
	source.UpdatedAt = now
	if source.ID == uuid.Nil {
		source.ID = uuid.New()
		source.CreatedAt = now
	}

	query := `
		INSERT INTO metadata.dbt_sources (id, source_name, table_name, schema_name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_name, table_name) DO UPDATE SET
			schema_name = EXCLUDED.schema_name,
			description = EXCLUDED.description,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		source.ID, source.SourceName, source.TableName, source.SchemaName, source.Description,
		source.CreatedAt, source.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert source: %w", err)
	}

	return nil
}

func (r *dbtModelRepository) GetSource(ctx context.Context, sourceName, tableName string) (*models.DBTSource, error) {
	query := `SELECT id, source_name, table_name, schema_name, description, created_at, updated_at
		FROM metadata.dbt_sources WHERE source_name = $1 AND table_name = $2`

	var s models.DBTSource
	err := r.pool.QueryRow(ctx, query, sourceName, tableName).Scan(
		&s.ID, &s.SourceName, &s.TableName, &s.SchemaName, &s.Description, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return &s, nil
}

func (r *dbtModelRepository) ListSources(ctx context.Context) ([]*models.DBTSource, error) {
	query := `SELECT id, source_name, table_name, schema_name, description, created_at, updated_at
		FROM metadata.dbt_sources ORDER BY source_name, table_name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []*models.DBTSource
	for rows.Next() {
		var s models.DBTSource
		err := rows.Scan(&s.ID, &s.SourceName, &s.TableName, &s.SchemaName, &s.Description, &s.CreatedAt, &s.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sources: %w", err)
	}

	return sources, nil
}

func scanDBTModelRow(row pgx.Row) (*models.DBTModel, error) {
	var m models.DBTModel
	err := row.Scan(
		&m.ID, &m.ModelName, &m.Materialization, &m.SchemaName, &m.SQLContent,
		&m.DependsOn, &m.Columns, &m.Tags, &m.Config, &m.Documentation,
		&m.Version, &m.GitCommit, &m.GitBranch, &m.LastRunStatus, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
