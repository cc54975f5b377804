package dbt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/logging"
	"github.com/sluicedata/sluice/pkg/models"
	"github.com/sluicedata/sluice/pkg/repositories"
	"github.com/sluicedata/sluice/pkg/sqlsafe"
)

// DefaultSchema is where models without an explicit schema materialize.
const DefaultSchema = "lake"

// maxStoredError bounds error messages persisted on run and test rows.
const maxStoredError = 512

// DB is the lake-side surface compiled model SQL executes against.
// *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Executor compiles registered models, materializes them in the lake and
// records run history, lineage, documentation and data test results.
type Executor struct {
	registry repositories.DBTModelRepository
	runs     repositories.DBTRunRepository
	db       DB
	logger   *zap.Logger
}

// NewExecutor creates a model executor backed by the registry repositories
// and the lake connection.
func NewExecutor(registry repositories.DBTModelRepository, runs repositories.DBTRunRepository, db DB, logger *zap.Logger) *Executor {
	return &Executor{
		registry: registry,
		runs:     runs,
		db:       db,
		logger:   logger.Named("dbt"),
	}
}

// RunModel compiles and materializes one model, then runs its declared
// tests under a shared run id. The returned document summarizes the run.
// A test with ERROR severity that fails or errors makes RunModel return an
// error even though the materialization itself succeeded.
func (e *Executor) RunModel(ctx context.Context, modelName string) (jsonutil.Document, error) {
	model, err := e.registry.GetModel(ctx, modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", modelName, err)
	}

	compiler, err := e.snapshotCompiler(ctx)
	if err != nil {
		return nil, err
	}

	run := &models.ModelRun{
		RunID:     uuid.New(),
		ModelName: model.ModelName,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := e.runs.CreateModelRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create model run: %w", err)
	}

	compiled, refs, err := compiler.Compile(model)
	if err != nil {
		e.failRun(ctx, run, err)
		return nil, err
	}
	run.CompiledSQL = compiled

	validated := sqlsafe.ValidateAndNormalize(compiled)
	if validated.Error != nil {
		err := fmt.Errorf("model %s compiled to invalid SQL: %w", model.ModelName, validated.Error)
		e.failRun(ctx, run, err)
		return nil, err
	}
	compiled = validated.NormalizedSQL

	e.persistLineage(ctx, model, compiled, refs)

	statements, rowsAffected, err := e.materialize(ctx, model, compiled)
	if err != nil {
		e.failRun(ctx, run, err)
		return nil, err
	}

	now := time.Now().UTC()
	run.Status = models.RunStatusSuccess
	run.ExecutedSQL = strings.Join(statements, ";\n")
	run.RowsAffected = rowsAffected
	run.DurationSeconds = now.Sub(run.StartedAt).Seconds()
	run.CompletedAt = &now
	if err := e.runs.UpdateModelRun(ctx, run); err != nil {
		e.logger.Warn("failed to record model run result",
			zap.String("model", model.ModelName),
			zap.Error(err))
	}
	if err := e.registry.SetLastRunStatus(ctx, model.ModelName, models.RunStatusSuccess); err != nil {
		e.logger.Warn("failed to update model run status",
			zap.String("model", model.ModelName),
			zap.Error(err))
	}

	e.captureDocumentation(ctx, model)

	passed, failed, gateErr := e.runDeclaredTests(ctx, model, compiler, run.RunID)

	e.logger.Info("model run finished",
		zap.String("model", model.ModelName),
		zap.String("materialization", string(model.Materialization)),
		zap.Int64("rows_affected", rowsAffected),
		zap.Int("tests_passed", passed),
		zap.Int("tests_failed", failed))

	if gateErr != nil {
		return nil, gateErr
	}

	return jsonutil.Document{
		"model":           model.ModelName,
		"materialization": string(model.Materialization),
		"status":          string(models.RunStatusSuccess),
		"rows_affected":   rowsAffected,
		"run_id":          run.RunID.String(),
		"tests_passed":    passed,
		"tests_failed":    failed,
	}, nil
}

// snapshotCompiler loads the full registry once per run so nested ref and
// macro resolution sees a consistent view.
func (e *Executor) snapshotCompiler(ctx context.Context) (*Compiler, error) {
	modelList, err := e.registry.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	macroList, err := e.registry.ListMacros(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list macros: %w", err)
	}
	sourceList, err := e.registry.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	return NewCompiler(modelList, macroList, sourceList, e.logger), nil
}

// materialize runs the DDL/DML for the model's materialization and returns
// the executed statements plus the row count of the resulting relation.
// Ephemeral models execute nothing; running one directly only proves it
// compiles.
func (e *Executor) materialize(ctx context.Context, model *models.DBTModel, compiled string) ([]string, int64, error) {
	if model.Materialization == models.MaterializationEphemeral {
		return nil, 0, nil
	}

	schema := model.SchemaName
	if schema == "" {
		schema = DefaultSchema
	}
	rel := relationFor(model)

	var statements []string
	execute := func(stmt string) error {
		if _, err := e.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to materialize %s: %w", model.ModelName, err)
		}
		statements = append(statements, stmt)
		return nil
	}

	if err := execute(`CREATE SCHEMA IF NOT EXISTS ` + sqlsafe.QuoteIdentifier(schema)); err != nil {
		return nil, 0, err
	}

	switch model.Materialization {
	case models.MaterializationTable:
		if err := execute(`DROP TABLE IF EXISTS ` + rel + ` CASCADE`); err != nil {
			return nil, 0, err
		}
		if err := execute(`CREATE TABLE ` + rel + ` AS ` + compiled); err != nil {
			return nil, 0, err
		}
	case models.MaterializationView:
		if err := execute(`DROP VIEW IF EXISTS ` + rel + ` CASCADE`); err != nil {
			return nil, 0, err
		}
		if err := execute(`CREATE VIEW ` + rel + ` AS ` + compiled); err != nil {
			return nil, 0, err
		}
	case models.MaterializationIncremental:
		if err := e.materializeIncremental(ctx, model, schema, rel, compiled, execute); err != nil {
			return nil, 0, err
		}
	default:
		return nil, 0, fmt.Errorf("model %s has unsupported materialization %q: %w",
			model.ModelName, model.Materialization, apperrors.ErrInvalidConfig)
	}

	rows, err := e.countRows(ctx, rel)
	if err != nil {
		return nil, 0, err
	}
	return statements, rows, nil
}

// materializeIncremental appends the compiled result set to an existing
// target, deleting matching rows first when a unique key is configured. A
// missing target is built like a TABLE materialization.
func (e *Executor) materializeIncremental(ctx context.Context, model *models.DBTModel, schema, rel, compiled string, execute func(string) error) error {
	exists, err := e.relationExists(ctx, schema, model.ModelName)
	if err != nil {
		return err
	}
	if !exists {
		return execute(`CREATE TABLE ` + rel + ` AS ` + compiled)
	}

	if key := model.UniqueKey(); key != "" {
		quoted := sqlsafe.QuoteIdentifier(key)
		del := `DELETE FROM ` + rel + ` WHERE ` + quoted +
			` IN (SELECT ` + quoted + ` FROM (` + compiled + `) AS incoming)`
		if err := execute(del); err != nil {
			return err
		}
	}
	return execute(`INSERT INTO ` + rel + ` ` + compiled)
}

func (e *Executor) relationExists(ctx context.Context, schema, table string) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = $1 AND table_name = $2
	)`

	var exists bool
	if err := e.db.QueryRow(ctx, query, schema, table).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check relation %s.%s: %w", schema, table, err)
	}
	return exists, nil
}

func (e *Executor) countRows(ctx context.Context, rel string) (int64, error) {
	var count int64
	if err := e.db.QueryRow(ctx, `SELECT COUNT(*) FROM `+rel).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", rel, err)
	}
	return count, nil
}

// failRun marks the run and the model's last status as errored. Bookkeeping
// failures are logged, not returned: the original error is what matters.
func (e *Executor) failRun(ctx context.Context, run *models.ModelRun, cause error) {
	now := time.Now().UTC()
	msg := logging.TruncateString(cause.Error(), maxStoredError)

	run.Status = models.RunStatusError
	run.ErrorMessage = &msg
	run.DurationSeconds = now.Sub(run.StartedAt).Seconds()
	run.CompletedAt = &now
	if err := e.runs.UpdateModelRun(ctx, run); err != nil {
		e.logger.Warn("failed to record model run failure",
			zap.String("model", run.ModelName),
			zap.Error(err))
	}
	if err := e.registry.SetLastRunStatus(ctx, run.ModelName, models.RunStatusError); err != nil {
		e.logger.Warn("failed to update model run status",
			zap.String("model", run.ModelName),
			zap.Error(err))
	}
}

func (e *Executor) persistLineage(ctx context.Context, model *models.DBTModel, compiled string, refs []Reference) {
	edges := buildLineage(model.ModelName, compiled, refs)
	if err := e.runs.ReplaceLineage(ctx, model.ModelName, edges); err != nil {
		e.logger.Warn("failed to record lineage",
			zap.String("model", model.ModelName),
			zap.Error(err))
	}
}

// captureDocumentation upserts the model's documentation and column
// descriptions as markdown rows. Failures only warn; docs never block a run.
func (e *Executor) captureDocumentation(ctx context.Context, model *models.DBTModel) {
	upsert := func(column, content string) {
		if strings.TrimSpace(content) == "" {
			return
		}
		doc := &models.DBTDocumentation{
			ModelName:  model.ModelName,
			ColumnName: column,
			Content:    content,
			Format:     models.DocumentationFormatMarkdown,
		}
		if err := e.runs.UpsertDocumentation(ctx, doc); err != nil {
			e.logger.Warn("failed to record documentation",
				zap.String("model", model.ModelName),
				zap.String("column", column),
				zap.Error(err))
		}
	}

	upsert("", model.Documentation)
	for _, col := range model.Columns {
		upsert(col.Name, col.Description)
	}
}

// relationFor is the physical relation a model materializes into. Models
// without an explicit schema land in DefaultSchema.
func relationFor(model *models.DBTModel) string {
	schema := model.SchemaName
	if schema == "" {
		schema = DefaultSchema
	}
	return sqlsafe.QualifiedTable(schema, model.ModelName)
}
