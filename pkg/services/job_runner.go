package services

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/adapters/source"
	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/logging"
	"github.com/sluicedata/sluice/pkg/models"
	"github.com/sluicedata/sluice/pkg/repositories"
	"github.com/sluicedata/sluice/pkg/sqlsafe"
)

// maxCapturedRows bounds the result rows persisted per job run; the full
// count is always recorded in row_count.
const maxCapturedRows = 100

// JobService executes registered custom SQL jobs. Jobs with an empty
// connection run on the lake; others open the named source through the
// adapter registry. Parameter values are screened for injection before any
// SQL is touched.
type JobService struct {
	jobs   repositories.JobRepository
	lake   LakeExecutor
	logger *zap.Logger
}

// NewJobService wires the job runner.
func NewJobService(jobs repositories.JobRepository, lake LakeExecutor, logger *zap.Logger) *JobService {
	return &JobService{
		jobs:   jobs,
		lake:   lake,
		logger: logger.Named("jobs"),
	}
}

var _ JobExecutor = (*JobService)(nil)

// RunJob executes one job run and records it in job_results. executionID
// links the result to a workflow execution; ad-hoc runs pass nil.
func (s *JobService) RunJob(ctx context.Context, name string, params jsonutil.Document, executionID *uuid.UUID) (jsonutil.Document, error) {
	job, err := s.jobs.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !job.Enabled {
		return nil, fmt.Errorf("job %q is disabled: %w", name, apperrors.ErrUnavailable)
	}

	started := time.Now()
	rows, rowCount, runErr := s.execute(ctx, job, params)
	duration := time.Since(started).Seconds()

	result := &models.JobResult{
		ID:              uuid.New(),
		JobName:         job.Name,
		ExecutionID:     executionID,
		Status:          models.RunStatusSuccess,
		RowCount:        rowCount,
		Rows:            capRows(rows),
		DurationSeconds: duration,
		CreatedAt:       time.Now().UTC(),
	}
	if runErr != nil {
		msg := runErr.Error()
		result.Status = models.RunStatusError
		result.ErrorMessage = &msg
	}

	// Bookkeeping failure is logged, never allowed to mask the run outcome.
	if err := s.jobs.CreateResult(ctx, result); err != nil {
		s.logger.Error("failed to record job result",
			zap.String("job", job.Name),
			zap.Error(err))
	}

	if runErr != nil {
		return nil, runErr
	}

	s.logger.Info("job completed",
		zap.String("job", job.Name),
		zap.Int64("row_count", rowCount),
		zap.Float64("duration_seconds", duration))

	output := jsonutil.Document{
		"job":       job.Name,
		"status":    string(models.RunStatusSuccess),
		"row_count": rowCount,
	}
	if captured := capRows(rows); len(captured) > 0 {
		items := make([]any, len(captured))
		for i, doc := range captured {
			items[i] = map[string]any(doc)
		}
		output["rows"] = items
	}
	return output, nil
}

func (s *JobService) execute(ctx context.Context, job *models.CustomJob, params jsonutil.Document) ([]jsonutil.Document, int64, error) {
	if hits := sqlsafe.CheckAllParameters(params); len(hits) > 0 {
		return nil, 0, fmt.Errorf("parameter %q: %w", hits[0].ParamName, apperrors.ErrInjectionDetected)
	}

	validation := sqlsafe.ValidateAndNormalize(job.SQLContent)
	if validation.Error != nil {
		return nil, 0, fmt.Errorf("job sql rejected: %w", validation.Error)
	}
	query := validation.NormalizedSQL

	if err := sqlsafe.ValidateParameterDefinitions(query, job.Parameters); err != nil {
		return nil, 0, fmt.Errorf("job parameters invalid: %w", err)
	}
	for _, def := range job.Parameters {
		if !def.Required {
			continue
		}
		if _, ok := params[def.Name]; !ok && def.Default == nil {
			return nil, 0, fmt.Errorf("required parameter %q missing: %w", def.Name, apperrors.ErrInvalidConfig)
		}
	}

	if job.Connection == "" {
		return s.runOnLake(ctx, query, job.Parameters, params)
	}
	return s.runOnSource(ctx, job, query, params)
}

func (s *JobService) runOnLake(ctx context.Context, query string, defs []models.JobParameter, params jsonutil.Document) ([]jsonutil.Document, int64, error) {
	bound, args, err := sqlsafe.SubstituteParameters(query, defs, params)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to bind job parameters: %w", err)
	}

	rows, err := s.lake.Query(ctx, bound, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to run job on lake: %w", err)
	}
	docs, err := collectPgxRows(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read job rows: %w", err)
	}

	count := int64(len(docs))
	if count == 0 {
		count = rows.CommandTag().RowsAffected()
	}
	return docs, count, nil
}

// runOnSource inlines screened parameter values as literals: the adapter
// Query surface is driver-agnostic and takes no bind arguments.
func (s *JobService) runOnSource(ctx context.Context, job *models.CustomJob, query string, params jsonutil.Document) ([]jsonutil.Document, int64, error) {
	conn, err := OpenConnection(ctx, job.Connection, s.logger)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open job connection %s: %w",
			logging.SanitizeConnectionString(job.Connection), err)
	}
	defer func() {
		if cerr := conn.Close(context.Background()); cerr != nil {
			s.logger.Warn("failed to close job connection", zap.Error(cerr))
		}
	}()

	inlined := inlineJobParameters(query, job.Parameters, params)
	result, err := conn.Query(ctx, inlined, source.MaxQueryLimit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to run job on %s: %w", conn.Engine(), err)
	}
	return result.Rows, int64(len(result.Rows)), nil
}

func capRows(rows []jsonutil.Document) []jsonutil.Document {
	if len(rows) > maxCapturedRows {
		return rows[:maxCapturedRows]
	}
	return rows
}

// collectPgxRows drains a pgx result set into documents keyed by column
// name. The caller may read the command tag afterwards.
func collectPgxRows(rows pgx.Rows) ([]jsonutil.Document, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var docs []jsonutil.Document
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		doc := make(jsonutil.Document, len(fields))
		for i, field := range fields {
			doc[field.Name] = values[i]
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

var jobParamPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// inlineJobParameters renders parameter values as SQL literals. Values have
// already passed the injection screen; strings are additionally
// quote-escaped.
func inlineJobParameters(query string, defs []models.JobParameter, supplied jsonutil.Document) string {
	defaults := make(map[string]any, len(defs))
	for _, def := range defs {
		defaults[def.Name] = def.Default
	}

	return jobParamPattern.ReplaceAllStringFunc(query, func(match string) string {
		name := jobParamPattern.FindStringSubmatch(match)[1]
		value, ok := supplied[name]
		if !ok {
			value, ok = defaults[name]
			if !ok {
				return match
			}
		}
		return sqlLiteral(value)
	})
}

func sqlLiteral(v any) string {
	switch value := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(value, "'", "''") + "'"
	case bool:
		if value {
			return "TRUE"
		}
		return "FALSE"
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case time.Time:
		return "'" + value.UTC().Format(time.RFC3339) + "'"
	default:
		return "'" + strings.ReplaceAll(fmt.Sprintf("%v", value), "'", "''") + "'"
	}
}
