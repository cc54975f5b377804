package dbt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/logging"
	"github.com/sluicedata/sluice/pkg/models"
	"github.com/sluicedata/sluice/pkg/sqlsafe"
)

// runDeclaredTests registers the model's column tests, then executes every
// test declared for the model under the shared run id. It returns the
// pass/fail tally and an error when any failing or erroring test carries
// ERROR severity.
func (e *Executor) runDeclaredTests(ctx context.Context, model *models.DBTModel, compiler *Compiler, runID uuid.UUID) (int, int, error) {
	e.syncColumnTests(ctx, model)

	tests, err := e.runs.ListTestsForModel(ctx, model.ModelName)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list tests for model %s: %w", model.ModelName, err)
	}
	if len(tests) == 0 {
		return 0, 0, nil
	}

	var passed, failed int
	var gating []string
	for _, test := range tests {
		switch e.runTest(ctx, model, test, compiler, runID) {
		case models.TestStatusPass:
			passed++
		case models.TestStatusSkipped:
			// recorded but never counted
		default:
			failed++
			if severityFor(test) == models.TestSeverityError {
				gating = append(gating, test.TestName)
			}
		}
	}

	if len(gating) > 0 {
		return passed, failed, fmt.Errorf("model %s failed data tests: %s",
			model.ModelName, strings.Join(gating, ", "))
	}
	return passed, failed, nil
}

// syncColumnTests upserts the model's declared column tests into the test
// registry so they run alongside tests registered directly. Test names are
// deterministic so re-registration updates in place.
func (e *Executor) syncColumnTests(ctx context.Context, model *models.DBTModel) {
	for _, col := range model.Columns {
		for _, declared := range col.Tests {
			column := col.Name
			test := &models.DBTTest{
				TestName:   fmt.Sprintf("%s_%s_%s", model.ModelName, col.Name, strings.ToLower(string(declared.Type))),
				ModelName:  model.ModelName,
				TestType:   declared.Type,
				ColumnName: &column,
				TestConfig: declared.Config,
				Severity:   declared.Severity,
			}
			if test.Severity == "" {
				test.Severity = models.TestSeverityError
			}
			if err := e.runs.UpsertTest(ctx, test); err != nil {
				e.logger.Warn("failed to register column test",
					zap.String("model", model.ModelName),
					zap.String("test", test.TestName),
					zap.Error(err))
			}
		}
	}
}

// runTest executes one test and persists its result row. Unknown test types
// record as skipped, missing prerequisites and execution failures as error.
func (e *Executor) runTest(ctx context.Context, model *models.DBTModel, test *models.DBTTest, compiler *Compiler, runID uuid.UUID) models.TestStatus {
	started := time.Now().UTC()

	status, violations, evalErr := e.evaluateTest(ctx, model, test, compiler)

	result := &models.DBTTestResult{
		RunID:           runID,
		TestName:        test.TestName,
		ModelName:       model.ModelName,
		Status:          status,
		RowsAffected:    violations,
		DurationSeconds: time.Since(started).Seconds(),
		ExecutedAt:      started,
	}
	if evalErr != nil {
		msg := logging.TruncateString(evalErr.Error(), maxStoredError)
		result.ErrorMessage = &msg
	}

	if err := e.runs.CreateTestResult(ctx, result); err != nil {
		e.logger.Warn("failed to record test result",
			zap.String("test", test.TestName),
			zap.Error(err))
	}

	if status != models.TestStatusPass && status != models.TestStatusSkipped {
		e.logger.Warn("model test did not pass",
			zap.String("model", model.ModelName),
			zap.String("test", test.TestName),
			zap.String("status", string(status)),
			zap.Int64("violations", violations),
			zap.Error(evalErr))
	}
	return status
}

func (e *Executor) evaluateTest(ctx context.Context, model *models.DBTModel, test *models.DBTTest, compiler *Compiler) (models.TestStatus, int64, error) {
	if !models.IsValidTestType(test.TestType) {
		return models.TestStatusSkipped, 0, fmt.Errorf("unknown test type %q", test.TestType)
	}

	query, err := e.buildTestQuery(model, test, compiler)
	if err != nil {
		return models.TestStatusError, 0, err
	}

	validated := sqlsafe.ValidateAndNormalize(query)
	if validated.Error != nil {
		return models.TestStatusError, 0, fmt.Errorf("test %s produced invalid SQL: %w", test.TestName, validated.Error)
	}

	var violations int64
	if err := e.db.QueryRow(ctx, validated.NormalizedSQL).Scan(&violations); err != nil {
		return models.TestStatusError, 0, fmt.Errorf("failed to run test %s: %w", test.TestName, err)
	}
	if violations == 0 {
		return models.TestStatusPass, 0, nil
	}
	return models.TestStatusFail, violations, nil
}

// buildTestQuery renders the violation-count query for one test. Every
// generated query returns a single row whose first column is the number of
// violating rows; zero means the test passes.
func (e *Executor) buildTestQuery(model *models.DBTModel, test *models.DBTTest, compiler *Compiler) (string, error) {
	rel := relationFor(model)

	column := ""
	if test.ColumnName != nil {
		column = strings.TrimSpace(*test.ColumnName)
	}
	needsColumn := func() (string, error) {
		if column == "" {
			return "", fmt.Errorf("%s test %s requires a column", strings.ToLower(string(test.TestType)), test.TestName)
		}
		return sqlsafe.QuoteIdentifier(column), nil
	}

	switch test.TestType {
	case models.TestTypeNotNull:
		col, err := needsColumn()
		if err != nil {
			return "", err
		}
		return `SELECT COUNT(*) FROM ` + rel + ` WHERE ` + col + ` IS NULL`, nil

	case models.TestTypeUnique:
		col, err := needsColumn()
		if err != nil {
			return "", err
		}
		return `SELECT COUNT(*) FROM (SELECT ` + col + ` FROM ` + rel +
			` GROUP BY ` + col + ` HAVING COUNT(*) > 1) AS duplicated`, nil

	case models.TestTypeRelationships:
		col, err := needsColumn()
		if err != nil {
			return "", err
		}
		to := test.TestConfig.GetString("to")
		if to == "" {
			return "", fmt.Errorf("relationships test %s requires config.to", test.TestName)
		}
		parent, err := compiler.CompileFragment(to)
		if err != nil {
			return "", fmt.Errorf("relationships test %s: %w", test.TestName, err)
		}
		field := sqlsafe.QuoteIdentifier(test.TestConfig.GetStringDefault("field", "id"))
		return `SELECT COUNT(*) FROM ` + rel + ` AS child` +
			` LEFT JOIN ` + parent + ` AS parent ON child.` + col + ` = parent.` + field +
			` WHERE child.` + col + ` IS NOT NULL AND parent.` + field + ` IS NULL`, nil

	case models.TestTypeAcceptedValues:
		col, err := needsColumn()
		if err != nil {
			return "", err
		}
		values := test.TestConfig.GetSlice("values")
		if len(values) == 0 {
			return "", fmt.Errorf("accepted_values test %s requires config.values", test.TestName)
		}
		literals := make([]string, len(values))
		for i, v := range values {
			literals[i] = literalFor(v)
		}
		return `SELECT COUNT(*) FROM ` + rel + ` WHERE ` + col +
			` NOT IN (` + strings.Join(literals, ", ") + `)`, nil

	case models.TestTypeExpression, models.TestTypeCustom:
		raw := test.TestConfig.GetString("sql")
		if raw == "" {
			return "", fmt.Errorf("%s test %s requires config.sql", strings.ToLower(string(test.TestType)), test.TestName)
		}
		compiled, err := compiler.CompileFragment(raw)
		if err != nil {
			return "", fmt.Errorf("%s test %s: %w", strings.ToLower(string(test.TestType)), test.TestName, err)
		}
		return compiled, nil
	}

	return "", fmt.Errorf("unknown test type %q", test.TestType)
}

// severityFor applies the ERROR default for tests registered without one.
func severityFor(test *models.DBTTest) models.TestSeverity {
	if test.Severity == "" {
		return models.TestSeverityError
	}
	return test.Severity
}

// literalFor renders an accepted value as a SQL literal. Strings are quoted
// with embedded quotes doubled; numbers and booleans render bare.
func literalFor(v any) string {
	switch s := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	default:
		return fmt.Sprintf("%v", v)
	}
}
