package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/sluicedata/sluice/pkg/jsonutil"
)

// ============================================================================
// Test Types
// ============================================================================

// TestType selects the generated data check for a model test.
type TestType string

const (
	TestTypeNotNull        TestType = "NOT_NULL"
	TestTypeUnique         TestType = "UNIQUE"
	TestTypeRelationships  TestType = "RELATIONSHIPS"
	TestTypeAcceptedValues TestType = "ACCEPTED_VALUES"
	TestTypeExpression     TestType = "EXPRESSION"
	TestTypeCustom         TestType = "CUSTOM"
)

// ValidTestTypes contains all valid test type values.
var ValidTestTypes = []TestType{
	TestTypeNotNull,
	TestTypeUnique,
	TestTypeRelationships,
	TestTypeAcceptedValues,
	TestTypeExpression,
	TestTypeCustom,
}

// IsValidTestType checks if the given test type is valid.
func IsValidTestType(t TestType) bool {
	for _, v := range ValidTestTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ============================================================================
// Test Severity
// ============================================================================

// TestSeverity decides whether a failing test fails the run or only warns.
type TestSeverity string

const (
	TestSeverityError TestSeverity = "ERROR"
	TestSeverityWarn  TestSeverity = "WARN"
)

// ValidTestSeverities contains all valid severity values.
var ValidTestSeverities = []TestSeverity{
	TestSeverityError,
	TestSeverityWarn,
}

// IsValidTestSeverity checks if the given severity is valid.
func IsValidTestSeverity(s TestSeverity) bool {
	for _, v := range ValidTestSeverities {
		if v == s {
			return true
		}
	}
	return false
}

// ============================================================================
// Test Status
// ============================================================================

// TestStatus is the outcome of one test execution.
type TestStatus string

const (
	TestStatusPass    TestStatus = "pass"
	TestStatusFail    TestStatus = "fail"
	TestStatusError   TestStatus = "error"
	TestStatusSkipped TestStatus = "skipped"
)

// ValidTestStatuses contains all valid test status values.
var ValidTestStatuses = []TestStatus{
	TestStatusPass,
	TestStatusFail,
	TestStatusError,
	TestStatusSkipped,
}

// IsValidTestStatus checks if the given status is valid.
func IsValidTestStatus(s TestStatus) bool {
	for _, v := range ValidTestStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// ============================================================================
// Tests
// ============================================================================

// DBTTest is a declared data check on a model. (TestName, ModelName) is
// unique. ColumnName is nil for model-level tests such as EXPRESSION.
// TestConfig carries type-specific options: accepted values, the referenced
// relation for RELATIONSHIPS, or the SQL of a CUSTOM test.
type DBTTest struct {
	ID         uuid.UUID         `json:"id"`
	TestName   string            `json:"test_name"`
	ModelName  string            `json:"model_name"`
	TestType   TestType          `json:"test_type"`
	ColumnName *string           `json:"column_name,omitempty"`
	TestConfig jsonutil.Document `json:"test_config,omitempty"`
	Severity   TestSeverity      `json:"severity"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// DBTTestResult records one test execution. A test passes when its check
// query returns zero rows; RowsAffected counts the violations otherwise.
type DBTTestResult struct {
	ID              uuid.UUID  `json:"id"`
	RunID           uuid.UUID  `json:"run_id"`
	TestName        string     `json:"test_name"`
	ModelName       string     `json:"model_name"`
	Status          TestStatus `json:"status"`
	RowsAffected    int64      `json:"rows_affected"`
	DurationSeconds float64    `json:"duration_seconds"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	ExecutedAt      time.Time  `json:"executed_at"`
}
