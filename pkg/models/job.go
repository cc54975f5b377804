package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/sluicedata/sluice/pkg/jsonutil"
)

// ============================================================================
// Run Status
// ============================================================================

// RunStatus is the lifecycle of a single job or model run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// ValidRunStatuses contains all valid run status values.
var ValidRunStatuses = []RunStatus{
	RunStatusRunning,
	RunStatusSuccess,
	RunStatusError,
}

// IsValidRunStatus checks if the given status is valid.
func IsValidRunStatus(s RunStatus) bool {
	for _, v := range ValidRunStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// ============================================================================
// Custom Jobs
// ============================================================================

// JobParameter declares one named parameter of a custom job's SQL. Type is
// informational ("string", "int", "date"); Default applies when the caller
// omits a non-required parameter.
type JobParameter struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type,omitempty" yaml:"type,omitempty"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default  any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// CustomJob is a stored parameterized SQL job. SQLContent carries {{param}}
// placeholders bound at execution time. An empty Connection runs the job on
// the lake database.
type CustomJob struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	SQLContent  string         `json:"sql_content"`
	Parameters  []JobParameter `json:"parameters,omitempty"`
	Connection  string         `json:"connection,omitempty"`
	Enabled     bool           `json:"enabled"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// JobResult records one custom-job run. Rows holds the result set for
// queries, bounded by the runner's capture limit.
type JobResult struct {
	ID              uuid.UUID           `json:"id"`
	JobName         string              `json:"job_name"`
	ExecutionID     *uuid.UUID          `json:"execution_id,omitempty"`
	Status          RunStatus           `json:"status"`
	RowCount        int64               `json:"row_count"`
	Rows            []jsonutil.Document `json:"rows,omitempty"`
	ErrorMessage    *string             `json:"error_message,omitempty"`
	DurationSeconds float64             `json:"duration_seconds"`
	CreatedAt       time.Time           `json:"created_at"`
}
