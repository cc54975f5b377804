package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/sluicedata/sluice/pkg/jsonutil"
)

// ============================================================================
// Materializations
// ============================================================================

// Materialization selects how a model's compiled SQL lands in the lake.
type Materialization string

const (
	// MaterializationTable drops and recreates the target table.
	MaterializationTable Materialization = "TABLE"
	// MaterializationView drops and recreates the target view.
	MaterializationView Materialization = "VIEW"
	// MaterializationIncremental appends into an existing target, upserting
	// on config.unique_key when provided.
	MaterializationIncremental Materialization = "INCREMENTAL"
	// MaterializationEphemeral is never materialized; the compiled SQL is
	// inlined into models that ref it.
	MaterializationEphemeral Materialization = "EPHEMERAL"
)

// ValidMaterializations contains all valid materialization values.
var ValidMaterializations = []Materialization{
	MaterializationTable,
	MaterializationView,
	MaterializationIncremental,
	MaterializationEphemeral,
}

// IsValidMaterialization checks if the given materialization is valid.
func IsValidMaterialization(m Materialization) bool {
	for _, v := range ValidMaterializations {
		if v == m {
			return true
		}
	}
	return false
}

// ============================================================================
// Models
// ============================================================================

// ColumnTest declares one test attached to a model column, expanded into a
// DBTTest row when the model runs.
type ColumnTest struct {
	Type     TestType          `json:"type" yaml:"type"`
	Config   jsonutil.Document `json:"config,omitempty" yaml:"config,omitempty"`
	Severity TestSeverity      `json:"severity,omitempty" yaml:"severity,omitempty"`
}

// ModelColumn documents one output column of a model.
type ModelColumn struct {
	Name        string       `json:"name" yaml:"name"`
	DataType    string       `json:"data_type,omitempty" yaml:"data_type,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Tests       []ColumnTest `json:"tests,omitempty" yaml:"tests,omitempty"`
}

// DBTModel is a SQL transformation managed by the model executor. ModelName
// is unique. SQLContent holds the raw template before macro, ref and source
// expansion. Config carries materialization options such as unique_key.
type DBTModel struct {
	ID              uuid.UUID         `json:"id"`
	ModelName       string            `json:"model_name"`
	Materialization Materialization   `json:"materialization"`
	SchemaName      string            `json:"schema_name"`
	SQLContent      string            `json:"sql_content"`
	DependsOn       []string          `json:"depends_on,omitempty"`
	Columns         []ModelColumn     `json:"columns,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	Config          jsonutil.Document `json:"config,omitempty"`
	Documentation   string            `json:"documentation,omitempty"`
	Version         int               `json:"version"`
	GitCommit       string            `json:"git_commit,omitempty"`
	GitBranch       string            `json:"git_branch,omitempty"`
	LastRunStatus   *RunStatus        `json:"last_run_status,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// QualifiedName returns the schema-qualified target relation name.
func (m *DBTModel) QualifiedName() string {
	if m.SchemaName == "" {
		return m.ModelName
	}
	return m.SchemaName + "." + m.ModelName
}

// UniqueKey returns the incremental upsert key from config, or "".
func (m *DBTModel) UniqueKey() string {
	return m.Config.GetString("unique_key")
}

// ============================================================================
// Macros and Sources
// ============================================================================

// DBTMacro is a reusable SQL fragment. Parameters are positional names
// substituted into the body's {{ name }} placeholders at expansion time.
type DBTMacro struct {
	ID          uuid.UUID `json:"id"`
	MacroName   string    `json:"macro_name"`
	Parameters  []string  `json:"parameters,omitempty"`
	MacroSQL    string    `json:"macro_sql"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DBTSource registers an external relation addressable as
// {{ source('source_name', 'table_name') }}. (SourceName, TableName) is
// unique.
type DBTSource struct {
	ID          uuid.UUID `json:"id"`
	SourceName  string    `json:"source_name"`
	TableName   string    `json:"table_name"`
	SchemaName  string    `json:"schema_name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// QualifiedName returns the schema-qualified relation the source points at.
func (s *DBTSource) QualifiedName() string {
	if s.SchemaName == "" {
		return s.TableName
	}
	return s.SchemaName + "." + s.TableName
}

// ============================================================================
// Model Runs
// ============================================================================

// ModelRun records one execution of a model. RunID is shared with the test
// results produced by the same executor pass.
type ModelRun struct {
	ID              uuid.UUID  `json:"id"`
	RunID           uuid.UUID  `json:"run_id"`
	ModelName       string     `json:"model_name"`
	Status          RunStatus  `json:"status"`
	CompiledSQL     string     `json:"compiled_sql,omitempty"`
	ExecutedSQL     string     `json:"executed_sql,omitempty"`
	RowsAffected    int64      `json:"rows_affected"`
	DurationSeconds float64    `json:"duration_seconds"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}
