package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/sluicedata/sluice/pkg/jsonutil"
)

// ============================================================================
// Execution Status
// ============================================================================

// ExecutionStatus is the lifecycle state of a workflow or task execution.
// State machine:
//
//	PENDING → RUNNING → SUCCESS | FAILED | CANCELLED
//	               ↓
//	          RETRYING → RUNNING
//
//	Conditional and dependency-skipped tasks move PENDING → SKIPPED.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusSuccess   ExecutionStatus = "SUCCESS"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
	ExecutionStatusSkipped   ExecutionStatus = "SKIPPED"
	ExecutionStatusRetrying  ExecutionStatus = "RETRYING"
)

// ValidExecutionStatuses contains all valid execution status values.
var ValidExecutionStatuses = []ExecutionStatus{
	ExecutionStatusPending,
	ExecutionStatusRunning,
	ExecutionStatusSuccess,
	ExecutionStatusFailed,
	ExecutionStatusCancelled,
	ExecutionStatusSkipped,
	ExecutionStatusRetrying,
}

// IsValidExecutionStatus checks if the given status is valid.
func IsValidExecutionStatus(s ExecutionStatus) bool {
	for _, v := range ValidExecutionStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal returns true when no further transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusCancelled, ExecutionStatusSkipped:
		return true
	default:
		return false
	}
}

// ============================================================================
// Rollback Status
// ============================================================================

// RollbackStatus tracks compensating-action progress on a failed execution.
type RollbackStatus string

const (
	RollbackStatusPending    RollbackStatus = "PENDING"
	RollbackStatusInProgress RollbackStatus = "IN_PROGRESS"
	RollbackStatusCompleted  RollbackStatus = "COMPLETED"
	RollbackStatusFailed     RollbackStatus = "FAILED"
)

// ValidRollbackStatuses contains all valid rollback status values.
var ValidRollbackStatuses = []RollbackStatus{
	RollbackStatusPending,
	RollbackStatusInProgress,
	RollbackStatusCompleted,
	RollbackStatusFailed,
}

// IsValidRollbackStatus checks if the given status is valid.
func IsValidRollbackStatus(s RollbackStatus) bool {
	for _, v := range ValidRollbackStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// ============================================================================
// Workflow Execution
// ============================================================================

// WorkflowExecution is one run of a workflow. Executions are append-only;
// counters are updated while tasks finish and frozen at terminal status.
type WorkflowExecution struct {
	ID              uuid.UUID         `json:"id"`
	WorkflowName    string            `json:"workflow_name"`
	Status          ExecutionStatus   `json:"status"`
	TriggerType     TriggerType       `json:"trigger_type"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	DurationSeconds *float64          `json:"duration_seconds,omitempty"`
	TotalTasks      int               `json:"total_tasks"`
	CompletedTasks  int               `json:"completed_tasks"`
	FailedTasks     int               `json:"failed_tasks"`
	SkippedTasks    int               `json:"skipped_tasks"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
	RollbackStatus  *RollbackStatus   `json:"rollback_status,omitempty"`
	Metadata        jsonutil.Document `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// TaskExecution is one attempt series of a single task within a workflow
// execution. RetryCount records how many retries were consumed.
type TaskExecution struct {
	ID              uuid.UUID         `json:"id"`
	ExecutionID     uuid.UUID         `json:"execution_id"`
	WorkflowName    string            `json:"workflow_name"`
	TaskName        string            `json:"task_name"`
	Status          ExecutionStatus   `json:"status"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	DurationSeconds *float64          `json:"duration_seconds,omitempty"`
	RetryCount      int               `json:"retry_count"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
	TaskOutput      jsonutil.Document `json:"task_output,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}
