package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Dependency Types
// ============================================================================

// DependencyType controls when a downstream task becomes ready relative to
// one upstream task's terminal status.
type DependencyType string

const (
	// DependencyTypeSuccess requires the upstream to finish SUCCESS (or be
	// SKIPPED); an upstream failure blocks the downstream permanently.
	DependencyTypeSuccess DependencyType = "SUCCESS"
	// DependencyTypeCompletion admits any terminal upstream status,
	// including FAILED and CANCELLED.
	DependencyTypeCompletion DependencyType = "COMPLETION"
	// DependencyTypeSkipOnFailure runs the downstream on upstream success
	// and marks it SKIPPED on upstream failure.
	DependencyTypeSkipOnFailure DependencyType = "SKIP_ON_FAILURE"
)

// ValidDependencyTypes contains all valid dependency type values.
var ValidDependencyTypes = []DependencyType{
	DependencyTypeSuccess,
	DependencyTypeCompletion,
	DependencyTypeSkipOnFailure,
}

// IsValidDependencyType checks if the given dependency type is valid.
func IsValidDependencyType(t DependencyType) bool {
	for _, v := range ValidDependencyTypes {
		if v == t {
			return true
		}
	}
	return false
}

// DependencyOutcome is the effect of one terminal upstream status on a
// downstream task.
type DependencyOutcome int

const (
	// DependencyWait means the upstream has not reached a status that
	// resolves this edge; the downstream keeps waiting.
	DependencyWait DependencyOutcome = iota
	// DependencyReady means this edge no longer blocks the downstream.
	DependencyReady
	// DependencySkip means the downstream must finish SKIPPED without
	// running.
	DependencySkip
	// DependencyBlocked means the downstream can never run; it is resolved
	// as CANCELLED.
	DependencyBlocked
)

// Evaluate resolves this edge given the upstream task's current status.
func (d DependencyType) Evaluate(upstream ExecutionStatus) DependencyOutcome {
	if !upstream.IsTerminal() {
		return DependencyWait
	}
	switch d {
	case DependencyTypeCompletion:
		return DependencyReady
	case DependencyTypeSkipOnFailure:
		if upstream == ExecutionStatusSuccess || upstream == ExecutionStatusSkipped {
			return DependencyReady
		}
		return DependencySkip
	default: // SUCCESS and unrecognized values take the strict path
		if upstream == ExecutionStatusSuccess || upstream == ExecutionStatusSkipped {
			return DependencyReady
		}
		return DependencyBlocked
	}
}

// ============================================================================
// Task Dependency
// ============================================================================

// TaskDependency is one edge of a workflow DAG. (WorkflowName, UpstreamTask,
// DownstreamTask) is unique and upstream must differ from downstream.
type TaskDependency struct {
	ID                  uuid.UUID      `json:"id"`
	WorkflowName        string         `json:"workflow_name"`
	UpstreamTask        string         `json:"upstream_task"`
	DownstreamTask      string         `json:"downstream_task"`
	DependencyType      DependencyType `json:"dependency_type"`
	ConditionExpression *string        `json:"condition_expression,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}
