package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/sluicedata/sluice/pkg/jsonutil"
)

// ============================================================================
// Task Types
// ============================================================================

// TaskType selects the collaborator that executes a workflow task.
type TaskType string

const (
	TaskTypeCustomJob     TaskType = "CUSTOM_JOB"
	TaskTypeDataWarehouse TaskType = "DATA_WAREHOUSE"
	TaskTypeDataVault     TaskType = "DATA_VAULT"
	TaskTypeSync          TaskType = "SYNC"
	TaskTypeAPICall       TaskType = "API_CALL"
	TaskTypeScript        TaskType = "SCRIPT"
	TaskTypeSubWorkflow   TaskType = "SUB_WORKFLOW"
)

// ValidTaskTypes contains all valid task type values.
var ValidTaskTypes = []TaskType{
	TaskTypeCustomJob,
	TaskTypeDataWarehouse,
	TaskTypeDataVault,
	TaskTypeSync,
	TaskTypeAPICall,
	TaskTypeScript,
	TaskTypeSubWorkflow,
}

// IsValidTaskType checks if the given task type is valid.
func IsValidTaskType(t TaskType) bool {
	for _, v := range ValidTaskTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ============================================================================
// Condition Types
// ============================================================================

// ConditionType classifies a task's guard expression. ALWAYS runs
// unconditionally; IF/ELSE_IF evaluate ConditionExpression; ELSE runs when
// the preceding conditional siblings did not.
type ConditionType string

const (
	ConditionTypeAlways ConditionType = "ALWAYS"
	ConditionTypeIf     ConditionType = "IF"
	ConditionTypeElse   ConditionType = "ELSE"
	ConditionTypeElseIf ConditionType = "ELSE_IF"
)

// ValidConditionTypes contains all valid condition type values.
var ValidConditionTypes = []ConditionType{
	ConditionTypeAlways,
	ConditionTypeIf,
	ConditionTypeElse,
	ConditionTypeElseIf,
}

// IsValidConditionType checks if the given condition type is valid.
func IsValidConditionType(t ConditionType) bool {
	for _, v := range ValidConditionTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ============================================================================
// Loop Types
// ============================================================================

// LoopType marks a task body that runs repeatedly.
type LoopType string

const (
	LoopTypeFor     LoopType = "FOR"
	LoopTypeWhile   LoopType = "WHILE"
	LoopTypeForEach LoopType = "FOREACH"
)

// ValidLoopTypes contains all valid loop type values.
var ValidLoopTypes = []LoopType{
	LoopTypeFor,
	LoopTypeWhile,
	LoopTypeForEach,
}

// IsValidLoopType checks if the given loop type is valid.
func IsValidLoopType(t LoopType) bool {
	for _, v := range ValidLoopTypes {
		if v == t {
			return true
		}
	}
	return false
}

// DefaultMaxLoopIterations caps WHILE loops whose loop_config does not set
// max_iterations.
const DefaultMaxLoopIterations = 100

// ============================================================================
// Workflow Task
// ============================================================================

// WorkflowTask is one node of a workflow DAG. (WorkflowName, TaskName) is
// unique. TaskConfig is opaque to the executor and interpreted by the
// collaborator selected by TaskType.
type WorkflowTask struct {
	ID                  uuid.UUID         `json:"id"`
	WorkflowName        string            `json:"workflow_name"`
	TaskName            string            `json:"task_name"`
	TaskType            TaskType          `json:"task_type"`
	TaskReference       string            `json:"task_reference"`
	TaskConfig          jsonutil.Document `json:"task_config,omitempty"`
	RetryPolicy         *RetryPolicy      `json:"retry_policy,omitempty"`
	Priority            int               `json:"priority"`
	ConditionType       ConditionType     `json:"condition_type"`
	ConditionExpression string            `json:"condition_expression,omitempty"`
	LoopType            *LoopType         `json:"loop_type,omitempty"`
	LoopConfig          jsonutil.Document `json:"loop_config,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// HasLoop reports whether the task declares a loop specification.
func (t *WorkflowTask) HasLoop() bool {
	return t.LoopType != nil && *t.LoopType != ""
}

// EffectiveRetryPolicy returns the task's own policy, falling back to the
// workflow's when the task declares none.
func (t *WorkflowTask) EffectiveRetryPolicy(workflow RetryPolicy) RetryPolicy {
	if t.RetryPolicy != nil {
		return *t.RetryPolicy
	}
	return workflow
}

// IsConditional reports whether the task's dispatch is guarded.
func (t *WorkflowTask) IsConditional() bool {
	return t.ConditionType != "" && t.ConditionType != ConditionTypeAlways
}

// ============================================================================
// Rollback Action
// ============================================================================

// RollbackAction is the compensating action declared under
// task_config.rollback. It dispatches through the same task-type table as
// regular tasks.
type RollbackAction struct {
	Type      TaskType          `json:"type"`
	Reference string            `json:"reference"`
	Config    jsonutil.Document `json:"config,omitempty"`
}

// RollbackAction extracts the compensating action from TaskConfig, or nil
// when the task declares none.
func (t *WorkflowTask) RollbackAction() *RollbackAction {
	raw := t.TaskConfig.GetDocument("rollback")
	if len(raw) == 0 {
		return nil
	}
	action := &RollbackAction{
		Type:      TaskType(raw.GetString("type")),
		Reference: raw.GetString("reference"),
		Config:    raw.GetDocument("config"),
	}
	if !IsValidTaskType(action.Type) {
		return nil
	}
	return action
}
