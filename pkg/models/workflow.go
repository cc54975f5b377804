// Package models contains domain types for sluice.
package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/sluicedata/sluice/pkg/jsonutil"
)

// ============================================================================
// Trigger Types
// ============================================================================

// TriggerType records what started a workflow execution.
type TriggerType string

const (
	TriggerTypeScheduled TriggerType = "SCHEDULED"
	TriggerTypeManual    TriggerType = "MANUAL"
	TriggerTypeAPI       TriggerType = "API"
	TriggerTypeEvent     TriggerType = "EVENT"
)

// ValidTriggerTypes contains all valid trigger type values.
var ValidTriggerTypes = []TriggerType{
	TriggerTypeScheduled,
	TriggerTypeManual,
	TriggerTypeAPI,
	TriggerTypeEvent,
}

// IsValidTriggerType checks if the given trigger type is valid.
func IsValidTriggerType(t TriggerType) bool {
	for _, v := range ValidTriggerTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ============================================================================
// Workflow Policies
// ============================================================================

// RetryPolicy controls per-task retry behavior. The delay before retry n
// (0-based) is BaseDelaySeconds * BackoffMultiplier^n.
type RetryPolicy struct {
	MaxRetries        int     `json:"max_retries" yaml:"max_retries"`
	BaseDelaySeconds  float64 `json:"base_delay_seconds" yaml:"base_delay_seconds"`
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultRetryPolicy returns the policy applied when a workflow declares none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BaseDelaySeconds:  1,
		BackoffMultiplier: 2,
	}
}

// Delay returns the wait before retry attempt n (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelaySeconds
	for i := 0; i < attempt; i++ {
		delay *= p.BackoffMultiplier
	}
	return time.Duration(delay * float64(time.Second))
}

// SLAConfig bounds workflow execution time. A breach emits a warning event
// when AlertOnBreach is set; it never changes the execution status.
type SLAConfig struct {
	MaxExecutionTimeSeconds int  `json:"max_execution_time_seconds" yaml:"max_execution_time_seconds"`
	AlertOnBreach           bool `json:"alert_on_breach" yaml:"alert_on_breach"`
}

// Breached reports whether the given duration exceeds the SLA. A zero
// MaxExecutionTimeSeconds means no SLA is configured.
func (s SLAConfig) Breached(duration time.Duration) bool {
	if s.MaxExecutionTimeSeconds <= 0 {
		return false
	}
	return duration > time.Duration(s.MaxExecutionTimeSeconds)*time.Second
}

// RollbackConfig controls compensating-action execution after a failed run.
type RollbackConfig struct {
	Enabled   bool `json:"enabled" yaml:"enabled"`
	OnFailure bool `json:"on_failure" yaml:"on_failure"`
	OnTimeout bool `json:"on_timeout" yaml:"on_timeout"`
	MaxDepth  int  `json:"max_depth" yaml:"max_depth"`
}

// ============================================================================
// Workflow
// ============================================================================

// Workflow is a named DAG of tasks with retry, SLA and rollback policies.
// Name is unique across the catalog.
type Workflow struct {
	ID                  uuid.UUID         `json:"id"`
	Name                string            `json:"name"`
	Description         string            `json:"description"`
	ScheduleCron        *string           `json:"schedule_cron,omitempty"`
	Active              bool              `json:"active"`
	Enabled             bool              `json:"enabled"`
	RetryPolicy         RetryPolicy       `json:"retry_policy"`
	SLAConfig           SLAConfig         `json:"sla_config"`
	RollbackConfig      RollbackConfig    `json:"rollback_config"`
	Metadata            jsonutil.Document `json:"metadata,omitempty"`
	LastExecutionTime   *time.Time        `json:"last_execution_time,omitempty"`
	LastExecutionStatus *ExecutionStatus  `json:"last_execution_status,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Runnable reports whether the executor may start this workflow.
func (w *Workflow) Runnable() bool {
	return w.Active && w.Enabled
}
