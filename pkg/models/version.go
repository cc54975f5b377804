package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowVersion is an immutable snapshot of a workflow's definition.
// Versions per workflow are monotonically increasing and exactly one row per
// workflow carries IsCurrent.
type WorkflowVersion struct {
	ID           uuid.UUID    `json:"id"`
	WorkflowName string       `json:"workflow_name"`
	Version      int          `json:"version"`
	Snapshot     WorkflowSpec `json:"snapshot"`
	IsCurrent    bool         `json:"is_current"`
	CreatedBy    string       `json:"created_by"`
	CreatedAt    time.Time    `json:"created_at"`
}
