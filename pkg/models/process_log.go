package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/sluicedata/sluice/pkg/jsonutil"
)

// ProcessLogStatus is the outcome recorded for a logged operation.
type ProcessLogStatus string

const (
	ProcessLogStatusOK    ProcessLogStatus = "ok"
	ProcessLogStatusWarn  ProcessLogStatus = "warn"
	ProcessLogStatusError ProcessLogStatus = "error"
)

// ProcessLogEntry is the audit trail row written for every significant
// catalog operation. CorrelationID groups the entries of one logical run,
// such as a workflow execution or a sync cycle.
type ProcessLogEntry struct {
	ID              uuid.UUID         `json:"id"`
	CorrelationID   uuid.UUID         `json:"correlation_id"`
	Component       string            `json:"component"`
	Operation       string            `json:"operation"`
	Status          ProcessLogStatus  `json:"status"`
	Message         *string           `json:"message,omitempty"`
	Hostname        string            `json:"hostname"`
	DurationSeconds *float64          `json:"duration_seconds,omitempty"`
	Metadata        jsonutil.Document `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}
