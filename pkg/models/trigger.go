package models

import (
	"time"

	"github.com/sluicedata/sluice/pkg/jsonutil"
)

// ============================================================================
// Event Types
// ============================================================================

// EventType classifies what kind of external event fires a trigger.
type EventType string

const (
	EventTypeFileArrival    EventType = "FILE_ARRIVAL"
	EventTypeAPICall        EventType = "API_CALL"
	EventTypeDatabaseChange EventType = "DATABASE_CHANGE"
	EventTypeSchedule       EventType = "SCHEDULE"
	EventTypeManual         EventType = "MANUAL"
)

// ValidEventTypes contains all valid event type values.
var ValidEventTypes = []EventType{
	EventTypeFileArrival,
	EventTypeAPICall,
	EventTypeDatabaseChange,
	EventTypeSchedule,
	EventTypeManual,
}

// IsValidEventType checks if the given event type is valid.
func IsValidEventType(t EventType) bool {
	for _, v := range ValidEventTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ============================================================================
// Trigger Registrations
// ============================================================================

// EventTrigger maps a workflow to the event that launches it. Registrations
// are process-local; re-registering a workflow name replaces the prior
// trigger. EventConfig is type-specific: FILE_ARRIVAL reads file_path.
type EventTrigger struct {
	WorkflowName string            `json:"workflow_name"`
	EventType    EventType         `json:"event_type"`
	EventConfig  jsonutil.Document `json:"event_config,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// FilePath returns the watched path of a FILE_ARRIVAL trigger, or "".
func (t *EventTrigger) FilePath() string {
	return t.EventConfig.GetString("file_path")
}

// DataTrigger registers a polled query that launches a workflow when its
// result matches. An empty PredicateField fires on any non-empty result set.
type DataTrigger struct {
	WorkflowName   string        `json:"workflow_name"`
	Query          string        `json:"query"`
	SourceConn     string        `json:"source_conn"`
	DBEngine       DBEngine      `json:"db_engine"`
	PredicateField string        `json:"predicate_field,omitempty"`
	PredicateValue string        `json:"predicate_value,omitempty"`
	CheckInterval  time.Duration `json:"check_interval"`
	RegisteredAt   time.Time     `json:"registered_at"`
}
