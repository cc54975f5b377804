package models

import (
	"fmt"
	"time"
)

// ============================================================================
// Backfill
// ============================================================================

// BackfillInterval slices a backfill date range into periods.
type BackfillInterval string

const (
	BackfillDaily   BackfillInterval = "daily"
	BackfillWeekly  BackfillInterval = "weekly"
	BackfillMonthly BackfillInterval = "monthly"
)

// ValidBackfillIntervals contains all valid interval values.
var ValidBackfillIntervals = []BackfillInterval{
	BackfillDaily,
	BackfillWeekly,
	BackfillMonthly,
}

// IsValidBackfillInterval checks if the given interval is valid.
func IsValidBackfillInterval(i BackfillInterval) bool {
	for _, v := range ValidBackfillIntervals {
		if v == i {
			return true
		}
	}
	return false
}

// BackfillRequest asks for historical re-execution of a workflow across
// [StartDate, EndDate], one launch per period.
type BackfillRequest struct {
	WorkflowName    string           `json:"workflow_name"`
	StartDate       time.Time        `json:"start_date"`
	EndDate         time.Time        `json:"end_date"`
	DateField       string           `json:"date_field"`
	Interval        BackfillInterval `json:"interval"`
	Parallel        bool             `json:"parallel"`
	MaxParallelJobs int              `json:"max_parallel_jobs"`
}

// Validate checks the request before any period is launched.
func (r *BackfillRequest) Validate() error {
	if r.WorkflowName == "" {
		return fmt.Errorf("backfill: workflow name is required")
	}
	if !IsValidBackfillInterval(r.Interval) {
		return fmt.Errorf("backfill: unknown interval %q", r.Interval)
	}
	if r.EndDate.Before(r.StartDate) {
		return fmt.Errorf("backfill: end date %s precedes start date %s",
			r.EndDate.Format("2006-01-02"), r.StartDate.Format("2006-01-02"))
	}
	if r.Parallel && r.MaxParallelJobs < 1 {
		return fmt.Errorf("backfill: max_parallel_jobs must be at least 1")
	}
	return nil
}

// BackfillPeriod is one inclusive slice of a backfill range.
type BackfillPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
