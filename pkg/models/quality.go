package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/sluicedata/sluice/pkg/jsonutil"
)

// ============================================================================
// Data Quality
// ============================================================================

// QualityCheckType identifies one validation performed on a synced table.
type QualityCheckType string

const (
	// QualityCheckRowCount records the target table's row count.
	QualityCheckRowCount QualityCheckType = "ROW_COUNT"
	// QualityCheckNullFraction measures nulls in the sync column.
	QualityCheckNullFraction QualityCheckType = "NULL_FRACTION"
	// QualityCheckCountDelta compares source and target row counts.
	QualityCheckCountDelta QualityCheckType = "COUNT_DELTA"
)

// ValidQualityCheckTypes contains all valid check type values.
var ValidQualityCheckTypes = []QualityCheckType{
	QualityCheckRowCount,
	QualityCheckNullFraction,
	QualityCheckCountDelta,
}

// IsValidQualityCheckType checks if the given type is valid.
func IsValidQualityCheckType(t QualityCheckType) bool {
	for _, v := range ValidQualityCheckTypes {
		if v == t {
			return true
		}
	}
	return false
}

// DataQualityResult is one validation outcome for a catalog entry. Details
// carries check-specific numbers such as source and target counts.
type DataQualityResult struct {
	ID          uuid.UUID         `json:"id"`
	SchemaName  string            `json:"schema_name"`
	TableName   string            `json:"table_name"`
	DBEngine    DBEngine          `json:"db_engine"`
	CheckType   QualityCheckType  `json:"check_type"`
	MetricValue float64           `json:"metric_value"`
	Passed      bool              `json:"passed"`
	Details     jsonutil.Document `json:"details,omitempty"`
	CheckedAt   time.Time         `json:"checked_at"`
}
