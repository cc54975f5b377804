package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Query Governance
// ============================================================================

// QueryActivitySample is one active query captured from a source engine's
// activity view (pg_stat_activity, sys.dm_exec_requests).
type QueryActivitySample struct {
	ID           uuid.UUID  `json:"id"`
	DBEngine     DBEngine   `json:"db_engine"`
	ClusterName  string     `json:"cluster_name"`
	DatabaseName string     `json:"database_name"`
	Username     string     `json:"username"`
	State        string     `json:"state"`
	QueryText    string     `json:"query_text"`
	QueryStart   *time.Time `json:"query_start,omitempty"`
	SampledAt    time.Time  `json:"sampled_at"`
}

// QueryPerformanceStat is one aggregate row imported from an engine's
// statement store (pg_stat_statements, Query Store).
type QueryPerformanceStat struct {
	ID          uuid.UUID `json:"id"`
	DBEngine    DBEngine  `json:"db_engine"`
	ClusterName string    `json:"cluster_name"`
	QueryID     string    `json:"query_id"`
	QueryText   string    `json:"query_text"`
	Calls       int64     `json:"calls"`
	TotalTimeMs float64   `json:"total_time_ms"`
	MeanTimeMs  float64   `json:"mean_time_ms"`
	Rows        int64     `json:"rows"`
	CollectedAt time.Time `json:"collected_at"`
}

// ============================================================================
// APM
// ============================================================================

// APMMetric is one point-in-time measurement of a source cluster.
type APMMetric struct {
	ID          uuid.UUID `json:"id"`
	ClusterName string    `json:"cluster_name"`
	DBEngine    DBEngine  `json:"db_engine"`
	MetricName  string    `json:"metric_name"`
	MetricValue float64   `json:"metric_value"`
	CollectedAt time.Time `json:"collected_at"`
}

// APMBaseline is the rolling aggregate of a metric used to spot anomalies.
type APMBaseline struct {
	ID            uuid.UUID `json:"id"`
	ClusterName   string    `json:"cluster_name"`
	MetricName    string    `json:"metric_name"`
	BaselineValue float64   `json:"baseline_value"`
	StdDev        float64   `json:"std_dev"`
	SampleCount   int64     `json:"sample_count"`
	WindowDays    int       `json:"window_days"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// APMHealthCheck records one connectivity or health probe of a cluster.
type APMHealthCheck struct {
	ID          uuid.UUID `json:"id"`
	ClusterName string    `json:"cluster_name"`
	DBEngine    DBEngine  `json:"db_engine"`
	CheckName   string    `json:"check_name"`
	Healthy     bool      `json:"healthy"`
	LatencyMs   float64   `json:"latency_ms"`
	Details     *string   `json:"details,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
}
