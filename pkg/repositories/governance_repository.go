package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sluicedata/sluice/pkg/models"
)

// GovernanceRepository stores observability data collected from source
// databases: activity samples, query statistics and APM measurements.
// Writes are batched because collectors produce many rows per sweep.
type GovernanceRepository interface {
	InsertActivitySamples(ctx context.Context, samples []models.QueryActivitySample) error
	InsertPerformanceStats(ctx context.Context, stats []models.QueryPerformanceStat) error
	InsertAPMMetrics(ctx context.Context, metrics []models.APMMetric) error
	UpsertBaseline(ctx context.Context, baseline *models.APMBaseline) error
	ListBaselines(ctx context.Context, clusterName string) ([]*models.APMBaseline, error)
	CreateHealthCheck(ctx context.Context, check *models.APMHealthCheck) error
	ListHealthChecks(ctx context.Context, clusterName string, limit int) ([]*models.APMHealthCheck, error)
	AverageMetric(ctx context.Context, clusterName, metricName string, since time.Time) (avg, stddev float64, count int, err error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type governanceRepository struct {
	pool *pgxpool.Pool
}

// NewGovernanceRepository creates a new governance repository.
func NewGovernanceRepository(pool *pgxpool.Pool) GovernanceRepository {
	return &governanceRepository{pool: pool}
}

var _ GovernanceRepository = (*governanceRepository)(nil)

func (r *governanceRepository) InsertActivitySamples(ctx context.Context, samples []models.QueryActivitySample) error {
	if len(samples) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	now := time.Now()
	for i := range samples {
		s := &samples[i]
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		if s.SampledAt.IsZero() {
			s.SampledAt = now
		}
		batch.Queue(
			`INSERT INTO metadata.query_activity_log (id, db_engine, cluster_name, database_name, username, state, query_text, query_start, sampled_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			s.ID, s.DBEngine, s.ClusterName, s.DatabaseName, s.Username, s.State, s.QueryText, s.QueryStart, s.SampledAt,
		)
	}

	if err := r.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to insert activity samples: %w", err)
	}
	return nil
}

func (r *governanceRepository) InsertPerformanceStats(ctx context.Context, stats []models.QueryPerformanceStat) error {
	if len(stats) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	now := time.Now()
	for i := range stats {
		s := &stats[i]
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		if s.CollectedAt.IsZero() {
			s.CollectedAt = now
		}
		batch.Queue(
			`INSERT INTO metadata.query_performance (id, db_engine, cluster_name, query_id, query_text, calls, total_time_ms, mean_time_ms, rows, collected_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			s.ID, s.DBEngine, s.ClusterName, s.QueryID, s.QueryText, s.Calls, s.TotalTimeMs, s.MeanTimeMs, s.Rows, s.CollectedAt,
		)
	}

	if err := r.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to insert performance stats: %w", err)
	}
	return nil
}

func (r *governanceRepository) InsertAPMMetrics(ctx context.Context, metrics []models.APMMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	now := time.Now()
	for i := range metrics {
		m := &metrics[i]
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		if m.CollectedAt.IsZero() {
			m.CollectedAt = now
		}
		batch.Queue(
			`INSERT INTO metadata.apm_metrics (id, cluster_name, db_engine, metric_name, metric_value, collected_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			m.ID, m.ClusterName, m.DBEngine, m.MetricName, m.MetricValue, m.CollectedAt,
		)
	}

	if err := r.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to insert apm metrics: %w", err)
	}
	return nil
}

func (r *governanceRepository) UpsertBaseline(ctx context.Context, baseline *models.APMBaseline) error {
	baseline.UpdatedAt = time.Now()
	if baseline.ID == uuid.Nil {
		baseline.ID = uuid.New()
	}

	query := `
		INSERT INTO metadata.apm_baselines (id, cluster_name, metric_name, baseline_value, std_dev, sample_count, window_days, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (cluster_name, metric_name) DO UPDATE SET
			baseline_value = EXCLUDED.baseline_value,
			std_dev = EXCLUDED.std_dev,
			sample_count = EXCLUDED.sample_count,
			window_days = EXCLUDED.window_days,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		baseline.ID, baseline.ClusterName, baseline.MetricName, baseline.BaselineValue,
		baseline.StdDev, baseline.SampleCount, baseline.WindowDays, baseline.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert baseline: %w", err)
	}

	return nil
}

func (r *governanceRepository) ListBaselines(ctx context.Context, clusterName string) ([]*models.APMBaseline, error) {
	query := `
		SELECT id, cluster_name, metric_name, baseline_value, std_dev, sample_count, window_days, updated_at
		FROM metadata.apm_baselines
		WHERE cluster_name = $1
		ORDER BY metric_name`

	rows, err := r.pool.Query(ctx, query, clusterName)
	if err != nil {
		return nil, fmt.Errorf("failed to list baselines: %w", err)
	}
	defer rows.Close()

	var baselines []*models.APMBaseline
	for rows.Next() {
		var b models.APMBaseline
		err := rows.Scan(&b.ID, &b.ClusterName, &b.MetricName, &b.BaselineValue, &b.StdDev, &b.SampleCount, &b.WindowDays, &b.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan baseline: %w", err)
		}
		baselines = append(baselines, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating baselines: %w", err)
	}

	return baselines, nil
}

func (r *governanceRepository) CreateHealthCheck(ctx context.Context, check *models.APMHealthCheck) error {
	if check.ID == uuid.Nil {
		check.ID = uuid.New()
	}
	if check.CheckedAt.IsZero() {
		check.CheckedAt = time.Now()
	}

	query := `
		INSERT INTO metadata.apm_health_checks (id, cluster_name, db_engine, check_name, healthy, latency_ms, details, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, query,
		check.ID, check.ClusterName, check.DBEngine, check.CheckName,
		check.Healthy, check.LatencyMs, check.Details, check.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create health check: %w", err)
	}

	return nil
}

func (r *governanceRepository) ListHealthChecks(ctx context.Context, clusterName string, limit int) ([]*models.APMHealthCheck, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, cluster_name, db_engine, check_name, healthy, latency_ms, details, checked_at
		FROM metadata.apm_health_checks
		WHERE cluster_name = $1
		ORDER BY checked_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, clusterName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list health checks: %w", err)
	}
	defer rows.Close()

	var checks []*models.APMHealthCheck
	for rows.Next() {
		var c models.APMHealthCheck
		err := rows.Scan(&c.ID, &c.ClusterName, &c.DBEngine, &c.CheckName, &c.Healthy, &c.LatencyMs, &c.Details, &c.CheckedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan health check: %w", err)
		}
		checks = append(checks, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating health checks: %w", err)
	}

	return checks, nil
}

// AverageMetric aggregates raw APM samples for baseline recomputation.
func (r *governanceRepository) AverageMetric(ctx context.Context, clusterName, metricName string, since time.Time) (float64, float64, int, error) {
	query := `
		SELECT COALESCE(AVG(metric_value), 0), COALESCE(STDDEV_POP(metric_value), 0), COUNT(*)
		FROM metadata.apm_metrics
		WHERE cluster_name = $1 AND metric_name = $2 AND collected_at >= $3`

	var avg, stddev float64
	var count int
	err := r.pool.QueryRow(ctx, query, clusterName, metricName, since).Scan(&avg, &stddev, &count)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to aggregate metric: %w", err)
	}

	return avg, stddev, count, nil
}

// PruneOlderThan removes aged samples from the high-volume tables.
func (r *governanceRepository) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"query_activity_log", "query_performance", "apm_metrics", "apm_health_checks"} {
		result, err := r.pool.Exec(ctx, `DELETE FROM metadata.`+table+` WHERE `+prunableTimestampColumn(table)+` < $1`, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		total += result.RowsAffected()
	}
	return total, nil
}

func prunableTimestampColumn(table string) string {
	switch table {
	case "query_activity_log":
		return "sampled_at"
	case "apm_health_checks":
		return "checked_at"
	default:
		return "collected_at"
	}
}

func (r *governanceRepository) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	results := r.pool.SendBatch(ctx, batch)
	defer results.Close() //nolint:errcheck // batch errors surface from Exec

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
