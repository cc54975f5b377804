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

// QualityRepository stores data quality check results.
type QualityRepository interface {
	Create(ctx context.Context, result *models.DataQualityResult) error
	ListByTable(ctx context.Context, schema, table string, limit int) ([]*models.DataQualityResult, error)
	ListFailed(ctx context.Context, since time.Time) ([]*models.DataQualityResult, error)
}

type qualityRepository struct {
	pool *pgxpool.Pool
}

// NewQualityRepository creates a new quality repository.
func NewQualityRepository(pool *pgxpool.Pool) QualityRepository {
	return &qualityRepository{pool: pool}
}

var _ QualityRepository = (*qualityRepository)(nil)

const qualityColumns = `id, schema_name, table_name, db_engine, check_type, metric_value, passed, details, checked_at`

func (r *qualityRepository) Create(ctx context.Context, result *models.DataQualityResult) error {
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	if result.CheckedAt.IsZero() {
		result.CheckedAt = time.Now()
	}

	query := `
		INSERT INTO metadata.data_quality (id, schema_name, table_name, db_engine, check_type, metric_value, passed, details, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.pool.Exec(ctx, query,
		result.ID, result.SchemaName, result.TableName, result.DBEngine,
		result.CheckType, result.MetricValue, result.Passed, result.Details, result.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create quality result: %w", err)
	}

	return nil
}

func (r *qualityRepository) ListByTable(ctx context.Context, schema, table string, limit int) ([]*models.DataQualityResult, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + qualityColumns + `
		FROM metadata.data_quality
		WHERE schema_name = $1 AND table_name = $2
		ORDER BY checked_at DESC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, schema, table, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list quality results: %w", err)
	}
	defer rows.Close()

	return r.collect(rows)
}

func (r *qualityRepository) ListFailed(ctx context.Context, since time.Time) ([]*models.DataQualityResult, error) {
	query := `SELECT ` + qualityColumns + `
		FROM metadata.data_quality
		WHERE NOT passed AND checked_at >= $1
		ORDER BY checked_at DESC`

	rows, err := r.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed quality results: %w", err)
	}
	defer rows.Close()

	return r.collect(rows)
}

func (r *qualityRepository) collect(rows pgx.Rows) ([]*models.DataQualityResult, error) {
	var results []*models.DataQualityResult
	for rows.Next() {
		var res models.DataQualityResult
		err := rows.Scan(
			&res.ID, &res.SchemaName, &res.TableName, &res.DBEngine,
			&res.CheckType, &res.MetricValue, &res.Passed, &res.Details, &res.CheckedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quality result: %w", err)
		}
		results = append(results, &res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating quality results: %w", err)
	}
	return results, nil
}
