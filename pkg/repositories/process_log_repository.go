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

// ProcessLogRepository appends operational audit rows. Entries are written
// fire-and-forget by the services; a failed insert must never fail the
// operation being logged, so callers log and swallow errors from Create.
type ProcessLogRepository interface {
	Create(ctx context.Context, entry *models.ProcessLogEntry) error
	ListByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]*models.ProcessLogEntry, error)
	ListRecent(ctx context.Context, component string, limit int) ([]*models.ProcessLogEntry, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type processLogRepository struct {
	pool *pgxpool.Pool
}

// NewProcessLogRepository creates a new process log repository.
func NewProcessLogRepository(pool *pgxpool.Pool) ProcessLogRepository {
	return &processLogRepository{pool: pool}
}

var _ ProcessLogRepository = (*processLogRepository)(nil)

const processLogColumns = `id, correlation_id, component, operation, status, message, hostname, duration_seconds, metadata, created_at`

func (r *processLogRepository) Create(ctx context.Context, entry *models.ProcessLogEntry) error {
	entry.CreatedAt = time.Now()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	query := `
		INSERT INTO metadata.process_log (id, correlation_id, component, operation, status, message, hostname, duration_seconds, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.pool.Exec(ctx, query,
		entry.ID, entry.CorrelationID, entry.Component, entry.Operation, entry.Status,
		entry.Message, entry.Hostname, entry.DurationSeconds, entry.Metadata, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write process log: %w", err)
	}

	return nil
}

func (r *processLogRepository) ListByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]*models.ProcessLogEntry, error) {
	query := `SELECT ` + processLogColumns + `
		FROM metadata.process_log
		WHERE correlation_id = $1
		ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list process log: %w", err)
	}
	defer rows.Close()

	return collectProcessLogEntries(rows)
}

func (r *processLogRepository) ListRecent(ctx context.Context, component string, limit int) ([]*models.ProcessLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + processLogColumns + `
		FROM metadata.process_log
		WHERE component = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, component, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list process log: %w", err)
	}
	defer rows.Close()

	return collectProcessLogEntries(rows)
}

// DeleteOlderThan prunes aged log rows and reports how many were removed.
func (r *processLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM metadata.process_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune process log: %w", err)
	}
	return result.RowsAffected(), nil
}

func collectProcessLogEntries(rows pgx.Rows) ([]*models.ProcessLogEntry, error) {
	var entries []*models.ProcessLogEntry
	for rows.Next() {
		var e models.ProcessLogEntry
		err := rows.Scan(
			&e.ID, &e.CorrelationID, &e.Component, &e.Operation, &e.Status,
			&e.Message, &e.Hostname, &e.DurationSeconds, &e.Metadata, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan process log entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating process log: %w", err)
	}
	return entries, nil
}
