package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/models"
)

// BackupRepository provides data access for backup definitions and their
// run history.
type BackupRepository interface {
	Upsert(ctx context.Context, backup *models.Backup) error
	GetByName(ctx context.Context, name string) (*models.Backup, error)
	ListEnabled(ctx context.Context) ([]*models.Backup, error)
	SetLastRun(ctx context.Context, name string, lastRunAt time.Time) error

	CreateHistory(ctx context.Context, history *models.BackupHistory) error
	UpdateHistory(ctx context.Context, history *models.BackupHistory) error
	ListHistory(ctx context.Context, backupName string, limit int) ([]*models.BackupHistory, error)
}

type backupRepository struct {
	pool *pgxpool.Pool
}

// NewBackupRepository creates a new backup repository.
func NewBackupRepository(pool *pgxpool.Pool) BackupRepository {
	return &backupRepository{pool: pool}
}

var _ BackupRepository = (*backupRepository)(nil)

const backupColumns = `id, name, database_name, schedule_cron, enabled, config, last_run_at, created_at, updated_at`

func (r *backupRepository) Upsert(ctx context.Context, backup *models.Backup) error {
	now := time.Now()
	backup.UpdatedAt = now
	if backup.ID == uuid.Nil {
		backup.ID = uuid.New()
		backup.CreatedAt = now
	}

	query := `
		INSERT INTO metadata.backups (id, name, database_name, schedule_cron, enabled, config, last_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (name) DO UPDATE SET
			database_name = EXCLUDED.database_name,
			schedule_cron = EXCLUDED.schedule_cron,
			enabled = EXCLUDED.enabled,
			config = EXCLUDED.config,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		backup.ID, backup.Name, backup.DatabaseName, backup.ScheduleCron,
		backup.Enabled, backup.Config, backup.LastRunAt, backup.CreatedAt, backup.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert backup: %w", err)
	}

	return nil
}

func (r *backupRepository) GetByName(ctx context.Context, name string) (*models.Backup, error) {
	query := `SELECT ` + backupColumns + ` FROM metadata.backups WHERE name = $1`

	var b models.Backup
	err := r.pool.QueryRow(ctx, query, name).Scan(
		&b.ID, &b.Name, &b.DatabaseName, &b.ScheduleCron, &b.Enabled,
		&b.Config, &b.LastRunAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get backup: %w", err)
	}
	return &b, nil
}

func (r *backupRepository) ListEnabled(ctx context.Context) ([]*models.Backup, error) {
	query := `SELECT ` + backupColumns + ` FROM metadata.backups WHERE enabled ORDER BY name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	var backups []*models.Backup
	for rows.Next() {
		var b models.Backup
		err := rows.Scan(
			&b.ID, &b.Name, &b.DatabaseName, &b.ScheduleCron, &b.Enabled,
			&b.Config, &b.LastRunAt, &b.CreatedAt, &b.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backup: %w", err)
		}
		backups = append(backups, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backups: %w", err)
	}

	return backups, nil
}

func (r *backupRepository) SetLastRun(ctx context.Context, name string, lastRunAt time.Time) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE metadata.backups SET last_run_at = $2, updated_at = NOW() WHERE name = $1`,
		name, lastRunAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set backup last run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *backupRepository) CreateHistory(ctx context.Context, history *models.BackupHistory) error {
	if history.ID == uuid.Nil {
		history.ID = uuid.New()
	}
	if history.StartedAt.IsZero() {
		history.StartedAt = time.Now()
	}

	query := `
		INSERT INTO metadata.backup_history (id, backup_name, status, size_bytes, duration_seconds, error_message, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, query,
		history.ID, history.BackupName, history.Status, history.SizeBytes,
		history.DurationSeconds, history.ErrorMessage, history.StartedAt, history.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create backup history: %w", err)
	}

	return nil
}

func (r *backupRepository) UpdateHistory(ctx context.Context, history *models.BackupHistory) error {
	query := `
		UPDATE metadata.backup_history
		SET status = $2, size_bytes = $3, duration_seconds = $4, error_message = $5, completed_at = $6
		WHERE id = $1`

	result, err := r.pool.Exec(ctx, query,
		history.ID, history.Status, history.SizeBytes,
		history.DurationSeconds, history.ErrorMessage, history.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update backup history: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

func (r *backupRepository) ListHistory(ctx context.Context, backupName string, limit int) ([]*models.BackupHistory, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, backup_name, status, size_bytes, duration_seconds, error_message, started_at, completed_at
		FROM metadata.backup_history
		WHERE backup_name = $1
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, backupName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup history: %w", err)
	}
	defer rows.Close()

	var entries []*models.BackupHistory
	for rows.Next() {
		var h models.BackupHistory
		err := rows.Scan(
			&h.ID, &h.BackupName, &h.Status, &h.SizeBytes,
			&h.DurationSeconds, &h.ErrorMessage, &h.StartedAt, &h.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backup history: %w", err)
		}
		entries = append(entries, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backup history: %w", err)
	}

	return entries, nil
}
