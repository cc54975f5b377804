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

// VersionRepository stores immutable workflow definition snapshots. Version
// numbers are assigned monotonically per workflow inside a transaction, and
// at most one version per workflow is marked current.
type VersionRepository interface {
	Create(ctx context.Context, version *models.WorkflowVersion) error
	Get(ctx context.Context, workflowName string, version int) (*models.WorkflowVersion, error)
	GetCurrent(ctx context.Context, workflowName string) (*models.WorkflowVersion, error)
	List(ctx context.Context, workflowName string) ([]*models.WorkflowVersion, error)
	SetCurrent(ctx context.Context, workflowName string, version int) error
}

type versionRepository struct {
	pool *pgxpool.Pool
}

// NewVersionRepository creates a new workflow version repository.
func NewVersionRepository(pool *pgxpool.Pool) VersionRepository {
	return &versionRepository{pool: pool}
}

var _ VersionRepository = (*versionRepository)(nil)

const versionColumns = `id, workflow_name, version, snapshot, is_current, created_by, created_at`

// Create assigns the next version number for the workflow and marks the new
// row current, demoting any previous current version in the same transaction.
func (r *versionRepository) Create(ctx context.Context, version *models.WorkflowVersion) error {
	version.CreatedAt = time.Now()
	if version.ID == uuid.Nil {
		version.ID = uuid.New()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM metadata.workflow_versions WHERE workflow_name = $1`,
		version.WorkflowName,
	).Scan(&version.Version)
	if err != nil {
		return fmt.Errorf("failed to allocate version number: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE metadata.workflow_versions SET is_current = FALSE WHERE workflow_name = $1 AND is_current`,
		version.WorkflowName,
	)
	if err != nil {
		return fmt.Errorf("failed to demote current version: %w", err)
	}

	version.IsCurrent = true
	_, err = tx.Exec(ctx,
		`INSERT INTO metadata.workflow_versions (id, workflow_name, version, snapshot, is_current, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		version.ID, version.WorkflowName, version.Version, version.Snapshot,
		version.IsCurrent, version.CreatedBy, version.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit version: %w", err)
	}

	return nil
}

func (r *versionRepository) Get(ctx context.Context, workflowName string, version int) (*models.WorkflowVersion, error) {
	query := `SELECT ` + versionColumns + `
		FROM metadata.workflow_versions
		WHERE workflow_name = $1 AND version = $2`

	row := r.pool.QueryRow(ctx, query, workflowName, version)
	v, err := scanVersionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return v, nil
}

func (r *versionRepository) GetCurrent(ctx context.Context, workflowName string) (*models.WorkflowVersion, error) {
	query := `SELECT ` + versionColumns + `
		FROM metadata.workflow_versions
		WHERE workflow_name = $1 AND is_current`

	row := r.pool.QueryRow(ctx, query, workflowName)
	v, err := scanVersionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get current version: %w", err)
	}
	return v, nil
}

func (r *versionRepository) List(ctx context.Context, workflowName string) ([]*models.WorkflowVersion, error) {
	query := `SELECT ` + versionColumns + `
		FROM metadata.workflow_versions
		WHERE workflow_name = $1
		ORDER BY version DESC`

	rows, err := r.pool.Query(ctx, query, workflowName)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var versions []*models.WorkflowVersion
	for rows.Next() {
		v, err := scanVersionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}

	return versions, nil
}

func (r *versionRepository) SetCurrent(ctx context.Context, workflowName string, version int) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	_, err = tx.Exec(ctx,
		`UPDATE metadata.workflow_versions SET is_current = FALSE WHERE workflow_name = $1 AND is_current`,
		workflowName,
	)
	if err != nil {
		return fmt.Errorf("failed to demote current version: %w", err)
	}

	result, err := tx.Exec(ctx,
		`UPDATE metadata.workflow_versions SET is_current = TRUE WHERE workflow_name = $1 AND version = $2`,
		workflowName, version,
	)
	if err != nil {
		return fmt.Errorf("failed to promote version: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit version change: %w", err)
	}

	return nil
}

func scanVersionRow(row pgx.Row) (*models.WorkflowVersion, error) {
	var v models.WorkflowVersion
	err := row.Scan(&v.ID, &v.WorkflowName, &v.Version, &v.Snapshot, &v.IsCurrent, &v.CreatedBy, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
