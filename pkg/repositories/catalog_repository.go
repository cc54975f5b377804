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

// CatalogRepository provides data access for the table catalog. An entry is
// identified by (db_engine, connection_string, schema_name, table_name).
//
// Upsert refreshes discovered metadata only. Sync state (status,
// last_processed_pk, last_synced_at, active) is owned by the syncer and the
// hygiene pass and survives re-discovery.
type CatalogRepository interface {
	Upsert(ctx context.Context, entry *models.CatalogEntry) error
	Get(ctx context.Context, engine models.DBEngine, connection, schema, table string) (*models.CatalogEntry, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.CatalogEntry, error)
	ListByEngine(ctx context.Context, engine models.DBEngine) ([]*models.CatalogEntry, error)
	ListByConnection(ctx context.Context, engine models.DBEngine, connection string) ([]*models.CatalogEntry, error)
	ListSyncable(ctx context.Context, engine models.DBEngine, limit int) ([]*models.CatalogEntry, error)
	DistinctConnections(ctx context.Context, engine models.DBEngine) ([]string, error)

	UpdateStatus(ctx context.Context, id uuid.UUID, status models.CatalogStatus) error
	UpdateSyncProgress(ctx context.Context, id uuid.UUID, lastProcessedPK *string, lastSyncedAt *time.Time) error
	UpdateClusterName(ctx context.Context, id uuid.UUID, clusterName string) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	ResetForFullLoad(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type catalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository creates a new catalog repository.
func NewCatalogRepository(pool *pgxpool.Pool) CatalogRepository {
	return &catalogRepository{pool: pool}
}

var _ CatalogRepository = (*catalogRepository)(nil)

const catalogColumns = `id, schema_name, table_name, db_engine, connection_string, cluster_name,
	status, last_sync_column, pk_columns, pk_strategy, has_pk, table_size,
	active, last_processed_pk, last_synced_at, created_at, updated_at`

// Upsert inserts a newly discovered table or refreshes the metadata of an
// existing one. On conflict only discovery-owned fields change; cluster_name
// and last_sync_column are filled when previously empty so operator overrides
// and in-flight incremental state stay intact.
func (r *catalogRepository) Upsert(ctx context.Context, entry *models.CatalogEntry) error {
	now := time.Now()
	entry.UpdatedAt = now
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
		entry.CreatedAt = now
	}
	if entry.Status == "" {
		entry.Status = models.CatalogStatusPending
	}

	query := `
		INSERT INTO metadata.catalog (
			id, schema_name, table_name, db_engine, connection_string, cluster_name,
			status, last_sync_column, pk_columns, pk_strategy, has_pk, table_size,
			active, last_processed_pk, last_synced_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (db_engine, connection_string, schema_name, table_name) DO UPDATE SET
			pk_columns = EXCLUDED.pk_columns,
			pk_strategy = EXCLUDED.pk_strategy,
			has_pk = EXCLUDED.has_pk,
			table_size = EXCLUDED.table_size,
			cluster_name = CASE WHEN metadata.catalog.cluster_name = '' THEN EXCLUDED.cluster_name ELSE metadata.catalog.cluster_name END,
			last_sync_column = COALESCE(metadata.catalog.last_sync_column, EXCLUDED.last_sync_column),
			updated_at = EXCLUDED.updated_at
		RETURNING ` + catalogColumns

	row := r.pool.QueryRow(ctx, query,
		entry.ID, entry.SchemaName, entry.TableName, entry.DBEngine, entry.ConnectionString, entry.ClusterName,
		entry.Status, entry.LastSyncColumn, entry.PKColumns, entry.PKStrategy, entry.HasPK, entry.TableSize,
		entry.Active, entry.LastProcessedPK, entry.LastSyncedAt, entry.CreatedAt, entry.UpdatedAt,
	)

	stored, err := scanCatalogRow(row)
	if err != nil {
		return fmt.Errorf("failed to upsert catalog entry: %w", err)
	}
	*entry = *stored

	return nil
}

func (r *catalogRepository) Get(ctx context.Context, engine models.DBEngine, connection, schema, table string) (*models.CatalogEntry, error) {
	query := `SELECT ` + catalogColumns + `
		FROM metadata.catalog
		WHERE db_engine = $1 AND connection_string = $2 AND schema_name = $3 AND table_name = $4`

	row := r.pool.QueryRow(ctx, query, engine, connection, schema, table)
	entry, err := scanCatalogRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get catalog entry: %w", err)
	}
	return entry, nil
}

func (r *catalogRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CatalogEntry, error) {
	query := `SELECT ` + catalogColumns + ` FROM metadata.catalog WHERE id = $1`

	row := r.pool.QueryRow(ctx, query, id)
	entry, err := scanCatalogRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get catalog entry: %w", err)
	}
	return entry, nil
}

func (r *catalogRepository) ListByEngine(ctx context.Context, engine models.DBEngine) ([]*models.CatalogEntry, error) {
	query := `SELECT ` + catalogColumns + `
		FROM metadata.catalog
		WHERE db_engine = $1
		ORDER BY schema_name, table_name`

	rows, err := r.pool.Query(ctx, query, engine)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog entries: %w", err)
	}
	defer rows.Close()

	return collectCatalogEntries(rows)
}

func (r *catalogRepository) ListByConnection(ctx context.Context, engine models.DBEngine, connection string) ([]*models.CatalogEntry, error) {
	query := `SELECT ` + catalogColumns + `
		FROM metadata.catalog
		WHERE db_engine = $1 AND connection_string = $2
		ORDER BY schema_name, table_name`

	rows, err := r.pool.Query(ctx, query, engine, connection)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog entries: %w", err)
	}
	defer rows.Close()

	return collectCatalogEntries(rows)
}

// ListSyncable returns active entries eligible for a transfer cycle, oldest
// sync first so no table starves when the per-cycle limit is hit.
func (r *catalogRepository) ListSyncable(ctx context.Context, engine models.DBEngine, limit int) ([]*models.CatalogEntry, error) {
	query := `SELECT ` + catalogColumns + `
		FROM metadata.catalog
		WHERE db_engine = $1 AND active AND status NOT IN ($2, $3)
		ORDER BY last_synced_at ASC NULLS FIRST, schema_name, table_name
		LIMIT $4`

	rows, err := r.pool.Query(ctx, query, engine, models.CatalogStatusSkip, models.CatalogStatusError, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list syncable entries: %w", err)
	}
	defer rows.Close()

	return collectCatalogEntries(rows)
}

func (r *catalogRepository) DistinctConnections(ctx context.Context, engine models.DBEngine) ([]string, error) {
	query := `SELECT DISTINCT connection_string FROM metadata.catalog WHERE db_engine = $1 ORDER BY connection_string`

	rows, err := r.pool.Query(ctx, query, engine)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var connections []string
	for rows.Next() {
		var conn string
		if err := rows.Scan(&conn); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		connections = append(connections, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}

	return connections, nil
}

func (r *catalogRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.CatalogStatus) error {
	return r.exec(ctx, "update catalog status",
		`UPDATE metadata.catalog SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
}

func (r *catalogRepository) UpdateSyncProgress(ctx context.Context, id uuid.UUID, lastProcessedPK *string, lastSyncedAt *time.Time) error {
	return r.exec(ctx, "update sync progress",
		`UPDATE metadata.catalog SET last_processed_pk = $2, last_synced_at = $3, updated_at = NOW() WHERE id = $1`,
		id, lastProcessedPK, lastSyncedAt)
}

func (r *catalogRepository) UpdateClusterName(ctx context.Context, id uuid.UUID, clusterName string) error {
	return r.exec(ctx, "update cluster name",
		`UPDATE metadata.catalog SET cluster_name = $2, updated_at = NOW() WHERE id = $1`, id, clusterName)
}

func (r *catalogRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return r.exec(ctx, "set catalog active flag",
		`UPDATE metadata.catalog SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
}

// ResetForFullLoad clears incremental progress and queues the table for a
// fresh full load, used when the sync column drifts or an operator unskips.
func (r *catalogRepository) ResetForFullLoad(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, "reset catalog entry",
		`UPDATE metadata.catalog
		 SET status = $2, last_processed_pk = NULL, last_synced_at = NULL, updated_at = NOW()
		 WHERE id = $1`,
		id, models.CatalogStatusFullLoad)
}

func (r *catalogRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, "delete catalog entry",
		`DELETE FROM metadata.catalog WHERE id = $1`, id)
}

func (r *catalogRepository) exec(ctx context.Context, action, query string, args ...any) error {
	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", action, err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func scanCatalogRow(row pgx.Row) (*models.CatalogEntry, error) {
	var e models.CatalogEntry
	err := row.Scan(
		&e.ID, &e.SchemaName, &e.TableName, &e.DBEngine, &e.ConnectionString, &e.ClusterName,
		&e.Status, &e.LastSyncColumn, &e.PKColumns, &e.PKStrategy, &e.HasPK, &e.TableSize,
		&e.Active, &e.LastProcessedPK, &e.LastSyncedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectCatalogEntries(rows pgx.Rows) ([]*models.CatalogEntry, error) {
	var entries []*models.CatalogEntry
	for rows.Next() {
		entry, err := scanCatalogRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan catalog entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating catalog entries: %w", err)
	}
	return entries, nil
}
