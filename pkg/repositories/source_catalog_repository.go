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

// SourceCatalogRepository provides data access for non-database ingestion
// sources: registered API endpoints, CSV files and Google Sheets ranges.
// API entries are resolved by name when an API_CALL task references them.
type SourceCatalogRepository interface {
	UpsertAPI(ctx context.Context, entry *models.APICatalogEntry) error
	GetAPIByName(ctx context.Context, name string) (*models.APICatalogEntry, error)
	ListActiveAPIs(ctx context.Context) ([]*models.APICatalogEntry, error)
	TouchAPIFetched(ctx context.Context, name string, fetchedAt time.Time) error

	UpsertCSV(ctx context.Context, entry *models.CSVCatalogEntry) error
	ListActiveCSVs(ctx context.Context) ([]*models.CSVCatalogEntry, error)
	TouchCSVLoaded(ctx context.Context, name string, loadedAt time.Time) error

	UpsertSheet(ctx context.Context, entry *models.GoogleSheetsCatalogEntry) error
	ListActiveSheets(ctx context.Context) ([]*models.GoogleSheetsCatalogEntry, error)
	TouchSheetFetched(ctx context.Context, name string, fetchedAt time.Time) error
}

type sourceCatalogRepository struct {
	pool *pgxpool.Pool
}

// NewSourceCatalogRepository creates a new source catalog repository.
func NewSourceCatalogRepository(pool *pgxpool.Pool) SourceCatalogRepository {
	return &sourceCatalogRepository{pool: pool}
}

var _ SourceCatalogRepository = (*sourceCatalogRepository)(nil)

// ============================================================================
// API Catalog
// ============================================================================

const apiCatalogColumns = `id, name, url, method, headers, body, data_path, target_schema, target_table, active, last_fetched_at, created_at, updated_at`

func (r *sourceCatalogRepository) UpsertAPI(ctx context.Context, entry *models.APICatalogEntry) error {
	now := time.Now()
	entry.UpdatedAt = now
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
		entry.CreatedAt = now
	}
	if entry.Method == "" {
		entry.Method = "GET"
	}

	query := `
		INSERT INTO metadata.api_catalog (id, name, url, method, headers, body, data_path, target_schema, target_table, active, last_fetched_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (name) DO UPDATE SET
			url = EXCLUDED.url,
			method = EXCLUDED.method,
			headers = EXCLUDED.headers,
			body = EXCLUDED.body,
			data_path = EXCLUDED.data_path,
			target_schema = EXCLUDED.target_schema,
			target_table = EXCLUDED.target_table,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		entry.ID, entry.Name, entry.URL, entry.Method, entry.Headers, entry.Body,
		entry.DataPath, entry.TargetSchema, entry.TargetTable, entry.Active,
		entry.LastFetchedAt, entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert api catalog entry: %w", err)
	}

	return nil
}

func (r *sourceCatalogRepository) GetAPIByName(ctx context.Context, name string) (*models.APICatalogEntry, error) {
	query := `SELECT ` + apiCatalogColumns + ` FROM metadata.api_catalog WHERE name = $1`

	var e models.APICatalogEntry
	err := r.pool.QueryRow(ctx, query, name).Scan(
		&e.ID, &e.Name, &e.URL, &e.Method, &e.Headers, &e.Body,
		&e.DataPath, &e.TargetSchema, &e.TargetTable, &e.Active,
		&e.LastFetchedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get api catalog entry: %w", err)
	}
	return &e, nil
}

func (r *sourceCatalogRepository) ListActiveAPIs(ctx context.Context) ([]*models.APICatalogEntry, error) {
	query := `SELECT ` + apiCatalogColumns + ` FROM metadata.api_catalog WHERE active ORDER BY name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list api catalog: %w", err)
	}
	defer rows.Close()

	var entries []*models.APICatalogEntry
	for rows.Next() {
		var e models.APICatalogEntry
		err := rows.Scan(
			&e.ID, &e.Name, &e.URL, &e.Method, &e.Headers, &e.Body,
			&e.DataPath, &e.TargetSchema, &e.TargetTable, &e.Active,
			&e.LastFetchedAt, &e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api catalog entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating api catalog: %w", err)
	}

	return entries, nil
}

func (r *sourceCatalogRepository) TouchAPIFetched(ctx context.Context, name string, fetchedAt time.Time) error {
	return r.touch(ctx, "api_catalog", "last_fetched_at", name, fetchedAt)
}

// ============================================================================
// CSV Catalog
// ============================================================================

func (r *sourceCatalogRepository) UpsertCSV(ctx context.Context, entry *models.CSVCatalogEntry) error {
	now := time.Now()
	entry.UpdatedAt = now
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
		entry.CreatedAt = now
	}
	if entry.Delimiter == "" {
		entry.Delimiter = ","
	}

	query := `
		INSERT INTO metadata.csv_catalog (id, name, file_path, delimiter, has_header, target_schema, target_table, active, last_loaded_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (name) DO UPDATE SET
			file_path = EXCLUDED.file_path,
			delimiter = EXCLUDED.delimiter,
			has_header = EXCLUDED.has_header,
			target_schema = EXCLUDED.target_schema,
			target_table = EXCLUDED.target_table,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		entry.ID, entry.Name, entry.FilePath, entry.Delimiter, entry.HasHeader,
		entry.TargetSchema, entry.TargetTable, entry.Active,
		entry.LastLoadedAt, entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert csv catalog entry: %w", err)
	}

	return nil
}

func (r *sourceCatalogRepository) ListActiveCSVs(ctx context.Context) ([]*models.CSVCatalogEntry, error) {
	query := `
		SELECT id, name, file_path, delimiter, has_header, target_schema, target_table, active, last_loaded_at, created_at, updated_at
		FROM metadata.csv_catalog WHERE active ORDER BY name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list csv catalog: %w", err)
	}
	defer rows.Close()

	var entries []*models.CSVCatalogEntry
	for rows.Next() {
		var e models.CSVCatalogEntry
		err := rows.Scan(
			&e.ID, &e.Name, &e.FilePath, &e.Delimiter, &e.HasHeader,
			&e.TargetSchema, &e.TargetTable, &e.Active,
			&e.LastLoadedAt, &e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan csv catalog entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating csv catalog: %w", err)
	}

	return entries, nil
}

func (r *sourceCatalogRepository) TouchCSVLoaded(ctx context.Context, name string, loadedAt time.Time) error {
	return r.touch(ctx, "csv_catalog", "last_loaded_at", name, loadedAt)
}

// ============================================================================
// Google Sheets Catalog
// ============================================================================

func (r *sourceCatalogRepository) UpsertSheet(ctx context.Context, entry *models.GoogleSheetsCatalogEntry) error {
	now := time.Now()
	entry.UpdatedAt = now
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
		entry.CreatedAt = now
	}

	query := `
		INSERT INTO metadata.google_sheets_catalog (id, name, spreadsheet_id, sheet_name, cell_range, target_schema, target_table, active, last_fetched_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (name) DO UPDATE SET
			spreadsheet_id = EXCLUDED.spreadsheet_id,
			sheet_name = EXCLUDED.sheet_name,
			cell_range = EXCLUDED.cell_range,
			target_schema = EXCLUDED.target_schema,
			target_table = EXCLUDED.target_table,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		entry.ID, entry.Name, entry.SpreadsheetID, entry.SheetName, entry.CellRange,
		entry.TargetSchema, entry.TargetTable, entry.Active,
		entry.LastFetchedAt, entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert sheets catalog entry: %w", err)
	}

	return nil
}

func (r *sourceCatalogRepository) ListActiveSheets(ctx context.Context) ([]*models.GoogleSheetsCatalogEntry, error) {
	query := `
		SELECT id, name, spreadsheet_id, sheet_name, cell_range, target_schema, target_table, active, last_fetched_at, created_at, updated_at
		FROM metadata.google_sheets_catalog WHERE active ORDER BY name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sheets catalog: %w", err)
	}
	defer rows.Close()

	var entries []*models.GoogleSheetsCatalogEntry
	for rows.Next() {
		var e models.GoogleSheetsCatalogEntry
		err := rows.Scan(
			&e.ID, &e.Name, &e.SpreadsheetID, &e.SheetName, &e.CellRange,
			&e.TargetSchema, &e.TargetTable, &e.Active,
			&e.LastFetchedAt, &e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sheets catalog entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sheets catalog: %w", err)
	}

	return entries, nil
}

func (r *sourceCatalogRepository) TouchSheetFetched(ctx context.Context, name string, fetchedAt time.Time) error {
	return r.touch(ctx, "google_sheets_catalog", "last_fetched_at", name, fetchedAt)
}

func (r *sourceCatalogRepository) touch(ctx context.Context, table, column, name string, ts time.Time) error {
	query := fmt.Sprintf(`UPDATE metadata.%s SET %s = $2, updated_at = NOW() WHERE name = $1`, table, column)

	result, err := r.pool.Exec(ctx, query, name, ts)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", table, err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
