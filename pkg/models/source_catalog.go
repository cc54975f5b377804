package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/sluicedata/sluice/pkg/jsonutil"
)

// ============================================================================
// Non-database Source Catalogs
// ============================================================================

// APICatalogEntry registers an HTTP endpoint whose response lands in a lake
// table. API_CALL tasks resolve their task_reference against this catalog;
// task_config values override the registered defaults. DataPath is a dotted
// path to the row array inside the response body.
type APICatalogEntry struct {
	ID            uuid.UUID         `json:"id"`
	Name          string            `json:"name"`
	URL           string            `json:"url"`
	Method        string            `json:"method"`
	Headers       jsonutil.Document `json:"headers,omitempty"`
	Body          jsonutil.Document `json:"body,omitempty"`
	DataPath      string            `json:"data_path,omitempty"`
	TargetSchema  string            `json:"target_schema"`
	TargetTable   string            `json:"target_table"`
	Active        bool              `json:"active"`
	LastFetchedAt *time.Time        `json:"last_fetched_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// CSVCatalogEntry registers a delimited file loaded into a lake table.
type CSVCatalogEntry struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	FilePath     string     `json:"file_path"`
	Delimiter    string     `json:"delimiter"`
	HasHeader    bool       `json:"has_header"`
	TargetSchema string     `json:"target_schema"`
	TargetTable  string     `json:"target_table"`
	Active       bool       `json:"active"`
	LastLoadedAt *time.Time `json:"last_loaded_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// GoogleSheetsCatalogEntry registers a spreadsheet range loaded into a lake
// table.
type GoogleSheetsCatalogEntry struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	SpreadsheetID string     `json:"spreadsheet_id"`
	SheetName     string     `json:"sheet_name"`
	CellRange     string     `json:"cell_range,omitempty"`
	TargetSchema  string     `json:"target_schema"`
	TargetTable   string     `json:"target_table"`
	Active        bool       `json:"active"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
