// Package source connects the engine to the databases it integrates.
// Each supported engine registers a factory keyed by models.DBEngine; the
// catalog manager, syncer, quality validator and governance collector all
// speak to sources through the Conn capability surface and never see
// driver types.
package source

import (
	"context"
	"strings"
	"time"

	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/models"
)

// MaxQueryLimit is the hard cap on rows returned by Query. FetchChunk is
// exempt: its page size is the operator-controlled chunk_size.
const MaxQueryLimit = 1000

// TableInfo identifies one user table discovered in a source database.
type TableInfo struct {
	SchemaName string `json:"schema_name"`
	TableName  string `json:"table_name"`
	RowCount   int64  `json:"row_count"`
}

// ColumnInfo describes one column of a source table.
type ColumnInfo struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

// QueryResult holds the bounded result set of a Query call.
type QueryResult struct {
	Columns []string            `json:"columns"`
	Rows    []jsonutil.Document `json:"rows"`
}

// ChunkRequest asks for one page of rows from a source table. The first
// PKColumns entry is the paging key and AfterPK its exclusive lower bound
// ("" starts from the beginning). When SyncColumn and Since are both set,
// the page is filtered to rows modified at or after Since.
type ChunkRequest struct {
	SchemaName string
	TableName  string
	PKColumns  []string
	AfterPK    string
	SyncColumn string
	Since      *time.Time
	Limit      int
}

// Conn is an open connection to one source database. Implementations are
// registered per engine tag and must be safe for concurrent use.
type Conn interface {
	Engine() models.DBEngine
	Ping(ctx context.Context) error

	// DiscoverTables returns all user tables, system schemas excluded.
	DiscoverTables(ctx context.Context) ([]TableInfo, error)

	// DiscoverColumns returns a table's columns in ordinal order.
	DiscoverColumns(ctx context.Context, schemaName, tableName string) ([]ColumnInfo, error)

	// ColumnCount counts a table's columns; schema-drift checks compare it
	// against the target side.
	ColumnCount(ctx context.Context, schemaName, tableName string) (int, error)

	// DetectTimeColumn returns the table's incremental sync column, or ""
	// when no candidate matches.
	DetectTimeColumn(ctx context.Context, schemaName, tableName string) (string, error)

	// DetectPrimaryKey returns the table's key columns in key order; an
	// empty slice means the table has no primary key.
	DetectPrimaryKey(ctx context.Context, schemaName, tableName string) ([]string, error)

	// ResolveClusterName names the cluster this connection reaches.
	ResolveClusterName(ctx context.Context) (string, error)

	// CountRows returns the table's current row count.
	CountRows(ctx context.Context, schemaName, tableName string) (int64, error)

	// FetchChunk reads one page of rows ordered by the paging key.
	FetchChunk(ctx context.Context, req ChunkRequest) ([]jsonutil.Document, error)

	// Query runs a read-only statement with a dialect-specific row bound.
	// limit <= 0 or above MaxQueryLimit is clamped to MaxQueryLimit.
	Query(ctx context.Context, query string, limit int) (*QueryResult, error)

	// QuoteIdentifier quotes a schema, table or column name for this
	// dialect.
	QuoteIdentifier(name string) string

	Close(ctx context.Context) error
}

// ActivitySampler is implemented by engines exposing an active-query view
// (pg_stat_activity, sys.dm_exec_requests, PROCESSLIST). The governance
// collector discovers the capability by assertion.
type ActivitySampler interface {
	SampleActiveQueries(ctx context.Context) ([]models.QueryActivitySample, error)
}

// StatsImporter is implemented by engines with an aggregate statement store
// (pg_stat_statements, Query Store).
type StatsImporter interface {
	ImportQueryStats(ctx context.Context) ([]models.QueryPerformanceStat, error)
}

// TimeColumnCandidates is the ordered list of column names recognized as a
// table's incremental sync column. Candidate order is priority order.
var TimeColumnCandidates = []string{
	"updated_at",
	"modified_at",
	"last_modified",
	"updated_time",
	"created_at",
	"created_time",
	"timestamp",
}

// FirstTimeColumn returns the highest-priority sync-column candidate
// present among columns, or "".
func FirstTimeColumn(columns []ColumnInfo) string {
	for _, candidate := range TimeColumnCandidates {
		for _, col := range columns {
			if strings.EqualFold(col.Name, candidate) {
				return col.Name
			}
		}
	}
	return ""
}

// ClampQueryLimit normalizes a caller-supplied row bound for Query.
func ClampQueryLimit(limit int) int {
	if limit <= 0 || limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}
