package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb" // SQL Server driver
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/adapters/source"
	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/models"
)

const defaultPort = 1433

// Adapter is the SQL Server source adapter.
type Adapter struct {
	db     *sql.DB
	info   *source.ConnInfo
	logger *zap.Logger
}

var (
	_ source.Conn            = (*Adapter)(nil)
	_ source.ActivitySampler = (*Adapter)(nil)
	_ source.StatsImporter   = (*Adapter)(nil)
)

func buildDSN(info *source.ConnInfo) string {
	query := url.Values{}
	query.Set("database", info.Database)
	if encrypt, ok := info.Params["encrypt"]; ok {
		query.Set("encrypt", encrypt)
	}
	if trust, ok := info.Params["trustservercertificate"]; ok {
		query.Set("TrustServerCertificate", trust)
	}

	u := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(info.User, info.Password),
		Host: fmt.Sprintf("%s:%d",
			config.ResolveHostForDocker(info.Host), info.PortOrDefault(defaultPort)),
		RawQuery: query.Encode(),
	}
	return u.String()
}

// New wraps an existing database handle. Tests inject their own.
func New(db *sql.DB, info *source.ConnInfo, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{db: db, info: info, logger: logger.Named("source.mssql")}
}

// Open parses conninfo and opens a pooled connection.
func Open(ctx context.Context, conninfo string, logger *zap.Logger) (source.Conn, error) {
	info, err := source.ParseConnInfo(conninfo)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlserver", buildDSN(info))
	if err != nil {
		return nil, fmt.Errorf("failed to open mssql connection: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return New(db, info, logger), nil
}

func (a *Adapter) Engine() models.DBEngine { return models.EngineMSSQL }

func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// DiscoverTables sums partition rows per table; index_id 0 or 1 is the heap
// or clustered index, so each table counts once.
func (a *Adapter) DiscoverTables(ctx context.Context) ([]source.TableInfo, error) {
	const query = `
		SET NOCOUNT ON;
		SELECT SCHEMA_NAME(t.schema_id) AS table_schema,
		       t.name AS table_name,
		       SUM(p.rows) AS row_count
		FROM sys.tables t
		INNER JOIN sys.partitions p ON t.object_id = p.object_id
		WHERE p.index_id IN (0, 1)
		  AND t.is_ms_shipped = 0
		GROUP BY t.schema_id, t.name
		ORDER BY table_schema, table_name`

	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var tables []source.TableInfo
	for rows.Next() {
		var t source.TableInfo
		if err := rows.Scan(&t.SchemaName, &t.TableName, &t.RowCount); err != nil {
			return nil, fmt.Errorf("failed to scan table row: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate table rows: %w", err)
	}
	return tables, nil
}

func (a *Adapter) DiscoverColumns(ctx context.Context, schemaName, tableName string) ([]source.ColumnInfo, error) {
	const query = `
		SET NOCOUNT ON;
		SELECT c.name AS column_name,
		       tp.name AS data_type,
		       c.is_nullable
		FROM sys.columns c
		INNER JOIN sys.types tp ON c.user_type_id = tp.user_type_id
		WHERE c.object_id = OBJECT_ID(QUOTENAME(@schema) + N'.' + QUOTENAME(@table))
		ORDER BY c.column_id`

	rows, err := a.db.QueryContext(ctx, query,
		sql.Named("schema", schemaName),
		sql.Named("table", tableName),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	var columns []source.ColumnInfo
	for rows.Next() {
		var c source.ColumnInfo
		if err := rows.Scan(&c.Name, &c.DataType, &c.Nullable); err != nil {
			return nil, fmt.Errorf("failed to scan column row: %w", err)
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate column rows: %w", err)
	}
	return columns, nil
}

func (a *Adapter) ColumnCount(ctx context.Context, schemaName, tableName string) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM sys.columns
		WHERE object_id = OBJECT_ID(QUOTENAME(@schema) + N'.' + QUOTENAME(@table))`

	var count int
	err := a.db.QueryRowContext(ctx, query,
		sql.Named("schema", schemaName),
		sql.Named("table", tableName),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count columns: %w", err)
	}
	return count, nil
}

func (a *Adapter) DetectTimeColumn(ctx context.Context, schemaName, tableName string) (string, error) {
	columns, err := a.DiscoverColumns(ctx, schemaName, tableName)
	if err != nil {
		return "", err
	}
	return source.FirstTimeColumn(columns), nil
}

func (a *Adapter) DetectPrimaryKey(ctx context.Context, schemaName, tableName string) ([]string, error) {
	const query = `
		SELECT c.name
		FROM sys.index_columns ic
		INNER JOIN sys.indexes i ON ic.object_id = i.object_id AND ic.index_id = i.index_id
		INNER JOIN sys.columns c ON ic.object_id = c.object_id AND ic.column_id = c.column_id
		WHERE i.is_primary_key = 1
		  AND ic.object_id = OBJECT_ID(QUOTENAME(@schema) + N'.' + QUOTENAME(@table))
		ORDER BY ic.key_ordinal`

	rows, err := a.db.QueryContext(ctx, query,
		sql.Named("schema", schemaName),
		sql.Named("table", tableName),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query primary key: %w", err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan key column: %w", err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate key columns: %w", err)
	}
	return columns, nil
}

func (a *Adapter) ResolveClusterName(ctx context.Context) (string, error) {
	const query = `SELECT CAST(SERVERPROPERTY('ServerName') AS NVARCHAR(256))`

	var name string
	if err := a.db.QueryRowContext(ctx, query).Scan(&name); err != nil {
		return "", fmt.Errorf("failed to resolve cluster name: %w", err)
	}
	return name, nil
}

func (a *Adapter) CountRows(ctx context.Context, schemaName, tableName string) (int64, error) {
	query := "SELECT COUNT_BIG(*) FROM " + a.qualify(schemaName, tableName)

	var count int64
	if err := a.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s.%s: %w", schemaName, tableName, err)
	}
	return count, nil
}

func (a *Adapter) FetchChunk(ctx context.Context, req source.ChunkRequest) ([]jsonutil.Document, error) {
	var (
		clauses []string
		args    []any
	)
	if req.AfterPK != "" && len(req.PKColumns) > 0 {
		args = append(args, req.AfterPK)
		clauses = append(clauses, fmt.Sprintf("%s > @p%d", a.QuoteIdentifier(req.PKColumns[0]), len(args)))
	}
	if req.SyncColumn != "" && req.Since != nil {
		args = append(args, *req.Since)
		clauses = append(clauses, fmt.Sprintf("%s >= @p%d", a.QuoteIdentifier(req.SyncColumn), len(args)))
	}

	top := ""
	if req.Limit > 0 {
		top = fmt.Sprintf("TOP (%d) ", req.Limit)
	}
	query := "SELECT " + top + "* FROM " + a.qualify(req.SchemaName, req.TableName)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if len(req.PKColumns) > 0 {
		quoted := make([]string, len(req.PKColumns))
		for i, col := range req.PKColumns {
			quoted[i] = a.QuoteIdentifier(col)
		}
		query += " ORDER BY " + strings.Join(quoted, ", ")
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chunk from %s.%s: %w", req.SchemaName, req.TableName, err)
	}
	defer rows.Close()

	result, err := source.CollectRows(rows)
	if err != nil {
		return nil, err
	}
	return result.Rows, nil
}

func (a *Adapter) Query(ctx context.Context, query string, limit int) (*source.QueryResult, error) {
	bounded := fmt.Sprintf("SELECT TOP (%d) * FROM (%s) AS _q",
		source.ClampQueryLimit(limit), strings.TrimRight(strings.TrimSpace(query), ";"))

	rows, err := a.db.QueryContext(ctx, bounded)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	return source.CollectRows(rows)
}

func (a *Adapter) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (a *Adapter) qualify(schemaName, tableName string) string {
	if schemaName == "" {
		return a.QuoteIdentifier(tableName)
	}
	return a.QuoteIdentifier(schemaName) + "." + a.QuoteIdentifier(tableName)
}

// SampleActiveQueries captures user requests from sys.dm_exec_requests
// with their statement text.
func (a *Adapter) SampleActiveQueries(ctx context.Context) ([]models.QueryActivitySample, error) {
	const query = `
		SET NOCOUNT ON;
		SELECT ISNULL(DB_NAME(r.database_id), ''),
		       ISNULL(s.login_name, ''),
		       r.status,
		       ISNULL(t.text, ''),
		       r.start_time
		FROM sys.dm_exec_requests r
		INNER JOIN sys.dm_exec_sessions s ON r.session_id = s.session_id
		CROSS APPLY sys.dm_exec_sql_text(r.sql_handle) t
		WHERE s.is_user_process = 1 AND r.session_id <> @@SPID`

	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to sample dm_exec_requests: %w", err)
	}
	defer rows.Close()

	var samples []models.QueryActivitySample
	for rows.Next() {
		var (
			s       models.QueryActivitySample
			started time.Time
		)
		if err := rows.Scan(&s.DatabaseName, &s.Username, &s.State, &s.QueryText, &started); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		s.QueryStart = &started
		s.DBEngine = models.EngineMSSQL
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate activity rows: %w", err)
	}
	return samples, nil
}

// ImportQueryStats aggregates Query Store runtime stats. Query Store must
// be enabled on the source database; durations arrive in microseconds and
// are converted to milliseconds.
func (a *Adapter) ImportQueryStats(ctx context.Context) ([]models.QueryPerformanceStat, error) {
	const query = `
		SET NOCOUNT ON;
		SELECT CAST(q.query_id AS NVARCHAR(32)),
		       MAX(qt.query_sql_text),
		       SUM(rs.count_executions),
		       SUM(rs.avg_duration * rs.count_executions) / 1000.0,
		       AVG(rs.avg_duration) / 1000.0,
		       CAST(SUM(rs.avg_rowcount * rs.count_executions) AS BIGINT)
		FROM sys.query_store_query q
		INNER JOIN sys.query_store_query_text qt ON q.query_text_id = qt.query_text_id
		INNER JOIN sys.query_store_plan p ON p.query_id = q.query_id
		INNER JOIN sys.query_store_runtime_stats rs ON rs.plan_id = p.plan_id
		GROUP BY q.query_id
		ORDER BY SUM(rs.avg_duration * rs.count_executions) DESC
		OFFSET 0 ROWS FETCH NEXT 200 ROWS ONLY`

	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read query store: %w", err)
	}
	defer rows.Close()

	var stats []models.QueryPerformanceStat
	for rows.Next() {
		var s models.QueryPerformanceStat
		if err := rows.Scan(&s.QueryID, &s.QueryText, &s.Calls, &s.TotalTimeMs, &s.MeanTimeMs, &s.Rows); err != nil {
			return nil, fmt.Errorf("failed to scan query store row: %w", err)
		}
		s.DBEngine = models.EngineMSSQL
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate query store rows: %w", err)
	}
	return stats, nil
}

func (a *Adapter) Close(ctx context.Context) error {
	return a.db.Close()
}
