package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/adapters/source"
	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/models"
)

const defaultPort = 5432

// Adapter is the PostgreSQL source adapter.
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

// buildDSN builds a postgres URL with user fields escaped. localhost is
// resolved to host.docker.internal when running inside Docker.
func buildDSN(info *source.ConnInfo) string {
	sslMode := info.Params["sslmode"]
	if sslMode == "" {
		sslMode = "prefer"
	}
	host := config.ResolveHostForDocker(info.Host)

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(info.User),
		url.QueryEscape(info.Password),
		host,
		info.PortOrDefault(defaultPort),
		url.QueryEscape(info.Database),
		sslMode,
	)
}

// New wraps an existing database handle. Tests inject their own.
func New(db *sql.DB, info *source.ConnInfo, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{db: db, info: info, logger: logger.Named("source.postgres")}
}

// Open parses conninfo and opens a pooled connection. The pool is lazy;
// connectivity is verified by Ping.
func Open(ctx context.Context, conninfo string, logger *zap.Logger) (source.Conn, error) {
	info, err := source.ParseConnInfo(conninfo)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", buildDSN(info))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return New(db, info, logger), nil
}

func (a *Adapter) Engine() models.DBEngine { return models.EnginePostgres }

func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// DiscoverTables returns all user tables. reltuples is an estimate kept
// current by autovacuum; -1 (never analyzed) clamps to 0.
func (a *Adapter) DiscoverTables(ctx context.Context) ([]source.TableInfo, error) {
	const query = `
		SELECT t.table_schema, t.table_name,
		       GREATEST(COALESCE(c.reltuples::bigint, 0), 0) AS row_count
		FROM information_schema.tables t
		LEFT JOIN pg_namespace n ON n.nspname = t.table_schema
		LEFT JOIN pg_class c ON c.relnamespace = n.oid AND c.relname = t.table_name
		WHERE t.table_type = 'BASE TABLE'
		  AND t.table_schema NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		ORDER BY t.table_schema, t.table_name`

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
		SELECT column_name, data_type, is_nullable = 'YES'
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`

	rows, err := a.db.QueryContext(ctx, query, schemaName, tableName)
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
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2`

	var count int
	if err := a.db.QueryRowContext(ctx, query, schemaName, tableName).Scan(&count); err != nil {
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

// DetectPrimaryKey reads pg_index rather than information_schema so keys
// created as unique indexes by ORMs are still recognized.
func (a *Adapter) DetectPrimaryKey(ctx context.Context, schemaName, tableName string) ([]string, error) {
	const query = `
		SELECT a.attname
		FROM pg_index ix
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE ix.indisprimary AND n.nspname = $1 AND t.relname = $2
		ORDER BY array_position(ix.indkey, a.attnum)`

	rows, err := a.db.QueryContext(ctx, query, schemaName, tableName)
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

// ResolveClusterName prefers the cluster_name GUC and falls back to the
// database name when the setting is empty.
func (a *Adapter) ResolveClusterName(ctx context.Context) (string, error) {
	const query = `
		SELECT COALESCE(NULLIF(current_setting('cluster_name', true), ''), current_database())`

	var name string
	if err := a.db.QueryRowContext(ctx, query).Scan(&name); err != nil {
		return "", fmt.Errorf("failed to resolve cluster name: %w", err)
	}
	return name, nil
}

func (a *Adapter) CountRows(ctx context.Context, schemaName, tableName string) (int64, error) {
	query := "SELECT COUNT(*) FROM " + a.qualify(schemaName, tableName)

	var count int64
	if err := a.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s.%s: %w", schemaName, tableName, err)
	}
	return count, nil
}

// FetchChunk pages on the first key column. The paging bound is bound as
// text and coerced by the server to the key's type, matching how the
// catalog stores last_processed_pk.
func (a *Adapter) FetchChunk(ctx context.Context, req source.ChunkRequest) ([]jsonutil.Document, error) {
	var (
		clauses []string
		args    []any
	)
	if req.AfterPK != "" && len(req.PKColumns) > 0 {
		args = append(args, req.AfterPK)
		clauses = append(clauses, fmt.Sprintf("%s > $%d", a.QuoteIdentifier(req.PKColumns[0]), len(args)))
	}
	if req.SyncColumn != "" && req.Since != nil {
		args = append(args, *req.Since)
		clauses = append(clauses, fmt.Sprintf("%s >= $%d", a.QuoteIdentifier(req.SyncColumn), len(args)))
	}

	query := "SELECT * FROM " + a.qualify(req.SchemaName, req.TableName)
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
	if req.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", req.Limit)
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
	bounded := fmt.Sprintf("SELECT * FROM (%s) AS _q LIMIT %d",
		strings.TrimRight(strings.TrimSpace(query), ";"), source.ClampQueryLimit(limit))

	rows, err := a.db.QueryContext(ctx, bounded)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	return source.CollectRows(rows)
}

func (a *Adapter) QuoteIdentifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (a *Adapter) qualify(schemaName, tableName string) string {
	if schemaName == "" {
		return a.QuoteIdentifier(tableName)
	}
	return a.QuoteIdentifier(schemaName) + "." + a.QuoteIdentifier(tableName)
}

// SampleActiveQueries captures the non-idle sessions from pg_stat_activity,
// excluding this connection.
func (a *Adapter) SampleActiveQueries(ctx context.Context) ([]models.QueryActivitySample, error) {
	const query = `
		SELECT COALESCE(datname, ''), COALESCE(usename, ''), COALESCE(state, ''),
		       COALESCE(query, ''), query_start
		FROM pg_stat_activity
		WHERE state IS DISTINCT FROM 'idle' AND pid <> pg_backend_pid()`

	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to sample pg_stat_activity: %w", err)
	}
	defer rows.Close()

	var samples []models.QueryActivitySample
	for rows.Next() {
		var (
			s       models.QueryActivitySample
			started sql.NullTime
		)
		if err := rows.Scan(&s.DatabaseName, &s.Username, &s.State, &s.QueryText, &started); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		if started.Valid {
			t := started.Time
			s.QueryStart = &t
		}
		s.DBEngine = models.EnginePostgres
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate activity rows: %w", err)
	}
	return samples, nil
}

// ImportQueryStats reads pg_stat_statements. The extension must be
// installed on the source; a missing relation surfaces as an error the
// collector logs and skips.
func (a *Adapter) ImportQueryStats(ctx context.Context) ([]models.QueryPerformanceStat, error) {
	const query = `
		SELECT queryid::text, query, calls, total_exec_time, mean_exec_time, rows
		FROM pg_stat_statements
		ORDER BY total_exec_time DESC
		LIMIT 200`

	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read pg_stat_statements: %w", err)
	}
	defer rows.Close()

	var stats []models.QueryPerformanceStat
	for rows.Next() {
		var s models.QueryPerformanceStat
		if err := rows.Scan(&s.QueryID, &s.QueryText, &s.Calls, &s.TotalTimeMs, &s.MeanTimeMs, &s.Rows); err != nil {
			return nil, fmt.Errorf("failed to scan statement row: %w", err)
		}
		s.DBEngine = models.EnginePostgres
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate statement rows: %w", err)
	}
	return stats, nil
}

func (a *Adapter) Close(ctx context.Context) error {
	return a.db.Close()
}
