package mariadb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/adapters/source"
	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/models"
)

const defaultPort = 3306

// Adapter is the MariaDB/MySQL source adapter.
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
	cfg := mysql.NewConfig()
	cfg.User = info.User
	cfg.Passwd = info.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d",
		config.ResolveHostForDocker(info.Host), info.PortOrDefault(defaultPort))
	cfg.DBName = info.Database
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// New wraps an existing database handle. Tests inject their own.
func New(db *sql.DB, info *source.ConnInfo, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{db: db, info: info, logger: logger.Named("source.mariadb")}
}

// Open parses conninfo and opens a pooled connection.
func Open(ctx context.Context, conninfo string, logger *zap.Logger) (source.Conn, error) {
	info, err := source.ParseConnInfo(conninfo)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", buildDSN(info))
	if err != nil {
		return nil, fmt.Errorf("failed to open mariadb connection: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return New(db, info, logger), nil
}

func (a *Adapter) Engine() models.DBEngine { return models.EngineMariaDB }

func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// DiscoverTables returns all user tables. table_rows is the storage
// engine's estimate, same caveat as postgres reltuples.
func (a *Adapter) DiscoverTables(ctx context.Context) ([]source.TableInfo, error) {
	const query = `
		SELECT table_schema, table_name, COALESCE(table_rows, 0)
		FROM information_schema.tables
		WHERE table_type = 'BASE TABLE'
		  AND table_schema NOT IN ('mysql', 'information_schema', 'performance_schema', 'sys')
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
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`

	rows, err := a.db.QueryContext(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	var columns []source.ColumnInfo
	for rows.Next() {
		var (
			c        source.ColumnInfo
			nullable string
		)
		if err := rows.Scan(&c.Name, &c.DataType, &nullable); err != nil {
			return nil, fmt.Errorf("failed to scan column row: %w", err)
		}
		c.Nullable = strings.EqualFold(nullable, "YES")
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
		WHERE table_schema = ? AND table_name = ?`

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

func (a *Adapter) DetectPrimaryKey(ctx context.Context, schemaName, tableName string) ([]string, error) {
	const query = `
		SELECT column_name
		FROM information_schema.key_column_usage
		WHERE table_schema = ? AND table_name = ? AND constraint_name = 'PRIMARY'
		ORDER BY ordinal_position`

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

func (a *Adapter) ResolveClusterName(ctx context.Context) (string, error) {
	var name string
	if err := a.db.QueryRowContext(ctx, "SELECT @@hostname").Scan(&name); err != nil {
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

func (a *Adapter) FetchChunk(ctx context.Context, req source.ChunkRequest) ([]jsonutil.Document, error) {
	var (
		clauses []string
		args    []any
	)
	if req.AfterPK != "" && len(req.PKColumns) > 0 {
		clauses = append(clauses, a.QuoteIdentifier(req.PKColumns[0])+" > ?")
		args = append(args, req.AfterPK)
	}
	if req.SyncColumn != "" && req.Since != nil {
		clauses = append(clauses, a.QuoteIdentifier(req.SyncColumn)+" >= ?")
		args = append(args, *req.Since)
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
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (a *Adapter) qualify(schemaName, tableName string) string {
	if schemaName == "" {
		return a.QuoteIdentifier(tableName)
	}
	return a.QuoteIdentifier(schemaName) + "." + a.QuoteIdentifier(tableName)
}

// SampleActiveQueries captures the running statements from PROCESSLIST.
// query_start is reconstructed from the TIME column.
func (a *Adapter) SampleActiveQueries(ctx context.Context) ([]models.QueryActivitySample, error) {
	const query = `
		SELECT COALESCE(db, ''), user, COALESCE(state, ''), COALESCE(info, ''), time
		FROM information_schema.processlist
		WHERE command <> 'Sleep' AND id <> CONNECTION_ID()`

	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to sample processlist: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var samples []models.QueryActivitySample
	for rows.Next() {
		var (
			s       models.QueryActivitySample
			elapsed int64
		)
		if err := rows.Scan(&s.DatabaseName, &s.Username, &s.State, &s.QueryText, &elapsed); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		started := now.Add(-time.Duration(elapsed) * time.Second)
		s.QueryStart = &started
		s.DBEngine = models.EngineMariaDB
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate activity rows: %w", err)
	}
	return samples, nil
}

// ImportQueryStats reads the statement digest summary. Requires
// performance_schema=ON on the source; timer columns are picoseconds.
func (a *Adapter) ImportQueryStats(ctx context.Context) ([]models.QueryPerformanceStat, error) {
	const query = `
		SELECT digest, COALESCE(digest_text, ''), count_star,
		       sum_timer_wait / 1e9, avg_timer_wait / 1e9, sum_rows_sent
		FROM performance_schema.events_statements_summary_by_digest
		WHERE digest IS NOT NULL
		ORDER BY sum_timer_wait DESC
		LIMIT 200`

	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read statement digests: %w", err)
	}
	defer rows.Close()

	var stats []models.QueryPerformanceStat
	for rows.Next() {
		var s models.QueryPerformanceStat
		if err := rows.Scan(&s.QueryID, &s.QueryText, &s.Calls, &s.TotalTimeMs, &s.MeanTimeMs, &s.Rows); err != nil {
			return nil, fmt.Errorf("failed to scan digest row: %w", err)
		}
		s.DBEngine = models.EngineMariaDB
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate digest rows: %w", err)
	}
	return stats, nil
}

func (a *Adapter) Close(ctx context.Context) error {
	return a.db.Close()
}
