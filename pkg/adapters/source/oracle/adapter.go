package oracle

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	go_ora "github.com/sijms/go-ora/v2"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/adapters/source"
	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/models"
)

const defaultPort = 1521

// Adapter is the Oracle source adapter. The db field in conninfo names the
// service, not a schema; tables are scoped by owner instead.
type Adapter struct {
	db     *sql.DB
	info   *source.ConnInfo
	logger *zap.Logger
}

var _ source.Conn = (*Adapter)(nil)

func buildDSN(info *source.ConnInfo) string {
	return go_ora.BuildUrl(
		config.ResolveHostForDocker(info.Host),
		info.PortOrDefault(defaultPort),
		info.Database,
		info.User,
		info.Password,
		nil,
	)
}

// New wraps an existing database handle. Tests inject their own.
func New(db *sql.DB, info *source.ConnInfo, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{db: db, info: info, logger: logger.Named("source.oracle")}
}

// Open parses conninfo and opens a pooled connection.
func Open(ctx context.Context, conninfo string, logger *zap.Logger) (source.Conn, error) {
	info, err := source.ParseConnInfo(conninfo)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("oracle", buildDSN(info))
	if err != nil {
		return nil, fmt.Errorf("failed to open oracle connection: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return New(db, info, logger), nil
}

func (a *Adapter) Engine() models.DBEngine { return models.EngineOracle }

func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// DiscoverTables reads all_tables. Row counts come from optimizer
// statistics and may lag until the next ANALYZE.
func (a *Adapter) DiscoverTables(ctx context.Context) ([]source.TableInfo, error) {
	const query = `
		SELECT owner, table_name, NVL(num_rows, 0)
		FROM all_tables
		WHERE owner NOT IN (
			'SYS', 'SYSTEM', 'OUTLN', 'XDB', 'CTXSYS', 'MDSYS',
			'ORDSYS', 'DBSNMP', 'APPQOSSYS', 'GSMADMIN_INTERNAL', 'WMSYS'
		)
		ORDER BY owner, table_name`

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
		SELECT column_name, data_type, nullable
		FROM all_tab_columns
		WHERE owner = :1 AND table_name = :2
		ORDER BY column_id`

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
		c.Nullable = nullable == "Y"
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
		FROM all_tab_columns
		WHERE owner = :1 AND table_name = :2`

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
		SELECT cc.column_name
		FROM all_constraints c
		INNER JOIN all_cons_columns cc
			ON c.owner = cc.owner AND c.constraint_name = cc.constraint_name
		WHERE c.constraint_type = 'P'
		  AND c.owner = :1
		  AND c.table_name = :2
		ORDER BY cc.position`

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
	const query = `SELECT SYS_CONTEXT('USERENV', 'DB_NAME') FROM dual`

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

func (a *Adapter) FetchChunk(ctx context.Context, req source.ChunkRequest) ([]jsonutil.Document, error) {
	var (
		clauses []string
		args    []any
	)
	if req.AfterPK != "" && len(req.PKColumns) > 0 {
		args = append(args, req.AfterPK)
		clauses = append(clauses, fmt.Sprintf("%s > :%d", a.QuoteIdentifier(req.PKColumns[0]), len(args)))
	}
	if req.SyncColumn != "" && req.Since != nil {
		args = append(args, *req.Since)
		clauses = append(clauses, fmt.Sprintf("%s >= :%d", a.QuoteIdentifier(req.SyncColumn), len(args)))
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
		query += fmt.Sprintf(" FETCH FIRST %d ROWS ONLY", req.Limit)
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
	bounded := fmt.Sprintf("SELECT * FROM (%s) FETCH FIRST %d ROWS ONLY",
		strings.TrimRight(strings.TrimSpace(query), ";"), source.ClampQueryLimit(limit))

	rows, err := a.db.QueryContext(ctx, bounded)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	return source.CollectRows(rows)
}

func (a *Adapter) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (a *Adapter) qualify(schemaName, tableName string) string {
	if schemaName == "" {
		return a.QuoteIdentifier(tableName)
	}
	return a.QuoteIdentifier(schemaName) + "." + a.QuoteIdentifier(tableName)
}

func (a *Adapter) Close(ctx context.Context) error {
	return a.db.Close()
}
