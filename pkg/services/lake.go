package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/adapters/source"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/models"
	"github.com/sluicedata/sluice/pkg/sqlsafe"
)

// LakeSchema is the schema all target tables are created in.
const LakeSchema = "lake"

// maxInsertParams bounds one multi-row INSERT below the PostgreSQL wire
// limit of 65535 bind parameters.
const maxInsertParams = 60000

// LakeExecutor is the slice of *pgxpool.Pool the lake side consumes. Tests
// substitute a fake; production passes the pool directly.
type LakeExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Lake owns the target side of table syncing: one TEXT-typed table per
// catalog entry under the lake schema. Keeping every column TEXT makes the
// copy loss-free across five source dialects and keeps schema-drift checks
// a plain column-count comparison.
type Lake struct {
	db     LakeExecutor
	logger *zap.Logger
}

// NewLake wires the lake service to its database.
func NewLake(db LakeExecutor, logger *zap.Logger) *Lake {
	return &Lake{
		db:     db,
		logger: logger.Named("lake"),
	}
}

// TargetTableName derives the lake-side table name for a catalog entry:
// <engine>_<schema>_<table>, lowercased, with anything outside [a-z0-9_]
// folded to underscores.
func TargetTableName(entry *models.CatalogEntry) string {
	raw := strings.ToLower(fmt.Sprintf("%s_%s_%s", entry.DBEngine, entry.SchemaName, entry.TableName))
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func targetRef(entry *models.CatalogEntry) string {
	return sqlsafe.QualifiedTable(LakeSchema, TargetTableName(entry))
}

// EnsureSchema creates the lake schema if missing.
func (l *Lake) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+LakeSchema); err != nil {
		return fmt.Errorf("failed to ensure lake schema: %w", err)
	}
	return nil
}

// EnsureTargetTable creates the entry's target table if missing, mirroring
// the source columns as TEXT in ordinal order.
func (l *Lake) EnsureTargetTable(ctx context.Context, entry *models.CatalogEntry, columns []source.ColumnInfo) error {
	if len(columns) == 0 {
		return fmt.Errorf("failed to create target for %s: source reported no columns", entry.QualifiedName())
	}

	defs := make([]string, 0, len(columns))
	for _, col := range columns {
		defs = append(defs, sqlsafe.QuoteIdentifier(col.Name)+" TEXT")
	}

	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", targetRef(entry), strings.Join(defs, ", "))
	if _, err := l.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create target table for %s: %w", entry.QualifiedName(), err)
	}
	return nil
}

// TargetExists reports whether the entry's target table is present.
func (l *Lake) TargetExists(ctx context.Context, entry *models.CatalogEntry) (bool, error) {
	var exists bool
	err := l.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2
		)`, LakeSchema, TargetTableName(entry)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check target table for %s: %w", entry.QualifiedName(), err)
	}
	return exists, nil
}

// RowCount counts rows in the entry's target table.
func (l *Lake) RowCount(ctx context.Context, entry *models.CatalogEntry) (int64, error) {
	var count int64
	err := l.db.QueryRow(ctx, `SELECT COUNT(*) FROM `+targetRef(entry)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count target rows for %s: %w", entry.QualifiedName(), err)
	}
	return count, nil
}

// ColumnCount counts columns of the entry's target table; 0 means the
// table does not exist.
func (l *Lake) ColumnCount(ctx context.Context, entry *models.CatalogEntry) (int, error) {
	var count int
	err := l.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2`,
		LakeSchema, TargetTableName(entry)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count target columns for %s: %w", entry.QualifiedName(), err)
	}
	return count, nil
}

// NullStats returns total rows and NULL rows for one column of the target
// table. The quality validator uses it for null-fraction checks.
func (l *Lake) NullStats(ctx context.Context, entry *models.CatalogEntry, column string) (total, nulls int64, err error) {
	query := fmt.Sprintf(
		"SELECT COUNT(*), COUNT(*) FILTER (WHERE %s IS NULL) FROM %s",
		sqlsafe.QuoteIdentifier(column), targetRef(entry))
	if err := l.db.QueryRow(ctx, query).Scan(&total, &nulls); err != nil {
		return 0, 0, fmt.Errorf("failed to collect null stats for %s: %w", entry.QualifiedName(), err)
	}
	return total, nulls, nil
}

// DropTarget removes the entry's target table.
func (l *Lake) DropTarget(ctx context.Context, entry *models.CatalogEntry) error {
	if _, err := l.db.Exec(ctx, `DROP TABLE IF EXISTS `+targetRef(entry)+` CASCADE`); err != nil {
		return fmt.Errorf("failed to drop target table for %s: %w", entry.QualifiedName(), err)
	}
	return nil
}

// TruncateTarget empties the entry's target table, tolerating its absence.
func (l *Lake) TruncateTarget(ctx context.Context, entry *models.CatalogEntry) error {
	exists, err := l.TargetExists(ctx, entry)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if _, err := l.db.Exec(ctx, `TRUNCATE TABLE `+targetRef(entry)); err != nil {
		return fmt.Errorf("failed to truncate target table for %s: %w", entry.QualifiedName(), err)
	}
	return nil
}

// UpsertChunk writes one fetched page into the target table. Entries with a
// primary key are written idempotently: matching key rows are deleted first,
// so re-running a chunk after a crash cannot duplicate rows. Keyless tables
// get plain appends (best effort).
func (l *Lake) UpsertChunk(ctx context.Context, entry *models.CatalogEntry, columns []string, rows []jsonutil.Document) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("failed to write chunk for %s: no columns", entry.QualifiedName())
	}

	if entry.HasPK && len(entry.PKColumns) > 0 {
		if err := l.deleteMatching(ctx, entry, rows); err != nil {
			return 0, err
		}
	}

	// Stay under the bind-parameter limit by splitting oversized chunks.
	perBatch := maxInsertParams / len(columns)
	if perBatch < 1 {
		perBatch = 1
	}

	var written int64
	for start := 0; start < len(rows); start += perBatch {
		end := start + perBatch
		if end > len(rows) {
			end = len(rows)
		}
		n, err := l.insertBatch(ctx, entry, columns, rows[start:end])
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

func (l *Lake) insertBatch(ctx context.Context, entry *models.CatalogEntry, columns []string, rows []jsonutil.Document) (int64, error) {
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = sqlsafe.QuoteIdentifier(col)
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(targetRef(entry))
	sb.WriteString(" (")
	sb.WriteString(strings.Join(quoted, ", "))
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, col := range columns {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+1)
			args = append(args, TextValue(row[col]))
		}
		sb.WriteString(")")
	}

	tag, err := l.db.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert chunk into %s: %w", entry.QualifiedName(), err)
	}
	return tag.RowsAffected(), nil
}

// deleteMatching removes target rows whose primary key appears in the
// incoming page.
func (l *Lake) deleteMatching(ctx context.Context, entry *models.CatalogEntry, rows []jsonutil.Document) error {
	keyCols := make([]string, len(entry.PKColumns))
	for i, col := range entry.PKColumns {
		keyCols[i] = sqlsafe.QuoteIdentifier(col)
	}

	var sb strings.Builder
	sb.WriteString("DELETE FROM ")
	sb.WriteString(targetRef(entry))
	sb.WriteString(" WHERE (")
	sb.WriteString(strings.Join(keyCols, ", "))
	sb.WriteString(") IN (")

	args := make([]any, 0, len(rows)*len(entry.PKColumns))
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, col := range entry.PKColumns {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+1)
			args = append(args, TextValue(row[col]))
		}
		sb.WriteString(")")
	}
	sb.WriteString(")")

	if _, err := l.db.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to delete matching keys in %s: %w", entry.QualifiedName(), err)
	}
	return nil
}

// Maintain runs VACUUM ANALYZE across lake tables. Postgres disallows
// VACUUM inside a transaction, so each table gets its own statement.
func (l *Lake) Maintain(ctx context.Context) error {
	rows, err := l.db.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`, LakeSchema)
	if err != nil {
		return fmt.Errorf("failed to list lake tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan lake table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate lake tables: %w", err)
	}

	for _, table := range tables {
		ref := sqlsafe.QualifiedTable(LakeSchema, table)
		if _, err := l.db.Exec(ctx, `VACUUM ANALYZE `+ref); err != nil {
			l.logger.Warn("vacuum failed, continuing",
				zap.String("table", table),
				zap.Error(err))
		}
	}

	l.logger.Debug("lake maintenance completed", zap.Int("tables", len(tables)))
	return nil
}

// TextValue renders an arbitrary source value into the lake's TEXT
// representation. nil stays NULL; composites are serialized as JSON.
func TextValue(v any) *string {
	if v == nil {
		return nil
	}
	var s string
	switch value := v.(type) {
	case string:
		s = value
	case []byte:
		s = string(value)
	case time.Time:
		s = value.UTC().Format(time.RFC3339Nano)
	case float64:
		s = strconv.FormatFloat(value, 'f', -1, 64)
	case float32:
		s = strconv.FormatFloat(float64(value), 'f', -1, 32)
	case bool:
		s = strconv.FormatBool(value)
	case map[string]any, []any:
		raw, err := json.Marshal(value)
		if err != nil {
			s = fmt.Sprintf("%v", value)
		} else {
			s = string(raw)
		}
	default:
		s = fmt.Sprintf("%v", value)
	}
	return &s
}
