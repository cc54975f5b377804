package source

import (
	"database/sql"
	"fmt"

	"github.com/sluicedata/sluice/pkg/jsonutil"
)

// CollectRows drains a database/sql result set into documents, normalizing
// driver byte slices to strings. Shared by the SQL-speaking adapters.
func CollectRows(rows *sql.Rows) (*QueryResult, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	result := &QueryResult{Columns: columns, Rows: make([]jsonutil.Document, 0)}
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		doc := make(jsonutil.Document, len(columns))
		for i, col := range columns {
			doc[col] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return result, nil
}

func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
