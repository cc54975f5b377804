package sqlsafe

import "strings"

// QuoteIdentifier double-quotes an identifier for PostgreSQL DDL/DML,
// doubling any embedded quote characters. Used when table or column names
// come from catalog rows rather than code.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifiedTable quotes and joins schema and table for PostgreSQL.
// An empty schema yields just the quoted table.
func QualifiedTable(schema, table string) string {
	if schema == "" {
		return QuoteIdentifier(table)
	}
	return QuoteIdentifier(schema) + "." + QuoteIdentifier(table)
}
