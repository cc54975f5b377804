package sqlsafe

import "testing"

func TestParseSelectColumns(t *testing.T) {
	tests := []struct {
		name      string
		sql       string
		wantNames []string
	}{
		{
			name:      "simple columns",
			sql:       "SELECT id, name FROM customers",
			wantNames: []string{"id", "name"},
		},
		{
			name:      "aliased columns",
			sql:       "SELECT name AS customer_name, COUNT(*) AS total FROM customers GROUP BY name",
			wantNames: []string{"customer_name", "total"},
		},
		{
			name:      "table-qualified columns",
			sql:       "SELECT c.id, o.total FROM customers c JOIN orders o ON o.customer_id = c.id",
			wantNames: []string{"id", "total"},
		},
		{
			name:      "function without alias",
			sql:       "SELECT SUM(amount) FROM orders",
			wantNames: []string{"sum"},
		},
		{
			name:      "function with commas inside",
			sql:       "SELECT COALESCE(total, 0) AS total, id FROM orders",
			wantNames: []string{"total", "id"},
		},
		{
			name:      "implicit alias",
			sql:       "SELECT COUNT(*) cnt FROM orders",
			wantNames: []string{"cnt"},
		},
		{
			name:      "select star yields nothing",
			sql:       "SELECT * FROM orders",
			wantNames: nil,
		},
		{
			name:      "not a select",
			sql:       "UPDATE orders SET total = 0",
			wantNames: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cols, err := ParseSelectColumns(tt.sql)
			if err != nil {
				t.Fatalf("ParseSelectColumns() error: %v", err)
			}
			if len(cols) != len(tt.wantNames) {
				t.Fatalf("got %d columns %v, want %d", len(cols), cols, len(tt.wantNames))
			}
			for i, want := range tt.wantNames {
				if cols[i].Name != want {
					t.Errorf("column %d = %q, want %q", i, cols[i].Name, want)
				}
			}
		})
	}
}

func TestParsedColumn_SourceRef(t *testing.T) {
	tests := []struct {
		name string
		col  ParsedColumn
		want string
	}{
		{
			name: "plain column",
			col:  ParsedColumn{Name: "id", Expr: "id"},
			want: "id",
		},
		{
			name: "qualified column",
			col:  ParsedColumn{Name: "total", Expr: "o.total"},
			want: "total",
		},
		{
			name: "aliased plain column",
			col:  ParsedColumn{Name: "customer_name", Expr: "name AS customer_name"},
			want: "name",
		},
		{
			name: "aggregate is not attributable",
			col:  ParsedColumn{Name: "total", Expr: "SUM(amount) AS total"},
			want: "",
		},
		{
			name: "arithmetic is not attributable",
			col:  ParsedColumn{Name: "net", Expr: "total - tax AS net"},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.col.SourceRef(); got != tt.want {
				t.Errorf("SourceRef() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestQuoteIdentifier(t *testing.T) {
	if got := QuoteIdentifier("orders"); got != `"orders"` {
		t.Errorf("QuoteIdentifier(orders) = %s", got)
	}
	if got := QuoteIdentifier(`bad"name`); got != `"bad""name"` {
		t.Errorf("QuoteIdentifier with embedded quote = %s", got)
	}
	if got := QualifiedTable("lake", "orders"); got != `"lake"."orders"` {
		t.Errorf("QualifiedTable = %s", got)
	}
	if got := QualifiedTable("", "orders"); got != `"orders"` {
		t.Errorf("QualifiedTable with empty schema = %s", got)
	}
}
