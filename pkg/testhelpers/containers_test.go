//go:build integration

package testhelpers

import (
	"context"
	"testing"
)

func TestCatalogDB_Connection(t *testing.T) {
	catalog := GetCatalogDB(t)

	ctx := context.Background()

	var one int
	if err := catalog.DB.Pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		t.Fatalf("failed to ping catalog: %v", err)
	}
}

func TestCatalogDB_MigratedSchema(t *testing.T) {
	catalog := GetCatalogDB(t)

	ctx := context.Background()

	// Migrations create the metadata schema with the core tables
	tests := []string{
		"catalog_locks",
		"workflows",
		"workflow_tasks",
		"workflow_dependencies",
		"workflow_executions",
		"workflow_task_executions",
		"catalog",
		"config",
		"dbt_models",
		"process_log",
	}

	for _, table := range tests {
		var exists bool
		err := catalog.DB.Pool.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_schema = 'metadata' AND table_name = $1
			)`, table).Scan(&exists)
		if err != nil {
			t.Errorf("failed to check %s: %v", table, err)
			continue
		}
		if !exists {
			t.Errorf("expected metadata.%s to exist after migrations", table)
		}
	}
}
