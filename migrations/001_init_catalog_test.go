//go:build integration

package migrations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicedata/sluice/pkg/testhelpers"
)

// Test_001_InitCatalog verifies the initial schema carries the constraints
// the engine relies on for correctness.
func Test_001_InitCatalog(t *testing.T) {
	catalogDB := testhelpers.GetCatalogDB(t)
	ctx := context.Background()

	t.Run("all tables exist", func(t *testing.T) {
		expected := []string{
			"workflows", "workflow_tasks", "workflow_dependencies",
			"workflow_executions", "workflow_task_executions", "workflow_versions",
			"catalog", "catalog_locks",
			"custom_jobs", "job_results",
			"api_catalog", "csv_catalog", "google_sheets_catalog",
			"dbt_models", "dbt_macros", "dbt_sources", "dbt_model_runs",
			"dbt_tests", "dbt_test_results", "dbt_documentation", "dbt_lineage",
			"backups", "backup_history",
			"config", "process_log", "data_quality",
			"query_activity_log", "query_performance",
			"apm_metrics", "apm_baselines", "apm_health_checks",
		}
		for _, table := range expected {
			var exists bool
			err := catalogDB.DB.Pool.QueryRow(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM information_schema.tables
					WHERE table_schema = 'metadata' AND table_name = $1
				)`, table).Scan(&exists)
			require.NoError(t, err)
			assert.True(t, exists, "metadata.%s should exist", table)
		}
	})

	t.Run("catalog identity is the four-tuple", func(t *testing.T) {
		var count int
		err := catalogDB.DB.Pool.QueryRow(ctx, `
			SELECT COUNT(*)
			FROM pg_constraint c
			JOIN pg_class r ON r.oid = c.conrelid
			JOIN pg_namespace n ON n.oid = r.relnamespace
			WHERE n.nspname = 'metadata' AND r.relname = 'catalog' AND c.contype = 'u'`,
		).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "catalog should have exactly one unique constraint")
	})

	t.Run("lock name is the primary key", func(t *testing.T) {
		var pkColumn string
		err := catalogDB.DB.Pool.QueryRow(ctx, `
			SELECT a.attname
			FROM pg_index i
			JOIN pg_class r ON r.oid = i.indrelid
			JOIN pg_namespace n ON n.oid = r.relnamespace
			JOIN pg_attribute a ON a.attrelid = r.oid AND a.attnum = ANY(i.indkey)
			WHERE n.nspname = 'metadata' AND r.relname = 'catalog_locks' AND i.indisprimary`,
		).Scan(&pkColumn)
		require.NoError(t, err)
		assert.Equal(t, "lock_name", pkColumn)
	})

	t.Run("one current version per workflow", func(t *testing.T) {
		var exists bool
		err := catalogDB.DB.Pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM pg_indexes
				WHERE schemaname = 'metadata'
				AND indexname = 'idx_workflow_versions_current'
			)`).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "partial unique index on current versions should exist")

		// Second current row for the same workflow must be rejected.
		_, err = catalogDB.DB.Pool.Exec(ctx, `
			INSERT INTO metadata.workflow_versions (workflow_name, version, snapshot, is_current)
			VALUES ('mig_test_wf', 1, '{}'::jsonb, TRUE)`)
		require.NoError(t, err)
		defer func() {
			_, _ = catalogDB.DB.Pool.Exec(ctx, `DELETE FROM metadata.workflow_versions WHERE workflow_name = 'mig_test_wf'`)
		}()

		_, err = catalogDB.DB.Pool.Exec(ctx, `
			INSERT INTO metadata.workflow_versions (workflow_name, version, snapshot, is_current)
			VALUES ('mig_test_wf', 2, '{}'::jsonb, TRUE)`)
		assert.Error(t, err, "two current versions for one workflow must violate the index")
	})

	t.Run("tasks and dependencies cascade with workflow", func(t *testing.T) {
		_, err := catalogDB.DB.Pool.Exec(ctx, `
			INSERT INTO metadata.workflows (name) VALUES ('mig_test_cascade')`)
		require.NoError(t, err)

		_, err = catalogDB.DB.Pool.Exec(ctx, `
			INSERT INTO metadata.workflow_tasks (workflow_name, task_name, task_type)
			VALUES ('mig_test_cascade', 'a', 'CUSTOM_JOB'), ('mig_test_cascade', 'b', 'CUSTOM_JOB')`)
		require.NoError(t, err)

		_, err = catalogDB.DB.Pool.Exec(ctx, `
			INSERT INTO metadata.workflow_dependencies (workflow_name, upstream_task, downstream_task, dependency_type)
			VALUES ('mig_test_cascade', 'a', 'b', 'SUCCESS')`)
		require.NoError(t, err)

		_, err = catalogDB.DB.Pool.Exec(ctx, `DELETE FROM metadata.workflows WHERE name = 'mig_test_cascade'`)
		require.NoError(t, err)

		var remaining int
		err = catalogDB.DB.Pool.QueryRow(ctx, `
			SELECT (SELECT COUNT(*) FROM metadata.workflow_tasks WHERE workflow_name = 'mig_test_cascade')
			     + (SELECT COUNT(*) FROM metadata.workflow_dependencies WHERE workflow_name = 'mig_test_cascade')`,
		).Scan(&remaining)
		require.NoError(t, err)
		assert.Zero(t, remaining, "tasks and dependencies should be deleted with the workflow")
	})

	t.Run("duplicate task name in one workflow is rejected", func(t *testing.T) {
		_, err := catalogDB.DB.Pool.Exec(ctx, `
			INSERT INTO metadata.workflows (name) VALUES ('mig_test_dup')`)
		require.NoError(t, err)
		defer func() {
			_, _ = catalogDB.DB.Pool.Exec(ctx, `DELETE FROM metadata.workflows WHERE name = 'mig_test_dup'`)
		}()

		_, err = catalogDB.DB.Pool.Exec(ctx, `
			INSERT INTO metadata.workflow_tasks (workflow_name, task_name, task_type)
			VALUES ('mig_test_dup', 'only', 'CUSTOM_JOB')`)
		require.NoError(t, err)

		_, err = catalogDB.DB.Pool.Exec(ctx, `
			INSERT INTO metadata.workflow_tasks (workflow_name, task_name, task_type)
			VALUES ('mig_test_dup', 'only', 'SCRIPT')`)
		assert.Error(t, err, "(workflow_name, task_name) must be unique")
	})
}
