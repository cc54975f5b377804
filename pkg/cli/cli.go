// Package cli wires the sluice command tree: the long-running engine
// process plus the operational one-shots (migrate, workflow-run, version).
// Exit codes: 0 on success, 1 on any surfaced failure, 2 when the
// configuration cannot be loaded.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/database"
	"github.com/sluicedata/sluice/pkg/engine"
	"github.com/sluicedata/sluice/pkg/logging"
	"github.com/sluicedata/sluice/pkg/models"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2

	// errDisplayLimit caps error text on the terminal. The catalog and the
	// logs keep the full message.
	errDisplayLimit = 200

	// migratePoolSize bounds the short-lived pool used only to apply
	// migrations.
	migratePoolSize = 2
)

// configError marks failures that happen before the process has a usable
// configuration, so Execute can map them to a distinct exit code.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// Execute runs the sluice command tree and returns the process exit code.
func Execute(version string) int {
	if err := newRootCmd(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", logging.TruncateString(err.Error(), errDisplayLimit))
		var cfgErr *configError
		if errors.As(err, &cfgErr) {
			return exitConfig
		}
		return exitFailure
	}
	return exitOK
}

func newRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "sluice",
		Short: "Multi-source data integration engine",
		Long: `Sluice keeps a central catalog of source databases in sync with a
Postgres lake and runs the workflows, quality checks and governance
collection defined in that catalog.

Configuration is read from config.yaml in the working directory, with
environment variable overrides.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCmd(version),
		newMigrateCmd(version),
		newWorkflowRunCmd(version),
		newVersionCmd(version),
	)
	return root
}

func newRunCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(version)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := migrateCatalog(ctx, cfg, logger); err != nil {
				return err
			}

			app, err := engine.Bootstrap(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			logger.Info("sluice starting",
				zap.String("version", cfg.Version),
				zap.String("env", cfg.Env),
				zap.String("hostname", cfg.Hostname))
			app.Run(ctx)
			return nil
		},
	}
}

func newMigrateCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending catalog migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(version)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return migrateCatalog(cmd.Context(), cfg, logger)
		},
	}
}

func newWorkflowRunCmd(version string) *cobra.Command {
	var specFile string

	cmd := &cobra.Command{
		Use:   "workflow-run [name]",
		Short: "Execute one workflow in the foreground",
		Long: `Execute one workflow in the foreground and print its terminal status.

With --file, the declarative definition is applied to the catalog first
(creating a new workflow version) and the workflow it names is executed.
A name argument is required when --file is not given; when both are given
the name must match the definition.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if specFile == "" && len(args) == 0 {
				return fmt.Errorf("a workflow name or --file is required")
			}

			var spec *models.WorkflowSpec
			if specFile != "" {
				var err error
				spec, err = models.ParseWorkflowSpecFile(specFile)
				if err != nil {
					return err
				}
				if len(args) == 1 && args[0] != spec.Name {
					return fmt.Errorf("workflow name %q does not match definition %q", args[0], spec.Name)
				}
			}

			cfg, logger, err := setup(version)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			// One-shot invocation: no metrics listener to collide with an
			// engine already running on the same host.
			cfg.Engine.MetricsAddr = ""

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := engine.Bootstrap(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()
			defer app.Queue.Stop()

			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			if spec != nil {
				applied, err := app.Versions.Apply(ctx, spec, cfg.Hostname)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "workflow %s: applied version %d\n",
					spec.Name, applied.Version)
				name = spec.Name
			}

			execution, err := app.Executor.Execute(ctx, name, models.TriggerTypeManual)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workflow %s: %s (%d/%d tasks completed, %d skipped)\n",
				execution.WorkflowName, execution.Status,
				execution.CompletedTasks, execution.TotalTasks, execution.SkippedTasks)
			return nil
		},
	}
	cmd.Flags().StringVarP(&specFile, "file", "f", "", "workflow definition file (YAML or JSON) to apply before running")
	return cmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sluice version %s\n", version)
		},
	}
}

// setup loads config.yaml and builds the process logger.
func setup(version string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(version)
	if err != nil {
		return nil, nil, &configError{err}
	}
	logger, err := logging.New(cfg.Env)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// migrateCatalog applies pending catalog migrations over a short-lived
// pool. RunMigrations is idempotent, so run and migrate share this path.
func migrateCatalog(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	pool, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Catalog.ConnectionString(),
		MaxConnections: migratePoolSize,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to catalog: %w", err)
	}
	defer pool.Close()

	db := stdlib.OpenDBFromPool(pool.Pool)
	defer func() { _ = db.Close() }()

	return database.RunMigrations(db, cfg.Engine.MigrationsPath, logger)
}
