package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/database"
	"github.com/sluicedata/sluice/pkg/lock"
	"github.com/sluicedata/sluice/pkg/metrics"
	"github.com/sluicedata/sluice/pkg/repositories"
	"github.com/sluicedata/sluice/pkg/services"
	"github.com/sluicedata/sluice/pkg/services/dbt"
	"github.com/sluicedata/sluice/pkg/services/taskqueue"
)

// App is the fully wired process: the engine plus the surfaces the CLI
// drives directly.
type App struct {
	Engine   *Engine
	Executor *services.Executor
	Backfill *services.BackfillManager
	Versions *services.VersionManager
	Queue    *taskqueue.Queue

	catalogDB  *database.DB
	lakeDB     *database.DB // nil when the lake shares the catalog pool
	redis      *redis.Client
	metricsSrv *http.Server
	logger     *zap.Logger
}

// Bootstrap connects to the catalog, the lake and (when configured) redis,
// wires every repository and service, and returns a ready-to-start App.
// The task queue's worker pool is live on return; loops start with
// App.Run or Engine.Start.
func Bootstrap(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	catalogDB, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Catalog.ConnectionString(),
		MaxConnections: cfg.Catalog.MaxConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to catalog: %w", err)
	}

	var lakeDB *database.DB
	lakePool := catalogDB
	if !cfg.Lake.UsesCatalog() {
		lakeDB, err = database.NewConnection(ctx, &database.Config{
			URL: cfg.Lake.ConnectionString(),
		})
		if err != nil {
			catalogDB.Close()
			return nil, fmt.Errorf("failed to connect to lake: %w", err)
		}
		lakePool = lakeDB
	}

	// The event intake is optional; a missing redis degrades, not aborts.
	redisClient, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Warn("redis unavailable, event intake disabled", zap.Error(err))
		redisClient = nil
	}

	runtime := config.NewRuntime()
	m := metrics.New()
	locks := lock.NewManager(catalogDB.Pool, runtime, cfg.Hostname, logger)

	catalogRepo := repositories.NewCatalogRepository(catalogDB.Pool)
	workflowRepo := repositories.NewWorkflowRepository(catalogDB.Pool)
	executionRepo := repositories.NewExecutionRepository(catalogDB.Pool)
	jobRepo := repositories.NewJobRepository(catalogDB.Pool)
	sourceCatalogRepo := repositories.NewSourceCatalogRepository(catalogDB.Pool)
	dbtModelRepo := repositories.NewDBTModelRepository(catalogDB.Pool)
	dbtRunRepo := repositories.NewDBTRunRepository(catalogDB.Pool)
	qualityRepo := repositories.NewQualityRepository(catalogDB.Pool)
	governanceRepo := repositories.NewGovernanceRepository(catalogDB.Pool)
	versionRepo := repositories.NewVersionRepository(catalogDB.Pool)
	backupRepo := repositories.NewBackupRepository(catalogDB.Pool)
	configRepo := repositories.NewConfigRepository(catalogDB.Pool)
	processLogRepo := repositories.NewProcessLogRepository(catalogDB.Pool)

	lakeSvc := services.NewLake(lakePool.Pool, logger)
	syncer := services.NewSyncer(catalogRepo, lakeSvc, runtime, logger)
	catalogMgr := services.NewCatalogManager(catalogRepo, lakeSvc, locks, logger)
	quality := services.NewQualityValidator(catalogRepo, qualityRepo, lakeSvc, logger)
	governance := services.NewGovernanceCollector(catalogRepo, governanceRepo, logger)

	conditions, err := services.NewConditionEvaluator(logger)
	if err != nil {
		closePools(catalogDB, lakeDB, redisClient, logger)
		return nil, fmt.Errorf("failed to build condition evaluator: %w", err)
	}

	dispatcher := services.NewDispatcher(
		services.NewJobService(jobRepo, lakePool.Pool, logger),
		dbt.NewExecutor(dbtModelRepo, dbtRunRepo, lakePool.Pool, logger),
		syncer,
		services.NewAPICaller(sourceCatalogRepo, logger),
		services.NewScriptRunner(logger),
		logger,
	)
	executor := services.NewExecutor(workflowRepo, executionRepo, dispatcher, conditions, m, logger)

	queue := taskqueue.New(executor, logger)
	queue.SetWorkerPoolSize(cfg.Engine.WorkerPoolSize)

	scheduler := services.NewScheduler(workflowRepo, backupRepo, locks, executor,
		services.NewDumpRunner(cfg.Catalog, logger), logger)
	triggers := services.NewTriggerManager(executor, redisClient, logger)
	dataDriven := services.NewDataDrivenScheduler(executor, logger)

	eng := New(Deps{
		Runtime:    runtime,
		Metrics:    m,
		Catalog:    catalogMgr,
		Tables:     syncer,
		Quality:    quality,
		Governance: governance,
		Lake:       lakeSvc,
		Configs:    configRepo,
		ProcessLog: processLogRepo,
		Queue:      queue,
		Components: []Component{scheduler, triggers, dataDriven},
		Hostname:   cfg.Hostname,
	}, logger)

	return &App{
		Engine:     eng,
		Executor:   executor,
		Backfill:   services.NewBackfillManager(executor, logger),
		Versions:   services.NewVersionManager(versionRepo, workflowRepo, logger),
		Queue:      queue,
		catalogDB:  catalogDB,
		lakeDB:     lakeDB,
		redis:      redisClient,
		metricsSrv: m.Serve(cfg.Engine.MetricsAddr, logger),
		logger:     logger,
	}, nil
}

// Run starts the engine and blocks until ctx is canceled, then shuts every
// loop and component down.
func (a *App) Run(ctx context.Context) {
	a.Engine.Start(ctx)
	<-ctx.Done()
	a.logger.Info("shutdown signal received")
	a.Engine.Shutdown()
}

// Close releases pools, the redis client and the metrics listener. Call
// after the engine has stopped.
func (a *App) Close() {
	if a.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metricsSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("metrics listener shutdown failed", zap.Error(err))
		}
		cancel()
	}
	closePools(a.catalogDB, a.lakeDB, a.redis, a.logger)
}

func closePools(catalogDB, lakeDB *database.DB, redisClient *redis.Client, logger *zap.Logger) {
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
	if lakeDB != nil {
		lakeDB.Close()
	}
	catalogDB.Close()
}
