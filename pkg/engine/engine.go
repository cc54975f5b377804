// Package engine owns the process. It spawns the fixed set of long-lived
// loops that keep the catalog, the lake and the observability tables
// aligned with the sources, and it carries the long-lived components
// (task queue, schedulers, trigger registries) that the loops and the CLI
// dispatch through.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/metrics"
	"github.com/sluicedata/sluice/pkg/models"
	"github.com/sluicedata/sluice/pkg/repositories"
	"github.com/sluicedata/sluice/pkg/services"
)

// governanceRetention bounds how far back query samples, statement
// aggregates and APM rows are kept. The maintenance loop prunes past it.
const governanceRetention = 30 * 24 * time.Hour

// minTransferIntervalSeconds floors the per-engine transfer cadence.
const minTransferIntervalSeconds = 5

// CatalogSyncer is the slice of the catalog manager the loops call.
type CatalogSyncer interface {
	SyncEngine(ctx context.Context, engine models.DBEngine) (*services.CatalogSyncResult, error)
	RunHygiene(ctx context.Context, opts services.HygieneOptions) (*services.HygieneResult, error)
	FillClusterNames(ctx context.Context, engine models.DBEngine) (int, error)
}

// TableSyncer moves source rows into the lake.
type TableSyncer interface {
	SyncEngineTables(ctx context.Context, engine models.DBEngine) (*services.SyncCycleResult, error)
	EnsureTargets(ctx context.Context) error
}

// QualityChecker validates synced tables against their sources.
type QualityChecker interface {
	RunChecks(ctx context.Context) (*services.QualityCycleResult, error)
}

// GovernanceRunner collects the observability data the engine publishes
// into the governance tables.
type GovernanceRunner interface {
	Bootstrap(ctx context.Context) error
	SampleActivity(ctx context.Context) (*services.GovernanceCycleResult, error)
	ImportStatistics(ctx context.Context) (*services.GovernanceCycleResult, error)
	CollectMetrics(ctx context.Context) (*services.GovernanceCycleResult, error)
	RunHealthChecks(ctx context.Context) (*services.GovernanceCycleResult, error)
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// LakeMaintainer runs storage upkeep on the lake.
type LakeMaintainer interface {
	Maintain(ctx context.Context) error
}

// WorkerQueue is the engine-owned slice of the task queue: depth for the
// gauge, and the final drain on shutdown.
type WorkerQueue interface {
	Size() int
	Stop()
}

// Component is a background worker owned by the engine. Components start
// after the loops spin up and stop before the loops join.
type Component interface {
	Start(ctx context.Context)
	Stop()
}

// Deps carries everything the loops call into. Queue, ProcessLog and
// Components may be nil; the corresponding work is skipped.
type Deps struct {
	Runtime    *config.Runtime
	Metrics    *metrics.Metrics
	Catalog    CatalogSyncer
	Tables     TableSyncer
	Quality    QualityChecker
	Governance GovernanceRunner
	Lake       LakeMaintainer
	Configs    repositories.ConfigRepository
	ProcessLog repositories.ProcessLogRepository
	Queue      WorkerQueue
	Components []Component

	// Hostname identifies this process in process_log rows.
	Hostname string

	// Engines is the set of source engines the sync and transfer loops
	// cover. Empty means every supported engine.
	Engines []models.DBEngine
}

// Engine runs the six fixed loops: one-shot initialization, catalog sync,
// one transfer loop per source engine, quality, maintenance and monitoring.
// A cycle's error or panic is recorded and the loop keeps its schedule; only
// Shutdown stops a loop.
type Engine struct {
	deps   Deps
	logger *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an engine around its collaborators.
func New(deps Deps, logger *zap.Logger) *Engine {
	if len(deps.Engines) == 0 {
		deps.Engines = models.ValidDBEngines
	}
	return &Engine{
		deps:   deps,
		logger: logger.Named("engine"),
		stop:   make(chan struct{}),
	}
}

// cycleFunc runs one loop iteration. A non-empty summary is written to
// process_log; idle cycles return "".
type cycleFunc func(ctx context.Context) (string, error)

// Start spawns the loops and the owned components and returns immediately.
// The initialization pass runs once at startup; periodic loops run their
// first cycle one interval later, so startup work is not done twice.
func (e *Engine) Start(ctx context.Context) {
	e.spawnOnce(ctx, "init", e.initCycle)
	e.spawn(ctx, "catalog_sync", e.baseInterval, e.catalogSyncCycle)
	for _, eng := range e.deps.Engines {
		e.spawn(ctx, "transfer_"+string(eng), e.transferInterval, func(ctx context.Context) (string, error) {
			return e.transferCycle(ctx, eng)
		})
	}
	e.spawn(ctx, "quality", e.intervalTimes(2), e.qualityCycle)
	e.spawn(ctx, "maintenance", e.intervalTimes(4), e.maintenanceCycle)
	e.spawn(ctx, "monitoring", e.baseInterval, e.monitoringCycle)

	for _, c := range e.deps.Components {
		c.Start(ctx)
	}

	e.logger.Info("engine started",
		zap.Int("loops", 5+len(e.deps.Engines)),
		zap.Int("components", len(e.deps.Components)),
		zap.Strings("engines", engineNames(e.deps.Engines)))
}

// Shutdown stops the components, halts every loop and waits for in-flight
// cycles, then drains the queue workers. Safe to call more than once;
// late callers block until the first shutdown completes.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() {
		close(e.stop)
		for _, c := range e.deps.Components {
			c.Stop()
		}
		e.wg.Wait()
		if e.deps.Queue != nil {
			e.deps.Queue.Stop()
		}
		e.logger.Info("engine stopped")
	})
}

// spawnOnce runs one cycle in its own goroutine and exits.
func (e *Engine) spawnOnce(ctx context.Context, name string, cycle cycleFunc) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runCycle(ctx, name, cycle)
	}()
}

// spawn runs cycle every interval() until Shutdown. The interval is
// re-evaluated each iteration so a hot-reloaded sync_interval takes effect
// on the next wakeup.
func (e *Engine) spawn(ctx context.Context, name string, interval func() time.Duration, cycle cycleFunc) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			timer := time.NewTimer(interval())
			select {
			case <-e.stop:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			e.runCycle(ctx, name, cycle)
		}
	}()
}

// runCycle executes one iteration under a recover guard and keeps the loop
// counters. Lock contention is not a failure: another process took the
// cycle, this one skips.
func (e *Engine) runCycle(ctx context.Context, name string, cycle cycleFunc) {
	started := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			e.deps.Metrics.LoopFailures.WithLabelValues(name).Inc()
			e.logger.Error("loop cycle panicked",
				zap.String("loop", name),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			e.record(ctx, name, started, fmt.Sprintf("panic: %v", rec), models.ProcessLogStatusError)
		}
	}()

	summary, err := cycle(ctx)
	if err != nil && ctx.Err() != nil {
		// Shutdown interrupted the cycle; nothing is broken.
		return
	}
	if errors.Is(err, apperrors.ErrLockTimeout) {
		e.deps.Metrics.LoopCycles.WithLabelValues(name).Inc()
		e.logger.Debug("loop cycle skipped, lock held elsewhere", zap.String("loop", name))
		return
	}
	if err != nil {
		e.deps.Metrics.LoopFailures.WithLabelValues(name).Inc()
		e.logger.Warn("loop cycle failed", zap.String("loop", name), zap.Error(err))
		e.record(ctx, name, started, err.Error(), models.ProcessLogStatusError)
		return
	}

	e.deps.Metrics.LoopCycles.WithLabelValues(name).Inc()
	if summary != "" {
		e.record(ctx, name, started, summary, models.ProcessLogStatusOK)
	}
}

// record appends a process_log row. Failures are logged and swallowed;
// audit rows never fail the work they describe.
func (e *Engine) record(ctx context.Context, operation string, started time.Time, message string, status models.ProcessLogStatus) {
	if e.deps.ProcessLog == nil {
		return
	}
	duration := time.Since(started).Seconds()
	entry := &models.ProcessLogEntry{
		CorrelationID:   uuid.New(),
		Component:       "engine",
		Operation:       operation,
		Status:          status,
		Message:         &message,
		Hostname:        e.deps.Hostname,
		DurationSeconds: &duration,
	}
	if err := e.deps.ProcessLog.Create(ctx, entry); err != nil {
		e.logger.Warn("failed to write process log",
			zap.String("operation", operation),
			zap.Error(err))
	}
}

func (e *Engine) baseInterval() time.Duration {
	return time.Duration(e.deps.Runtime.SyncInterval()) * time.Second
}

// intervalTimes derives the slower cadences from the base interval.
func (e *Engine) intervalTimes(factor int) func() time.Duration {
	return func() time.Duration {
		return time.Duration(e.deps.Runtime.SyncInterval()*factor) * time.Second
	}
}

// transferInterval is max(5, sync_interval/4) seconds.
func (e *Engine) transferInterval() time.Duration {
	secs := e.deps.Runtime.SyncInterval() / 4
	if secs < minTransferIntervalSeconds {
		secs = minTransferIntervalSeconds
	}
	return time.Duration(secs) * time.Second
}

// initCycle is the one-shot startup pass: apply stored tuning, bootstrap
// the governance baseline, take the first measurements, and make sure every
// active catalog entry has its lake target and a cluster name. Each step
// runs even when an earlier one fails.
func (e *Engine) initCycle(ctx context.Context) (string, error) {
	var errs []error

	if values, err := e.deps.Configs.GetAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to load runtime config: %w", err))
	} else if changed := e.deps.Runtime.Apply(values); changed > 0 {
		e.logger.Info("runtime config applied", zap.Int("changed", changed))
	}

	if err := e.deps.Governance.Bootstrap(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to bootstrap governance: %w", err))
	}
	if _, err := e.deps.Governance.CollectMetrics(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to collect initial metrics: %w", err))
	}
	if err := e.deps.Tables.EnsureTargets(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to set up target tables: %w", err))
	}

	filled := 0
	for _, eng := range e.deps.Engines {
		n, err := e.deps.Catalog.FillClusterNames(ctx, eng)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to fill %s cluster names: %w", eng, err))
			continue
		}
		filled += n
	}

	if err := errors.Join(errs...); err != nil {
		return "", err
	}
	return fmt.Sprintf("engine initialized, %d cluster names filled", filled), nil
}

// catalogSyncCycle discovers every engine concurrently, then runs hygiene
// over the whole catalog. Hygiene keeps its conservative defaults: vanished
// rows keep their lake tables and SKIP transitions do not truncate.
func (e *Engine) catalogSyncCycle(ctx context.Context) (string, error) {
	var (
		mu          sync.Mutex
		connections int
		tables      int
		failures    int
	)

	g := new(errgroup.Group)
	for _, eng := range e.deps.Engines {
		g.Go(func() error {
			res, err := e.deps.Catalog.SyncEngine(ctx, eng)
			if err != nil {
				return fmt.Errorf("failed to sync %s: %w", eng, err)
			}
			mu.Lock()
			connections += res.Connections
			tables += res.Tables
			failures += res.Failures
			mu.Unlock()
			return nil
		})
	}
	syncErr := g.Wait()

	hyg, hygErr := e.deps.Catalog.RunHygiene(ctx, services.HygieneOptions{})
	if err := errors.Join(syncErr, hygErr); err != nil {
		return "", err
	}

	touched := hyg.Removed + hyg.Reactivated + hyg.Deactivated + hyg.Skipped + hyg.Reset
	if connections == 0 && touched == 0 {
		return "", nil
	}
	return fmt.Sprintf(
		"discovered %d tables over %d connections (%d failures); hygiene removed=%d reactivated=%d deactivated=%d skipped=%d reset=%d",
		tables, connections, failures,
		hyg.Removed, hyg.Reactivated, hyg.Deactivated, hyg.Skipped, hyg.Reset), nil
}

// transferCycle copies due tables for one engine and feeds the synced-row
// counter.
func (e *Engine) transferCycle(ctx context.Context, eng models.DBEngine) (string, error) {
	res, err := e.deps.Tables.SyncEngineTables(ctx, eng)
	if err != nil {
		return "", err
	}
	if res.Rows > 0 {
		e.deps.Metrics.SyncedRows.WithLabelValues(string(eng)).Add(float64(res.Rows))
	}
	if res.Tables == 0 {
		return "", nil
	}
	return fmt.Sprintf("%s: synced %d/%d tables, %d rows, %d failures, %d skipped",
		eng, res.Synced, res.Tables, res.Rows, res.Failures, res.Skipped), nil
}

func (e *Engine) qualityCycle(ctx context.Context) (string, error) {
	res, err := e.deps.Quality.RunChecks(ctx)
	if err != nil {
		return "", err
	}
	if res.Tables == 0 {
		return "", nil
	}
	return fmt.Sprintf("checked %d tables: %d passed, %d failed, %d errors",
		res.Tables, res.Passed, res.Failed, res.Errors), nil
}

// maintenanceCycle is the slow upkeep pass: recreate missing targets,
// refresh statistics, measurements and health checks, age out governance
// rows, and vacuum the lake. Each step runs even when an earlier one fails.
func (e *Engine) maintenanceCycle(ctx context.Context) (string, error) {
	var errs []error

	if err := e.deps.Tables.EnsureTargets(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to set up target tables: %w", err))
	}
	if _, err := e.deps.Governance.CollectMetrics(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to collect metrics: %w", err))
	}
	if _, err := e.deps.Governance.ImportStatistics(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to import statistics: %w", err))
	}
	if _, err := e.deps.Governance.RunHealthChecks(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to run health checks: %w", err))
	}
	pruned, err := e.deps.Governance.Prune(ctx, governanceRetention)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to prune governance data: %w", err))
	}
	if err := e.deps.Lake.Maintain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to maintain lake: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return "", err
	}
	return fmt.Sprintf("maintenance completed, pruned %d governance rows", pruned), nil
}

// monitoringCycle hot-reloads tuning from metadata.config, refreshes the
// queue-depth gauge, and samples live source activity.
func (e *Engine) monitoringCycle(ctx context.Context) (string, error) {
	values, err := e.deps.Configs.GetAll(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load runtime config: %w", err)
	}
	changed := e.deps.Runtime.Apply(values)
	if changed > 0 {
		e.logger.Info("runtime config reloaded",
			zap.Int("changed", changed),
			zap.Int("chunk_size", e.deps.Runtime.ChunkSize()),
			zap.Int("sync_interval", e.deps.Runtime.SyncInterval()),
			zap.Int("max_workers", e.deps.Runtime.MaxWorkers()),
			zap.Int("max_tables_per_cycle", e.deps.Runtime.MaxTablesPerSync()),
			zap.Int("lock_retry_sleep_ms", e.deps.Runtime.LockRetrySleepMs()))
	}

	if e.deps.Queue != nil {
		e.deps.Metrics.QueueDepth.Set(float64(e.deps.Queue.Size()))
	}

	if _, err := e.deps.Governance.SampleActivity(ctx); err != nil {
		return "", fmt.Errorf("failed to sample activity: %w", err)
	}

	if changed == 0 {
		return "", nil
	}
	return fmt.Sprintf("runtime config reloaded, %d settings changed", changed), nil
}

func engineNames(engines []models.DBEngine) []string {
	names := make([]string, len(engines))
	for i, eng := range engines {
		names[i] = string(eng)
	}
	return names
}
