package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/adapters/source"
	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/models"
	"github.com/sluicedata/sluice/pkg/repositories"
)

const (
	// hygieneLockName serializes the hygiene pass across instances.
	hygieneLockName = "catalog_clean"

	// syncLockPrefix prefixes the per-engine discovery locks.
	syncLockPrefix = "catalog_sync_"

	// catalogLockTTLSeconds bounds how long a crashed instance can block
	// discovery or hygiene. Both passes are retried every cycle, so a
	// contended lock is skipped rather than waited on.
	catalogLockTTLSeconds = 900
)

func syncLockName(engine models.DBEngine) string {
	return syncLockPrefix + string(engine)
}

// TargetStore is the lake surface the catalog manager needs: existence,
// size and shape checks plus drop/truncate for hygiene. *Lake satisfies it.
type TargetStore interface {
	TargetExists(ctx context.Context, entry *models.CatalogEntry) (bool, error)
	RowCount(ctx context.Context, entry *models.CatalogEntry) (int64, error)
	ColumnCount(ctx context.Context, entry *models.CatalogEntry) (int, error)
	DropTarget(ctx context.Context, entry *models.CatalogEntry) error
	TruncateTarget(ctx context.Context, entry *models.CatalogEntry) error
}

// HygieneOptions selects the destructive halves of the hygiene pass. Both
// default to leaving lake data in place.
type HygieneOptions struct {
	// DropVanishedTargets drops the lake table when its catalog row is
	// removed because the source table no longer exists.
	DropVanishedTargets bool

	// TruncateSkipped empties the lake table before a row is marked SKIP.
	TruncateSkipped bool
}

// HygieneResult counts the rows each hygiene operation touched.
type HygieneResult struct {
	Removed     int
	Reactivated int
	Deactivated int
	Skipped     int
	Reset       int
}

// CatalogSyncResult summarizes one discovery pass.
type CatalogSyncResult struct {
	Engine      models.DBEngine
	Connections int
	Tables      int
	Failures    int
}

// CatalogManager keeps the table catalog aligned with reality on both
// sides: discovery upserts what the sources expose, hygiene retires what
// they no longer do and repairs rows whose lake target has drifted.
type CatalogManager struct {
	catalog repositories.CatalogRepository
	lake    TargetStore
	locks   Locker
	open    func(ctx context.Context, engine models.DBEngine, conninfo string, logger *zap.Logger) (source.Conn, error)
	logger  *zap.Logger
}

// NewCatalogManager wires the catalog manager to its repositories.
func NewCatalogManager(catalog repositories.CatalogRepository, lake TargetStore, locks Locker, logger *zap.Logger) *CatalogManager {
	return &CatalogManager{
		catalog: catalog,
		lake:    lake,
		locks:   locks,
		open:    openSource,
		logger:  logger.Named("catalog"),
	}
}

// SyncEngine discovers every known connection of one engine under the
// engine's catalog_sync lock. A contended lock means another instance is
// already syncing; callers should treat ErrLockTimeout as a skipped cycle.
func (m *CatalogManager) SyncEngine(ctx context.Context, engine models.DBEngine) (*CatalogSyncResult, error) {
	result := &CatalogSyncResult{Engine: engine}
	err := m.locks.WithLock(ctx, syncLockName(engine), catalogLockTTLSeconds, 0, func(ctx context.Context) error {
		conns, err := m.catalog.DistinctConnections(ctx, engine)
		if err != nil {
			return fmt.Errorf("failed to list %s connections: %w", engine, err)
		}
		for _, connStr := range conns {
			if err := m.syncConnection(ctx, engine, connStr, result); err != nil {
				m.logger.Warn("connection sync failed",
					zap.String("engine", string(engine)),
					zap.Error(err))
				result.Failures++
				continue
			}
			result.Connections++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sync %s catalog: %w", engine, err)
	}

	m.logger.Info("catalog sync completed",
		zap.String("engine", string(engine)),
		zap.Int("connections", result.Connections),
		zap.Int("tables", result.Tables),
		zap.Int("failures", result.Failures))
	return result, nil
}

// SyncConnection discovers a single connection string, registering sources
// the catalog has never seen. Serialized under the same per-engine lock as
// SyncEngine.
func (m *CatalogManager) SyncConnection(ctx context.Context, engine models.DBEngine, connStr string) (*CatalogSyncResult, error) {
	result := &CatalogSyncResult{Engine: engine}
	err := m.locks.WithLock(ctx, syncLockName(engine), catalogLockTTLSeconds, 0, func(ctx context.Context) error {
		if err := m.syncConnection(ctx, engine, connStr, result); err != nil {
			return err
		}
		result.Connections = 1
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sync %s connection: %w", engine, err)
	}
	return result, nil
}

func (m *CatalogManager) syncConnection(ctx context.Context, engine models.DBEngine, connStr string, result *CatalogSyncResult) error {
	conn, err := m.open(ctx, engine, connStr, m.logger)
	if err != nil {
		return fmt.Errorf("failed to open %s source: %w", engine, err)
	}
	defer conn.Close(ctx)

	cluster, err := conn.ResolveClusterName(ctx)
	if err != nil {
		m.logger.Warn("cluster name resolution failed",
			zap.String("engine", string(engine)),
			zap.Error(err))
		cluster = ""
	}

	tables, err := conn.DiscoverTables(ctx)
	if err != nil {
		return fmt.Errorf("failed to discover tables: %w", err)
	}

	for _, t := range tables {
		entry, err := m.describeTable(ctx, conn, engine, connStr, cluster, t)
		if err != nil {
			m.logger.Warn("table discovery failed",
				zap.String("table", t.SchemaName+"."+t.TableName),
				zap.Error(err))
			result.Failures++
			continue
		}
		if err := m.catalog.Upsert(ctx, entry); err != nil {
			m.logger.Warn("catalog upsert failed",
				zap.String("table", entry.QualifiedName()),
				zap.Error(err))
			result.Failures++
			continue
		}
		result.Tables++
	}
	return nil
}

// describeTable assembles the discoverable fields of one catalog entry.
// Status is left empty so the upsert defaults new rows to PENDING and
// never disturbs the sync state of existing ones.
func (m *CatalogManager) describeTable(ctx context.Context, conn source.Conn, engine models.DBEngine, connStr, cluster string, t source.TableInfo) (*models.CatalogEntry, error) {
	timeCol, err := conn.DetectTimeColumn(ctx, t.SchemaName, t.TableName)
	if err != nil {
		return nil, fmt.Errorf("failed to detect time column: %w", err)
	}
	pks, err := conn.DetectPrimaryKey(ctx, t.SchemaName, t.TableName)
	if err != nil {
		return nil, fmt.Errorf("failed to detect primary key: %w", err)
	}

	entry := &models.CatalogEntry{
		SchemaName:       t.SchemaName,
		TableName:        t.TableName,
		DBEngine:         engine,
		ConnectionString: connStr,
		ClusterName:      cluster,
		PKColumns:        pks,
		PKStrategy:       models.PKStrategyFor(pks),
		HasPK:            len(pks) > 0,
		TableSize:        t.RowCount,
		Active:           true,
	}
	if timeCol != "" {
		entry.LastSyncColumn = &timeCol
	}
	return entry, nil
}

// RunHygiene executes the hygiene operations across all engines under the
// catalog_clean lock. Every operation is idempotent; per-row and per-source
// failures are logged and skipped so one bad source never stalls the rest.
func (m *CatalogManager) RunHygiene(ctx context.Context, opts HygieneOptions) (*HygieneResult, error) {
	result := &HygieneResult{}
	err := m.locks.WithLock(ctx, hygieneLockName, catalogLockTTLSeconds, 0, func(ctx context.Context) error {
		for _, engine := range models.ValidDBEngines {
			conns, err := m.catalog.DistinctConnections(ctx, engine)
			if err != nil {
				m.logger.Warn("failed to list connections for hygiene",
					zap.String("engine", string(engine)),
					zap.Error(err))
				continue
			}
			for _, connStr := range conns {
				m.scrubConnection(ctx, engine, connStr, opts, result)
			}
			m.sweepRows(ctx, engine, opts, result)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run catalog hygiene: %w", err)
	}

	m.logger.Info("catalog hygiene completed",
		zap.Int("removed", result.Removed),
		zap.Int("reactivated", result.Reactivated),
		zap.Int("deactivated", result.Deactivated),
		zap.Int("skipped", result.Skipped),
		zap.Int("reset", result.Reset))
	return result, nil
}

// scrubConnection runs the two checks that need a live source: removal of
// rows whose table vanished, and the column-count drift check. An
// unreachable source is indistinguishable from a vanished one, so open or
// discovery failures leave the connection's rows untouched.
func (m *CatalogManager) scrubConnection(ctx context.Context, engine models.DBEngine, connStr string, opts HygieneOptions, result *HygieneResult) {
	entries, err := m.catalog.ListByConnection(ctx, engine, connStr)
	if err != nil {
		m.logger.Warn("failed to list catalog rows for connection",
			zap.String("engine", string(engine)),
			zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}

	conn, err := m.open(ctx, engine, connStr, m.logger)
	if err != nil {
		m.logger.Warn("source unreachable, skipping vanish and drift checks",
			zap.String("engine", string(engine)),
			zap.Error(err))
		return
	}
	defer conn.Close(ctx)

	tables, err := conn.DiscoverTables(ctx)
	if err != nil {
		m.logger.Warn("table discovery failed, skipping vanish and drift checks",
			zap.String("engine", string(engine)),
			zap.Error(err))
		return
	}
	live := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		key := t.TableName
		if t.SchemaName != "" {
			key = t.SchemaName + "." + t.TableName
		}
		live[key] = struct{}{}
	}

	for _, entry := range entries {
		if _, ok := live[entry.QualifiedName()]; !ok {
			m.removeVanished(ctx, entry, opts, result)
			continue
		}
		if !entry.Syncable() {
			continue
		}
		m.checkDrift(ctx, conn, entry, result)
	}
}

func (m *CatalogManager) removeVanished(ctx context.Context, entry *models.CatalogEntry, opts HygieneOptions, result *HygieneResult) {
	if opts.DropVanishedTargets {
		// Keep the row if the drop fails so the next pass retries it.
		if err := m.lake.DropTarget(ctx, entry); err != nil {
			m.logger.Warn("failed to drop target of vanished table",
				zap.String("table", entry.QualifiedName()),
				zap.Error(err))
			return
		}
	}
	if err := m.catalog.Delete(ctx, entry.ID); err != nil {
		m.logger.Warn("failed to remove vanished table",
			zap.String("table", entry.QualifiedName()),
			zap.Error(err))
		return
	}
	result.Removed++
	m.logger.Info("removed vanished table",
		zap.String("engine", string(entry.DBEngine)),
		zap.String("table", entry.QualifiedName()),
		zap.Bool("target_dropped", opts.DropVanishedTargets))
}

// checkDrift compares source and target column counts and resets the entry
// when they disagree. Rows without a target yet have nothing to drift.
func (m *CatalogManager) checkDrift(ctx context.Context, conn source.Conn, entry *models.CatalogEntry, result *HygieneResult) {
	targetCols, err := m.lake.ColumnCount(ctx, entry)
	if err != nil {
		m.logger.Warn("failed to count target columns",
			zap.String("table", entry.QualifiedName()),
			zap.Error(err))
		return
	}
	if targetCols == 0 {
		return
	}

	sourceCols, err := conn.ColumnCount(ctx, entry.SchemaName, entry.TableName)
	if err != nil {
		m.logger.Warn("failed to count source columns",
			zap.String("table", entry.QualifiedName()),
			zap.Error(err))
		return
	}
	if sourceCols == targetCols {
		return
	}

	m.logger.Info("schema drift detected",
		zap.String("table", entry.QualifiedName()),
		zap.Int("source_columns", sourceCols),
		zap.Int("target_columns", targetCols))
	if err := m.resetEntry(ctx, entry); err != nil {
		m.logger.Warn("failed to reset drifted table",
			zap.String("table", entry.QualifiedName()),
			zap.Error(err))
		return
	}
	result.Reset++
}

// sweepRows applies the catalog-only operations: reactivate inactive rows
// whose target holds data, deactivate active NO_DATA rows, and mark the
// remaining inactive rows SKIP.
func (m *CatalogManager) sweepRows(ctx context.Context, engine models.DBEngine, opts HygieneOptions, result *HygieneResult) {
	entries, err := m.catalog.ListByEngine(ctx, engine)
	if err != nil {
		m.logger.Warn("failed to list catalog rows for hygiene",
			zap.String("engine", string(engine)),
			zap.Error(err))
		return
	}

	for _, entry := range entries {
		switch {
		case !entry.Active:
			rows, err := m.targetRowCount(ctx, entry)
			if err != nil {
				m.logger.Warn("failed to count target rows",
					zap.String("table", entry.QualifiedName()),
					zap.Error(err))
				continue
			}
			if rows > 0 {
				m.reactivate(ctx, entry, result)
			} else if entry.Status != models.CatalogStatusNoData && entry.Status != models.CatalogStatusSkip {
				m.markSkipped(ctx, entry, opts, result)
			}
		case entry.Status == models.CatalogStatusNoData:
			if err := m.catalog.SetActive(ctx, entry.ID, false); err != nil {
				m.logger.Warn("failed to deactivate no-data table",
					zap.String("table", entry.QualifiedName()),
					zap.Error(err))
				continue
			}
			result.Deactivated++
			m.logger.Info("deactivated no-data table",
				zap.String("table", entry.QualifiedName()))
		}
	}
}

func (m *CatalogManager) targetRowCount(ctx context.Context, entry *models.CatalogEntry) (int64, error) {
	exists, err := m.lake.TargetExists(ctx, entry)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	return m.lake.RowCount(ctx, entry)
}

func (m *CatalogManager) reactivate(ctx context.Context, entry *models.CatalogEntry, result *HygieneResult) {
	if err := m.catalog.SetActive(ctx, entry.ID, true); err != nil {
		m.logger.Warn("failed to reactivate table",
			zap.String("table", entry.QualifiedName()),
			zap.Error(err))
		return
	}
	if entry.Status == models.CatalogStatusSkip && entry.Status.CanTransitionTo(models.CatalogStatusPending) {
		if err := m.catalog.UpdateStatus(ctx, entry.ID, models.CatalogStatusPending); err != nil {
			m.logger.Warn("failed to unskip reactivated table",
				zap.String("table", entry.QualifiedName()),
				zap.Error(err))
			return
		}
	}
	result.Reactivated++
	m.logger.Info("reactivated table with data",
		zap.String("table", entry.QualifiedName()))
}

func (m *CatalogManager) markSkipped(ctx context.Context, entry *models.CatalogEntry, opts HygieneOptions, result *HygieneResult) {
	if !entry.Status.CanTransitionTo(models.CatalogStatusSkip) {
		return
	}
	if opts.TruncateSkipped {
		if err := m.lake.TruncateTarget(ctx, entry); err != nil {
			m.logger.Warn("failed to truncate target of skipped table",
				zap.String("table", entry.QualifiedName()),
				zap.Error(err))
			return
		}
	}
	if err := m.catalog.UpdateStatus(ctx, entry.ID, models.CatalogStatusSkip); err != nil {
		m.logger.Warn("failed to mark table skipped",
			zap.String("table", entry.QualifiedName()),
			zap.Error(err))
		return
	}
	// SKIP clears the incremental offset but keeps the last sync stamp.
	if err := m.catalog.UpdateSyncProgress(ctx, entry.ID, nil, entry.LastSyncedAt); err != nil {
		m.logger.Warn("failed to clear offset of skipped table",
			zap.String("table", entry.QualifiedName()),
			zap.Error(err))
	}
	result.Skipped++
	m.logger.Info("marked inactive table as skipped",
		zap.String("table", entry.QualifiedName()),
		zap.Bool("truncated", opts.TruncateSkipped))
}

// resetEntry drops the target table and queues the row for a fresh full
// load with cleared offsets.
func (m *CatalogManager) resetEntry(ctx context.Context, entry *models.CatalogEntry) error {
	if err := m.lake.DropTarget(ctx, entry); err != nil {
		return err
	}
	if err := m.catalog.ResetForFullLoad(ctx, entry.ID); err != nil {
		return err
	}
	return nil
}

// ResetTable is the operator-facing reset: drop the target and move the
// row to FULL_LOAD. Skipped rows must be reactivated first.
func (m *CatalogManager) ResetTable(ctx context.Context, id uuid.UUID) error {
	entry, err := m.catalog.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load catalog entry: %w", err)
	}
	if entry.Status == models.CatalogStatusSkip {
		return fmt.Errorf("cannot reset skipped table %s: %w", entry.QualifiedName(), apperrors.ErrConflict)
	}
	if err := m.resetEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to reset %s: %w", entry.QualifiedName(), err)
	}
	m.logger.Info("catalog entry reset for full load",
		zap.String("table", entry.QualifiedName()))
	return nil
}

// FillClusterNames resolves and stores the cluster name for rows that are
// missing one, opening each distinct connection at most once.
func (m *CatalogManager) FillClusterNames(ctx context.Context, engine models.DBEngine) (int, error) {
	entries, err := m.catalog.ListByEngine(ctx, engine)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s catalog rows: %w", engine, err)
	}

	missing := make(map[string][]*models.CatalogEntry)
	for _, entry := range entries {
		if entry.ClusterName == "" {
			missing[entry.ConnectionString] = append(missing[entry.ConnectionString], entry)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	filled := 0
	for connStr, rows := range missing {
		name := m.resolveCluster(ctx, engine, connStr)
		if name == "" {
			continue
		}
		for _, entry := range rows {
			if err := m.catalog.UpdateClusterName(ctx, entry.ID, name); err != nil {
				m.logger.Warn("failed to store cluster name",
					zap.String("table", entry.QualifiedName()),
					zap.Error(err))
				continue
			}
			filled++
		}
	}
	if filled > 0 {
		m.logger.Info("filled missing cluster names",
			zap.String("engine", string(engine)),
			zap.Int("rows", filled))
	}
	return filled, nil
}

func (m *CatalogManager) resolveCluster(ctx context.Context, engine models.DBEngine, connStr string) string {
	conn, err := m.open(ctx, engine, connStr, m.logger)
	if err != nil {
		m.logger.Warn("source unreachable for cluster resolution",
			zap.String("engine", string(engine)),
			zap.Error(err))
		return ""
	}
	defer conn.Close(ctx)

	name, err := conn.ResolveClusterName(ctx)
	if err != nil {
		m.logger.Warn("cluster name resolution failed",
			zap.String("engine", string(engine)),
			zap.Error(err))
		return ""
	}
	return name
}
