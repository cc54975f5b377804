package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sluicedata/sluice/pkg/adapters/source"
	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/models"
	"github.com/sluicedata/sluice/pkg/repositories"
)

// LakeWriter is the lake surface the syncer writes through. *Lake
// satisfies it.
type LakeWriter interface {
	EnsureSchema(ctx context.Context) error
	EnsureTargetTable(ctx context.Context, entry *models.CatalogEntry, columns []source.ColumnInfo) error
	TruncateTarget(ctx context.Context, entry *models.CatalogEntry) error
	UpsertChunk(ctx context.Context, entry *models.CatalogEntry, columns []string, rows []jsonutil.Document) (int64, error)
}

// SyncCycleResult summarizes one per-engine transfer pass.
type SyncCycleResult struct {
	Engine   models.DBEngine
	Tables   int
	Synced   int64
	Rows     int64
	Failures int64
	Skipped  int64
}

// Syncer copies source tables into the lake in catalog-driven chunks.
// Paging follows the entry's pk_strategy: keyed tables advance
// last_processed_pk page by page so an interrupted full load resumes where
// it stopped; keyless tables are reloaded whole, best effort.
type Syncer struct {
	catalog repositories.CatalogRepository
	lake    LakeWriter
	runtime *config.Runtime
	open    func(ctx context.Context, engine models.DBEngine, conninfo string, logger *zap.Logger) (source.Conn, error)
	logger  *zap.Logger
}

var _ SyncExecutor = (*Syncer)(nil)

// NewSyncer wires the syncer to the catalog, the lake and the runtime
// settings the monitoring loop hot-reloads.
func NewSyncer(catalog repositories.CatalogRepository, lake LakeWriter, runtime *config.Runtime, logger *zap.Logger) *Syncer {
	return &Syncer{
		catalog: catalog,
		lake:    lake,
		runtime: runtime,
		open:    openSource,
		logger:  logger.Named("syncer"),
	}
}

// SyncEngineTables runs one transfer cycle for an engine: the oldest-synced
// syncable entries, at most max_tables_per_cycle of them, copied with
// max_workers tables in flight. Per-table failures mark the entry ERROR and
// never abort the cycle; unreachable sources are skipped without a status
// change so an outage is not confused with a broken table.
func (s *Syncer) SyncEngineTables(ctx context.Context, engine models.DBEngine) (*SyncCycleResult, error) {
	entries, err := s.catalog.ListSyncable(ctx, engine, s.runtime.MaxTablesPerSync())
	if err != nil {
		return nil, fmt.Errorf("failed to list syncable %s tables: %w", engine, err)
	}

	result := &SyncCycleResult{Engine: engine, Tables: len(entries)}
	if len(entries) == 0 {
		return result, nil
	}

	g := new(errgroup.Group)
	g.SetLimit(s.runtime.MaxWorkers())
	for _, entry := range entries {
		g.Go(func() error {
			s.syncOne(ctx, entry, result)
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("transfer cycle completed",
		zap.String("engine", string(engine)),
		zap.Int("tables", result.Tables),
		zap.Int64("synced", result.Synced),
		zap.Int64("rows", result.Rows),
		zap.Int64("failures", result.Failures),
		zap.Int64("skipped", result.Skipped))
	return result, nil
}

func (s *Syncer) syncOne(ctx context.Context, entry *models.CatalogEntry, result *SyncCycleResult) {
	conn, err := s.open(ctx, entry.DBEngine, entry.ConnectionString, s.logger)
	if err != nil {
		s.logger.Warn("source unreachable, skipping table",
			zap.String("table", entry.QualifiedName()),
			zap.Error(err))
		atomic.AddInt64(&result.Skipped, 1)
		return
	}
	defer conn.Close(ctx)

	rows, err := s.syncEntry(ctx, conn, entry)
	atomic.AddInt64(&result.Rows, rows)
	if err != nil {
		s.logger.Error("table sync failed",
			zap.String("table", entry.QualifiedName()),
			zap.String("status", string(entry.Status)),
			zap.Error(err))
		s.markError(ctx, entry)
		atomic.AddInt64(&result.Failures, 1)
		return
	}
	atomic.AddInt64(&result.Synced, 1)
}

// SyncReference syncs one table on demand for a workflow SYNC task. The
// reference is a catalog entry id or a qualified schema.table name; an
// optional "engine" key in config narrows a name lookup.
func (s *Syncer) SyncReference(ctx context.Context, reference string, taskConfig jsonutil.Document) (jsonutil.Document, error) {
	entry, err := s.resolveReference(ctx, reference, taskConfig)
	if err != nil {
		return nil, err
	}
	if !entry.Syncable() {
		return nil, fmt.Errorf("table %s is %s and not syncable: %w",
			entry.QualifiedName(), entry.Status, apperrors.ErrConflict)
	}

	conn, err := s.open(ctx, entry.DBEngine, entry.ConnectionString, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open source for %s: %w", entry.QualifiedName(), err)
	}
	defer conn.Close(ctx)

	rows, err := s.syncEntry(ctx, conn, entry)
	if err != nil {
		s.markError(ctx, entry)
		return nil, fmt.Errorf("failed to sync %s: %w", entry.QualifiedName(), err)
	}

	return jsonutil.Document{
		"table":       entry.QualifiedName(),
		"engine":      string(entry.DBEngine),
		"rows_synced": rows,
		"status":      string(entry.Status),
	}, nil
}

func (s *Syncer) resolveReference(ctx context.Context, reference string, taskConfig jsonutil.Document) (*models.CatalogEntry, error) {
	if id, err := uuid.Parse(reference); err == nil {
		entry, err := s.catalog.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load catalog entry %s: %w", reference, err)
		}
		return entry, nil
	}

	engines := models.ValidDBEngines
	if tag := taskConfig.GetStringDefault("engine", ""); tag != "" {
		engines = []models.DBEngine{models.DBEngine(tag)}
	}

	var match *models.CatalogEntry
	for _, engine := range engines {
		entries, err := s.catalog.ListByEngine(ctx, engine)
		if err != nil {
			return nil, fmt.Errorf("failed to search %s catalog: %w", engine, err)
		}
		for _, e := range entries {
			if e.QualifiedName() != reference {
				continue
			}
			if match != nil {
				return nil, fmt.Errorf("table reference %q is ambiguous: %w", reference, apperrors.ErrConflict)
			}
			match = e
		}
	}
	if match == nil {
		return nil, fmt.Errorf("table reference %q: %w", reference, apperrors.ErrNotFound)
	}
	return match, nil
}

// syncEntry runs the status machine for one table. The entry's Status
// field tracks the transitions so callers see the final state.
func (s *Syncer) syncEntry(ctx context.Context, conn source.Conn, entry *models.CatalogEntry) (int64, error) {
	switch entry.Status {
	case models.CatalogStatusPending:
		if err := s.transition(ctx, entry, models.CatalogStatusFullLoad); err != nil {
			return 0, err
		}
		return s.fullLoad(ctx, conn, entry)
	case models.CatalogStatusFullLoad:
		return s.fullLoad(ctx, conn, entry)
	case models.CatalogStatusNoData:
		count, err := conn.CountRows(ctx, entry.SchemaName, entry.TableName)
		if err != nil {
			return 0, fmt.Errorf("failed to count rows: %w", err)
		}
		if count == 0 {
			return 0, nil
		}
		if err := s.transition(ctx, entry, models.CatalogStatusListeningChanges); err != nil {
			return 0, err
		}
		return s.listenChanges(ctx, conn, entry)
	case models.CatalogStatusListeningChanges:
		return s.listenChanges(ctx, conn, entry)
	default:
		return 0, fmt.Errorf("table %s has status %s: %w", entry.QualifiedName(), entry.Status, apperrors.ErrConflict)
	}
}

// fullLoad copies the whole table. Keyed tables page on the first key
// column and persist the cursor after every page; a fresh start (no
// cursor) truncates the target first so keyless appends cannot double up.
func (s *Syncer) fullLoad(ctx context.Context, conn source.Conn, entry *models.CatalogEntry) (int64, error) {
	columns, err := s.prepareTarget(ctx, conn, entry)
	if err != nil {
		return 0, err
	}

	count, err := conn.CountRows(ctx, entry.SchemaName, entry.TableName)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	if count == 0 {
		if err := s.transition(ctx, entry, models.CatalogStatusNoData); err != nil {
			return 0, err
		}
		return 0, nil
	}

	cursor := ""
	if entry.LastProcessedPK != nil {
		cursor = *entry.LastProcessedPK
	}
	if cursor == "" {
		if err := s.lake.TruncateTarget(ctx, entry); err != nil {
			return 0, err
		}
	}

	copied, _, err := s.copyChunks(ctx, conn, entry, columns, cursor, "", nil)
	if err != nil {
		return copied, err
	}

	if err := s.transition(ctx, entry, models.CatalogStatusListeningChanges); err != nil {
		return copied, err
	}
	s.logger.Info("full load completed",
		zap.String("table", entry.QualifiedName()),
		zap.Int64("rows", copied))
	return copied, nil
}

// listenChanges copies what changed since the last pass. With a sync
// column the filter is modified-at-or-after the last stamp (keyed pages
// dedupe via the upsert); without one, keyed tables catch up on rows past
// the stored cursor and keyless tables are reloaded whole.
func (s *Syncer) listenChanges(ctx context.Context, conn source.Conn, entry *models.CatalogEntry) (int64, error) {
	columns, err := s.prepareTarget(ctx, conn, entry)
	if err != nil {
		return 0, err
	}

	// Stamp with the cycle start so rows modified mid-copy are picked up
	// again next pass.
	started := time.Now().UTC()

	syncCol := ""
	if entry.LastSyncColumn != nil {
		syncCol = *entry.LastSyncColumn
	}

	var copied int64
	switch {
	case syncCol != "":
		copied, _, err = s.copyChunks(ctx, conn, entry, columns, "", syncCol, entry.LastSyncedAt)
		if err != nil {
			return copied, err
		}
		if err := s.catalog.UpdateSyncProgress(ctx, entry.ID, entry.LastProcessedPK, &started); err != nil {
			return copied, fmt.Errorf("failed to stamp sync progress: %w", err)
		}
		entry.LastSyncedAt = &started

	case entry.HasPK:
		cursor := ""
		if entry.LastProcessedPK != nil {
			cursor = *entry.LastProcessedPK
		}
		copied, cursor, err = s.copyChunks(ctx, conn, entry, columns, cursor, "", nil)
		if err != nil {
			return copied, err
		}
		var cursorPtr *string
		if cursor != "" {
			cursorPtr = &cursor
		}
		if err := s.catalog.UpdateSyncProgress(ctx, entry.ID, cursorPtr, &started); err != nil {
			return copied, fmt.Errorf("failed to stamp sync progress: %w", err)
		}
		entry.LastProcessedPK = cursorPtr
		entry.LastSyncedAt = &started

	default:
		// No key and no sync column: reload the table.
		if err := s.lake.TruncateTarget(ctx, entry); err != nil {
			return 0, err
		}
		copied, _, err = s.copyChunks(ctx, conn, entry, columns, "", "", nil)
		if err != nil {
			return copied, err
		}
		if err := s.catalog.UpdateSyncProgress(ctx, entry.ID, nil, &started); err != nil {
			return copied, fmt.Errorf("failed to stamp sync progress: %w", err)
		}
		entry.LastProcessedPK = nil
		entry.LastSyncedAt = &started
	}

	if copied > 0 {
		s.logger.Info("change sync completed",
			zap.String("table", entry.QualifiedName()),
			zap.Int64("rows", copied))
	}
	return copied, nil
}

// prepareTarget discovers the source columns and makes sure the target
// table exists with them.
func (s *Syncer) prepareTarget(ctx context.Context, conn source.Conn, entry *models.CatalogEntry) ([]string, error) {
	columns, err := conn.DiscoverColumns(ctx, entry.SchemaName, entry.TableName)
	if err != nil {
		return nil, fmt.Errorf("failed to discover columns: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("source reports no columns for %s", entry.QualifiedName())
	}
	if err := s.lake.EnsureTargetTable(ctx, entry, columns); err != nil {
		return nil, err
	}

	names := make([]string, len(columns))
	for i, col := range columns {
		names[i] = col.Name
	}
	return names, nil
}

// copyChunks pages rows from the source into the lake until a short page.
// Keyed tables advance the catalog cursor after every page so a crash
// resumes instead of restarting; keyless tables fetch a single unbounded
// page. Returns rows written and the final cursor.
func (s *Syncer) copyChunks(ctx context.Context, conn source.Conn, entry *models.CatalogEntry, columns []string, cursor, syncCol string, since *time.Time) (int64, string, error) {
	keyed := entry.HasPK && len(entry.PKColumns) > 0
	limit := s.runtime.ChunkSize()
	if !keyed {
		limit = 0
	}

	var copied int64
	for {
		page, err := conn.FetchChunk(ctx, source.ChunkRequest{
			SchemaName: entry.SchemaName,
			TableName:  entry.TableName,
			PKColumns:  entry.PKColumns,
			AfterPK:    cursor,
			SyncColumn: syncCol,
			Since:      since,
			Limit:      limit,
		})
		if err != nil {
			return copied, cursor, fmt.Errorf("failed to fetch chunk: %w", err)
		}
		if len(page) == 0 {
			return copied, cursor, nil
		}

		written, err := s.lake.UpsertChunk(ctx, entry, columns, page)
		if err != nil {
			return copied, cursor, err
		}
		copied += written

		if !keyed {
			return copied, cursor, nil
		}

		next, err := pagingKey(page[len(page)-1], entry.PKColumns[0])
		if err != nil {
			return copied, cursor, fmt.Errorf("table %s: %w", entry.QualifiedName(), err)
		}
		cursor = next
		now := time.Now().UTC()
		if err := s.catalog.UpdateSyncProgress(ctx, entry.ID, &cursor, &now); err != nil {
			return copied, cursor, fmt.Errorf("failed to advance cursor: %w", err)
		}
		entry.LastProcessedPK = &cursor
		entry.LastSyncedAt = &now

		if len(page) < limit {
			return copied, cursor, nil
		}
	}
}

// pagingKey renders the paging column of a fetched row in the text form
// the adapters bind cursors with.
func pagingKey(row jsonutil.Document, column string) (string, error) {
	value, ok := row[column]
	if !ok || value == nil {
		return "", fmt.Errorf("paging key %q missing from fetched row", column)
	}
	text := TextValue(value)
	if text == nil || *text == "" {
		return "", fmt.Errorf("paging key %q empty in fetched row", column)
	}
	return *text, nil
}

func (s *Syncer) transition(ctx context.Context, entry *models.CatalogEntry, to models.CatalogStatus) error {
	if entry.Status == to {
		return nil
	}
	if !entry.Status.CanTransitionTo(to) {
		return fmt.Errorf("table %s cannot move %s to %s: %w",
			entry.QualifiedName(), entry.Status, to, apperrors.ErrConflict)
	}
	if err := s.catalog.UpdateStatus(ctx, entry.ID, to); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	entry.Status = to
	return nil
}

func (s *Syncer) markError(ctx context.Context, entry *models.CatalogEntry) {
	if err := s.catalog.UpdateStatus(ctx, entry.ID, models.CatalogStatusError); err != nil {
		s.logger.Warn("failed to mark table errored",
			zap.String("table", entry.QualifiedName()),
			zap.Error(err))
		return
	}
	entry.Status = models.CatalogStatusError
}

// EnsureTargets makes sure the lake schema and a target table exist for
// every syncable entry. The maintenance loop re-runs it each cycle so
// targets dropped by hand reappear before the next transfer.
func (s *Syncer) EnsureTargets(ctx context.Context) error {
	if err := s.lake.EnsureSchema(ctx); err != nil {
		return err
	}

	for _, engine := range models.ValidDBEngines {
		conns, err := s.catalog.DistinctConnections(ctx, engine)
		if err != nil {
			s.logger.Warn("failed to list connections for target setup",
				zap.String("engine", string(engine)),
				zap.Error(err))
			continue
		}
		for _, connStr := range conns {
			s.ensureConnectionTargets(ctx, engine, connStr)
		}
	}
	return nil
}

func (s *Syncer) ensureConnectionTargets(ctx context.Context, engine models.DBEngine, connStr string) {
	entries, err := s.catalog.ListByConnection(ctx, engine, connStr)
	if err != nil {
		s.logger.Warn("failed to list catalog rows for target setup",
			zap.String("engine", string(engine)),
			zap.Error(err))
		return
	}

	var wanted []*models.CatalogEntry
	for _, entry := range entries {
		if entry.Syncable() {
			wanted = append(wanted, entry)
		}
	}
	if len(wanted) == 0 {
		return
	}

	conn, err := s.open(ctx, engine, connStr, s.logger)
	if err != nil {
		s.logger.Warn("source unreachable for target setup",
			zap.String("engine", string(engine)),
			zap.Error(err))
		return
	}
	defer conn.Close(ctx)

	for _, entry := range wanted {
		columns, err := conn.DiscoverColumns(ctx, entry.SchemaName, entry.TableName)
		if err != nil || len(columns) == 0 {
			s.logger.Warn("failed to discover columns for target setup",
				zap.String("table", entry.QualifiedName()),
				zap.Error(err))
			continue
		}
		if err := s.lake.EnsureTargetTable(ctx, entry, columns); err != nil {
			s.logger.Warn("failed to ensure target table",
				zap.String("table", entry.QualifiedName()),
				zap.Error(err))
		}
	}
}
