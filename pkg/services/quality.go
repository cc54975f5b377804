package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/adapters/source"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/models"
	"github.com/sluicedata/sluice/pkg/repositories"
)

// LakeReader is the lake surface the quality validator measures through.
// *Lake satisfies it.
type LakeReader interface {
	TargetExists(ctx context.Context, entry *models.CatalogEntry) (bool, error)
	RowCount(ctx context.Context, entry *models.CatalogEntry) (int64, error)
	NullStats(ctx context.Context, entry *models.CatalogEntry, column string) (total, nulls int64, err error)
}

// countDeltaTolerance is the fraction of source rows the target may diverge
// by before the count check fails. Live tables keep moving between the two
// counts, so an exact match is only required of small tables.
const countDeltaTolerance = 0.05

// QualityCycleResult summarizes one validation pass.
type QualityCycleResult struct {
	Tables int
	Checks int
	Passed int
	Failed int
	Errors int
}

// QualityValidator measures synced tables against their sources and stores
// the outcomes in data_quality. Only tables in LISTENING_CHANGES are
// checked; everything else is either mid-load or already known broken.
type QualityValidator struct {
	catalog repositories.CatalogRepository
	quality repositories.QualityRepository
	lake    LakeReader
	open    func(ctx context.Context, engine models.DBEngine, conninfo string, logger *zap.Logger) (source.Conn, error)
	logger  *zap.Logger
}

// NewQualityValidator wires the validator to the catalog, the quality
// store and the lake.
func NewQualityValidator(catalog repositories.CatalogRepository, quality repositories.QualityRepository, lake LakeReader, logger *zap.Logger) *QualityValidator {
	return &QualityValidator{
		catalog: catalog,
		quality: quality,
		lake:    lake,
		open:    source.Open,
		logger:  logger.Named("quality"),
	}
}

// RunChecks validates every active LISTENING_CHANGES table: target row
// count, null fraction of the sync column, and source/target count delta.
// Sources are opened once per connection; an unreachable source skips the
// delta check but the lake-side checks still run.
func (q *QualityValidator) RunChecks(ctx context.Context) (*QualityCycleResult, error) {
	result := &QualityCycleResult{}
	for _, engine := range models.ValidDBEngines {
		entries, err := q.catalog.ListByEngine(ctx, engine)
		if err != nil {
			q.logger.Warn("failed to list catalog for quality checks",
				zap.String("engine", string(engine)),
				zap.Error(err))
			result.Errors++
			continue
		}

		groups := make(map[string][]*models.CatalogEntry)
		var order []string
		for _, entry := range entries {
			if !entry.Active || entry.Status != models.CatalogStatusListeningChanges {
				continue
			}
			if _, ok := groups[entry.ConnectionString]; !ok {
				order = append(order, entry.ConnectionString)
			}
			groups[entry.ConnectionString] = append(groups[entry.ConnectionString], entry)
		}
		for _, connStr := range order {
			q.checkConnection(ctx, engine, connStr, groups[connStr], result)
		}
	}

	q.logger.Info("quality cycle completed",
		zap.Int("tables", result.Tables),
		zap.Int("checks", result.Checks),
		zap.Int("failed", result.Failed),
		zap.Int("errors", result.Errors))
	return result, nil
}

func (q *QualityValidator) checkConnection(ctx context.Context, engine models.DBEngine, connStr string, entries []*models.CatalogEntry, result *QualityCycleResult) {
	conn, err := q.open(ctx, engine, connStr, q.logger)
	if err != nil {
		q.logger.Warn("source unreachable, skipping count delta checks",
			zap.String("engine", string(engine)),
			zap.Error(err))
		result.Errors++
		conn = nil
	} else {
		defer conn.Close(ctx)
	}

	for _, entry := range entries {
		q.checkEntry(ctx, conn, entry, result)
	}
}

func (q *QualityValidator) checkEntry(ctx context.Context, conn source.Conn, entry *models.CatalogEntry, result *QualityCycleResult) {
	result.Tables++

	exists, err := q.lake.TargetExists(ctx, entry)
	if err != nil {
		q.logger.Warn("failed to probe target table",
			zap.String("table", entry.QualifiedName()),
			zap.Error(err))
		result.Errors++
		return
	}

	var targetRows int64
	if exists {
		targetRows, err = q.lake.RowCount(ctx, entry)
		if err != nil {
			q.logger.Warn("failed to count target rows",
				zap.String("table", entry.QualifiedName()),
				zap.Error(err))
			result.Errors++
			return
		}
	}
	q.record(ctx, entry, models.QualityCheckRowCount, float64(targetRows), exists,
		jsonutil.Document{"target_exists": exists, "target_rows": targetRows}, result)

	// Nulls in the sync column escape incremental capture, so any at all
	// fail the check.
	if exists && entry.LastSyncColumn != nil && *entry.LastSyncColumn != "" {
		column := *entry.LastSyncColumn
		total, nulls, err := q.lake.NullStats(ctx, entry, column)
		if err != nil {
			q.logger.Warn("failed to measure null fraction",
				zap.String("table", entry.QualifiedName()),
				zap.String("column", column),
				zap.Error(err))
			result.Errors++
		} else {
			fraction := 0.0
			if total > 0 {
				fraction = float64(nulls) / float64(total)
			}
			q.record(ctx, entry, models.QualityCheckNullFraction, fraction, nulls == 0,
				jsonutil.Document{"column": column, "total": total, "nulls": nulls}, result)
		}
	}

	if conn == nil {
		return
	}
	sourceRows, err := conn.CountRows(ctx, entry.SchemaName, entry.TableName)
	if err != nil {
		q.logger.Warn("failed to count source rows",
			zap.String("table", entry.QualifiedName()),
			zap.Error(err))
		result.Errors++
		return
	}
	delta := sourceRows - targetRows
	q.record(ctx, entry, models.QualityCheckCountDelta, float64(delta), deltaWithinTolerance(sourceRows, delta),
		jsonutil.Document{"source_rows": sourceRows, "target_rows": targetRows}, result)
}

func deltaWithinTolerance(sourceRows, delta int64) bool {
	if delta < 0 {
		delta = -delta
	}
	return float64(delta) <= countDeltaTolerance*float64(sourceRows)
}

func (q *QualityValidator) record(ctx context.Context, entry *models.CatalogEntry, check models.QualityCheckType, metric float64, passed bool, details jsonutil.Document, result *QualityCycleResult) {
	row := &models.DataQualityResult{
		SchemaName:  entry.SchemaName,
		TableName:   entry.TableName,
		DBEngine:    entry.DBEngine,
		CheckType:   check,
		MetricValue: metric,
		Passed:      passed,
		Details:     details,
		CheckedAt:   time.Now().UTC(),
	}
	if err := q.quality.Create(ctx, row); err != nil {
		q.logger.Warn("failed to store quality result",
			zap.String("table", entry.QualifiedName()),
			zap.String("check", string(check)),
			zap.Error(err))
		result.Errors++
		return
	}

	result.Checks++
	if passed {
		result.Passed++
		return
	}
	result.Failed++
	q.logger.Warn("quality check failed",
		zap.String("table", entry.QualifiedName()),
		zap.String("check", string(check)),
		zap.Float64("metric", metric))
}
