package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/adapters/source"
	"github.com/sluicedata/sluice/pkg/models"
	"github.com/sluicedata/sluice/pkg/repositories"
)

// APM metric names written by the collector.
const (
	metricPingLatencyMs = "ping_latency_ms"
	metricTableCount    = "table_count"
	metricRowEstimate   = "row_estimate_total"
)

// baselineWindowDays is the rolling window baselines aggregate over.
const baselineWindowDays = 7

// GovernanceCycleResult summarizes one collector pass.
type GovernanceCycleResult struct {
	Connections int
	Samples     int
	Stats       int
	Metrics     int
	Checks      int
	Failures    int
}

// GovernanceCollector pulls observability data out of the source engines:
// active-query samples, statement-store aggregates, and APM measurements
// with rolling baselines. Engines expose the query surfaces through
// capability interfaces; an engine without one is skipped silently.
type GovernanceCollector struct {
	catalog    repositories.CatalogRepository
	governance repositories.GovernanceRepository
	open       func(ctx context.Context, engine models.DBEngine, conninfo string, logger *zap.Logger) (source.Conn, error)
	logger     *zap.Logger
}

// NewGovernanceCollector wires the collector to the catalog and the
// governance store.
func NewGovernanceCollector(catalog repositories.CatalogRepository, governance repositories.GovernanceRepository, logger *zap.Logger) *GovernanceCollector {
	return &GovernanceCollector{
		catalog:    catalog,
		governance: governance,
		open:       source.Open,
		logger:     logger.Named("governance"),
	}
}

type connTarget struct {
	engine  models.DBEngine
	connStr string
}

func (g *GovernanceCollector) listTargets(ctx context.Context) []connTarget {
	var targets []connTarget
	for _, engine := range models.ValidDBEngines {
		conns, err := g.catalog.DistinctConnections(ctx, engine)
		if err != nil {
			g.logger.Warn("failed to list connections",
				zap.String("engine", string(engine)),
				zap.Error(err))
			continue
		}
		for _, connStr := range conns {
			targets = append(targets, connTarget{engine: engine, connStr: connStr})
		}
	}
	return targets
}

// Bootstrap runs the first governance pass at engine start: connectivity
// checks plus an initial metric sweep so baselines have data to grow from.
func (g *GovernanceCollector) Bootstrap(ctx context.Context) error {
	if _, err := g.RunHealthChecks(ctx); err != nil {
		return err
	}
	_, err := g.CollectMetrics(ctx)
	return err
}

// SampleActivity captures the currently running statements from every
// source that exposes an activity view.
func (g *GovernanceCollector) SampleActivity(ctx context.Context) (*GovernanceCycleResult, error) {
	result := &GovernanceCycleResult{}
	for _, target := range g.listTargets(ctx) {
		g.sampleConnection(ctx, target, result)
	}
	g.logger.Info("activity sampling completed",
		zap.Int("connections", result.Connections),
		zap.Int("samples", result.Samples),
		zap.Int("failures", result.Failures))
	return result, nil
}

func (g *GovernanceCollector) sampleConnection(ctx context.Context, target connTarget, result *GovernanceCycleResult) {
	conn, err := g.open(ctx, target.engine, target.connStr, g.logger)
	if err != nil {
		g.logger.Warn("source unreachable for activity sampling",
			zap.String("engine", string(target.engine)),
			zap.Error(err))
		result.Failures++
		return
	}
	defer conn.Close(ctx)
	result.Connections++

	sampler, ok := conn.(source.ActivitySampler)
	if !ok {
		g.logger.Debug("engine exposes no activity view",
			zap.String("engine", string(target.engine)))
		return
	}

	samples, err := sampler.SampleActiveQueries(ctx)
	if err != nil {
		g.logger.Warn("failed to sample active queries",
			zap.String("engine", string(target.engine)),
			zap.Error(err))
		result.Failures++
		return
	}
	if len(samples) == 0 {
		return
	}

	cluster := g.clusterName(ctx, conn)
	for i := range samples {
		samples[i].ClusterName = cluster
	}
	if err := g.governance.InsertActivitySamples(ctx, samples); err != nil {
		g.logger.Warn("failed to store activity samples", zap.Error(err))
		result.Failures++
		return
	}
	result.Samples += len(samples)
}

// ImportStatistics pulls aggregate statement statistics from every source
// with a statement store.
func (g *GovernanceCollector) ImportStatistics(ctx context.Context) (*GovernanceCycleResult, error) {
	result := &GovernanceCycleResult{}
	for _, target := range g.listTargets(ctx) {
		g.importConnection(ctx, target, result)
	}
	g.logger.Info("statistics import completed",
		zap.Int("connections", result.Connections),
		zap.Int("stats", result.Stats),
		zap.Int("failures", result.Failures))
	return result, nil
}

func (g *GovernanceCollector) importConnection(ctx context.Context, target connTarget, result *GovernanceCycleResult) {
	conn, err := g.open(ctx, target.engine, target.connStr, g.logger)
	if err != nil {
		g.logger.Warn("source unreachable for statistics import",
			zap.String("engine", string(target.engine)),
			zap.Error(err))
		result.Failures++
		return
	}
	defer conn.Close(ctx)
	result.Connections++

	importer, ok := conn.(source.StatsImporter)
	if !ok {
		g.logger.Debug("engine exposes no statement store",
			zap.String("engine", string(target.engine)))
		return
	}

	// The store may simply be absent (extension not installed, Query
	// Store off); that surfaces as an error worth only a warning.
	stats, err := importer.ImportQueryStats(ctx)
	if err != nil {
		g.logger.Warn("failed to import query statistics",
			zap.String("engine", string(target.engine)),
			zap.Error(err))
		result.Failures++
		return
	}
	if len(stats) == 0 {
		return
	}

	cluster := g.clusterName(ctx, conn)
	for i := range stats {
		stats[i].ClusterName = cluster
	}
	if err := g.governance.InsertPerformanceStats(ctx, stats); err != nil {
		g.logger.Warn("failed to store performance stats", zap.Error(err))
		result.Failures++
		return
	}
	result.Stats += len(stats)
}

// CollectMetrics measures every source cluster (ping latency, table count,
// row estimate) and refreshes the rolling baselines of the metrics it
// wrote.
func (g *GovernanceCollector) CollectMetrics(ctx context.Context) (*GovernanceCycleResult, error) {
	result := &GovernanceCycleResult{}
	for _, target := range g.listTargets(ctx) {
		g.measureConnection(ctx, target, result)
	}
	g.logger.Info("metric collection completed",
		zap.Int("connections", result.Connections),
		zap.Int("metrics", result.Metrics),
		zap.Int("failures", result.Failures))
	return result, nil
}

func (g *GovernanceCollector) measureConnection(ctx context.Context, target connTarget, result *GovernanceCycleResult) {
	conn, err := g.open(ctx, target.engine, target.connStr, g.logger)
	if err != nil {
		g.logger.Warn("source unreachable for metric collection",
			zap.String("engine", string(target.engine)),
			zap.Error(err))
		result.Failures++
		return
	}
	defer conn.Close(ctx)
	result.Connections++

	start := time.Now()
	if err := conn.Ping(ctx); err != nil {
		g.logger.Warn("ping failed during metric collection",
			zap.String("engine", string(target.engine)),
			zap.Error(err))
		result.Failures++
		return
	}
	latency := float64(time.Since(start).Microseconds()) / 1000.0

	cluster := g.clusterName(ctx, conn)
	metrics := []models.APMMetric{
		{ClusterName: cluster, DBEngine: target.engine, MetricName: metricPingLatencyMs, MetricValue: latency},
	}

	tables, err := conn.DiscoverTables(ctx)
	if err != nil {
		g.logger.Warn("failed to discover tables for metrics",
			zap.String("engine", string(target.engine)),
			zap.Error(err))
		result.Failures++
	} else {
		var rowTotal int64
		for _, t := range tables {
			rowTotal += t.RowCount
		}
		metrics = append(metrics,
			models.APMMetric{ClusterName: cluster, DBEngine: target.engine, MetricName: metricTableCount, MetricValue: float64(len(tables))},
			models.APMMetric{ClusterName: cluster, DBEngine: target.engine, MetricName: metricRowEstimate, MetricValue: float64(rowTotal)},
		)
	}

	if err := g.governance.InsertAPMMetrics(ctx, metrics); err != nil {
		g.logger.Warn("failed to store apm metrics", zap.Error(err))
		result.Failures++
		return
	}
	result.Metrics += len(metrics)

	for _, m := range metrics {
		g.refreshBaseline(ctx, cluster, m.MetricName)
	}
}

func (g *GovernanceCollector) refreshBaseline(ctx context.Context, cluster, metricName string) {
	since := time.Now().UTC().AddDate(0, 0, -baselineWindowDays)
	avg, stddev, count, err := g.governance.AverageMetric(ctx, cluster, metricName, since)
	if err != nil {
		g.logger.Warn("failed to aggregate metric for baseline",
			zap.String("metric", metricName),
			zap.Error(err))
		return
	}
	if count == 0 {
		return
	}

	baseline := &models.APMBaseline{
		ClusterName:   cluster,
		MetricName:    metricName,
		BaselineValue: avg,
		StdDev:        stddev,
		SampleCount:   int64(count),
		WindowDays:    baselineWindowDays,
	}
	if err := g.governance.UpsertBaseline(ctx, baseline); err != nil {
		g.logger.Warn("failed to upsert baseline",
			zap.String("metric", metricName),
			zap.Error(err))
	}
}

// RunHealthChecks probes connectivity of every source connection and
// records the outcome, reachable or not.
func (g *GovernanceCollector) RunHealthChecks(ctx context.Context) (*GovernanceCycleResult, error) {
	result := &GovernanceCycleResult{}
	for _, target := range g.listTargets(ctx) {
		g.checkTarget(ctx, target, result)
	}
	g.logger.Info("health checks completed",
		zap.Int("checks", result.Checks),
		zap.Int("failures", result.Failures))
	return result, nil
}

func (g *GovernanceCollector) checkTarget(ctx context.Context, target connTarget, result *GovernanceCycleResult) {
	check := &models.APMHealthCheck{
		DBEngine:  target.engine,
		CheckName: "connectivity",
	}

	start := time.Now()
	conn, err := g.open(ctx, target.engine, target.connStr, g.logger)
	if err == nil {
		defer conn.Close(ctx)
		result.Connections++
		err = conn.Ping(ctx)
		check.ClusterName = g.clusterName(ctx, conn)
	}
	check.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	check.Healthy = err == nil
	if err != nil {
		msg := err.Error()
		check.Details = &msg
		result.Failures++
	}

	if err := g.governance.CreateHealthCheck(ctx, check); err != nil {
		g.logger.Warn("failed to store health check",
			zap.String("engine", string(target.engine)),
			zap.Error(err))
		result.Failures++
		return
	}
	result.Checks++
}

// Prune removes governance rows older than the retention window.
func (g *GovernanceCollector) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	removed, err := g.governance.PruneOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune governance data: %w", err)
	}
	if removed > 0 {
		g.logger.Info("governance data pruned",
			zap.Int64("rows", removed),
			zap.Time("cutoff", cutoff))
	}
	return removed, nil
}

func (g *GovernanceCollector) clusterName(ctx context.Context, conn source.Conn) string {
	cluster, err := conn.ResolveClusterName(ctx)
	if err != nil {
		g.logger.Warn("failed to resolve cluster name", zap.Error(err))
		return ""
	}
	return cluster
}
