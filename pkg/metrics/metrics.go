package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the process-level Prometheus collectors. A fresh registry is
// used instead of the global default so tests can build as many instances as
// they need.
type Metrics struct {
	registry *prometheus.Registry

	// WorkflowExecutions counts finished workflow executions by final status.
	WorkflowExecutions *prometheus.CounterVec

	// TaskExecutions counts finished task executions by task type and status.
	TaskExecutions *prometheus.CounterVec

	// TaskRetries counts retry attempts across all tasks.
	TaskRetries prometheus.Counter

	// QueueDepth tracks the current task-queue length.
	QueueDepth prometheus.Gauge

	// LoopCycles counts completed engine loop cycles by loop name.
	LoopCycles *prometheus.CounterVec

	// LoopFailures counts recovered loop cycle failures by loop name.
	LoopFailures *prometheus.CounterVec

	// LockWaitSeconds observes time spent acquiring catalog locks.
	LockWaitSeconds prometheus.Histogram

	// SyncedRows counts rows copied into the lake by source engine.
	SyncedRows *prometheus.CounterVec

	// WorkflowDuration observes wall-clock duration of workflow executions.
	WorkflowDuration *prometheus.HistogramVec
}

// New builds and registers all collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		WorkflowExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sluice_workflow_executions_total",
			Help: "Workflow executions by final status.",
		}, []string{"status"}),
		TaskExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sluice_task_executions_total",
			Help: "Task executions by task type and final status.",
		}, []string{"task_type", "status"}),
		TaskRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sluice_task_retries_total",
			Help: "Task retry attempts.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sluice_task_queue_depth",
			Help: "Current number of queued tasks.",
		}),
		LoopCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sluice_engine_cycles_total",
			Help: "Completed engine loop cycles by loop.",
		}, []string{"loop"}),
		LoopFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sluice_engine_cycle_failures_total",
			Help: "Engine loop cycles that ended in a recovered failure.",
		}, []string{"loop"}),
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sluice_lock_wait_seconds",
			Help:    "Time spent waiting for catalog locks.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		SyncedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sluice_synced_rows_total",
			Help: "Rows copied into the lake by source engine.",
		}, []string{"engine"}),
		WorkflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sluice_workflow_duration_seconds",
			Help:    "Workflow execution duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"status"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.WorkflowExecutions,
		m.TaskExecutions,
		m.TaskRetries,
		m.QueueDepth,
		m.LoopCycles,
		m.LoopFailures,
		m.LockWaitSeconds,
		m.SyncedRows,
		m.WorkflowDuration,
	)

	return m
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP listener exposing /metrics on addr. The returned
// server should be shut down by the caller. A nil server is returned when
// addr is empty (metrics disabled).
func (m *Metrics) Serve(addr string, logger *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener failed", zap.Error(err))
		}
	}()

	logger.Info("metrics listener started", zap.String("addr", addr))
	return srv
}
