package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/adapters/source"
	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/models"
	"github.com/sluicedata/sluice/pkg/services/taskqueue"
)

// dataPollInterval is how often the scheduler sweeps registered queries.
// Triggers with a longer CheckInterval are skipped until theirs elapses.
const dataPollInterval = 30 * time.Second

// DataDrivenScheduler launches workflows when a polled query starts
// returning matching rows. Registrations are process-local and keyed by
// workflow name, like the event trigger registry.
type DataDrivenScheduler struct {
	launcher taskqueue.Launcher
	logger   *zap.Logger

	poll time.Duration
	open func(ctx context.Context, engine models.DBEngine, conninfo string, logger *zap.Logger) (source.Conn, error)

	mu          sync.Mutex
	triggers    map[string]*models.DataTrigger
	lastChecked map[string]time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDataDrivenScheduler creates the query poller.
func NewDataDrivenScheduler(launcher taskqueue.Launcher, logger *zap.Logger) *DataDrivenScheduler {
	return &DataDrivenScheduler{
		launcher:    launcher,
		logger:      logger.Named("datadriven"),
		poll:        dataPollInterval,
		open:        source.Open,
		triggers:    make(map[string]*models.DataTrigger),
		lastChecked: make(map[string]time.Time),
		stop:        make(chan struct{}),
	}
}

// Register adds or replaces the data trigger for trigger.WorkflowName. When
// DBEngine is empty it is derived from the connection string.
func (d *DataDrivenScheduler) Register(trigger models.DataTrigger) error {
	if trigger.WorkflowName == "" {
		return fmt.Errorf("data trigger needs a workflow name: %w", apperrors.ErrInvalidConfig)
	}
	if trigger.Query == "" {
		return fmt.Errorf("data trigger needs a query: %w", apperrors.ErrInvalidConfig)
	}
	if trigger.SourceConn == "" {
		return fmt.Errorf("data trigger needs a source connection: %w", apperrors.ErrInvalidConfig)
	}
	if trigger.DBEngine == "" {
		engine, err := EngineForConnection(trigger.SourceConn)
		if err != nil {
			return fmt.Errorf("data trigger names no engine: %w", err)
		}
		trigger.DBEngine = engine
	}
	trigger.RegisteredAt = time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.triggers[trigger.WorkflowName] = &trigger
	delete(d.lastChecked, trigger.WorkflowName)
	d.logger.Info("data trigger registered",
		zap.String("workflow", trigger.WorkflowName),
		zap.String("engine", string(trigger.DBEngine)))
	return nil
}

// Unregister removes the data trigger for workflowName, if any.
func (d *DataDrivenScheduler) Unregister(workflowName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.triggers, workflowName)
	delete(d.lastChecked, workflowName)
}

// List returns the registered data triggers.
func (d *DataDrivenScheduler) List() []models.DataTrigger {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.DataTrigger, 0, len(d.triggers))
	for _, tr := range d.triggers {
		out = append(out, *tr)
	}
	return out
}

// Start spawns the poll loop; it runs until Stop.
func (d *DataDrivenScheduler) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.poll)
		defer ticker.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.checkAll(ctx, time.Now())
			}
		}
	}()
	d.logger.Info("data-driven scheduler started")
}

// Stop halts the poll loop and waits for in-flight launches.
func (d *DataDrivenScheduler) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}

// checkAll runs every due trigger's query once. Failures are logged and do
// not stop the sweep.
func (d *DataDrivenScheduler) checkAll(ctx context.Context, now time.Time) {
	d.mu.Lock()
	var due []models.DataTrigger
	for name, tr := range d.triggers {
		if tr.CheckInterval > 0 {
			if last, ok := d.lastChecked[name]; ok && now.Sub(last) < tr.CheckInterval {
				continue
			}
		}
		d.lastChecked[name] = now
		due = append(due, *tr)
	}
	d.mu.Unlock()

	for _, tr := range due {
		d.checkOne(ctx, tr)
	}
}

func (d *DataDrivenScheduler) checkOne(ctx context.Context, tr models.DataTrigger) {
	conn, err := d.open(ctx, tr.DBEngine, tr.SourceConn, d.logger)
	if err != nil {
		d.logger.Warn("data trigger connection failed",
			zap.String("workflow", tr.WorkflowName),
			zap.Error(err))
		return
	}
	defer conn.Close(ctx)

	result, err := conn.Query(ctx, tr.Query, 0)
	if err != nil {
		d.logger.Warn("data trigger query failed",
			zap.String("workflow", tr.WorkflowName),
			zap.Error(err))
		return
	}

	matched, first := matchPredicate(result, tr.PredicateField, tr.PredicateValue)
	if matched == 0 {
		return
	}

	params := jsonutil.Document{"matched_rows": matched}
	if tr.PredicateField != "" && first != nil {
		params["matched_row"] = first
	}
	d.logger.Info("data trigger matched",
		zap.String("workflow", tr.WorkflowName),
		zap.Int("matched_rows", matched))
	d.launch(ctx, tr.WorkflowName, params)
}

// matchPredicate counts rows satisfying the trigger predicate and returns
// the first match. An empty field matches any row; values compare as
// strings since drivers surface heterogeneous scalar types.
func matchPredicate(result *source.QueryResult, field, value string) (int, jsonutil.Document) {
	if result == nil {
		return 0, nil
	}
	if field == "" {
		if len(result.Rows) == 0 {
			return 0, nil
		}
		return len(result.Rows), result.Rows[0]
	}
	matched := 0
	var first jsonutil.Document
	for _, row := range result.Rows {
		v, ok := row[field]
		if !ok || fmt.Sprint(v) != value {
			continue
		}
		if first == nil {
			first = row
		}
		matched++
	}
	return matched, first
}

// launch fires one workflow detached from the poll cycle.
func (d *DataDrivenScheduler) launch(ctx context.Context, workflow string, params jsonutil.Document) {
	detached := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Error("data trigger launch panicked",
					zap.String("workflow", workflow),
					zap.Any("panic", rec))
			}
		}()
		if err := d.launcher.Launch(detached, workflow, params, models.TriggerTypeScheduled); err != nil {
			d.logger.Error("data-driven launch failed",
				zap.String("workflow", workflow),
				zap.Error(err))
		}
	}()
}
