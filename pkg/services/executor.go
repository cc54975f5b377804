package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/metrics"
	"github.com/sluicedata/sluice/pkg/models"
	"github.com/sluicedata/sluice/pkg/repositories"
	"github.com/sluicedata/sluice/pkg/services/taskqueue"
)

const (
	// DefaultTaskFanout bounds how many tasks of one execution run at once.
	DefaultTaskFanout = 8

	// MaxSubWorkflowDepth bounds SUB_WORKFLOW nesting. The root workflow is
	// depth 0.
	MaxSubWorkflowDepth = 8
)

// Executor runs workflow DAGs: it resolves task readiness from dependency
// edges, dispatches ready tasks concurrently through the Dispatcher, applies
// retry policies, and records every state transition through the execution
// repository.
type Executor struct {
	workflows  repositories.WorkflowRepository
	executions repositories.ExecutionRepository
	dispatcher *Dispatcher
	conditions *ConditionEvaluator
	metrics    *metrics.Metrics
	logger     *zap.Logger
	fanout     int64
	sleep      func(ctx context.Context, d time.Duration) error
}

var _ taskqueue.Launcher = (*Executor)(nil)

// NewExecutor creates a workflow executor.
func NewExecutor(
	workflows repositories.WorkflowRepository,
	executions repositories.ExecutionRepository,
	dispatcher *Dispatcher,
	conditions *ConditionEvaluator,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Executor {
	return &Executor{
		workflows:  workflows,
		executions: executions,
		dispatcher: dispatcher,
		conditions: conditions,
		metrics:    m,
		logger:     logger.Named("executor"),
		fanout:     DefaultTaskFanout,
		sleep:      sleepCtx,
	}
}

// SetFanout overrides the per-execution concurrency bound. Values below one
// are ignored.
func (e *Executor) SetFanout(n int) {
	if n >= 1 {
		e.fanout = int64(n)
	}
}

// Execute runs the named workflow to completion. The returned execution is
// persisted before Execute returns; err is non-nil when the run could not
// start or finished FAILED.
func (e *Executor) Execute(ctx context.Context, workflowName string, trigger models.TriggerType) (*models.WorkflowExecution, error) {
	return e.run(ctx, workflowName, trigger, nil, 0)
}

// ExecuteWithParams runs the named workflow with caller-supplied parameters.
// Parameters are stored on the execution's metadata and handed to every
// dispatched task.
func (e *Executor) ExecuteWithParams(ctx context.Context, workflowName string, trigger models.TriggerType, params jsonutil.Document) (*models.WorkflowExecution, error) {
	return e.run(ctx, workflowName, trigger, params, 0)
}

// Launch satisfies taskqueue.Launcher.
func (e *Executor) Launch(ctx context.Context, workflowName string, params jsonutil.Document, trigger models.TriggerType) error {
	_, err := e.run(ctx, workflowName, trigger, params, 0)
	return err
}

// ExecuteAsync starts the workflow in the background and returns immediately.
// Progress is observable through the execution repository. The run is
// detached from the caller's cancellation.
func (e *Executor) ExecuteAsync(ctx context.Context, workflowName string, trigger models.TriggerType, params jsonutil.Document) {
	detached := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				e.logger.Error("async execution panicked",
					zap.String("workflow", workflowName),
					zap.Any("panic", rec))
			}
		}()
		if _, err := e.run(detached, workflowName, trigger, params, 0); err != nil {
			e.logger.Error("async execution failed",
				zap.String("workflow", workflowName),
				zap.Error(err))
		}
	}()
}

func (e *Executor) run(ctx context.Context, workflowName string, trigger models.TriggerType, params jsonutil.Document, depth int) (*models.WorkflowExecution, error) {
	if depth > MaxSubWorkflowDepth {
		return nil, fmt.Errorf("workflow %q: %w", workflowName, apperrors.ErrSubWorkflowDepth)
	}

	workflow, tasks, deps, err := e.workflows.GetDefinition(ctx, workflowName)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %q: %w", workflowName, err)
	}
	if !workflow.Runnable() {
		return nil, fmt.Errorf("workflow %q: %w", workflowName, apperrors.ErrUnavailable)
	}

	started := time.Now()
	execution := &models.WorkflowExecution{
		ID:           uuid.New(),
		WorkflowName: workflow.Name,
		Status:       models.ExecutionStatusRunning,
		TriggerType:  trigger,
		StartedAt:    &started,
		TotalTasks:   len(tasks),
		Metadata:     params,
	}
	if err := e.executions.CreateExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	e.logger.Info("workflow started",
		zap.String("workflow", workflow.Name),
		zap.String("execution_id", execution.ID.String()),
		zap.String("trigger", string(trigger)),
		zap.Int("tasks", len(tasks)),
		zap.Int("depth", depth))

	r, buildErr := newRunState(workflow, execution, trigger, params, depth, tasks, deps)
	if buildErr != nil {
		return e.finalize(ctx, r, buildErr)
	}

	e.runDAG(ctx, r)
	return e.finalize(ctx, r, nil)
}

// runDAG drives the scheduling loop: resolve readiness, launch the ready set
// bounded by the fan-out budget, wait for the round, repeat until every task
// is terminal. An empty ready set with tasks still pending is a deadlock.
func (e *Executor) runDAG(ctx context.Context, r *runState) {
	sem := semaphore.NewWeighted(e.fanout)
	for {
		ready, resolved := r.settle()
		e.persistResolved(ctx, r, resolved)

		if len(ready) == 0 {
			if r.pendingCount() == 0 {
				return
			}
			e.logger.Error("workflow deadlocked, cancelling remaining tasks",
				zap.String("workflow", r.workflow.Name),
				zap.String("execution_id", r.execution.ID.String()))
			e.persistResolved(ctx, r, r.cancelRemaining())
			return
		}

		sort.SliceStable(ready, func(i, j int) bool {
			if ready[i].task.Priority != ready[j].task.Priority {
				return ready[i].task.Priority > ready[j].task.Priority
			}
			return ready[i].order < ready[j].order
		})

		r.mu.Lock()
		for _, ts := range ready {
			ts.status = models.ExecutionStatusRunning
		}
		r.mu.Unlock()

		// Slots are granted in priority order; a full budget delays the
		// lower-priority remainder of the round.
		var wg sync.WaitGroup
		for _, ts := range ready {
			if err := sem.Acquire(ctx, 1); err != nil {
				e.resolvePanicked(ctx, r, ts, err)
				continue
			}
			wg.Add(1)
			go func(ts *taskState) {
				defer wg.Done()
				defer sem.Release(1)
				defer func() {
					if rec := recover(); rec != nil {
						e.logger.Error("task panicked",
							zap.String("workflow", r.workflow.Name),
							zap.String("task", ts.task.TaskName),
							zap.Any("panic", rec))
						e.resolvePanicked(ctx, r, ts, rec)
					}
				}()
				e.runTask(ctx, r, ts)
			}(ts)
		}
		wg.Wait()
	}
}

// runTask executes one ready task: condition guard, loop or single dispatch
// with retries, terminal bookkeeping.
func (e *Executor) runTask(ctx context.Context, r *runState, ts *taskState) {
	started := time.Now()
	row := &models.TaskExecution{
		ID:           uuid.New(),
		ExecutionID:  r.execution.ID,
		WorkflowName: r.workflow.Name,
		TaskName:     ts.task.TaskName,
		Status:       models.ExecutionStatusRunning,
		StartedAt:    &started,
	}
	if err := e.executions.CreateTaskExecution(ctx, row); err != nil {
		e.logger.Warn("failed to record task start",
			zap.String("task", ts.task.TaskName), zap.Error(err))
	}

	if !e.shouldRun(r, ts) {
		e.logger.Info("task condition not met, skipping",
			zap.String("workflow", r.workflow.Name),
			zap.String("task", ts.task.TaskName))
		e.finishTask(ctx, r, ts, row, models.ExecutionStatusSkipped, nil, nil)
		return
	}

	var output jsonutil.Document
	var err error
	if ts.task.HasLoop() {
		output, err = e.runLoop(ctx, r, ts, row)
	} else {
		output, err = e.withRetries(ctx, r, ts, row, func(ctx context.Context) (jsonutil.Document, error) {
			return e.dispatchOnce(ctx, r, ts, 0, nil, nil)
		})
	}
	if err != nil {
		e.finishTask(ctx, r, ts, row, models.ExecutionStatusFailed, nil, err)
		return
	}
	e.finishTask(ctx, r, ts, row, models.ExecutionStatusSuccess, output, nil)
}

// shouldRun decides whether a ready task's body dispatches or the task
// resolves SKIPPED. A conditional-chain member runs only when every earlier
// branch was skipped and its own guard holds.
func (e *Executor) shouldRun(r *runState, ts *taskState) bool {
	task := ts.task

	r.mu.Lock()
	priorTaken := false
	if ts.chain >= 0 {
		for _, name := range r.chains[ts.chain][:ts.chainPos] {
			if r.states[name].status != models.ExecutionStatusSkipped {
				priorTaken = true
				break
			}
		}
	}
	outputs := r.snapshotOutputsLocked()
	r.mu.Unlock()

	if priorTaken {
		return false
	}
	switch task.ConditionType {
	case models.ConditionTypeElse:
		return true
	case models.ConditionTypeIf, models.ConditionTypeElseIf:
		return e.conditions.Evaluate(task.ConditionExpression, outputs, r.trigger, 0)
	default:
		return true
	}
}

// withRetries runs body under the task's effective retry policy. The delay
// before retry n (0-based) is base * multiplier^n.
func (e *Executor) withRetries(ctx context.Context, r *runState, ts *taskState, row *models.TaskExecution, body func(ctx context.Context) (jsonutil.Document, error)) (jsonutil.Document, error) {
	policy := ts.task.EffectiveRetryPolicy(r.workflow.RetryPolicy)
	for attempt := 0; ; attempt++ {
		output, err := body(ctx)
		if err == nil {
			return output, nil
		}
		if attempt >= policy.MaxRetries {
			return nil, err
		}

		delay := policy.Delay(attempt)
		row.Status = models.ExecutionStatusRetrying
		row.RetryCount = attempt + 1
		if uerr := e.executions.UpdateTaskExecution(ctx, row); uerr != nil {
			e.logger.Warn("failed to record retry",
				zap.String("task", ts.task.TaskName), zap.Error(uerr))
		}
		e.metrics.TaskRetries.Inc()
		e.logger.Warn("task attempt failed, retrying",
			zap.String("workflow", r.workflow.Name),
			zap.String("task", ts.task.TaskName),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if serr := e.sleep(ctx, delay); serr != nil {
			return nil, err
		}
		row.Status = models.ExecutionStatusRunning
	}
}

// runLoop executes a FOR, FOREACH or WHILE task body. Each iteration's output
// is published as "task[i]" so downstream conditions and templates can read
// it; the task's own output is the iteration count.
func (e *Executor) runLoop(ctx context.Context, r *runState, ts *taskState, row *models.TaskExecution) (jsonutil.Document, error) {
	task := ts.task
	cfg := task.LoopConfig
	count := 0

	runIteration := func(i int, config, params jsonutil.Document) error {
		out, err := e.withRetries(ctx, r, ts, row, func(ctx context.Context) (jsonutil.Document, error) {
			return e.dispatchOnce(ctx, r, ts, i, config, params)
		})
		if err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}
		if out == nil {
			out = jsonutil.Document{}
		}
		r.mu.Lock()
		r.outputs[fmt.Sprintf("%s[%d]", task.TaskName, i)] = out
		r.mu.Unlock()
		count++
		return nil
	}

	switch *task.LoopType {
	case models.LoopTypeFor:
		n := cfg.GetInt("iterations", 0)
		if n <= 0 {
			return nil, fmt.Errorf("loop task %q: iterations must be positive: %w", task.TaskName, apperrors.ErrInvalidConfig)
		}
		for i := 0; i < n; i++ {
			if err := runIteration(i, nil, nil); err != nil {
				return nil, err
			}
		}

	case models.LoopTypeForEach:
		for i, item := range cfg.GetSlice("items") {
			config := task.TaskConfig.Clone()
			if config == nil {
				config = jsonutil.Document{}
			}
			config["item"] = item
			params := r.params.Merge(jsonutil.Document{"item": item})
			if err := runIteration(i, config, params); err != nil {
				return nil, err
			}
		}

	case models.LoopTypeWhile:
		expr := cfg.GetString("condition")
		if expr == "" {
			return nil, fmt.Errorf("loop task %q: WHILE requires a condition: %w", task.TaskName, apperrors.ErrInvalidConfig)
		}
		limit := cfg.GetInt("max_iterations", models.DefaultMaxLoopIterations)
		if limit <= 0 {
			limit = models.DefaultMaxLoopIterations
		}
		for i := 0; i < limit; i++ {
			r.mu.Lock()
			outputs := r.snapshotOutputsLocked()
			r.mu.Unlock()
			if !e.conditions.Evaluate(expr, outputs, r.trigger, i) {
				break
			}
			if err := runIteration(i, nil, nil); err != nil {
				return nil, err
			}
		}

	default:
		return nil, fmt.Errorf("loop task %q: unknown loop type %q: %w", task.TaskName, *task.LoopType, apperrors.ErrInvalidConfig)
	}

	return jsonutil.Document{"iterations": count}, nil
}

// dispatchOnce hands one task body to the dispatcher. SUB_WORKFLOW recurses
// into the executor instead; its output is the child execution's identity
// and final status. config and params default to the task's own config and
// the execution's params; loop iterations override them.
func (e *Executor) dispatchOnce(ctx context.Context, r *runState, ts *taskState, iteration int, config, params jsonutil.Document) (jsonutil.Document, error) {
	task := ts.task
	if task.TaskType == models.TaskTypeSubWorkflow {
		sub, err := e.run(ctx, task.TaskReference, r.trigger, r.params, r.depth+1)
		if err != nil {
			return nil, err
		}
		return jsonutil.Document{
			"workflow":     task.TaskReference,
			"execution_id": sub.ID.String(),
			"status":       string(sub.Status),
		}, nil
	}

	r.mu.Lock()
	outputs := r.snapshotOutputsLocked()
	r.mu.Unlock()

	if config == nil {
		config = task.TaskConfig
	}
	if params == nil {
		params = r.params
	}
	return e.dispatcher.Dispatch(ctx, TaskRequest{
		ExecutionID:  r.execution.ID,
		WorkflowName: r.workflow.Name,
		TaskName:     task.TaskName,
		TaskType:     task.TaskType,
		Reference:    task.TaskReference,
		Config:       config,
		Params:       params,
		Outputs:      outputs,
		Iteration:    iteration,
	})
}

// finishTask records a task's terminal status on its execution row and on
// the workflow execution's counters.
func (e *Executor) finishTask(ctx context.Context, r *runState, ts *taskState, row *models.TaskExecution, status models.ExecutionStatus, output jsonutil.Document, taskErr error) {
	completed := time.Now()
	row.Status = status
	row.CompletedAt = &completed
	if row.StartedAt != nil {
		d := completed.Sub(*row.StartedAt).Seconds()
		row.DurationSeconds = &d
	}
	if taskErr != nil {
		msg := taskErr.Error()
		row.ErrorMessage = &msg
	}
	if output != nil {
		row.TaskOutput = output
	}

	r.mu.Lock()
	ts.status = status
	switch status {
	case models.ExecutionStatusSuccess:
		r.execution.CompletedTasks++
		out := output
		if out == nil {
			out = jsonutil.Document{}
		}
		r.outputs[ts.task.TaskName] = out
	case models.ExecutionStatusFailed:
		r.execution.FailedTasks++
	default:
		r.execution.SkippedTasks++
	}
	snapshot := *r.execution
	r.mu.Unlock()

	if err := e.executions.UpdateTaskExecution(ctx, row); err != nil {
		e.logger.Warn("failed to persist task result",
			zap.String("task", ts.task.TaskName), zap.Error(err))
	}
	if err := e.executions.UpdateExecution(ctx, &snapshot); err != nil {
		e.logger.Warn("failed to persist execution progress",
			zap.String("execution_id", snapshot.ID.String()), zap.Error(err))
	}

	e.metrics.TaskExecutions.WithLabelValues(string(ts.task.TaskType), string(status)).Inc()

	switch status {
	case models.ExecutionStatusFailed:
		e.logger.Warn("task failed",
			zap.String("workflow", r.workflow.Name),
			zap.String("task", ts.task.TaskName),
			zap.Int("retries", row.RetryCount),
			zap.Error(taskErr))
	case models.ExecutionStatusSuccess:
		e.logger.Info("task completed",
			zap.String("workflow", r.workflow.Name),
			zap.String("task", ts.task.TaskName),
			zap.Float64p("duration_seconds", row.DurationSeconds))
	}
}

// resolvePanicked finishes a task whose goroutine died before reaching the
// normal terminal path.
func (e *Executor) resolvePanicked(ctx context.Context, r *runState, ts *taskState, cause any) {
	now := time.Now()
	row := &models.TaskExecution{
		ID:           uuid.New(),
		ExecutionID:  r.execution.ID,
		WorkflowName: r.workflow.Name,
		TaskName:     ts.task.TaskName,
		Status:       models.ExecutionStatusRunning,
		StartedAt:    &now,
	}
	e.finishTask(ctx, r, ts, row, models.ExecutionStatusFailed, nil, fmt.Errorf("task aborted: %v", cause))
}

// persistResolved records task-execution rows for tasks that reached a
// terminal status without running (skipped or cancelled by dependency
// resolution) and flushes the execution counters.
func (e *Executor) persistResolved(ctx context.Context, r *runState, resolved []*taskState) {
	if len(resolved) == 0 {
		return
	}
	now := time.Now()
	zero := 0.0
	for _, ts := range resolved {
		r.mu.Lock()
		status := ts.status
		r.mu.Unlock()
		row := &models.TaskExecution{
			ID:              uuid.New(),
			ExecutionID:     r.execution.ID,
			WorkflowName:    r.workflow.Name,
			TaskName:        ts.task.TaskName,
			Status:          status,
			StartedAt:       &now,
			CompletedAt:     &now,
			DurationSeconds: &zero,
		}
		if err := e.executions.CreateTaskExecution(ctx, row); err != nil {
			e.logger.Warn("failed to record resolved task",
				zap.String("task", ts.task.TaskName), zap.Error(err))
		}
		e.metrics.TaskExecutions.WithLabelValues(string(ts.task.TaskType), string(status)).Inc()
		e.logger.Info("task resolved without running",
			zap.String("workflow", r.workflow.Name),
			zap.String("task", ts.task.TaskName),
			zap.String("status", string(status)))
	}

	r.mu.Lock()
	snapshot := *r.execution
	r.mu.Unlock()
	if err := e.executions.UpdateExecution(ctx, &snapshot); err != nil {
		e.logger.Warn("failed to persist execution progress",
			zap.String("execution_id", snapshot.ID.String()), zap.Error(err))
	}
}

// finalize freezes the execution row, updates workflow bookkeeping, emits
// metrics and the SLA warning, and runs rollback when configured. By the
// time finalize runs no task goroutines remain.
func (e *Executor) finalize(ctx context.Context, r *runState, buildErr error) (*models.WorkflowExecution, error) {
	completed := time.Now()
	ex := r.execution
	ex.CompletedAt = &completed
	if ex.StartedAt != nil {
		d := completed.Sub(*ex.StartedAt).Seconds()
		ex.DurationSeconds = &d
	}

	failure := buildErr
	if failure == nil {
		failure = r.failure
	}
	switch {
	case failure != nil:
		ex.Status = models.ExecutionStatusFailed
		msg := failure.Error()
		ex.ErrorMessage = &msg
	case ex.FailedTasks > 0:
		ex.Status = models.ExecutionStatusFailed
		msg := fmt.Sprintf("%d of %d tasks failed", ex.FailedTasks, ex.TotalTasks)
		ex.ErrorMessage = &msg
	default:
		ex.Status = models.ExecutionStatusSuccess
	}

	if err := e.executions.UpdateExecution(ctx, ex); err != nil {
		e.logger.Error("failed to persist execution result",
			zap.String("execution_id", ex.ID.String()), zap.Error(err))
	}
	if err := e.workflows.UpdateLastExecution(ctx, ex.WorkflowName, ex.Status, completed); err != nil {
		e.logger.Warn("failed to update workflow bookkeeping",
			zap.String("workflow", ex.WorkflowName), zap.Error(err))
	}

	e.metrics.WorkflowExecutions.WithLabelValues(string(ex.Status)).Inc()
	if ex.DurationSeconds != nil {
		e.metrics.WorkflowDuration.WithLabelValues(string(ex.Status)).Observe(*ex.DurationSeconds)
	}

	breached := false
	if ex.DurationSeconds != nil {
		breached = r.workflow.SLAConfig.Breached(time.Duration(*ex.DurationSeconds * float64(time.Second)))
	}
	if breached && r.workflow.SLAConfig.AlertOnBreach {
		e.logger.Warn("workflow exceeded SLA",
			zap.String("workflow", ex.WorkflowName),
			zap.String("execution_id", ex.ID.String()),
			zap.Float64p("duration_seconds", ex.DurationSeconds),
			zap.Int("sla_seconds", r.workflow.SLAConfig.MaxExecutionTimeSeconds))
	}

	if ex.Status == models.ExecutionStatusFailed || breached {
		e.maybeRollback(ctx, r, ex.Status, breached)
	}

	e.logger.Info("workflow finished",
		zap.String("workflow", ex.WorkflowName),
		zap.String("execution_id", ex.ID.String()),
		zap.String("status", string(ex.Status)),
		zap.Int("completed", ex.CompletedTasks),
		zap.Int("failed", ex.FailedTasks),
		zap.Int("skipped", ex.SkippedTasks),
		zap.Float64p("duration_seconds", ex.DurationSeconds))

	if ex.Status == models.ExecutionStatusFailed {
		if failure != nil {
			return ex, fmt.Errorf("workflow %q failed: %w", ex.WorkflowName, failure)
		}
		return ex, fmt.Errorf("workflow %q failed: %s", ex.WorkflowName, *ex.ErrorMessage)
	}
	return ex, nil
}

// maybeRollback walks succeeded tasks in reverse topological order and
// dispatches their compensating actions, recording progress on the
// execution's rollback status.
func (e *Executor) maybeRollback(ctx context.Context, r *runState, status models.ExecutionStatus, breached bool) {
	cfg := r.workflow.RollbackConfig
	if !cfg.Enabled {
		return
	}
	failed := status == models.ExecutionStatusFailed
	if !(failed && cfg.OnFailure) && !(breached && cfg.OnTimeout) {
		return
	}

	e.setRollbackStatus(ctx, r.execution, models.RollbackStatusPending)
	e.setRollbackStatus(ctx, r.execution, models.RollbackStatusInProgress)
	e.logger.Info("rollback started",
		zap.String("workflow", r.workflow.Name),
		zap.String("execution_id", r.execution.ID.String()))

	limit := cfg.MaxDepth
	if limit <= 0 {
		limit = len(r.topo)
	}
	walked := 0
	failures := 0
	for i := len(r.topo) - 1; i >= 0 && walked < limit; i-- {
		ts := r.states[r.topo[i]]
		if ts.status != models.ExecutionStatusSuccess {
			continue
		}
		walked++
		action := ts.task.RollbackAction()
		if action == nil {
			continue
		}
		if err := e.dispatchRollback(ctx, r, ts, action); err != nil {
			failures++
			e.logger.Error("rollback action failed",
				zap.String("workflow", r.workflow.Name),
				zap.String("task", ts.task.TaskName),
				zap.Error(err))
		} else {
			e.logger.Info("rollback action completed",
				zap.String("workflow", r.workflow.Name),
				zap.String("task", ts.task.TaskName))
		}
	}

	final := models.RollbackStatusCompleted
	if failures > 0 {
		final = models.RollbackStatusFailed
	}
	e.setRollbackStatus(ctx, r.execution, final)
	e.logger.Info("rollback finished",
		zap.String("workflow", r.workflow.Name),
		zap.String("status", string(final)),
		zap.Int("walked", walked),
		zap.Int("failures", failures))
}

func (e *Executor) dispatchRollback(ctx context.Context, r *runState, ts *taskState, action *models.RollbackAction) error {
	if action.Type == models.TaskTypeSubWorkflow {
		_, err := e.run(ctx, action.Reference, r.trigger, r.params, r.depth+1)
		return err
	}

	r.mu.Lock()
	outputs := r.snapshotOutputsLocked()
	r.mu.Unlock()

	_, err := e.dispatcher.Dispatch(ctx, TaskRequest{
		ExecutionID:  r.execution.ID,
		WorkflowName: r.workflow.Name,
		TaskName:     ts.task.TaskName + ":rollback",
		TaskType:     action.Type,
		Reference:    action.Reference,
		Config:       action.Config,
		Params:       r.params,
		Outputs:      outputs,
	})
	return err
}

func (e *Executor) setRollbackStatus(ctx context.Context, ex *models.WorkflowExecution, s models.RollbackStatus) {
	ex.RollbackStatus = &s
	if err := e.executions.UpdateExecution(ctx, ex); err != nil {
		e.logger.Warn("failed to persist rollback status",
			zap.String("execution_id", ex.ID.String()), zap.Error(err))
	}
}

// ============================================================================
// Run State
// ============================================================================

type readiness int

const (
	readinessWait readiness = iota
	readinessReady
	readinessSkip
	readinessBlocked
)

type taskState struct {
	task   models.WorkflowTask
	status models.ExecutionStatus
	order  int

	// chain indexes into runState.chains; -1 outside any conditional chain.
	chain    int
	chainPos int
}

// runState is the in-memory view of one workflow execution. states, outputs
// and the execution counters are guarded by mu; everything else is immutable
// after construction.
type runState struct {
	workflow  *models.Workflow
	execution *models.WorkflowExecution
	trigger   models.TriggerType
	params    jsonutil.Document
	depth     int

	mu      sync.Mutex
	states  map[string]*taskState
	outputs map[string]jsonutil.Document
	failure error

	incoming map[string][]models.TaskDependency
	order    []string
	topo     []string
	chains   [][]string
}

func newRunState(workflow *models.Workflow, execution *models.WorkflowExecution, trigger models.TriggerType, params jsonutil.Document, depth int, tasks []models.WorkflowTask, deps []models.TaskDependency) (*runState, error) {
	r := &runState{
		workflow:  workflow,
		execution: execution,
		trigger:   trigger,
		params:    params,
		depth:     depth,
		states:    make(map[string]*taskState, len(tasks)),
		outputs:   make(map[string]jsonutil.Document),
		incoming:  make(map[string][]models.TaskDependency),
		order:     make([]string, 0, len(tasks)),
	}

	for i, task := range tasks {
		if _, dup := r.states[task.TaskName]; dup {
			return r, fmt.Errorf("duplicate task name %q", task.TaskName)
		}
		r.states[task.TaskName] = &taskState{
			task:   task,
			status: models.ExecutionStatusPending,
			order:  i,
			chain:  -1,
		}
		r.order = append(r.order, task.TaskName)
	}

	for _, dep := range deps {
		if _, ok := r.states[dep.UpstreamTask]; !ok {
			return r, fmt.Errorf("dependency references unknown task %q", dep.UpstreamTask)
		}
		if _, ok := r.states[dep.DownstreamTask]; !ok {
			return r, fmt.Errorf("dependency references unknown task %q", dep.DownstreamTask)
		}
		r.incoming[dep.DownstreamTask] = append(r.incoming[dep.DownstreamTask], dep)
	}

	r.buildChains()
	if err := r.buildTopo(); err != nil {
		return r, err
	}
	return r, nil
}

// buildChains groups consecutive IF/ELSE_IF/ELSE tasks, in insertion order,
// into conditional chains. A chain member is only considered after the
// previous member reached a terminal status, and runs only when every earlier
// branch was skipped.
func (r *runState) buildChains() {
	current := -1
	for _, name := range r.order {
		ts := r.states[name]
		switch ts.task.ConditionType {
		case models.ConditionTypeIf:
			r.chains = append(r.chains, []string{name})
			current = len(r.chains) - 1
		case models.ConditionTypeElseIf, models.ConditionTypeElse:
			if current < 0 {
				// branch without a leading IF starts its own chain
				r.chains = append(r.chains, []string{name})
				current = len(r.chains) - 1
			} else {
				r.chains[current] = append(r.chains[current], name)
			}
			if ts.task.ConditionType == models.ConditionTypeElse {
				current = -1
			}
		default:
			current = -1
			continue
		}
		if ts.task.ConditionType == models.ConditionTypeElse {
			chain := len(r.chains) - 1
			ts.chain = chain
			ts.chainPos = len(r.chains[chain]) - 1
			continue
		}
		ts.chain = current
		ts.chainPos = len(r.chains[current]) - 1
	}
}

// buildTopo runs Kahn's algorithm over the explicit dependency edges. It
// reports ErrCycle when the graph cannot be fully ordered; the resulting
// order also drives the rollback walk.
func (r *runState) buildTopo() error {
	indegree := make(map[string]int, len(r.order))
	outgoing := make(map[string][]string, len(r.order))
	for _, name := range r.order {
		indegree[name] = len(r.incoming[name])
		for _, dep := range r.incoming[name] {
			outgoing[dep.UpstreamTask] = append(outgoing[dep.UpstreamTask], name)
		}
	}

	topo := make([]string, 0, len(r.order))
	visited := make(map[string]bool, len(r.order))
	for len(topo) < len(r.order) {
		progressed := false
		for _, name := range r.order {
			if visited[name] || indegree[name] > 0 {
				continue
			}
			visited[name] = true
			topo = append(topo, name)
			for _, down := range outgoing[name] {
				indegree[down]--
			}
			progressed = true
		}
		if !progressed {
			return apperrors.ErrCycle
		}
	}
	r.topo = topo
	return nil
}

// settle resolves pending tasks whose dependencies reached a decision,
// propagating skips and cancellations to a fixpoint, and returns the tasks
// that may dispatch now alongside the tasks resolved without running.
func (r *runState) settle() (ready, resolved []*taskState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for changed := true; changed; {
		changed = false
		for _, name := range r.order {
			ts := r.states[name]
			if ts.status != models.ExecutionStatusPending {
				continue
			}
			switch r.readinessLocked(ts) {
			case readinessSkip:
				ts.status = models.ExecutionStatusSkipped
				r.execution.SkippedTasks++
				resolved = append(resolved, ts)
				changed = true
			case readinessBlocked:
				ts.status = models.ExecutionStatusCancelled
				r.execution.SkippedTasks++
				resolved = append(resolved, ts)
				changed = true
			}
		}
	}

	for _, name := range r.order {
		ts := r.states[name]
		if ts.status == models.ExecutionStatusPending && r.readinessLocked(ts) == readinessReady {
			ready = append(ready, ts)
		}
	}
	return ready, resolved
}

// readinessLocked resolves one task against its incoming edges and, for
// chain members, the preceding branch. Skip and Blocked outcomes win over
// Wait; callers propagate them transitively.
func (r *runState) readinessLocked(ts *taskState) readiness {
	waiting := false
	for _, edge := range r.incoming[ts.task.TaskName] {
		up, ok := r.states[edge.UpstreamTask]
		if !ok {
			continue
		}
		switch edge.DependencyType.Evaluate(up.status) {
		case models.DependencySkip:
			return readinessSkip
		case models.DependencyBlocked:
			return readinessBlocked
		case models.DependencyWait:
			waiting = true
		}
	}
	if ts.chainPos > 0 {
		prev := r.states[r.chains[ts.chain][ts.chainPos-1]]
		if !prev.status.IsTerminal() {
			waiting = true
		}
	}
	if waiting {
		return readinessWait
	}
	return readinessReady
}

// cancelRemaining resolves every still-pending task as CANCELLED and marks
// the run deadlocked.
func (r *runState) cancelRemaining() []*taskState {
	r.mu.Lock()
	defer r.mu.Unlock()

	var resolved []*taskState
	for _, name := range r.order {
		ts := r.states[name]
		if ts.status == models.ExecutionStatusPending {
			ts.status = models.ExecutionStatusCancelled
			r.execution.SkippedTasks++
			resolved = append(resolved, ts)
		}
	}
	r.failure = apperrors.ErrDeadlock
	return resolved
}

func (r *runState) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ts := range r.states {
		if !ts.status.IsTerminal() {
			n++
		}
	}
	return n
}

func (r *runState) snapshotOutputsLocked() map[string]jsonutil.Document {
	out := make(map[string]jsonutil.Document, len(r.outputs))
	for k, v := range r.outputs {
		out[k] = v
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
