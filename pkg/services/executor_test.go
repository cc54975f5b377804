package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/metrics"
	"github.com/sluicedata/sluice/pkg/models"
)

// mockWorkflowRepo implements repositories.WorkflowRepository in memory.
type mockWorkflowRepo struct {
	mu         sync.Mutex
	workflows  map[string]*models.Workflow
	tasks      map[string][]models.WorkflowTask
	deps       map[string][]models.TaskDependency
	lastStatus map[string]models.ExecutionStatus
}

func newMockWorkflowRepo() *mockWorkflowRepo {
	return &mockWorkflowRepo{
		workflows:  make(map[string]*models.Workflow),
		tasks:      make(map[string][]models.WorkflowTask),
		deps:       make(map[string][]models.TaskDependency),
		lastStatus: make(map[string]models.ExecutionStatus),
	}
}

func (m *mockWorkflowRepo) add(workflow *models.Workflow, tasks []models.WorkflowTask, deps []models.TaskDependency) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[workflow.Name] = workflow
	m.tasks[workflow.Name] = tasks
	m.deps[workflow.Name] = deps
}

func (m *mockWorkflowRepo) Create(_ context.Context, workflow *models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[workflow.Name] = workflow
	return nil
}

func (m *mockWorkflowRepo) GetByName(_ context.Context, name string) (*models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[name]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return wf, nil
}

func (m *mockWorkflowRepo) List(_ context.Context) ([]*models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		out = append(out, wf)
	}
	return out, nil
}

func (m *mockWorkflowRepo) ListScheduled(_ context.Context) ([]*models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Workflow
	for _, wf := range m.workflows {
		if wf.ScheduleCron != nil && wf.Active && wf.Enabled {
			out = append(out, wf)
		}
	}
	return out, nil
}

func (m *mockWorkflowRepo) Update(_ context.Context, workflow *models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[workflow.Name] = workflow
	return nil
}

func (m *mockWorkflowRepo) UpdateLastExecution(_ context.Context, name string, status models.ExecutionStatus, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastStatus[name] = status
	return nil
}

func (m *mockWorkflowRepo) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workflows, name)
	return nil
}

func (m *mockWorkflowRepo) CreateTask(_ context.Context, task *models.WorkflowTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.WorkflowName] = append(m.tasks[task.WorkflowName], *task)
	return nil
}

func (m *mockWorkflowRepo) ListTasks(_ context.Context, workflowName string) ([]models.WorkflowTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[workflowName], nil
}

func (m *mockWorkflowRepo) CreateDependency(_ context.Context, dep *models.TaskDependency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deps[dep.WorkflowName] = append(m.deps[dep.WorkflowName], *dep)
	return nil
}

func (m *mockWorkflowRepo) ListDependencies(_ context.Context, workflowName string) ([]models.TaskDependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deps[workflowName], nil
}

func (m *mockWorkflowRepo) GetDefinition(ctx context.Context, name string) (*models.Workflow, []models.WorkflowTask, []models.TaskDependency, error) {
	wf, err := m.GetByName(ctx, name)
	if err != nil {
		return nil, nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return wf, m.tasks[name], m.deps[name], nil
}

func (m *mockWorkflowRepo) ReplaceDefinition(_ context.Context, workflow *models.Workflow, tasks []models.WorkflowTask, deps []models.TaskDependency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[workflow.Name] = workflow
	m.tasks[workflow.Name] = tasks
	m.deps[workflow.Name] = deps
	return nil
}

func (m *mockWorkflowRepo) lastExecutionStatus(name string) models.ExecutionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastStatus[name]
}

// mockExecutionRepo implements repositories.ExecutionRepository in memory.
// Rows are stored as snapshots so intermediate states stay observable.
type mockExecutionRepo struct {
	mu         sync.Mutex
	executions map[uuid.UUID]models.WorkflowExecution
	taskRows   map[uuid.UUID]models.TaskExecution
	taskOrder  []uuid.UUID
	statusLog  map[string][]models.ExecutionStatus
}

func newMockExecutionRepo() *mockExecutionRepo {
	return &mockExecutionRepo{
		executions: make(map[uuid.UUID]models.WorkflowExecution),
		taskRows:   make(map[uuid.UUID]models.TaskExecution),
		statusLog:  make(map[string][]models.ExecutionStatus),
	}
}

func (m *mockExecutionRepo) CreateExecution(_ context.Context, execution *models.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	execution.CreatedAt = time.Now()
	m.executions[execution.ID] = *execution
	return nil
}

func (m *mockExecutionRepo) GetExecution(_ context.Context, id uuid.UUID) (*models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &ex, nil
}

func (m *mockExecutionRepo) UpdateExecution(_ context.Context, execution *models.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[execution.ID] = *execution
	return nil
}

func (m *mockExecutionRepo) ListExecutions(_ context.Context, workflowName string, _ int) ([]*models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.WorkflowExecution
	for id := range m.executions {
		ex := m.executions[id]
		if ex.WorkflowName == workflowName {
			out = append(out, &ex)
		}
	}
	return out, nil
}

func (m *mockExecutionRepo) CreateTaskExecution(_ context.Context, task *models.TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task.CreatedAt = time.Now()
	m.taskRows[task.ID] = *task
	m.taskOrder = append(m.taskOrder, task.ID)
	m.statusLog[task.TaskName] = append(m.statusLog[task.TaskName], task.Status)
	return nil
}

func (m *mockExecutionRepo) UpdateTaskExecution(_ context.Context, task *models.TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskRows[task.ID] = *task
	m.statusLog[task.TaskName] = append(m.statusLog[task.TaskName], task.Status)
	return nil
}

func (m *mockExecutionRepo) ListTaskExecutions(_ context.Context, executionID uuid.UUID) ([]models.TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TaskExecution
	for _, id := range m.taskOrder {
		row := m.taskRows[id]
		if row.ExecutionID == executionID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *mockExecutionRepo) taskRow(t *testing.T, executionID uuid.UUID, taskName string) models.TaskExecution {
	t.Helper()
	rows, err := m.ListTaskExecutions(context.Background(), executionID)
	require.NoError(t, err)
	for _, row := range rows {
		if row.TaskName == taskName {
			return row
		}
	}
	t.Fatalf("no task execution row for %q", taskName)
	return models.TaskExecution{}
}

func (m *mockExecutionRepo) statuses(taskName string) []models.ExecutionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ExecutionStatus, len(m.statusLog[taskName]))
	copy(out, m.statusLog[taskName])
	return out
}

// mockJobs scripts the behavior of CUSTOM_JOB task bodies.
type mockJobs struct {
	mu       sync.Mutex
	calls    []string
	params   map[string][]jsonutil.Document
	outputs  map[string]jsonutil.Document
	failures map[string]int // fail this many times, then succeed
	errs     map[string]error
	sleeps   map[string]time.Duration
}

func newMockJobs() *mockJobs {
	return &mockJobs{
		params:   make(map[string][]jsonutil.Document),
		outputs:  make(map[string]jsonutil.Document),
		failures: make(map[string]int),
		errs:     make(map[string]error),
		sleeps:   make(map[string]time.Duration),
	}
}

func (m *mockJobs) RunJob(_ context.Context, name string, params jsonutil.Document, _ *uuid.UUID) (jsonutil.Document, error) {
	m.mu.Lock()
	m.calls = append(m.calls, name)
	m.params[name] = append(m.params[name], params)
	sleep := m.sleeps[name]
	remaining := m.failures[name]
	if remaining > 0 {
		m.failures[name] = remaining - 1
	}
	err := m.errs[name]
	out := m.outputs[name]
	m.mu.Unlock()

	if sleep > 0 {
		time.Sleep(sleep)
	}
	if remaining > 0 {
		return nil, fmt.Errorf("job %s: transient failure", name)
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = jsonutil.Document{"job": name}
	}
	return out, nil
}

func (m *mockJobs) callNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockJobs) callCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (m *mockJobs) lastParams(name string) jsonutil.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := m.params[name]
	if len(seen) == 0 {
		return nil
	}
	return seen[len(seen)-1]
}

// ----------------------------------------------------------------------------

func newTestExecutor(t *testing.T, workflows *mockWorkflowRepo, jobs *mockJobs) (*Executor, *mockExecutionRepo) {
	t.Helper()
	executions := newMockExecutionRepo()
	conditions, err := NewConditionEvaluator(zap.NewNop())
	require.NoError(t, err)
	dispatcher := NewDispatcher(jobs, nil, nil, nil, nil, zap.NewNop())
	exec := NewExecutor(workflows, executions, dispatcher, conditions, metrics.New(), zap.NewNop())
	exec.sleep = func(context.Context, time.Duration) error { return nil }
	return exec, executions
}

func execTestWorkflow(name string) *models.Workflow {
	return &models.Workflow{
		ID:      uuid.New(),
		Name:    name,
		Active:  true,
		Enabled: true,
		RetryPolicy: models.RetryPolicy{
			MaxRetries:        0,
			BaseDelaySeconds:  0,
			BackoffMultiplier: 1,
		},
	}
}

func jobTask(workflow, name, job string) models.WorkflowTask {
	return models.WorkflowTask{
		ID:            uuid.New(),
		WorkflowName:  workflow,
		TaskName:      name,
		TaskType:      models.TaskTypeCustomJob,
		TaskReference: job,
	}
}

func edge(workflow, up, down string, depType models.DependencyType) models.TaskDependency {
	return models.TaskDependency{
		ID:             uuid.New(),
		WorkflowName:   workflow,
		UpstreamTask:   up,
		DownstreamTask: down,
		DependencyType: depType,
	}
}

func indexOf(t *testing.T, list []string, want string) int {
	t.Helper()
	for i, v := range list {
		if v == want {
			return i
		}
	}
	t.Fatalf("%q not found in %v", want, list)
	return -1
}

// ----------------------------------------------------------------------------

func TestExecutor_LinearChainRunsInOrder(t *testing.T) {
	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("etl"), []models.WorkflowTask{
		jobTask("etl", "extract", "job_extract"),
		jobTask("etl", "transform", "job_transform"),
		jobTask("etl", "load", "job_load"),
	}, []models.TaskDependency{
		edge("etl", "extract", "transform", models.DependencyTypeSuccess),
		edge("etl", "transform", "load", models.DependencyTypeSuccess),
	})
	jobs := newMockJobs()
	exec, executions := newTestExecutor(t, workflows, jobs)

	result, err := exec.Execute(context.Background(), "etl", models.TriggerTypeManual)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, result.Status)
	assert.Equal(t, []string{"job_extract", "job_transform", "job_load"}, jobs.callNames())
	assert.Equal(t, 3, result.CompletedTasks)
	assert.Equal(t, 0, result.FailedTasks)
	assert.Equal(t, 0, result.SkippedTasks)
	require.NotNil(t, result.CompletedAt)
	require.NotNil(t, result.DurationSeconds)
	assert.Equal(t, models.ExecutionStatusSuccess, workflows.lastExecutionStatus("etl"))

	stored, err := executions.GetExecution(context.Background(), result.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSuccess, stored.Status)

	rows, err := executions.ListTaskExecutions(context.Background(), result.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, models.ExecutionStatusSuccess, row.Status)
	}
}

func TestExecutor_DiamondRunsBranchesBetweenEnds(t *testing.T) {
	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("diamond"), []models.WorkflowTask{
		jobTask("diamond", "a", "ja"),
		jobTask("diamond", "b", "jb"),
		jobTask("diamond", "c", "jc"),
		jobTask("diamond", "d", "jd"),
	}, []models.TaskDependency{
		edge("diamond", "a", "b", models.DependencyTypeSuccess),
		edge("diamond", "a", "c", models.DependencyTypeSuccess),
		edge("diamond", "b", "d", models.DependencyTypeSuccess),
		edge("diamond", "c", "d", models.DependencyTypeSuccess),
	})
	jobs := newMockJobs()
	exec, _ := newTestExecutor(t, workflows, jobs)

	result, err := exec.Execute(context.Background(), "diamond", models.TriggerTypeManual)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSuccess, result.Status)

	calls := jobs.callNames()
	require.Len(t, calls, 4)
	first, last := indexOf(t, calls, "ja"), indexOf(t, calls, "jd")
	assert.Equal(t, 0, first)
	assert.Equal(t, 3, last)
}

func TestExecutor_PriorityGrantsSlotsHighFirst(t *testing.T) {
	low := jobTask("prio", "low", "jlow")
	low.Priority = 1
	high := jobTask("prio", "high", "jhigh")
	high.Priority = 9
	mid := jobTask("prio", "mid", "jmid")
	mid.Priority = 5

	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("prio"), []models.WorkflowTask{low, high, mid}, nil)
	jobs := newMockJobs()
	exec, _ := newTestExecutor(t, workflows, jobs)
	exec.SetFanout(1)

	_, err := exec.Execute(context.Background(), "prio", models.TriggerTypeManual)
	require.NoError(t, err)
	assert.Equal(t, []string{"jhigh", "jmid", "jlow"}, jobs.callNames())
}

func TestExecutor_RetryBackoffSeries(t *testing.T) {
	task := jobTask("retries", "flaky", "jflaky")
	task.RetryPolicy = &models.RetryPolicy{MaxRetries: 3, BaseDelaySeconds: 1, BackoffMultiplier: 2}

	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("retries"), []models.WorkflowTask{task}, nil)
	jobs := newMockJobs()
	jobs.failures["jflaky"] = 3

	exec, executions := newTestExecutor(t, workflows, jobs)
	var delays []time.Duration
	exec.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	result, err := exec.Execute(context.Background(), "retries", models.TriggerTypeManual)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, result.Status)
	assert.Equal(t, 4, jobs.callCount("jflaky"))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)

	row := executions.taskRow(t, result.ID, "flaky")
	assert.Equal(t, models.ExecutionStatusSuccess, row.Status)
	assert.Equal(t, 3, row.RetryCount)
	assert.Contains(t, executions.statuses("flaky"), models.ExecutionStatusRetrying)
}

func TestExecutor_RetriesExhaustedFailsTask(t *testing.T) {
	task := jobTask("exhaust", "doomed", "jdoomed")
	task.RetryPolicy = &models.RetryPolicy{MaxRetries: 2, BaseDelaySeconds: 0, BackoffMultiplier: 1}

	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("exhaust"), []models.WorkflowTask{task}, nil)
	jobs := newMockJobs()
	jobs.errs["jdoomed"] = errors.New("permanent failure")

	exec, executions := newTestExecutor(t, workflows, jobs)
	result, err := exec.Execute(context.Background(), "exhaust", models.TriggerTypeManual)
	require.Error(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, result.Status)
	assert.Equal(t, 3, jobs.callCount("jdoomed"))
	require.NotNil(t, result.ErrorMessage)
	assert.Equal(t, "1 of 1 tasks failed", *result.ErrorMessage)
	assert.Equal(t, models.ExecutionStatusFailed, workflows.lastExecutionStatus("exhaust"))

	row := executions.taskRow(t, result.ID, "doomed")
	assert.Equal(t, models.ExecutionStatusFailed, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "permanent failure")
}

func TestExecutor_SkipOnFailureSkipsDownstream(t *testing.T) {
	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("skips"), []models.WorkflowTask{
		jobTask("skips", "a", "ja"),
		jobTask("skips", "b", "jb"),
		jobTask("skips", "c", "jc"),
	}, []models.TaskDependency{
		edge("skips", "a", "b", models.DependencyTypeSkipOnFailure),
		edge("skips", "b", "c", models.DependencyTypeSuccess),
	})
	jobs := newMockJobs()
	jobs.errs["ja"] = errors.New("boom")

	exec, executions := newTestExecutor(t, workflows, jobs)
	result, err := exec.Execute(context.Background(), "skips", models.TriggerTypeManual)
	require.Error(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, result.Status)
	assert.Equal(t, 1, result.CompletedTasks) // c still runs over the skipped b
	assert.Equal(t, 1, result.FailedTasks)
	assert.Equal(t, 1, result.SkippedTasks)
	assert.Equal(t, result.TotalTasks, result.CompletedTasks+result.FailedTasks+result.SkippedTasks)

	assert.Equal(t, models.ExecutionStatusSkipped, executions.taskRow(t, result.ID, "b").Status)
	assert.Equal(t, models.ExecutionStatusSuccess, executions.taskRow(t, result.ID, "c").Status)
	assert.Equal(t, []string{"ja", "jc"}, jobs.callNames())
}

func TestExecutor_FailureCancelsStrictDownstreamTransitively(t *testing.T) {
	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("cancel"), []models.WorkflowTask{
		jobTask("cancel", "a", "ja"),
		jobTask("cancel", "b", "jb"),
		jobTask("cancel", "c", "jc"),
	}, []models.TaskDependency{
		edge("cancel", "a", "b", models.DependencyTypeSuccess),
		edge("cancel", "b", "c", models.DependencyTypeSuccess),
	})
	jobs := newMockJobs()
	jobs.errs["ja"] = errors.New("boom")

	exec, executions := newTestExecutor(t, workflows, jobs)
	result, err := exec.Execute(context.Background(), "cancel", models.TriggerTypeManual)
	require.Error(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, result.Status)
	assert.Equal(t, 0, result.CompletedTasks)
	assert.Equal(t, 1, result.FailedTasks)
	assert.Equal(t, 2, result.SkippedTasks)
	assert.Equal(t, []string{"ja"}, jobs.callNames())
	assert.Equal(t, models.ExecutionStatusCancelled, executions.taskRow(t, result.ID, "b").Status)
	assert.Equal(t, models.ExecutionStatusCancelled, executions.taskRow(t, result.ID, "c").Status)
}

func TestExecutor_CycleFailsWithoutRunningTasks(t *testing.T) {
	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("cyclic"), []models.WorkflowTask{
		jobTask("cyclic", "a", "ja"),
		jobTask("cyclic", "b", "jb"),
	}, []models.TaskDependency{
		edge("cyclic", "a", "b", models.DependencyTypeSuccess),
		edge("cyclic", "b", "a", models.DependencyTypeSuccess),
	})
	jobs := newMockJobs()
	exec, executions := newTestExecutor(t, workflows, jobs)

	result, err := exec.Execute(context.Background(), "cyclic", models.TriggerTypeManual)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCycle))

	assert.Equal(t, models.ExecutionStatusFailed, result.Status)
	require.NotNil(t, result.ErrorMessage)
	assert.Equal(t, "cycle detected", *result.ErrorMessage)
	assert.Empty(t, jobs.callNames())
	assert.Zero(t, result.CompletedTasks+result.FailedTasks+result.SkippedTasks)

	rows, err := executions.ListTaskExecutions(context.Background(), result.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestExecutor_UnknownDependencyEndpointFails(t *testing.T) {
	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("ghost"), []models.WorkflowTask{
		jobTask("ghost", "a", "ja"),
	}, []models.TaskDependency{
		edge("ghost", "phantom", "a", models.DependencyTypeSuccess),
	})
	jobs := newMockJobs()
	exec, _ := newTestExecutor(t, workflows, jobs)

	result, err := exec.Execute(context.Background(), "ghost", models.TriggerTypeManual)
	require.Error(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, result.Status)
	require.NotNil(t, result.ErrorMessage)
	assert.Contains(t, *result.ErrorMessage, `unknown task "phantom"`)
	assert.Empty(t, jobs.callNames())
}

func TestExecutor_DeadlockCancelsRemaining(t *testing.T) {
	// t1 is an IF branch followed by its ELSE. The chain makes t2 wait for
	// t1, while an explicit edge makes t1 wait for t2. Kahn sees one edge
	// and no cycle; scheduling stalls instead.
	t1 := jobTask("stuck", "t1", "j1")
	t1.ConditionType = models.ConditionTypeIf
	t1.ConditionExpression = "true"
	t2 := jobTask("stuck", "t2", "j2")
	t2.ConditionType = models.ConditionTypeElse

	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("stuck"), []models.WorkflowTask{t1, t2}, []models.TaskDependency{
		edge("stuck", "t2", "t1", models.DependencyTypeSuccess),
	})
	jobs := newMockJobs()
	exec, _ := newTestExecutor(t, workflows, jobs)

	result, err := exec.Execute(context.Background(), "stuck", models.TriggerTypeManual)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDeadlock))

	assert.Equal(t, models.ExecutionStatusFailed, result.Status)
	require.NotNil(t, result.ErrorMessage)
	assert.Equal(t, "deadlock", *result.ErrorMessage)
	assert.Equal(t, 2, result.SkippedTasks)
	assert.Empty(t, jobs.callNames())
}

func TestExecutor_ConditionalChainFirstMatchWins(t *testing.T) {
	start := jobTask("branchy", "start", "jstart")
	branchA := jobTask("branchy", "branch_a", "jbranch_a")
	branchA.ConditionType = models.ConditionTypeIf
	branchA.ConditionExpression = `tasks["start"].route == "a"`
	branchB := jobTask("branchy", "branch_b", "jbranch_b")
	branchB.ConditionType = models.ConditionTypeElseIf
	branchB.ConditionExpression = `tasks["start"].route == "b"`
	fallback := jobTask("branchy", "fallback", "jfallback")
	fallback.ConditionType = models.ConditionTypeElse

	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("branchy"),
		[]models.WorkflowTask{start, branchA, branchB, fallback},
		[]models.TaskDependency{
			edge("branchy", "start", "branch_a", models.DependencyTypeSuccess),
		})
	jobs := newMockJobs()
	jobs.outputs["jstart"] = jsonutil.Document{"route": "b"}

	exec, executions := newTestExecutor(t, workflows, jobs)
	result, err := exec.Execute(context.Background(), "branchy", models.TriggerTypeManual)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, result.Status)
	assert.Equal(t, []string{"jstart", "jbranch_b"}, jobs.callNames())
	assert.Equal(t, models.ExecutionStatusSkipped, executions.taskRow(t, result.ID, "branch_a").Status)
	assert.Equal(t, models.ExecutionStatusSuccess, executions.taskRow(t, result.ID, "branch_b").Status)
	assert.Equal(t, models.ExecutionStatusSkipped, executions.taskRow(t, result.ID, "fallback").Status)
	assert.Equal(t, 2, result.CompletedTasks)
	assert.Equal(t, 2, result.SkippedTasks)
}

func TestExecutor_ElseRunsWhenNoBranchMatches(t *testing.T) {
	start := jobTask("fallbacky", "start", "jstart")
	branchA := jobTask("fallbacky", "branch_a", "jbranch_a")
	branchA.ConditionType = models.ConditionTypeIf
	branchA.ConditionExpression = `tasks["start"].route == "a"`
	fallback := jobTask("fallbacky", "fallback", "jfallback")
	fallback.ConditionType = models.ConditionTypeElse

	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("fallbacky"),
		[]models.WorkflowTask{start, branchA, fallback},
		[]models.TaskDependency{
			edge("fallbacky", "start", "branch_a", models.DependencyTypeSuccess),
		})
	jobs := newMockJobs()
	jobs.outputs["jstart"] = jsonutil.Document{"route": "z"}

	exec, _ := newTestExecutor(t, workflows, jobs)
	result, err := exec.Execute(context.Background(), "fallbacky", models.TriggerTypeManual)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, result.Status)
	assert.Equal(t, []string{"jstart", "jfallback"}, jobs.callNames())
}

func TestExecutor_ConditionFalseSkipsButUnblocksDownstream(t *testing.T) {
	guard := jobTask("guarded", "guard", "jguard")
	guard.ConditionType = models.ConditionTypeIf
	guard.ConditionExpression = "1 == 2"
	after := jobTask("guarded", "after", "jafter")

	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("guarded"),
		[]models.WorkflowTask{guard, after},
		[]models.TaskDependency{
			edge("guarded", "guard", "after", models.DependencyTypeSuccess),
		})
	jobs := newMockJobs()

	exec, executions := newTestExecutor(t, workflows, jobs)
	result, err := exec.Execute(context.Background(), "guarded", models.TriggerTypeManual)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, result.Status)
	assert.Equal(t, []string{"jafter"}, jobs.callNames())
	assert.Equal(t, models.ExecutionStatusSkipped, executions.taskRow(t, result.ID, "guard").Status)
	assert.Equal(t, 1, result.CompletedTasks)
	assert.Equal(t, 1, result.SkippedTasks)
}

func TestExecutor_ForLoopRunsConfiguredIterations(t *testing.T) {
	loopType := models.LoopTypeFor
	loop := jobTask("looped", "repeat", "jrepeat")
	loop.LoopType = &loopType
	loop.LoopConfig = jsonutil.Document{"iterations": 3}

	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("looped"), []models.WorkflowTask{loop}, nil)
	jobs := newMockJobs()

	exec, executions := newTestExecutor(t, workflows, jobs)
	result, err := exec.Execute(context.Background(), "looped", models.TriggerTypeManual)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, result.Status)
	assert.Equal(t, 3, jobs.callCount("jrepeat"))
	row := executions.taskRow(t, result.ID, "repeat")
	assert.Equal(t, models.ExecutionStatusSuccess, row.Status)
	assert.EqualValues(t, 3, row.TaskOutput["iterations"])
}

func TestExecutor_ForEachBindsItem(t *testing.T) {
	loopType := models.LoopTypeForEach
	loop := jobTask("pertable", "each", "jeach")
	loop.LoopType = &loopType
	loop.LoopConfig = jsonutil.Document{"items": []any{"orders", "invoices"}}

	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("pertable"), []models.WorkflowTask{loop}, nil)
	jobs := newMockJobs()

	exec, _ := newTestExecutor(t, workflows, jobs)
	result, err := exec.Execute(context.Background(), "pertable", models.TriggerTypeManual)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, result.Status)
	assert.Equal(t, 2, jobs.callCount("jeach"))
	assert.Equal(t, "invoices", jobs.lastParams("jeach")["item"])
}

func TestExecutor_WhileLoopStopsOnCondition(t *testing.T) {
	loopType := models.LoopTypeWhile
	loop := jobTask("whiley", "poll", "jpoll")
	loop.LoopType = &loopType
	loop.LoopConfig = jsonutil.Document{"condition": "iteration < 3"}

	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("whiley"), []models.WorkflowTask{loop}, nil)
	jobs := newMockJobs()

	exec, executions := newTestExecutor(t, workflows, jobs)
	result, err := exec.Execute(context.Background(), "whiley", models.TriggerTypeManual)
	require.NoError(t, err)

	assert.Equal(t, 3, jobs.callCount("jpoll"))
	row := executions.taskRow(t, result.ID, "poll")
	assert.EqualValues(t, 3, row.TaskOutput["iterations"])
}

func TestExecutor_WhileLoopCappedAtMaxIterations(t *testing.T) {
	loopType := models.LoopTypeWhile
	loop := jobTask("runaway", "spin", "jspin")
	loop.LoopType = &loopType
	loop.LoopConfig = jsonutil.Document{"condition": "true", "max_iterations": 5}

	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("runaway"), []models.WorkflowTask{loop}, nil)
	jobs := newMockJobs()

	exec, _ := newTestExecutor(t, workflows, jobs)
	result, err := exec.Execute(context.Background(), "runaway", models.TriggerTypeManual)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, result.Status)
	assert.Equal(t, 5, jobs.callCount("jspin"))
}

func TestExecutor_LoopIterationOutputsVisibleDownstream(t *testing.T) {
	loopType := models.LoopTypeFor
	loop := jobTask("visible", "gen", "jgen")
	loop.LoopType = &loopType
	loop.LoopConfig = jsonutil.Document{"iterations": 2}
	sink := jobTask("visible", "sink", "jsink")
	sink.ConditionType = models.ConditionTypeIf
	sink.ConditionExpression = `tasks["gen[1]"].job == "jgen"`

	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("visible"),
		[]models.WorkflowTask{loop, sink},
		[]models.TaskDependency{
			edge("visible", "gen", "sink", models.DependencyTypeSuccess),
		})
	jobs := newMockJobs()

	exec, _ := newTestExecutor(t, workflows, jobs)
	result, err := exec.Execute(context.Background(), "visible", models.TriggerTypeManual)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, result.Status)
	assert.Equal(t, []string{"jgen", "jgen", "jsink"}, jobs.callNames())
}

func TestExecutor_SubWorkflowRunsChild(t *testing.T) {
	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("child"), []models.WorkflowTask{
		jobTask("child", "inner", "jinner"),
	}, nil)

	parentTask := models.WorkflowTask{
		ID:            uuid.New(),
		WorkflowName:  "parent",
		TaskName:      "spawn",
		TaskType:      models.TaskTypeSubWorkflow,
		TaskReference: "child",
	}
	workflows.add(execTestWorkflow("parent"), []models.WorkflowTask{parentTask}, nil)

	jobs := newMockJobs()
	exec, executions := newTestExecutor(t, workflows, jobs)

	result, err := exec.Execute(context.Background(), "parent", models.TriggerTypeScheduled)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, result.Status)
	assert.Equal(t, []string{"jinner"}, jobs.callNames())

	row := executions.taskRow(t, result.ID, "spawn")
	assert.Equal(t, "child", row.TaskOutput.GetString("workflow"))
	assert.Equal(t, string(models.ExecutionStatusSuccess), row.TaskOutput.GetString("status"))

	children, err := executions.ListExecutions(context.Background(), "child", 10)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, models.TriggerTypeScheduled, children[0].TriggerType)
}

func TestExecutor_SubWorkflowDepthCapped(t *testing.T) {
	selfTask := models.WorkflowTask{
		ID:            uuid.New(),
		WorkflowName:  "ouroboros",
		TaskName:      "recurse",
		TaskType:      models.TaskTypeSubWorkflow,
		TaskReference: "ouroboros",
	}
	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("ouroboros"), []models.WorkflowTask{selfTask}, nil)

	jobs := newMockJobs()
	exec, executions := newTestExecutor(t, workflows, jobs)

	_, err := exec.Execute(context.Background(), "ouroboros", models.TriggerTypeManual)
	require.Error(t, err)

	// depths 0 through MaxSubWorkflowDepth each start an execution; the next
	// recursion is rejected before one is created
	all, lerr := executions.ListExecutions(context.Background(), "ouroboros", 100)
	require.NoError(t, lerr)
	assert.Len(t, all, MaxSubWorkflowDepth+1)
	for _, ex := range all {
		assert.Equal(t, models.ExecutionStatusFailed, ex.Status)
	}
}

func TestExecutor_RollbackWalksReverseOrder(t *testing.T) {
	wf := execTestWorkflow("undoable")
	wf.RollbackConfig = models.RollbackConfig{Enabled: true, OnFailure: true}

	a := jobTask("undoable", "a", "ja")
	a.TaskConfig = jsonutil.Document{
		"rollback": map[string]any{"type": "CUSTOM_JOB", "reference": "undo_a"},
	}
	b := jobTask("undoable", "b", "jb")
	b.TaskConfig = jsonutil.Document{
		"rollback": map[string]any{"type": "CUSTOM_JOB", "reference": "undo_b"},
	}
	c := jobTask("undoable", "c", "jc")

	workflows := newMockWorkflowRepo()
	workflows.add(wf, []models.WorkflowTask{a, b, c}, []models.TaskDependency{
		edge("undoable", "a", "b", models.DependencyTypeSuccess),
		edge("undoable", "b", "c", models.DependencyTypeSuccess),
	})
	jobs := newMockJobs()
	jobs.errs["jc"] = errors.New("boom")

	exec, executions := newTestExecutor(t, workflows, jobs)
	result, err := exec.Execute(context.Background(), "undoable", models.TriggerTypeManual)
	require.Error(t, err)

	assert.Equal(t, []string{"ja", "jb", "jc", "undo_b", "undo_a"}, jobs.callNames())

	stored, gerr := executions.GetExecution(context.Background(), result.ID)
	require.NoError(t, gerr)
	require.NotNil(t, stored.RollbackStatus)
	assert.Equal(t, models.RollbackStatusCompleted, *stored.RollbackStatus)
}

func TestExecutor_RollbackHonorsMaxDepth(t *testing.T) {
	wf := execTestWorkflow("shallow")
	wf.RollbackConfig = models.RollbackConfig{Enabled: true, OnFailure: true, MaxDepth: 1}

	a := jobTask("shallow", "a", "ja")
	a.TaskConfig = jsonutil.Document{
		"rollback": map[string]any{"type": "CUSTOM_JOB", "reference": "undo_a"},
	}
	b := jobTask("shallow", "b", "jb")
	b.TaskConfig = jsonutil.Document{
		"rollback": map[string]any{"type": "CUSTOM_JOB", "reference": "undo_b"},
	}
	c := jobTask("shallow", "c", "jc")

	workflows := newMockWorkflowRepo()
	workflows.add(wf, []models.WorkflowTask{a, b, c}, []models.TaskDependency{
		edge("shallow", "a", "b", models.DependencyTypeSuccess),
		edge("shallow", "b", "c", models.DependencyTypeSuccess),
	})
	jobs := newMockJobs()
	jobs.errs["jc"] = errors.New("boom")

	exec, _ := newTestExecutor(t, workflows, jobs)
	_, err := exec.Execute(context.Background(), "shallow", models.TriggerTypeManual)
	require.Error(t, err)

	assert.Equal(t, []string{"ja", "jb", "jc", "undo_b"}, jobs.callNames())
}

func TestExecutor_RollbackActionFailureMarksFailed(t *testing.T) {
	wf := execTestWorkflow("brokenundo")
	wf.RollbackConfig = models.RollbackConfig{Enabled: true, OnFailure: true}

	a := jobTask("brokenundo", "a", "ja")
	a.TaskConfig = jsonutil.Document{
		"rollback": map[string]any{"type": "CUSTOM_JOB", "reference": "undo_a"},
	}
	b := jobTask("brokenundo", "b", "jb")

	workflows := newMockWorkflowRepo()
	workflows.add(wf, []models.WorkflowTask{a, b}, []models.TaskDependency{
		edge("brokenundo", "a", "b", models.DependencyTypeSuccess),
	})
	jobs := newMockJobs()
	jobs.errs["jb"] = errors.New("boom")
	jobs.errs["undo_a"] = errors.New("undo also broken")

	exec, executions := newTestExecutor(t, workflows, jobs)
	result, err := exec.Execute(context.Background(), "brokenundo", models.TriggerTypeManual)
	require.Error(t, err)

	stored, gerr := executions.GetExecution(context.Background(), result.ID)
	require.NoError(t, gerr)
	require.NotNil(t, stored.RollbackStatus)
	assert.Equal(t, models.RollbackStatusFailed, *stored.RollbackStatus)
}

func TestExecutor_RollbackSkippedWhenDisabled(t *testing.T) {
	wf := execTestWorkflow("noundo")
	a := jobTask("noundo", "a", "ja")
	a.TaskConfig = jsonutil.Document{
		"rollback": map[string]any{"type": "CUSTOM_JOB", "reference": "undo_a"},
	}
	b := jobTask("noundo", "b", "jb")

	workflows := newMockWorkflowRepo()
	workflows.add(wf, []models.WorkflowTask{a, b}, []models.TaskDependency{
		edge("noundo", "a", "b", models.DependencyTypeSuccess),
	})
	jobs := newMockJobs()
	jobs.errs["jb"] = errors.New("boom")

	exec, executions := newTestExecutor(t, workflows, jobs)
	result, err := exec.Execute(context.Background(), "noundo", models.TriggerTypeManual)
	require.Error(t, err)

	assert.Equal(t, []string{"ja", "jb"}, jobs.callNames())
	stored, gerr := executions.GetExecution(context.Background(), result.ID)
	require.NoError(t, gerr)
	assert.Nil(t, stored.RollbackStatus)
}

func TestExecutor_InactiveWorkflowRefused(t *testing.T) {
	wf := execTestWorkflow("dormant")
	wf.Enabled = false
	workflows := newMockWorkflowRepo()
	workflows.add(wf, []models.WorkflowTask{jobTask("dormant", "a", "ja")}, nil)

	exec, executions := newTestExecutor(t, workflows, newMockJobs())
	_, err := exec.Execute(context.Background(), "dormant", models.TriggerTypeManual)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrUnavailable))

	all, lerr := executions.ListExecutions(context.Background(), "dormant", 10)
	require.NoError(t, lerr)
	assert.Empty(t, all)
}

func TestExecutor_UnknownWorkflow(t *testing.T) {
	exec, _ := newTestExecutor(t, newMockWorkflowRepo(), newMockJobs())
	_, err := exec.Execute(context.Background(), "missing", models.TriggerTypeManual)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestExecutor_EmptyWorkflowSucceeds(t *testing.T) {
	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("hollow"), nil, nil)

	exec, _ := newTestExecutor(t, workflows, newMockJobs())
	result, err := exec.Execute(context.Background(), "hollow", models.TriggerTypeManual)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSuccess, result.Status)
	assert.Zero(t, result.TotalTasks)
}

func TestExecutor_ParamsReachJobsAndMetadata(t *testing.T) {
	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("paramy"), []models.WorkflowTask{
		jobTask("paramy", "a", "ja"),
	}, nil)
	jobs := newMockJobs()
	exec, _ := newTestExecutor(t, workflows, jobs)

	params := jsonutil.Document{"day": "2026-03-01"}
	result, err := exec.ExecuteWithParams(context.Background(), "paramy", models.TriggerTypeAPI, params)
	require.NoError(t, err)

	assert.Equal(t, "2026-03-01", result.Metadata.GetString("day"))
	assert.Equal(t, "2026-03-01", jobs.lastParams("ja")["day"])
}

func TestExecutor_ExecuteAsyncCompletesInBackground(t *testing.T) {
	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("bg"), []models.WorkflowTask{
		jobTask("bg", "a", "ja"),
	}, nil)
	jobs := newMockJobs()
	exec, executions := newTestExecutor(t, workflows, jobs)

	exec.ExecuteAsync(context.Background(), "bg", models.TriggerTypeEvent, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		all, err := executions.ListExecutions(context.Background(), "bg", 10)
		require.NoError(t, err)
		if len(all) == 1 && all[0].Status == models.ExecutionStatusSuccess {
			assert.Equal(t, models.TriggerTypeEvent, all[0].TriggerType)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("async execution did not finish")
}

func TestExecutor_LaunchReportsFailure(t *testing.T) {
	workflows := newMockWorkflowRepo()
	workflows.add(execTestWorkflow("launchy"), []models.WorkflowTask{
		jobTask("launchy", "a", "ja"),
	}, nil)
	jobs := newMockJobs()
	jobs.errs["ja"] = errors.New("boom")
	exec, _ := newTestExecutor(t, workflows, jobs)

	err := exec.Launch(context.Background(), "launchy", nil, models.TriggerTypeScheduled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "launchy")
}
