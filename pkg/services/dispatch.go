package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/models"
)

// TaskRequest carries everything a collaborator needs for one task attempt.
// Outputs holds the finished upstream outputs so collaborators can consume
// prior results; Iteration is non-zero inside loop bodies.
type TaskRequest struct {
	ExecutionID  uuid.UUID
	WorkflowName string
	TaskName     string
	TaskType     models.TaskType
	Reference    string
	Config       jsonutil.Document
	Params       jsonutil.Document
	Outputs      map[string]jsonutil.Document
	Iteration    int
}

// JobExecutor runs a registered custom SQL job. executionID links the
// result row to a workflow execution; ad-hoc runs pass nil.
type JobExecutor interface {
	RunJob(ctx context.Context, name string, params jsonutil.Document, executionID *uuid.UUID) (jsonutil.Document, error)
}

// ModelExecutor materializes a registered transformation model.
type ModelExecutor interface {
	RunModel(ctx context.Context, modelName string) (jsonutil.Document, error)
}

// SyncExecutor syncs one catalog entry on demand.
type SyncExecutor interface {
	SyncReference(ctx context.Context, reference string, config jsonutil.Document) (jsonutil.Document, error)
}

// APIExecutor performs a registered API call.
type APIExecutor interface {
	Call(ctx context.Context, reference string, config jsonutil.Document) (jsonutil.Document, error)
}

// ScriptExecutor runs an external command.
type ScriptExecutor interface {
	RunScript(ctx context.Context, reference string, config jsonutil.Document) (jsonutil.Document, error)
}

// Dispatcher routes a task to the collaborator its type names. SUB_WORKFLOW
// never reaches the dispatcher; the executor recurses on it directly.
type Dispatcher struct {
	jobs    JobExecutor
	dbt     ModelExecutor
	syncer  SyncExecutor
	api     APIExecutor
	scripts ScriptExecutor
	logger  *zap.Logger
}

// NewDispatcher wires the task-type table. Any collaborator may be nil; its
// task types then fail with ErrUnsupported, which keeps partial deployments
// (for example a catalog-only instance) honest instead of panicking.
func NewDispatcher(jobs JobExecutor, dbt ModelExecutor, syncer SyncExecutor, api APIExecutor, scripts ScriptExecutor, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		jobs:    jobs,
		dbt:     dbt,
		syncer:  syncer,
		api:     api,
		scripts: scripts,
		logger:  logger.Named("dispatch"),
	}
}

// Dispatch executes one attempt and returns the task's output document.
func (d *Dispatcher) Dispatch(ctx context.Context, req TaskRequest) (jsonutil.Document, error) {
	switch req.TaskType {
	case models.TaskTypeCustomJob:
		if d.jobs == nil {
			return nil, fmt.Errorf("custom jobs are not configured: %w", apperrors.ErrUnsupported)
		}
		params := req.Config.GetDocument("parameters")
		if len(req.Params) > 0 {
			params = params.Merge(req.Params)
		}
		executionID := &req.ExecutionID
		if req.ExecutionID == uuid.Nil {
			executionID = nil
		}
		return d.jobs.RunJob(ctx, req.Reference, params, executionID)

	case models.TaskTypeDataWarehouse, models.TaskTypeDataVault:
		if d.dbt == nil {
			return nil, fmt.Errorf("model execution is not configured: %w", apperrors.ErrUnsupported)
		}
		return d.dbt.RunModel(ctx, req.Reference)

	case models.TaskTypeSync:
		if d.syncer == nil {
			return nil, fmt.Errorf("table sync is not configured: %w", apperrors.ErrUnsupported)
		}
		return d.syncer.SyncReference(ctx, req.Reference, req.Config)

	case models.TaskTypeAPICall:
		if d.api == nil {
			return nil, fmt.Errorf("api calls are not configured: %w", apperrors.ErrUnsupported)
		}
		return d.api.Call(ctx, req.Reference, req.Config)

	case models.TaskTypeScript:
		if d.scripts == nil {
			return nil, fmt.Errorf("scripts are not configured: %w", apperrors.ErrUnsupported)
		}
		return d.scripts.RunScript(ctx, req.Reference, req.Config)

	default:
		d.logger.Error("task names an unknown type",
			zap.String("workflow", req.WorkflowName),
			zap.String("task", req.TaskName),
			zap.String("task_type", string(req.TaskType)))
		return nil, fmt.Errorf("task type %q: %w", req.TaskType, apperrors.ErrUnknownTaskType)
	}
}
