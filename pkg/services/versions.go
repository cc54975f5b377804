package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/models"
	"github.com/sluicedata/sluice/pkg/repositories"
)

// VersionManager snapshots workflow definitions into immutable versions and
// restores them. Version numbers per workflow only grow; the newest snapshot
// and an explicitly restored one are marked current by the repository.
type VersionManager struct {
	versions  repositories.VersionRepository
	workflows repositories.WorkflowRepository
	logger    *zap.Logger
}

// NewVersionManager creates the version manager.
func NewVersionManager(versions repositories.VersionRepository, workflows repositories.WorkflowRepository, logger *zap.Logger) *VersionManager {
	return &VersionManager{
		versions:  versions,
		workflows: workflows,
		logger:    logger.Named("versions"),
	}
}

// Snapshot captures the workflow's live definition as a new current version.
func (v *VersionManager) Snapshot(ctx context.Context, workflowName, createdBy string) (*models.WorkflowVersion, error) {
	workflow, tasks, deps, err := v.workflows.GetDefinition(ctx, workflowName)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %q: %w", workflowName, err)
	}

	version := &models.WorkflowVersion{
		WorkflowName: workflowName,
		Snapshot:     *models.NewWorkflowSpec(workflow, tasks, deps),
		CreatedBy:    createdBy,
	}
	if err := v.versions.Create(ctx, version); err != nil {
		return nil, fmt.Errorf("failed to snapshot workflow %q: %w", workflowName, err)
	}

	v.logger.Info("workflow version created",
		zap.String("workflow", workflowName),
		zap.Int("version", version.Version),
		zap.String("created_by", createdBy))
	return version, nil
}

// Apply writes a declarative definition and snapshots the result, so every
// applied change is a restorable version.
func (v *VersionManager) Apply(ctx context.Context, spec *models.WorkflowSpec, createdBy string) (*models.WorkflowVersion, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	workflow, tasks, deps := spec.Models()
	if err := v.workflows.ReplaceDefinition(ctx, &workflow, tasks, deps); err != nil {
		return nil, fmt.Errorf("failed to apply workflow %q: %w", spec.Name, err)
	}
	return v.Snapshot(ctx, spec.Name, createdBy)
}

// Restore swaps the live definition back to an older snapshot and marks that
// version current. The version row itself is never modified.
func (v *VersionManager) Restore(ctx context.Context, workflowName string, versionNumber int) error {
	version, err := v.versions.Get(ctx, workflowName, versionNumber)
	if err != nil {
		return fmt.Errorf("failed to load version %d of workflow %q: %w", versionNumber, workflowName, err)
	}
	if version.Snapshot.Name != workflowName {
		return fmt.Errorf("version %d snapshot names workflow %q, not %q: %w",
			versionNumber, version.Snapshot.Name, workflowName, apperrors.ErrInvalidConfig)
	}

	workflow, tasks, deps := version.Snapshot.Models()
	if err := v.workflows.ReplaceDefinition(ctx, &workflow, tasks, deps); err != nil {
		return fmt.Errorf("failed to restore workflow %q: %w", workflowName, err)
	}
	if err := v.versions.SetCurrent(ctx, workflowName, versionNumber); err != nil {
		return fmt.Errorf("failed to mark version %d current: %w", versionNumber, err)
	}

	v.logger.Info("workflow version restored",
		zap.String("workflow", workflowName),
		zap.Int("version", versionNumber))
	return nil
}

// List returns the workflow's versions, newest first.
func (v *VersionManager) List(ctx context.Context, workflowName string) ([]*models.WorkflowVersion, error) {
	return v.versions.List(ctx, workflowName)
}

// Current returns the version marked current for the workflow.
func (v *VersionManager) Current(ctx context.Context, workflowName string) (*models.WorkflowVersion, error) {
	return v.versions.GetCurrent(ctx, workflowName)
}

// ExportYAML renders a snapshot as a declarative YAML document. Version 0
// exports the live definition without creating a version row.
func (v *VersionManager) ExportYAML(ctx context.Context, workflowName string, versionNumber int) ([]byte, error) {
	var spec *models.WorkflowSpec
	if versionNumber > 0 {
		version, err := v.versions.Get(ctx, workflowName, versionNumber)
		if err != nil {
			return nil, fmt.Errorf("failed to load version %d of workflow %q: %w", versionNumber, workflowName, err)
		}
		spec = &version.Snapshot
	} else {
		workflow, tasks, deps, err := v.workflows.GetDefinition(ctx, workflowName)
		if err != nil {
			return nil, fmt.Errorf("failed to load workflow %q: %w", workflowName, err)
		}
		spec = models.NewWorkflowSpec(workflow, tasks, deps)
	}

	out, err := yaml.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to render workflow spec: %w", err)
	}
	return out, nil
}
