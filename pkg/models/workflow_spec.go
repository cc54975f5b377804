package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sluicedata/sluice/pkg/jsonutil"
)

// ============================================================================
// Workflow Spec
// ============================================================================

// WorkflowSpec is the declarative shape of a workflow: the workflow row plus
// its tasks and dependencies. It is the payload of workflow versions and the
// format the CLI imports and exports.
type WorkflowSpec struct {
	Name         string            `json:"name" yaml:"name"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	ScheduleCron string            `json:"schedule_cron,omitempty" yaml:"schedule_cron,omitempty"`
	Active       *bool             `json:"active,omitempty" yaml:"active,omitempty"`
	Enabled      *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	RetryPolicy  *RetryPolicy      `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	SLA          *SLAConfig        `json:"sla,omitempty" yaml:"sla,omitempty"`
	Rollback     *RollbackConfig   `json:"rollback,omitempty" yaml:"rollback,omitempty"`
	Metadata     jsonutil.Document `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Tasks        []TaskSpec        `json:"tasks" yaml:"tasks"`
	Dependencies []DependencySpec  `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// TaskSpec is the declarative shape of one task.
type TaskSpec struct {
	Name                string            `json:"name" yaml:"name"`
	Type                TaskType          `json:"type" yaml:"type"`
	Reference           string            `json:"reference,omitempty" yaml:"reference,omitempty"`
	Config              jsonutil.Document `json:"config,omitempty" yaml:"config,omitempty"`
	RetryPolicy         *RetryPolicy      `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	Priority            int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	ConditionType       ConditionType     `json:"condition_type,omitempty" yaml:"condition_type,omitempty"`
	ConditionExpression string            `json:"condition_expression,omitempty" yaml:"condition_expression,omitempty"`
	LoopType            LoopType          `json:"loop_type,omitempty" yaml:"loop_type,omitempty"`
	LoopConfig          jsonutil.Document `json:"loop_config,omitempty" yaml:"loop_config,omitempty"`
}

// DependencySpec is the declarative shape of one DAG edge.
type DependencySpec struct {
	Upstream            string         `json:"upstream" yaml:"upstream"`
	Downstream          string         `json:"downstream" yaml:"downstream"`
	Type                DependencyType `json:"type,omitempty" yaml:"type,omitempty"`
	ConditionExpression string         `json:"condition_expression,omitempty" yaml:"condition_expression,omitempty"`
}

// ============================================================================
// Parsing
// ============================================================================

// ParseWorkflowSpec parses YAML or JSON spec content. The extension selects
// the format; unknown extensions are treated as YAML, which also accepts
// JSON input.
func ParseWorkflowSpec(content []byte, ext string) (*WorkflowSpec, error) {
	var spec WorkflowSpec
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(content, &spec); err != nil {
			return nil, fmt.Errorf("failed to parse workflow spec JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(content, &spec); err != nil {
			return nil, fmt.Errorf("failed to parse workflow spec YAML: %w", err)
		}
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// ParseWorkflowSpecFile reads and parses a workflow spec file.
func ParseWorkflowSpecFile(path string) (*WorkflowSpec, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow spec file: %w", err)
	}
	return ParseWorkflowSpec(content, filepath.Ext(path))
}

// Validate checks structural invariants: unique task names, known enum
// values, dependency edges that reference declared tasks with distinct
// endpoints. DAG acyclicity is the executor's concern.
func (s *WorkflowSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("workflow spec: name is required")
	}
	if len(s.Tasks) == 0 {
		return fmt.Errorf("workflow spec %q: at least one task is required", s.Name)
	}

	taskNames := make(map[string]bool, len(s.Tasks))
	for _, task := range s.Tasks {
		if task.Name == "" {
			return fmt.Errorf("workflow spec %q: task name is required", s.Name)
		}
		if taskNames[task.Name] {
			return fmt.Errorf("workflow spec %q: duplicate task %q", s.Name, task.Name)
		}
		taskNames[task.Name] = true

		if !IsValidTaskType(task.Type) {
			return fmt.Errorf("workflow spec %q: task %q has unknown type %q", s.Name, task.Name, task.Type)
		}
		if task.ConditionType != "" && !IsValidConditionType(task.ConditionType) {
			return fmt.Errorf("workflow spec %q: task %q has unknown condition type %q", s.Name, task.Name, task.ConditionType)
		}
		if task.LoopType != "" && !IsValidLoopType(task.LoopType) {
			return fmt.Errorf("workflow spec %q: task %q has unknown loop type %q", s.Name, task.Name, task.LoopType)
		}
	}

	for _, dep := range s.Dependencies {
		if dep.Upstream == dep.Downstream {
			return fmt.Errorf("workflow spec %q: dependency %q depends on itself", s.Name, dep.Upstream)
		}
		if !taskNames[dep.Upstream] {
			return fmt.Errorf("workflow spec %q: dependency references unknown task %q", s.Name, dep.Upstream)
		}
		if !taskNames[dep.Downstream] {
			return fmt.Errorf("workflow spec %q: dependency references unknown task %q", s.Name, dep.Downstream)
		}
		if dep.Type != "" && !IsValidDependencyType(dep.Type) {
			return fmt.Errorf("workflow spec %q: dependency %q→%q has unknown type %q", s.Name, dep.Upstream, dep.Downstream, dep.Type)
		}
	}

	return nil
}

// ============================================================================
// Conversion
// ============================================================================

// Models converts the spec into catalog entities. Omitted fields take their
// defaults: active and enabled are true, condition type ALWAYS, dependency
// type SUCCESS.
func (s *WorkflowSpec) Models() (Workflow, []WorkflowTask, []TaskDependency) {
	workflow := Workflow{
		Name:        s.Name,
		Description: s.Description,
		Active:      s.Active == nil || *s.Active,
		Enabled:     s.Enabled == nil || *s.Enabled,
		RetryPolicy: DefaultRetryPolicy(),
		Metadata:    s.Metadata.Clone(),
	}
	if s.ScheduleCron != "" {
		cron := s.ScheduleCron
		workflow.ScheduleCron = &cron
	}
	if s.RetryPolicy != nil {
		workflow.RetryPolicy = *s.RetryPolicy
	}
	if s.SLA != nil {
		workflow.SLAConfig = *s.SLA
	}
	if s.Rollback != nil {
		workflow.RollbackConfig = *s.Rollback
	}

	tasks := make([]WorkflowTask, 0, len(s.Tasks))
	for _, ts := range s.Tasks {
		task := WorkflowTask{
			WorkflowName:        s.Name,
			TaskName:            ts.Name,
			TaskType:            ts.Type,
			TaskReference:       ts.Reference,
			TaskConfig:          ts.Config.Clone(),
			RetryPolicy:         ts.RetryPolicy,
			Priority:            ts.Priority,
			ConditionType:       ts.ConditionType,
			ConditionExpression: ts.ConditionExpression,
			LoopConfig:          ts.LoopConfig.Clone(),
		}
		if task.ConditionType == "" {
			task.ConditionType = ConditionTypeAlways
		}
		if ts.LoopType != "" {
			loop := ts.LoopType
			task.LoopType = &loop
		}
		tasks = append(tasks, task)
	}

	deps := make([]TaskDependency, 0, len(s.Dependencies))
	for _, ds := range s.Dependencies {
		dep := TaskDependency{
			WorkflowName:   s.Name,
			UpstreamTask:   ds.Upstream,
			DownstreamTask: ds.Downstream,
			DependencyType: ds.Type,
		}
		if dep.DependencyType == "" {
			dep.DependencyType = DependencyTypeSuccess
		}
		if ds.ConditionExpression != "" {
			expr := ds.ConditionExpression
			dep.ConditionExpression = &expr
		}
		deps = append(deps, dep)
	}

	return workflow, tasks, deps
}

// NewWorkflowSpec builds the declarative shape from catalog entities, the
// inverse of Models. Used for version snapshots and CLI export.
func NewWorkflowSpec(workflow *Workflow, tasks []WorkflowTask, deps []TaskDependency) *WorkflowSpec {
	active := workflow.Active
	enabled := workflow.Enabled
	retry := workflow.RetryPolicy
	sla := workflow.SLAConfig
	rollback := workflow.RollbackConfig

	spec := &WorkflowSpec{
		Name:        workflow.Name,
		Description: workflow.Description,
		Active:      &active,
		Enabled:     &enabled,
		RetryPolicy: &retry,
		SLA:         &sla,
		Rollback:    &rollback,
		Metadata:    workflow.Metadata.Clone(),
	}
	if workflow.ScheduleCron != nil {
		spec.ScheduleCron = *workflow.ScheduleCron
	}

	for _, task := range tasks {
		ts := TaskSpec{
			Name:                task.TaskName,
			Type:                task.TaskType,
			Reference:           task.TaskReference,
			Config:              task.TaskConfig.Clone(),
			RetryPolicy:         task.RetryPolicy,
			Priority:            task.Priority,
			ConditionType:       task.ConditionType,
			ConditionExpression: task.ConditionExpression,
			LoopConfig:          task.LoopConfig.Clone(),
		}
		if task.LoopType != nil {
			ts.LoopType = *task.LoopType
		}
		spec.Tasks = append(spec.Tasks, ts)
	}

	for _, dep := range deps {
		ds := DependencySpec{
			Upstream:   dep.UpstreamTask,
			Downstream: dep.DownstreamTask,
			Type:       dep.DependencyType,
		}
		if dep.ConditionExpression != nil {
			ds.ConditionExpression = *dep.ConditionExpression
		}
		spec.Dependencies = append(spec.Dependencies, ds)
	}

	return spec
}
