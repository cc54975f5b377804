// Package services contains the orchestration layer: the workflow executor
// and its collaborators, the catalog manager, the table syncer, triggers,
// schedulers and bookkeeping services. Everything here talks to the catalog
// through pkg/repositories and to sources through pkg/adapters/source.
package services

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/models"
)

// ConditionEvaluator compiles and evaluates task guard expressions and WHILE
// loop conditions. Expressions are CEL programs evaluated against:
//
//	tasks     map of finished task name -> output document
//	trigger   the execution's trigger type as a string
//	iteration the current loop iteration (0 outside loops)
//
// An expression that fails to compile, fails to evaluate (for example by
// indexing a task that has not produced output) or yields a non-boolean
// result evaluates to false with a warning, so a bad guard skips its task
// instead of failing the workflow.
type ConditionEvaluator struct {
	env    *cel.Env
	logger *zap.Logger

	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewConditionEvaluator builds the shared CEL environment. Programs are
// compiled once per distinct expression and cached.
func NewConditionEvaluator(logger *zap.Logger) (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("tasks", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("trigger", cel.StringType),
		cel.Variable("iteration", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build condition environment: %w", err)
	}

	return &ConditionEvaluator{
		env:      env,
		logger:   logger.Named("conditions"),
		programs: make(map[string]cel.Program),
	}, nil
}

// Evaluate runs expression against the given task outputs. An empty
// expression is vacuously true.
func (e *ConditionEvaluator) Evaluate(expression string, outputs map[string]jsonutil.Document, trigger models.TriggerType, iteration int) bool {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return true
	}

	program, err := e.program(expression)
	if err != nil {
		e.logger.Warn("condition does not compile, treating as false",
			zap.String("expression", expression),
			zap.Error(err))
		return false
	}

	out, _, err := program.Eval(map[string]any{
		"tasks":     outputsValue(outputs),
		"trigger":   string(trigger),
		"iteration": iteration,
	})
	if err != nil {
		e.logger.Warn("condition evaluation failed, treating as false",
			zap.String("expression", expression),
			zap.Error(err))
		return false
	}

	result, ok := out.Value().(bool)
	if !ok {
		e.logger.Warn("condition did not yield a boolean, treating as false",
			zap.String("expression", expression))
		return false
	}
	return result
}

func (e *ConditionEvaluator) program(expression string) (cel.Program, error) {
	e.mu.Lock()
	cached, ok := e.programs[expression]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[expression] = program
	e.mu.Unlock()
	return program, nil
}

// outputsValue converts the outputs map to the plain nested form CEL indexes.
func outputsValue(outputs map[string]jsonutil.Document) map[string]any {
	value := make(map[string]any, len(outputs))
	for name, doc := range outputs {
		value[name] = map[string]any(doc)
	}
	return value
}
