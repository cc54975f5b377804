// Package dbt materializes registered SQL transformation models: template
// expansion (macros, refs, sources), four materialization strategies, run
// bookkeeping, lineage extraction, documentation capture and declared data
// tests.
package dbt

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/models"
	"github.com/sluicedata/sluice/pkg/sqlsafe"
)

// maxExpansionDepth bounds recursive macro expansion and ephemeral
// inlining so a self-referencing template cannot run away.
const maxExpansionDepth = 10

// callPattern matches {{ name(args) }} template calls: macros, ref() and
// source(). Macro parameter placeholders {{ name }} carry no parentheses
// and are substituted separately.
var callPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\(([^()]*)\)\s*\}\}`)

// Reference is one ref() or source() call resolved during compilation.
type Reference struct {
	// Name is the referenced model name, or the source's qualified
	// relation for source() calls.
	Name string
	Kind models.TransformationType
}

// Compiler expands a model's SQL template against an in-memory snapshot of
// the registry. Expansion order: macros first (recursively), then ref()
// and source() resolution. Unresolved refs and sources degrade to bare
// identifiers with a warning so a missing registration surfaces as a SQL
// error naming the identifier instead of a template crash.
type Compiler struct {
	models  map[string]*models.DBTModel
	macros  map[string]*models.DBTMacro
	sources map[string]*models.DBTSource
	logger  *zap.Logger
}

// NewCompiler indexes the registry snapshot for compilation.
func NewCompiler(modelList []*models.DBTModel, macroList []*models.DBTMacro, sourceList []*models.DBTSource, logger *zap.Logger) *Compiler {
	c := &Compiler{
		models:  make(map[string]*models.DBTModel, len(modelList)),
		macros:  make(map[string]*models.DBTMacro, len(macroList)),
		sources: make(map[string]*models.DBTSource, len(sourceList)),
		logger:  logger,
	}
	for _, m := range modelList {
		c.models[m.ModelName] = m
	}
	for _, m := range macroList {
		c.macros[m.MacroName] = m
	}
	for _, s := range sourceList {
		c.sources[s.SourceName+"|"+s.TableName] = s
	}
	return c
}

// Compile renders the model's SQL and reports every resolved ref and
// source for lineage.
func (c *Compiler) Compile(model *models.DBTModel) (string, []Reference, error) {
	visiting := map[string]bool{model.ModelName: true}
	return c.compile(model, visiting, 0)
}

// CompileFragment renders a template snippet, such as a test's configured
// relation or SQL, without lineage tracking.
func (c *Compiler) CompileFragment(sql string) (string, error) {
	expanded, err := c.expandMacros(sql, 0)
	if err != nil {
		return "", err
	}
	resolved, _, err := c.resolveCalls(expanded, map[string]bool{}, 0)
	return resolved, err
}

func (c *Compiler) compile(model *models.DBTModel, visiting map[string]bool, depth int) (string, []Reference, error) {
	expanded, err := c.expandMacros(model.SQLContent, 0)
	if err != nil {
		return "", nil, fmt.Errorf("model %s: %w", model.ModelName, err)
	}
	resolved, refs, err := c.resolveCalls(expanded, visiting, depth)
	if err != nil {
		return "", nil, fmt.Errorf("model %s: %w", model.ModelName, err)
	}
	return resolved, refs, nil
}

// expandMacros substitutes registered macro calls until none remain. Each
// pass may surface new calls from macro bodies; depth bounds the passes.
func (c *Compiler) expandMacros(sql string, depth int) (string, error) {
	if depth >= maxExpansionDepth {
		return "", fmt.Errorf("macro expansion exceeded %d levels: %w", maxExpansionDepth, apperrors.ErrInvalidConfig)
	}

	expanded := false
	out := callPattern.ReplaceAllStringFunc(sql, func(call string) string {
		name, args := parseCall(call)
		if name == "ref" || name == "source" {
			return call
		}
		macro, ok := c.macros[name]
		if !ok {
			c.logger.Warn("unknown template call left in place", zap.String("call", name))
			return call
		}
		expanded = true
		return substituteMacroParams(macro, args)
	})
	if !expanded {
		return out, nil
	}
	return c.expandMacros(out, depth+1)
}

// resolveCalls replaces ref() and source() calls with qualified relation
// names, inlining ephemeral models as parenthesized subqueries.
func (c *Compiler) resolveCalls(sql string, visiting map[string]bool, depth int) (string, []Reference, error) {
	if depth >= maxExpansionDepth {
		return "", nil, fmt.Errorf("ref inlining exceeded %d levels: %w", maxExpansionDepth, apperrors.ErrInvalidConfig)
	}

	var refs []Reference
	var resolveErr error
	out := callPattern.ReplaceAllStringFunc(sql, func(call string) string {
		if resolveErr != nil {
			return call
		}
		name, args := parseCall(call)
		switch name {
		case "ref":
			replaced, ref, err := c.resolveRef(args, visiting, depth)
			if err != nil {
				resolveErr = err
				return call
			}
			if ref != nil {
				refs = append(refs, *ref)
			}
			return replaced
		case "source":
			replaced, ref := c.resolveSource(args)
			if ref != nil {
				refs = append(refs, *ref)
			}
			return replaced
		default:
			return call
		}
	})
	if resolveErr != nil {
		return "", nil, resolveErr
	}
	return out, refs, nil
}

func (c *Compiler) resolveRef(args []string, visiting map[string]bool, depth int) (string, *Reference, error) {
	if len(args) != 1 {
		c.logger.Warn("ref call takes one argument", zap.Strings("args", args))
		return strings.Join(args, "_"), nil, nil
	}
	name := unquote(args[0])

	target, ok := c.models[name]
	if !ok {
		c.logger.Warn("unresolved ref left as bare identifier", zap.String("model", name))
		return name, nil, nil
	}

	ref := &Reference{Name: name, Kind: models.TransformationRef}
	if target.Materialization != models.MaterializationEphemeral {
		return relationFor(target), ref, nil
	}

	// Ephemeral models have no relation; inline their compiled SQL.
	if visiting[name] {
		return "", nil, fmt.Errorf("ephemeral model %s refs itself transitively: %w", name, apperrors.ErrCycle)
	}
	visiting[name] = true
	inlined, _, err := c.compile(target, visiting, depth+1)
	delete(visiting, name)
	if err != nil {
		return "", nil, err
	}
	return "(" + inlined + ")", ref, nil
}

func (c *Compiler) resolveSource(args []string) (string, *Reference) {
	if len(args) != 2 {
		c.logger.Warn("source call takes two arguments", zap.Strings("args", args))
		return strings.Join(args, "."), nil
	}
	sourceName, tableName := unquote(args[0]), unquote(args[1])

	src, ok := c.sources[sourceName+"|"+tableName]
	if !ok {
		c.logger.Warn("unresolved source left as bare identifier",
			zap.String("source", sourceName),
			zap.String("table", tableName))
		return sourceName + "." + tableName, nil
	}
	rendered := sqlsafe.QualifiedTable(src.SchemaName, src.TableName)
	return rendered, &Reference{Name: src.QualifiedName(), Kind: models.TransformationSource}
}

// parseCall splits "{{ name(a, b) }}" into the call name and raw argument
// strings. Arguments keep their quoting; ref and source unquote, macros
// substitute the text as-is.
func parseCall(call string) (string, []string) {
	match := callPattern.FindStringSubmatch(call)
	if match == nil {
		return "", nil
	}
	name := match[1]
	rawArgs := strings.TrimSpace(match[2])
	if rawArgs == "" {
		return name, nil
	}
	parts := strings.Split(rawArgs, ",")
	args := make([]string, len(parts))
	for i, p := range parts {
		args[i] = strings.TrimSpace(p)
	}
	return name, args
}

func substituteMacroParams(macro *models.DBTMacro, args []string) string {
	body := macro.MacroSQL
	for i, param := range macro.Parameters {
		value := ""
		if i < len(args) {
			value = args[i]
		}
		placeholder := regexp.MustCompile(`\{\{\s*` + regexp.QuoteMeta(param) + `\s*\}\}`)
		body = placeholder.ReplaceAllString(body, value)
	}
	return body
}

func unquote(arg string) string {
	arg = strings.TrimSpace(arg)
	if len(arg) >= 2 {
		if (arg[0] == '\'' && arg[len(arg)-1] == '\'') || (arg[0] == '"' && arg[len(arg)-1] == '"') {
			return arg[1 : len(arg)-1]
		}
	}
	return arg
}
