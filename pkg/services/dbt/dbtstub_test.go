package dbt

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/models"
	"github.com/sluicedata/sluice/pkg/repositories"
)

// ============================================================================
// Fake lake connection
// ============================================================================

type countRule struct {
	match string
	count int64
	err   error
}

// fakeDB records every statement and routes QueryRow results by query
// substring. The first matching rule wins, so register specific rules
// before general ones. Queries against information_schema.tables answer
// from the existing map instead.
type fakeDB struct {
	mu       sync.Mutex
	execs    []string
	queries  []string
	failOn   string
	failWith error
	existing map[string]bool
	counts   []countRule
}

func newFakeDB() *fakeDB {
	return &fakeDB{existing: make(map[string]bool)}
}

func (f *fakeDB) onCount(match string, count int64) {
	f.counts = append(f.counts, countRule{match: match, count: count})
}

func (f *fakeDB) onCountErr(match string, err error) {
	f.counts = append(f.counts, countRule{match: match, err: err})
}

func (f *fakeDB) failExec(substr string, err error) {
	f.failOn = substr
	f.failWith = err
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	if f.failOn != "" && strings.Contains(sql, f.failOn) {
		return pgconn.CommandTag{}, f.failWith
	}
	return pgconn.NewCommandTag("OK"), nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, sql)

	if strings.Contains(sql, "information_schema.tables") {
		key := fmt.Sprintf("%v.%v", args[0], args[1])
		return fakeRow{vals: []any{f.existing[key]}}
	}

	for _, rule := range f.counts {
		if strings.Contains(sql, rule.match) {
			if rule.err != nil {
				return fakeRow{err: rule.err}
			}
			return fakeRow{vals: []any{rule.count}}
		}
	}
	return fakeRow{vals: []any{int64(0)}}
}

func (f *fakeDB) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.execs))
	copy(out, f.execs)
	return out
}

func (f *fakeDB) execsContaining(substr string) []string {
	var out []string
	for _, stmt := range f.executed() {
		if strings.Contains(stmt, substr) {
			out = append(out, stmt)
		}
	}
	return out
}

func (f *fakeDB) queried() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.queries))
	copy(out, f.queries)
	return out
}

func (f *fakeDB) queriesContaining(substr string) []string {
	var out []string
	for _, q := range f.queried() {
		if strings.Contains(q, substr) {
			out = append(out, q)
		}
	}
	return out
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		if i >= len(r.vals) {
			break
		}
		switch v := r.vals[i].(type) {
		case bool:
			*d.(*bool) = v
		case int64:
			*d.(*int64) = v
		}
	}
	return nil
}

// ============================================================================
// Mock model registry
// ============================================================================

type mockModelRepo struct {
	mu       sync.Mutex
	models   map[string]*models.DBTModel
	macros   map[string]*models.DBTMacro
	sources  map[string]*models.DBTSource
	statuses map[string]models.RunStatus
}

var _ repositories.DBTModelRepository = (*mockModelRepo)(nil)

func newMockModelRepo() *mockModelRepo {
	return &mockModelRepo{
		models:   make(map[string]*models.DBTModel),
		macros:   make(map[string]*models.DBTMacro),
		sources:  make(map[string]*models.DBTSource),
		statuses: make(map[string]models.RunStatus),
	}
}

func (m *mockModelRepo) UpsertModel(_ context.Context, model *models.DBTModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if model.ID == uuid.Nil {
		model.ID = uuid.New()
	}
	clone := *model
	m.models[model.ModelName] = &clone
	return nil
}

func (m *mockModelRepo) GetModel(_ context.Context, modelName string) (*models.DBTModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	model, ok := m.models[modelName]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	clone := *model
	return &clone, nil
}

func (m *mockModelRepo) ListModels(_ context.Context) ([]*models.DBTModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.DBTModel, 0, len(m.models))
	for _, model := range m.models {
		clone := *model
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelName < out[j].ModelName })
	return out, nil
}

func (m *mockModelRepo) DeleteModel(_ context.Context, modelName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.models[modelName]; !ok {
		return apperrors.ErrNotFound
	}
	delete(m.models, modelName)
	return nil
}

func (m *mockModelRepo) SetLastRunStatus(_ context.Context, modelName string, status models.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	model, ok := m.models[modelName]
	if !ok {
		return apperrors.ErrNotFound
	}
	model.LastRunStatus = &status
	m.statuses[modelName] = status
	return nil
}

func (m *mockModelRepo) UpsertMacro(_ context.Context, macro *models.DBTMacro) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if macro.ID == uuid.Nil {
		macro.ID = uuid.New()
	}
	clone := *macro
	m.macros[macro.MacroName] = &clone
	return nil
}

func (m *mockModelRepo) ListMacros(_ context.Context) ([]*models.DBTMacro, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.DBTMacro, 0, len(m.macros))
	for _, macro := range m.macros {
		clone := *macro
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MacroName < out[j].MacroName })
	return out, nil
}

func (m *mockModelRepo) UpsertSource(_ context.Context, source *models.DBTSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if source.ID == uuid.Nil {
		source.ID = uuid.New()
	}
	clone := *source
	m.sources[source.SourceName+"|"+source.TableName] = &clone
	return nil
}

func (m *mockModelRepo) GetSource(_ context.Context, sourceName, tableName string) (*models.DBTSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	source, ok := m.sources[sourceName+"|"+tableName]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	clone := *source
	return &clone, nil
}

func (m *mockModelRepo) ListSources(_ context.Context) ([]*models.DBTSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.DBTSource, 0, len(m.sources))
	for _, source := range m.sources {
		clone := *source
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceName < out[j].SourceName })
	return out, nil
}

func (m *mockModelRepo) lastStatus(modelName string) models.RunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[modelName]
}

// ============================================================================
// Mock run history
// ============================================================================

type mockRunRepo struct {
	mu      sync.Mutex
	runs    []*models.ModelRun
	tests   map[string]*models.DBTTest
	results []*models.DBTTestResult
	lineage map[string][]models.LineageEdge
	docs    map[string]*models.DBTDocumentation

	listTestsErr error
}

var _ repositories.DBTRunRepository = (*mockRunRepo)(nil)

func newMockRunRepo() *mockRunRepo {
	return &mockRunRepo{
		tests:   make(map[string]*models.DBTTest),
		lineage: make(map[string][]models.LineageEdge),
		docs:    make(map[string]*models.DBTDocumentation),
	}
}

func (m *mockRunRepo) CreateModelRun(_ context.Context, run *models.ModelRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	clone := *run
	m.runs = append(m.runs, &clone)
	return nil
}

func (m *mockRunRepo) UpdateModelRun(_ context.Context, run *models.ModelRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.runs {
		if existing.ID == run.ID {
			clone := *run
			m.runs[i] = &clone
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (m *mockRunRepo) ListModelRuns(_ context.Context, modelName string, limit int) ([]*models.ModelRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*models.ModelRun
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.runs[i].ModelName == modelName {
			clone := *m.runs[i]
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *mockRunRepo) ListRunsByRunID(_ context.Context, runID uuid.UUID) ([]*models.ModelRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ModelRun
	for _, run := range m.runs {
		if run.RunID == runID {
			clone := *run
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *mockRunRepo) UpsertTest(_ context.Context, test *models.DBTTest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	test.UpdatedAt = now
	if test.ID == uuid.Nil {
		test.ID = uuid.New()
		test.CreatedAt = now
	}
	clone := *test
	m.tests[test.TestName] = &clone
	return nil
}

func (m *mockRunRepo) ListTests(_ context.Context) ([]*models.DBTTest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.DBTTest, 0, len(m.tests))
	for _, test := range m.tests {
		clone := *test
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestName < out[j].TestName })
	return out, nil
}

func (m *mockRunRepo) ListTestsForModel(_ context.Context, modelName string) ([]*models.DBTTest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listTestsErr != nil {
		return nil, m.listTestsErr
	}
	var out []*models.DBTTest
	for _, test := range m.tests {
		if test.ModelName == modelName {
			clone := *test
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestName < out[j].TestName })
	return out, nil
}

func (m *mockRunRepo) DeleteTestsForModel(_ context.Context, modelName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, test := range m.tests {
		if test.ModelName == modelName {
			delete(m.tests, name)
		}
	}
	return nil
}

func (m *mockRunRepo) CreateTestResult(_ context.Context, result *models.DBTTestResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	if result.ExecutedAt.IsZero() {
		result.ExecutedAt = time.Now()
	}
	clone := *result
	m.results = append(m.results, &clone)
	return nil
}

func (m *mockRunRepo) ListTestResults(_ context.Context, runID uuid.UUID) ([]*models.DBTTestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DBTTestResult
	for _, result := range m.results {
		if result.RunID == runID {
			clone := *result
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *mockRunRepo) ReplaceLineage(_ context.Context, targetModel string, edges []models.LineageEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	stored := make([]models.LineageEdge, len(edges))
	for i, edge := range edges {
		if edge.ID == uuid.Nil {
			edge.ID = uuid.New()
		}
		edge.CreatedAt = now
		stored[i] = edge
	}
	m.lineage[targetModel] = stored
	return nil
}

func (m *mockRunRepo) ListLineage(_ context.Context, modelName string) ([]models.LineageEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LineageEdge
	for _, edges := range m.lineage {
		for _, edge := range edges {
			if edge.SourceModel == modelName || edge.TargetModel == modelName {
				out = append(out, edge)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceModel != out[j].SourceModel {
			return out[i].SourceModel < out[j].SourceModel
		}
		return out[i].TargetColumn < out[j].TargetColumn
	})
	return out, nil
}

func (m *mockRunRepo) UpsertDocumentation(_ context.Context, doc *models.DBTDocumentation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc.UpdatedAt = time.Now()
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Format == "" {
		doc.Format = models.DocumentationFormatMarkdown
	}
	clone := *doc
	m.docs[doc.ModelName+"|"+doc.ColumnName] = &clone
	return nil
}

func (m *mockRunRepo) ListDocumentation(_ context.Context, modelName string) ([]*models.DBTDocumentation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DBTDocumentation
	for _, doc := range m.docs {
		if doc.ModelName == modelName {
			clone := *doc
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ColumnName < out[j].ColumnName })
	return out, nil
}

func (m *mockRunRepo) latestRun(modelName string) *models.ModelRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.runs) - 1; i >= 0; i-- {
		if m.runs[i].ModelName == modelName {
			clone := *m.runs[i]
			return &clone
		}
	}
	return nil
}

func (m *mockRunRepo) resultByTest(testName string) *models.DBTTestResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, result := range m.results {
		if result.TestName == testName {
			clone := *result
			return &clone
		}
	}
	return nil
}

func (m *mockRunRepo) edgesFor(targetModel string) []models.LineageEdge {
	m.mu.Lock()
	defer m.mu.Unlock()
	edges := m.lineage[targetModel]
	out := make([]models.LineageEdge, len(edges))
	copy(out, edges)
	return out
}

func (m *mockRunRepo) docFor(modelName, columnName string) *models.DBTDocumentation {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[modelName+"|"+columnName]
	if !ok {
		return nil
	}
	clone := *doc
	return &clone
}
