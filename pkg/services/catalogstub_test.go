package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sluicedata/sluice/pkg/adapters/source"
	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/models"
	"github.com/sluicedata/sluice/pkg/repositories"
)

// mockCatalogRepo is an in-memory CatalogRepository mirroring the dirty-field
// upsert semantics of the SQL implementation: conflicts refresh discovery
// fields only, cluster name and sync column fill in when previously empty,
// and sync state is never disturbed.
type mockCatalogRepo struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*models.CatalogEntry
}

var _ repositories.CatalogRepository = (*mockCatalogRepo)(nil)

func newMockCatalogRepo() *mockCatalogRepo {
	return &mockCatalogRepo{entries: make(map[uuid.UUID]*models.CatalogEntry)}
}

// add seeds one entry directly and returns the stored copy.
func (m *mockCatalogRepo) add(entry *models.CatalogEntry) *models.CatalogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.Status == "" {
		cp.Status = models.CatalogStatusPending
	}
	m.entries[cp.ID] = &cp
	out := cp
	return &out
}

func (m *mockCatalogRepo) findLocked(engine models.DBEngine, connection, schema, table string) *models.CatalogEntry {
	for _, e := range m.entries {
		if e.DBEngine == engine && e.ConnectionString == connection && e.SchemaName == schema && e.TableName == table {
			return e
		}
	}
	return nil
}

func (m *mockCatalogRepo) Upsert(_ context.Context, entry *models.CatalogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	if existing := m.findLocked(entry.DBEngine, entry.ConnectionString, entry.SchemaName, entry.TableName); existing != nil {
		existing.PKColumns = entry.PKColumns
		existing.PKStrategy = entry.PKStrategy
		existing.HasPK = entry.HasPK
		existing.TableSize = entry.TableSize
		if existing.ClusterName == "" {
			existing.ClusterName = entry.ClusterName
		}
		if existing.LastSyncColumn == nil {
			existing.LastSyncColumn = entry.LastSyncColumn
		}
		existing.UpdatedAt = now
		*entry = *existing
		return nil
	}

	cp := *entry
	cp.ID = uuid.New()
	if cp.Status == "" {
		cp.Status = models.CatalogStatusPending
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.entries[cp.ID] = &cp
	*entry = cp
	return nil
}

func (m *mockCatalogRepo) Get(_ context.Context, engine models.DBEngine, connection, schema, table string) (*models.CatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.findLocked(engine, connection, schema, table); e != nil {
		cp := *e
		return &cp, nil
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockCatalogRepo) GetByID(_ context.Context, id uuid.UUID) (*models.CatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *mockCatalogRepo) ListByEngine(_ context.Context, engine models.DBEngine) ([]*models.CatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CatalogEntry
	for _, e := range m.entries {
		if e.DBEngine == engine {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QualifiedName() < out[j].QualifiedName() })
	return out, nil
}

func (m *mockCatalogRepo) ListByConnection(_ context.Context, engine models.DBEngine, connection string) ([]*models.CatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CatalogEntry
	for _, e := range m.entries {
		if e.DBEngine == engine && e.ConnectionString == connection {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QualifiedName() < out[j].QualifiedName() })
	return out, nil
}

func (m *mockCatalogRepo) ListSyncable(_ context.Context, engine models.DBEngine, limit int) ([]*models.CatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CatalogEntry
	for _, e := range m.entries {
		if e.DBEngine != engine || !e.Syncable() {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	// Oldest sync first, never-synced before everything.
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastSyncedAt, out[j].LastSyncedAt
		switch {
		case a == nil && b == nil:
			return out[i].QualifiedName() < out[j].QualifiedName()
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockCatalogRepo) DistinctConnections(_ context.Context, engine models.DBEngine) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, e := range m.entries {
		if e.DBEngine != engine {
			continue
		}
		if _, ok := seen[e.ConnectionString]; ok {
			continue
		}
		seen[e.ConnectionString] = struct{}{}
		out = append(out, e.ConnectionString)
	}
	sort.Strings(out)
	return out, nil
}

func (m *mockCatalogRepo) UpdateStatus(_ context.Context, id uuid.UUID, status models.CatalogStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	e.Status = status
	e.UpdatedAt = time.Now()
	return nil
}

func (m *mockCatalogRepo) UpdateSyncProgress(_ context.Context, id uuid.UUID, lastProcessedPK *string, lastSyncedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	e.LastProcessedPK = lastProcessedPK
	e.LastSyncedAt = lastSyncedAt
	e.UpdatedAt = time.Now()
	return nil
}

func (m *mockCatalogRepo) UpdateClusterName(_ context.Context, id uuid.UUID, clusterName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	e.ClusterName = clusterName
	e.UpdatedAt = time.Now()
	return nil
}

func (m *mockCatalogRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	e.Active = active
	e.UpdatedAt = time.Now()
	return nil
}

func (m *mockCatalogRepo) ResetForFullLoad(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	e.Status = models.CatalogStatusFullLoad
	e.LastProcessedPK = nil
	e.LastSyncedAt = nil
	e.UpdatedAt = time.Now()
	return nil
}

func (m *mockCatalogRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(m.entries, id)
	return nil
}

func (m *mockCatalogRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// fakeLake is an in-memory TargetStore and LakeWriter keyed by the real
// target table names. A key present in rows means the target exists; data
// holds what UpsertChunk wrote.
type fakeLake struct {
	mu            sync.Mutex
	rows          map[string]int64
	cols          map[string]int
	nulls         map[string]int64
	data          map[string][]jsonutil.Document
	ensured       map[string][]string
	schemaEnsured bool
	dropped       []string
	truncated     []string
	dropErr       error
	upsertErr     error
}

var (
	_ TargetStore = (*fakeLake)(nil)
	_ LakeWriter  = (*fakeLake)(nil)
	_ LakeReader  = (*fakeLake)(nil)
)

func newFakeLake() *fakeLake {
	return &fakeLake{
		rows:    make(map[string]int64),
		cols:    make(map[string]int),
		nulls:   make(map[string]int64),
		data:    make(map[string][]jsonutil.Document),
		ensured: make(map[string][]string),
	}
}

func (f *fakeLake) setTarget(entry *models.CatalogEntry, rowCount int64, columnCount int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := TargetTableName(entry)
	f.rows[name] = rowCount
	f.cols[name] = columnCount
}

func (f *fakeLake) TargetExists(_ context.Context, entry *models.CatalogEntry) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[TargetTableName(entry)]
	return ok, nil
}

func (f *fakeLake) RowCount(_ context.Context, entry *models.CatalogEntry) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[TargetTableName(entry)], nil
}

func (f *fakeLake) ColumnCount(_ context.Context, entry *models.CatalogEntry) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cols[TargetTableName(entry)], nil
}

func (f *fakeLake) DropTarget(_ context.Context, entry *models.CatalogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropErr != nil {
		return f.dropErr
	}
	name := TargetTableName(entry)
	delete(f.rows, name)
	delete(f.cols, name)
	f.dropped = append(f.dropped, name)
	return nil
}

func (f *fakeLake) TruncateTarget(_ context.Context, entry *models.CatalogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := TargetTableName(entry)
	if _, ok := f.rows[name]; ok {
		f.rows[name] = 0
	}
	f.data[name] = nil
	f.truncated = append(f.truncated, name)
	return nil
}

func (f *fakeLake) NullStats(_ context.Context, entry *models.CatalogEntry, column string) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := TargetTableName(entry)
	total, ok := f.rows[name]
	if !ok {
		return 0, 0, fmt.Errorf("relation %q does not exist", name)
	}
	return total, f.nulls[name+"|"+column], nil
}

func (f *fakeLake) setNulls(entry *models.CatalogEntry, column string, nulls int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nulls[TargetTableName(entry)+"|"+column] = nulls
}

func (f *fakeLake) EnsureSchema(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemaEnsured = true
	return nil
}

func (f *fakeLake) EnsureTargetTable(_ context.Context, entry *models.CatalogEntry, columns []source.ColumnInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := TargetTableName(entry)
	names := make([]string, len(columns))
	for i, col := range columns {
		names[i] = col.Name
	}
	f.ensured[name] = names
	if _, ok := f.rows[name]; !ok {
		f.rows[name] = 0
	}
	if f.cols[name] == 0 {
		f.cols[name] = len(columns)
	}
	return nil
}

func (f *fakeLake) UpsertChunk(_ context.Context, entry *models.CatalogEntry, _ []string, rows []jsonutil.Document) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	name := TargetTableName(entry)
	if entry.HasPK && len(entry.PKColumns) > 0 {
		incoming := make(map[string]bool, len(rows))
		for _, row := range rows {
			incoming[lakeRowKey(row, entry.PKColumns)] = true
		}
		var kept []jsonutil.Document
		for _, row := range f.data[name] {
			if !incoming[lakeRowKey(row, entry.PKColumns)] {
				kept = append(kept, row)
			}
		}
		f.data[name] = kept
	}
	f.data[name] = append(f.data[name], rows...)
	f.rows[name] = int64(len(f.data[name]))
	return int64(len(rows)), nil
}

func lakeRowKey(row jsonutil.Document, pkCols []string) string {
	parts := make([]string, len(pkCols))
	for i, col := range pkCols {
		parts[i] = fmt.Sprint(row[col])
	}
	return strings.Join(parts, "|")
}

func (f *fakeLake) droppedTables() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.dropped))
	copy(out, f.dropped)
	return out
}

func (f *fakeLake) dataRows(entry *models.CatalogEntry) []jsonutil.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.data[TargetTableName(entry)]
	out := make([]jsonutil.Document, len(stored))
	copy(out, stored)
	return out
}
