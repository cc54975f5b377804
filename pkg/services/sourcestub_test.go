package services

import (
	"context"
	"sync"

	"github.com/sluicedata/sluice/pkg/adapters/source"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/models"
)

// stubSourceConn is an in-memory source.Conn shared by the service tests.
// Discovery answers come from the data fields keyed by "schema.table";
// Query and FetchChunk delegate to optional function fields.
type stubSourceConn struct {
	engine  models.DBEngine
	cluster string

	tables    []source.TableInfo
	columns   map[string][]source.ColumnInfo
	pks       map[string][]string
	timeCols  map[string]string
	rowCounts map[string]int64

	pingErr   error
	tablesErr error

	queryFn func(query string, limit int) (*source.QueryResult, error)
	chunkFn func(req source.ChunkRequest) ([]jsonutil.Document, error)

	mu      sync.Mutex
	queries []string
	chunks  []source.ChunkRequest
	closed  bool
}

var _ source.Conn = (*stubSourceConn)(nil)

func tkey(schemaName, tableName string) string {
	return schemaName + "." + tableName
}

func (s *stubSourceConn) Engine() models.DBEngine {
	if s.engine == "" {
		return models.EnginePostgres
	}
	return s.engine
}

func (s *stubSourceConn) Ping(ctx context.Context) error { return s.pingErr }

func (s *stubSourceConn) DiscoverTables(ctx context.Context) ([]source.TableInfo, error) {
	if s.tablesErr != nil {
		return nil, s.tablesErr
	}
	return s.tables, nil
}

func (s *stubSourceConn) DiscoverColumns(ctx context.Context, schemaName, tableName string) ([]source.ColumnInfo, error) {
	return s.columns[tkey(schemaName, tableName)], nil
}

func (s *stubSourceConn) ColumnCount(ctx context.Context, schemaName, tableName string) (int, error) {
	return len(s.columns[tkey(schemaName, tableName)]), nil
}

func (s *stubSourceConn) DetectTimeColumn(ctx context.Context, schemaName, tableName string) (string, error) {
	return s.timeCols[tkey(schemaName, tableName)], nil
}

func (s *stubSourceConn) DetectPrimaryKey(ctx context.Context, schemaName, tableName string) ([]string, error) {
	return s.pks[tkey(schemaName, tableName)], nil
}

func (s *stubSourceConn) ResolveClusterName(ctx context.Context) (string, error) {
	if s.cluster == "" {
		return "test-cluster", nil
	}
	return s.cluster, nil
}

func (s *stubSourceConn) CountRows(ctx context.Context, schemaName, tableName string) (int64, error) {
	return s.rowCounts[tkey(schemaName, tableName)], nil
}

func (s *stubSourceConn) FetchChunk(ctx context.Context, req source.ChunkRequest) ([]jsonutil.Document, error) {
	s.mu.Lock()
	s.chunks = append(s.chunks, req)
	s.mu.Unlock()
	if s.chunkFn == nil {
		return nil, nil
	}
	return s.chunkFn(req)
}

func (s *stubSourceConn) Query(ctx context.Context, query string, limit int) (*source.QueryResult, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	if s.queryFn == nil {
		return &source.QueryResult{}, nil
	}
	return s.queryFn(query, limit)
}

func (s *stubSourceConn) QuoteIdentifier(name string) string {
	return `"` + name + `"`
}

func (s *stubSourceConn) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubSourceConn) queryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

func (s *stubSourceConn) chunkRequests() []source.ChunkRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]source.ChunkRequest, len(s.chunks))
	copy(out, s.chunks)
	return out
}
