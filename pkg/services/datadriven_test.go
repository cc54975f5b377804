package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/adapters/source"
	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/models"
)

func dataTrigger(workflow string) models.DataTrigger {
	return models.DataTrigger{
		WorkflowName: workflow,
		Query:        "SELECT status FROM staging.loads",
		SourceConn:   "postgres://u:p@localhost:5432/db",
		DBEngine:     models.EnginePostgres,
	}
}

// stubOpen pins the scheduler to one stub connection.
func stubOpen(conn *stubSourceConn) func(context.Context, models.DBEngine, string, *zap.Logger) (source.Conn, error) {
	return func(context.Context, models.DBEngine, string, *zap.Logger) (source.Conn, error) {
		return conn, nil
	}
}

func TestDataDrivenScheduler_RegisterValidates(t *testing.T) {
	sched := NewDataDrivenScheduler(&captureLauncher{}, zap.NewNop())

	tr := dataTrigger("wf")
	tr.WorkflowName = ""
	assert.ErrorIs(t, sched.Register(tr), apperrors.ErrInvalidConfig)

	tr = dataTrigger("wf")
	tr.Query = ""
	assert.ErrorIs(t, sched.Register(tr), apperrors.ErrInvalidConfig)

	tr = dataTrigger("wf")
	tr.SourceConn = ""
	assert.ErrorIs(t, sched.Register(tr), apperrors.ErrInvalidConfig)

	// Engine derived from the URI scheme when unset.
	tr = dataTrigger("wf")
	tr.DBEngine = ""
	require.NoError(t, sched.Register(tr))
	list := sched.List()
	require.Len(t, list, 1)
	assert.Equal(t, models.EnginePostgres, list[0].DBEngine)

	// Key-value form without an engine token is refused.
	tr = dataTrigger("wf2")
	tr.DBEngine = ""
	tr.SourceConn = "host=h;user=u;db=d"
	assert.ErrorIs(t, sched.Register(tr), apperrors.ErrUnknownEngine)

	tr = dataTrigger("wf3")
	tr.DBEngine = ""
	tr.SourceConn = "host=h;user=u;db=d;engine=mssql"
	require.NoError(t, sched.Register(tr))
	require.Len(t, sched.List(), 2)
}

func TestDataDrivenScheduler_FiresOnNonEmptyResult(t *testing.T) {
	conn := &stubSourceConn{queryFn: func(string, int) (*source.QueryResult, error) {
		return &source.QueryResult{
			Columns: []string{"status"},
			Rows:    []jsonutil.Document{{"status": "ready"}},
		}, nil
	}}
	launcher := &captureLauncher{}
	sched := NewDataDrivenScheduler(launcher, zap.NewNop())
	sched.open = stubOpen(conn)
	require.NoError(t, sched.Register(dataTrigger("loader")))

	sched.checkAll(context.Background(), time.Now())
	sched.Stop()

	calls := launcher.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "loader", calls[0].workflow)
	assert.Equal(t, models.TriggerTypeScheduled, calls[0].trigger)
	assert.Equal(t, 1, calls[0].params.GetInt("matched_rows", 0))
	assert.True(t, conn.closed)
}

func TestDataDrivenScheduler_PredicateComparesAsStrings(t *testing.T) {
	conn := &stubSourceConn{queryFn: func(string, int) (*source.QueryResult, error) {
		return &source.QueryResult{
			Columns: []string{"status", "batch"},
			Rows: []jsonutil.Document{
				{"status": "pending", "batch": int64(1)},
				{"status": "ready", "batch": int64(2)},
				{"status": "ready", "batch": int64(3)},
			},
		}, nil
	}}
	launcher := &captureLauncher{}
	sched := NewDataDrivenScheduler(launcher, zap.NewNop())
	sched.open = stubOpen(conn)

	tr := dataTrigger("loader")
	tr.PredicateField = "status"
	tr.PredicateValue = "ready"
	require.NoError(t, sched.Register(tr))

	sched.checkAll(context.Background(), time.Now())
	sched.Stop()

	calls := launcher.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, 2, calls[0].params.GetInt("matched_rows", 0))
	row, ok := calls[0].params["matched_row"].(jsonutil.Document)
	require.True(t, ok)
	assert.Equal(t, "ready", row.GetString("status"))
}

func TestDataDrivenScheduler_NumericPredicateUsesStringForm(t *testing.T) {
	conn := &stubSourceConn{queryFn: func(string, int) (*source.QueryResult, error) {
		return &source.QueryResult{
			Columns: []string{"backlog"},
			Rows:    []jsonutil.Document{{"backlog": int64(3)}},
		}, nil
	}}
	launcher := &captureLauncher{}
	sched := NewDataDrivenScheduler(launcher, zap.NewNop())
	sched.open = stubOpen(conn)

	tr := dataTrigger("loader")
	tr.PredicateField = "backlog"
	tr.PredicateValue = "3"
	require.NoError(t, sched.Register(tr))

	sched.checkAll(context.Background(), time.Now())
	sched.Stop()

	require.Equal(t, 1, launcher.count())
}

func TestDataDrivenScheduler_NoMatchNoLaunch(t *testing.T) {
	conn := &stubSourceConn{queryFn: func(string, int) (*source.QueryResult, error) {
		return &source.QueryResult{
			Columns: []string{"status"},
			Rows:    []jsonutil.Document{{"status": "pending"}},
		}, nil
	}}
	launcher := &captureLauncher{}
	sched := NewDataDrivenScheduler(launcher, zap.NewNop())
	sched.open = stubOpen(conn)

	tr := dataTrigger("loader")
	tr.PredicateField = "status"
	tr.PredicateValue = "ready"
	require.NoError(t, sched.Register(tr))

	sched.checkAll(context.Background(), time.Now())
	sched.Stop()

	assert.Zero(t, launcher.count())
}

func TestDataDrivenScheduler_EmptyResultNoLaunch(t *testing.T) {
	conn := &stubSourceConn{}
	launcher := &captureLauncher{}
	sched := NewDataDrivenScheduler(launcher, zap.NewNop())
	sched.open = stubOpen(conn)
	require.NoError(t, sched.Register(dataTrigger("loader")))

	sched.checkAll(context.Background(), time.Now())
	sched.Stop()

	assert.Zero(t, launcher.count())
	assert.Equal(t, 1, conn.queryCount())
}

func TestDataDrivenScheduler_CheckIntervalThrottles(t *testing.T) {
	conn := &stubSourceConn{}
	sched := NewDataDrivenScheduler(&captureLauncher{}, zap.NewNop())
	sched.open = stubOpen(conn)

	tr := dataTrigger("slow")
	tr.CheckInterval = time.Hour
	require.NoError(t, sched.Register(tr))

	base := time.Now()
	sched.checkAll(context.Background(), base)
	sched.checkAll(context.Background(), base.Add(30*time.Second))
	assert.Equal(t, 1, conn.queryCount())

	sched.checkAll(context.Background(), base.Add(2*time.Hour))
	assert.Equal(t, 2, conn.queryCount())
}

func TestDataDrivenScheduler_QueryErrorToleratedPerTrigger(t *testing.T) {
	broken := &stubSourceConn{queryFn: func(string, int) (*source.QueryResult, error) {
		return nil, errors.New("relation does not exist")
	}}
	healthy := &stubSourceConn{queryFn: func(string, int) (*source.QueryResult, error) {
		return &source.QueryResult{Rows: []jsonutil.Document{{"n": int64(1)}}}, nil
	}}
	launcher := &captureLauncher{}
	sched := NewDataDrivenScheduler(launcher, zap.NewNop())
	sched.open = func(_ context.Context, _ models.DBEngine, conninfo string, _ *zap.Logger) (source.Conn, error) {
		if conninfo == "postgres://u:p@broken:5432/db" {
			return broken, nil
		}
		return healthy, nil
	}

	bad := dataTrigger("bad")
	bad.SourceConn = "postgres://u:p@broken:5432/db"
	require.NoError(t, sched.Register(bad))
	require.NoError(t, sched.Register(dataTrigger("good")))

	sched.checkAll(context.Background(), time.Now())
	sched.Stop()

	calls := launcher.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "good", calls[0].workflow)
}

func TestDataDrivenScheduler_PollLoopFires(t *testing.T) {
	conn := &stubSourceConn{queryFn: func(string, int) (*source.QueryResult, error) {
		return &source.QueryResult{Rows: []jsonutil.Document{{"n": int64(1)}}}, nil
	}}
	launcher := &captureLauncher{}
	sched := NewDataDrivenScheduler(launcher, zap.NewNop())
	sched.open = stubOpen(conn)
	sched.poll = 10 * time.Millisecond
	require.NoError(t, sched.Register(dataTrigger("loader")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	require.Eventually(t, func() bool {
		return launcher.count() >= 1
	}, 2*time.Second, 10*time.Millisecond, "expected poll loop to fire")
}

func TestDataDrivenScheduler_UnregisterStopsChecks(t *testing.T) {
	conn := &stubSourceConn{}
	sched := NewDataDrivenScheduler(&captureLauncher{}, zap.NewNop())
	sched.open = stubOpen(conn)
	require.NoError(t, sched.Register(dataTrigger("loader")))

	sched.Unregister("loader")

	sched.checkAll(context.Background(), time.Now())
	assert.Empty(t, sched.List())
	assert.Zero(t, conn.queryCount())
}
