package services

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/models"
)

type triggerLaunch struct {
	workflow string
	trigger  models.TriggerType
	params   jsonutil.Document
}

// captureLauncher records trigger-initiated launches.
type captureLauncher struct {
	mu    sync.Mutex
	calls []triggerLaunch
}

func (c *captureLauncher) Launch(ctx context.Context, name string, params jsonutil.Document, trigger models.TriggerType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, triggerLaunch{workflow: name, trigger: trigger, params: params})
	return nil
}

func (c *captureLauncher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *captureLauncher) snapshot() []triggerLaunch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]triggerLaunch, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *captureLauncher) workflows() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.calls))
	for _, call := range c.calls {
		names = append(names, call.workflow)
	}
	return names
}

func apiTrigger(workflow, key string) models.EventTrigger {
	tr := models.EventTrigger{
		WorkflowName: workflow,
		EventType:    models.EventTypeAPICall,
	}
	if key != "" {
		tr.EventConfig = jsonutil.Document{"key": key}
	}
	return tr
}

func fileTrigger(workflow, path string) models.EventTrigger {
	return models.EventTrigger{
		WorkflowName: workflow,
		EventType:    models.EventTypeFileArrival,
		EventConfig:  jsonutil.Document{"file_path": path},
	}
}

func TestTriggerManager_RegisterValidates(t *testing.T) {
	tm := NewTriggerManager(&captureLauncher{}, nil, zap.NewNop())

	err := tm.Register(models.EventTrigger{EventType: models.EventTypeAPICall})
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)

	err = tm.Register(models.EventTrigger{WorkflowName: "wf", EventType: "NOT_A_TYPE"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)

	err = tm.Register(models.EventTrigger{WorkflowName: "wf", EventType: models.EventTypeFileArrival})
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)

	require.NoError(t, tm.Register(apiTrigger("wf", "")))
	list := tm.List()
	require.Len(t, list, 1)
	assert.Equal(t, "wf", list[0].WorkflowName)
	assert.False(t, list[0].RegisteredAt.IsZero())
}

func TestTriggerManager_RegisterReplacesByWorkflowName(t *testing.T) {
	tm := NewTriggerManager(&captureLauncher{}, nil, zap.NewNop())

	require.NoError(t, tm.Register(apiTrigger("wf", "old")))
	require.NoError(t, tm.Register(models.EventTrigger{
		WorkflowName: "wf",
		EventType:    models.EventTypeDatabaseChange,
	}))

	list := tm.List()
	require.Len(t, list, 1)
	assert.Equal(t, models.EventTypeDatabaseChange, list[0].EventType)
}

func TestTriggerManager_FireEventMatchesTypeAndKey(t *testing.T) {
	launcher := &captureLauncher{}
	tm := NewTriggerManager(launcher, nil, zap.NewNop())
	require.NoError(t, tm.Register(apiTrigger("orders_flow", "orders")))
	require.NoError(t, tm.Register(apiTrigger("audit_flow", "")))
	require.NoError(t, tm.Register(fileTrigger("file_flow", "/tmp/never")))

	fired := tm.FireEvent(context.Background(), models.EventTypeAPICall, "")
	assert.Equal(t, 2, fired)

	fired = tm.FireEvent(context.Background(), models.EventTypeAPICall, "orders")
	assert.Equal(t, 1, fired)

	// Key also matches the workflow name itself.
	fired = tm.FireEvent(context.Background(), models.EventTypeAPICall, "audit_flow")
	assert.Equal(t, 1, fired)

	fired = tm.FireEvent(context.Background(), models.EventTypeAPICall, "unknown")
	assert.Equal(t, 0, fired)

	tm.Stop()
	calls := launcher.snapshot()
	require.Len(t, calls, 4)
	for _, call := range calls {
		assert.Equal(t, models.TriggerTypeEvent, call.trigger)
		assert.Equal(t, string(models.EventTypeAPICall), call.params.GetString("event_type"))
	}
	assert.ElementsMatch(t,
		[]string{"orders_flow", "audit_flow", "orders_flow", "audit_flow"},
		launcher.workflows())
}

func TestTriggerManager_UnregisterStopsFiring(t *testing.T) {
	launcher := &captureLauncher{}
	tm := NewTriggerManager(launcher, nil, zap.NewNop())
	require.NoError(t, tm.Register(apiTrigger("wf", "")))

	tm.Unregister("wf")

	assert.Empty(t, tm.List())
	assert.Zero(t, tm.FireEvent(context.Background(), models.EventTypeAPICall, ""))
	tm.Stop()
	assert.Zero(t, launcher.count())
}

func TestTriggerManager_FileArrivalFiresOnCreateAndChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drop.csv")
	launcher := &captureLauncher{}
	tm := NewTriggerManager(launcher, nil, zap.NewNop())
	tm.poll = 10 * time.Millisecond
	require.NoError(t, tm.Register(fileTrigger("loader", path)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tm.Start(ctx)
	defer tm.Stop()

	// Path does not exist yet; the watcher tolerates that until it appears.
	require.NoError(t, os.WriteFile(path, []byte("a,b\n"), 0o644))
	require.Eventually(t, func() bool {
		return launcher.count() == 1
	}, 2*time.Second, 10*time.Millisecond, "expected arrival to fire")

	calls := launcher.snapshot()
	assert.Equal(t, "loader", calls[0].workflow)
	assert.Equal(t, models.TriggerTypeEvent, calls[0].trigger)
	assert.Equal(t, path, calls[0].params.GetString("file_path"))

	// A later mtime fires again.
	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))
	require.Eventually(t, func() bool {
		return launcher.count() == 2
	}, 2*time.Second, 10*time.Millisecond, "expected change to fire")
}

func TestTriggerManager_PreexistingFileFiresOnlyAfterChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.csv")
	require.NoError(t, os.WriteFile(path, []byte("x\n"), 0o644))

	launcher := &captureLauncher{}
	tm := NewTriggerManager(launcher, nil, zap.NewNop())
	tm.poll = 10 * time.Millisecond
	require.NoError(t, tm.Register(fileTrigger("loader", path)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tm.Start(ctx)
	defer tm.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, launcher.count(), "unchanged file must not fire")

	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))
	require.Eventually(t, func() bool {
		return launcher.count() == 1
	}, 2*time.Second, 10*time.Millisecond, "expected change to fire")
}

func TestTriggerManager_RedisEventIntake(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	launcher := &captureLauncher{}
	tm := NewTriggerManager(launcher, client, zap.NewNop())
	require.NoError(t, tm.Register(apiTrigger("hook_flow", "")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tm.Start(ctx)
	defer tm.Stop()

	// The malformed payload doubles as the attach probe; it is delivered
	// once the subscriber is up and discarded without breaking the intake.
	require.Eventually(t, func() bool {
		return mr.Publish(eventsChannel, "{not json") > 0
	}, 2*time.Second, 10*time.Millisecond, "expected subscriber to attach")

	mr.Publish(eventsChannel, `{"event_type":"API_CALL","key":""}`)

	require.Eventually(t, func() bool {
		return launcher.count() == 1
	}, 2*time.Second, 10*time.Millisecond, "expected published event to fire")

	calls := launcher.snapshot()
	assert.Equal(t, "hook_flow", calls[0].workflow)
	assert.Equal(t, models.TriggerTypeEvent, calls[0].trigger)
}
