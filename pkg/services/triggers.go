package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/models"
	"github.com/sluicedata/sluice/pkg/services/taskqueue"
)

const (
	// filePollInterval is how often FILE_ARRIVAL paths are stat'ed.
	filePollInterval = 5 * time.Second

	// eventsChannel is the redis pub/sub channel external systems publish
	// trigger events on.
	eventsChannel = "sluice:events"
)

// TriggerManager maps workflows to external events. Registrations are
// process-local and keyed by workflow name; re-registering replaces the
// prior trigger. FILE_ARRIVAL triggers are served by a background mtime
// poll; the remaining event types fire through FireEvent, fed either by
// callers or by the optional redis intake.
type TriggerManager struct {
	launcher taskqueue.Launcher
	redis    *redis.Client // nil when redis is not configured
	logger   *zap.Logger

	poll time.Duration

	mu       sync.Mutex
	triggers map[string]*models.EventTrigger
	mtimes   map[string]time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTriggerManager creates the trigger registry. redisClient may be nil;
// the pub/sub intake is then disabled and only direct FireEvent calls and
// the file watcher fire triggers.
func NewTriggerManager(launcher taskqueue.Launcher, redisClient *redis.Client, logger *zap.Logger) *TriggerManager {
	return &TriggerManager{
		launcher: launcher,
		redis:    redisClient,
		logger:   logger.Named("triggers"),
		poll:     filePollInterval,
		triggers: make(map[string]*models.EventTrigger),
		mtimes:   make(map[string]time.Time),
		stop:     make(chan struct{}),
	}
}

// Register adds or replaces the trigger for trigger.WorkflowName. For
// FILE_ARRIVAL the current mtime of an already-existing file is recorded so
// only later changes fire; a path that does not exist yet fires on arrival.
func (m *TriggerManager) Register(trigger models.EventTrigger) error {
	if trigger.WorkflowName == "" {
		return fmt.Errorf("trigger needs a workflow name: %w", apperrors.ErrInvalidConfig)
	}
	if !models.IsValidEventType(trigger.EventType) {
		return fmt.Errorf("event type %q: %w", trigger.EventType, apperrors.ErrInvalidConfig)
	}
	if trigger.EventType == models.EventTypeFileArrival && trigger.FilePath() == "" {
		return fmt.Errorf("FILE_ARRIVAL trigger needs event_config.file_path: %w", apperrors.ErrInvalidConfig)
	}
	trigger.RegisteredAt = time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers[trigger.WorkflowName] = &trigger
	delete(m.mtimes, trigger.WorkflowName)
	if trigger.EventType == models.EventTypeFileArrival {
		if info, err := os.Stat(trigger.FilePath()); err == nil {
			m.mtimes[trigger.WorkflowName] = info.ModTime()
		}
	}
	m.logger.Info("trigger registered",
		zap.String("workflow", trigger.WorkflowName),
		zap.String("event_type", string(trigger.EventType)))
	return nil
}

// Unregister removes the trigger for workflowName, if any.
func (m *TriggerManager) Unregister(workflowName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.triggers, workflowName)
	delete(m.mtimes, workflowName)
}

// List returns the registered triggers.
func (m *TriggerManager) List() []models.EventTrigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.EventTrigger, 0, len(m.triggers))
	for _, tr := range m.triggers {
		out = append(out, *tr)
	}
	return out
}

// FireEvent launches every registered trigger of the given event type. A
// non-empty key restricts the match to triggers whose workflow name or
// event_config key equals it. Launches are asynchronous; FireEvent returns
// how many triggers matched.
func (m *TriggerManager) FireEvent(ctx context.Context, eventType models.EventType, key string) int {
	m.mu.Lock()
	var matched []string
	for _, tr := range m.triggers {
		if tr.EventType != eventType {
			continue
		}
		if key != "" && tr.WorkflowName != key && tr.EventConfig.GetString("key") != key {
			continue
		}
		matched = append(matched, tr.WorkflowName)
	}
	m.mu.Unlock()

	params := jsonutil.Document{"event_type": string(eventType)}
	if key != "" {
		params["event_key"] = key
	}
	for _, workflow := range matched {
		m.launch(ctx, workflow, params)
	}
	return len(matched)
}

// Start spawns the file watcher and, when redis is configured, the pub/sub
// intake. Both run until Stop.
func (m *TriggerManager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watchFiles(ctx)
	}()
	if m.redis != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.consumeEvents(ctx)
		}()
	}
	m.logger.Info("trigger manager started", zap.Bool("redis_intake", m.redis != nil))
}

// Stop halts the background loops and waits for in-flight launches.
func (m *TriggerManager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *TriggerManager) watchFiles(ctx context.Context) {
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkFiles(ctx)
		}
	}
}

// checkFiles stats every watched path once. Paths that do not exist yet are
// tolerated; they fire when the file appears.
func (m *TriggerManager) checkFiles(ctx context.Context) {
	type watch struct {
		workflow string
		path     string
		last     time.Time
	}
	m.mu.Lock()
	var watches []watch
	for name, tr := range m.triggers {
		if tr.EventType != models.EventTypeFileArrival {
			continue
		}
		if path := tr.FilePath(); path != "" {
			watches = append(watches, watch{workflow: name, path: path, last: m.mtimes[name]})
		}
	}
	m.mu.Unlock()

	for _, w := range watches {
		info, err := os.Stat(w.path)
		if err != nil {
			continue
		}
		mtime := info.ModTime()
		if !mtime.After(w.last) {
			continue
		}
		m.mu.Lock()
		m.mtimes[w.workflow] = mtime
		m.mu.Unlock()

		m.logger.Info("watched file changed",
			zap.String("workflow", w.workflow),
			zap.String("path", w.path))
		m.launch(ctx, w.workflow, jsonutil.Document{
			"event_type": string(models.EventTypeFileArrival),
			"file_path":  w.path,
		})
	}
}

func (m *TriggerManager) consumeEvents(ctx context.Context) {
	sub := m.redis.Subscribe(ctx, eventsChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m.handleEventMessage(ctx, msg.Payload)
		}
	}
}

func (m *TriggerManager) handleEventMessage(ctx context.Context, payload string) {
	var body struct {
		EventType string `json:"event_type"`
		Key       string `json:"key"`
	}
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		m.logger.Warn("discarding malformed event message", zap.Error(err))
		return
	}
	eventType := models.EventType(body.EventType)
	if !models.IsValidEventType(eventType) {
		m.logger.Warn("discarding event with unknown type", zap.String("event_type", body.EventType))
		return
	}
	fired := m.FireEvent(ctx, eventType, body.Key)
	m.logger.Info("event message processed",
		zap.String("event_type", body.EventType),
		zap.String("key", body.Key),
		zap.Int("fired", fired))
}

// launch fires one workflow detached from the caller; trigger launches
// survive watcher shutdown.
func (m *TriggerManager) launch(ctx context.Context, workflow string, params jsonutil.Document) {
	detached := context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				m.logger.Error("trigger launch panicked",
					zap.String("workflow", workflow),
					zap.Any("panic", rec))
			}
		}()
		if err := m.launcher.Launch(detached, workflow, params, models.TriggerTypeEvent); err != nil {
			m.logger.Error("triggered launch failed",
				zap.String("workflow", workflow),
				zap.Error(err))
		}
	}()
}
