package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/cron"
	"github.com/sluicedata/sluice/pkg/models"
	"github.com/sluicedata/sluice/pkg/repositories"
	"github.com/sluicedata/sluice/pkg/services/taskqueue"
)

// schedulerLockTTLSeconds is the lifetime of a per-entity dispatch claim.
// It must end before the next minute tick so an every-minute schedule can
// be claimed again.
const schedulerLockTTLSeconds = 55

// Locker is the slice of the catalog lock manager the services depend on.
type Locker interface {
	// AcquireOnce makes one claim attempt; a successful claim is left to
	// expire.
	AcquireOnce(ctx context.Context, name string, ttlSeconds int) (bool, error)
	// WithLock runs fn while holding the named lock.
	WithLock(ctx context.Context, name string, ttlSeconds int, maxWait time.Duration, fn func(ctx context.Context) error) error
}

// BackupRunner executes one backup and reports the artifact size in bytes.
type BackupRunner interface {
	RunBackup(ctx context.Context, backup *models.Backup) (int64, error)
}

// Scheduler wakes at each minute boundary (UTC) and dispatches workflows
// and backups whose cron schedule matches that minute. A per-entity catalog
// lock claim dedupes dispatch across processes: one peer claims, the rest
// skip.
type Scheduler struct {
	workflows repositories.WorkflowRepository
	backups   repositories.BackupRepository
	locks     Locker
	launcher  taskqueue.Launcher
	runner    BackupRunner // nil leaves backup schedules untouched
	logger    *zap.Logger

	mu    sync.Mutex
	crons map[string]*cron.Expression // parse cache; nil entry = invalid

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates the cron scheduler.
func NewScheduler(
	workflows repositories.WorkflowRepository,
	backups repositories.BackupRepository,
	locks Locker,
	launcher taskqueue.Launcher,
	runner BackupRunner,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		workflows: workflows,
		backups:   backups,
		locks:     locks,
		launcher:  launcher,
		runner:    runner,
		logger:    logger.Named("scheduler"),
		crons:     make(map[string]*cron.Expression),
		stop:      make(chan struct{}),
	}
}

// Start spawns the minute loop; it runs until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			now := time.Now().UTC()
			wakeAt := now.Truncate(time.Minute).Add(time.Minute)
			timer := time.NewTimer(wakeAt.Sub(now))
			select {
			case <-s.stop:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case fired := <-timer.C:
				s.checkDue(ctx, fired.UTC())
			}
		}
	}()
	s.logger.Info("scheduler started")
}

// Stop halts the minute loop and waits for in-flight dispatches.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// checkDue dispatches everything scheduled for now's minute. Exposed to the
// loop only; now is truncated so a late wakeup still evaluates its own
// minute.
func (s *Scheduler) checkDue(ctx context.Context, now time.Time) {
	minute := now.UTC().Truncate(time.Minute)
	s.checkWorkflows(ctx, minute)
	s.checkBackups(ctx, minute)
}

func (s *Scheduler) checkWorkflows(ctx context.Context, minute time.Time) {
	scheduled, err := s.workflows.ListScheduled(ctx)
	if err != nil {
		s.logger.Warn("failed to list scheduled workflows", zap.Error(err))
		return
	}

	for _, workflow := range scheduled {
		if workflow.ScheduleCron == nil {
			continue
		}
		expr := s.parseCron(*workflow.ScheduleCron)
		if expr == nil || !expr.Matches(minute) {
			continue
		}

		claimed, err := s.locks.AcquireOnce(ctx, "sched_workflow_"+workflow.Name, schedulerLockTTLSeconds)
		if err != nil {
			s.logger.Warn("workflow dispatch claim failed",
				zap.String("workflow", workflow.Name),
				zap.Error(err))
			continue
		}
		if !claimed {
			s.logger.Debug("workflow claimed by another scheduler",
				zap.String("workflow", workflow.Name))
			continue
		}

		s.logger.Info("dispatching scheduled workflow",
			zap.String("workflow", workflow.Name),
			zap.Time("minute", minute))
		s.dispatchWorkflow(ctx, workflow.Name)
	}
}

func (s *Scheduler) dispatchWorkflow(ctx context.Context, name string) {
	detached := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("scheduled dispatch panicked",
					zap.String("workflow", name),
					zap.Any("panic", rec))
			}
		}()
		if err := s.launcher.Launch(detached, name, nil, models.TriggerTypeScheduled); err != nil {
			s.logger.Error("scheduled workflow failed",
				zap.String("workflow", name),
				zap.Error(err))
		}
	}()
}

func (s *Scheduler) checkBackups(ctx context.Context, minute time.Time) {
	if s.runner == nil {
		return
	}
	enabled, err := s.backups.ListEnabled(ctx)
	if err != nil {
		s.logger.Warn("failed to list backups", zap.Error(err))
		return
	}

	for _, backup := range enabled {
		expr := s.parseCron(backup.ScheduleCron)
		if expr == nil || !expr.Matches(minute) {
			continue
		}

		claimed, err := s.locks.AcquireOnce(ctx, "sched_backup_"+backup.Name, schedulerLockTTLSeconds)
		if err != nil {
			s.logger.Warn("backup dispatch claim failed",
				zap.String("backup", backup.Name),
				zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}

		s.logger.Info("dispatching scheduled backup", zap.String("backup", backup.Name))
		s.dispatchBackup(ctx, backup, minute)
	}
}

func (s *Scheduler) dispatchBackup(ctx context.Context, backup *models.Backup, minute time.Time) {
	detached := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("backup dispatch panicked",
					zap.String("backup", backup.Name),
					zap.Any("panic", rec))
			}
		}()
		s.runBackup(detached, backup, minute)
	}()
}

// runBackup records the run in backup_history around the runner call.
func (s *Scheduler) runBackup(ctx context.Context, backup *models.Backup, minute time.Time) {
	history := &models.BackupHistory{
		BackupName: backup.Name,
		Status:     models.BackupStatusRunning,
		StartedAt:  time.Now(),
	}
	if err := s.backups.CreateHistory(ctx, history); err != nil {
		s.logger.Warn("failed to record backup start",
			zap.String("backup", backup.Name),
			zap.Error(err))
	}
	if err := s.backups.SetLastRun(ctx, backup.Name, minute); err != nil {
		s.logger.Warn("failed to stamp backup last run",
			zap.String("backup", backup.Name),
			zap.Error(err))
	}

	size, err := s.runner.RunBackup(ctx, backup)

	completed := time.Now()
	duration := completed.Sub(history.StartedAt).Seconds()
	history.CompletedAt = &completed
	history.DurationSeconds = &duration
	if err != nil {
		msg := err.Error()
		history.Status = models.BackupStatusFailed
		history.ErrorMessage = &msg
		s.logger.Error("backup failed",
			zap.String("backup", backup.Name),
			zap.Error(err))
	} else {
		history.Status = models.BackupStatusSuccess
		history.SizeBytes = &size
		s.logger.Info("backup completed",
			zap.String("backup", backup.Name),
			zap.Int64("size_bytes", size))
	}

	if err := s.backups.UpdateHistory(ctx, history); err != nil {
		s.logger.Warn("failed to record backup result",
			zap.String("backup", backup.Name),
			zap.Error(err))
	}
}

// parseCron parses through a cache so an invalid expression only warns once.
func (s *Scheduler) parseCron(expr string) *cron.Expression {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.crons[expr]; ok {
		return cached
	}
	parsed, err := cron.Parse(expr)
	if err != nil {
		s.logger.Warn("invalid cron expression", zap.String("expression", expr), zap.Error(err))
		parsed = nil
	}
	s.crons[expr] = parsed
	return parsed
}
