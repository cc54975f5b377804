package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/models"
	"github.com/sluicedata/sluice/pkg/services/taskqueue"
)

// BackfillManager re-runs a workflow across a historical date range, one
// launch per period. Launches go through the synchronous launcher so
// sequential mode really is sequential and parallel mode is bounded.
type BackfillManager struct {
	launcher taskqueue.Launcher
	logger   *zap.Logger
}

// NewBackfillManager creates the backfill orchestrator.
func NewBackfillManager(launcher taskqueue.Launcher, logger *zap.Logger) *BackfillManager {
	return &BackfillManager{
		launcher: launcher,
		logger:   logger.Named("backfill"),
	}
}

// BackfillResult summarizes one backfill run.
type BackfillResult struct {
	WorkflowName string `json:"workflow_name"`
	Periods      int    `json:"periods"`
	Succeeded    int    `json:"succeeded"`
	Failed       int    `json:"failed"`
}

// SlicePeriods cuts [start, end] into inclusive, non-overlapping periods at
// the given interval. The cursor strides by Go calendar arithmetic
// (AddDate), so a monthly slice starting Jan 31 follows AddDate's
// normalization. The last period is clamped to end. Dates are normalized to
// UTC midnight; an unknown interval yields nil.
func SlicePeriods(start, end time.Time, interval models.BackfillInterval) []models.BackfillPeriod {
	start = dateOnly(start)
	end = dateOnly(end)
	if end.Before(start) {
		return nil
	}

	var periods []models.BackfillPeriod
	for cursor := start; !cursor.After(end); {
		var next time.Time
		switch interval {
		case models.BackfillDaily:
			next = cursor.AddDate(0, 0, 1)
		case models.BackfillWeekly:
			next = cursor.AddDate(0, 0, 7)
		case models.BackfillMonthly:
			next = cursor.AddDate(0, 1, 0)
		default:
			return nil
		}
		periodEnd := next.AddDate(0, 0, -1)
		if periodEnd.After(end) {
			periodEnd = end
		}
		periods = append(periods, models.BackfillPeriod{Start: cursor, End: periodEnd})
		cursor = next
	}
	return periods
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Run executes the backfill and blocks until every period finished. Failed
// periods do not stop the remainder; the error reports how many failed.
func (b *BackfillManager) Run(ctx context.Context, req models.BackfillRequest) (*BackfillResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	periods := SlicePeriods(req.StartDate, req.EndDate, req.Interval)
	result := &BackfillResult{WorkflowName: req.WorkflowName, Periods: len(periods)}
	b.logger.Info("backfill starting",
		zap.String("workflow", req.WorkflowName),
		zap.String("interval", string(req.Interval)),
		zap.Int("periods", len(periods)),
		zap.Bool("parallel", req.Parallel))

	if req.Parallel {
		var failed int64
		sem := semaphore.NewWeighted(int64(req.MaxParallelJobs))
		var wg sync.WaitGroup
		launched := 0
		for _, period := range periods {
			// Acquire fails only on context cancellation; unlaunched
			// periods then count as failed.
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			launched++
			wg.Add(1)
			go func(p models.BackfillPeriod) {
				defer wg.Done()
				defer sem.Release(1)
				if err := b.launchPeriod(ctx, req, p); err != nil {
					atomic.AddInt64(&failed, 1)
				}
			}(period)
		}
		wg.Wait()
		result.Failed = int(atomic.LoadInt64(&failed)) + (len(periods) - launched)
		result.Succeeded = len(periods) - result.Failed
	} else {
		for _, period := range periods {
			if err := b.launchPeriod(ctx, req, period); err != nil {
				result.Failed++
				continue
			}
			result.Succeeded++
		}
	}

	b.logger.Info("backfill finished",
		zap.String("workflow", req.WorkflowName),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed))
	if result.Failed > 0 {
		return result, fmt.Errorf("backfill %q: %d of %d periods failed",
			req.WorkflowName, result.Failed, result.Periods)
	}
	return result, nil
}

// RunAsync validates the request, then runs the backfill detached from the
// caller.
func (b *BackfillManager) RunAsync(ctx context.Context, req models.BackfillRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				b.logger.Error("backfill panicked",
					zap.String("workflow", req.WorkflowName),
					zap.Any("panic", rec))
			}
		}()
		if _, err := b.Run(detached, req); err != nil {
			b.logger.Error("async backfill failed", zap.Error(err))
		}
	}()
	return nil
}

func (b *BackfillManager) launchPeriod(ctx context.Context, req models.BackfillRequest, p models.BackfillPeriod) error {
	params := jsonutil.Document{
		"backfill":     true,
		"date_field":   req.DateField,
		"period_start": p.Start.Format("2006-01-02"),
		"period_end":   p.End.Format("2006-01-02"),
	}
	err := b.launcher.Launch(ctx, req.WorkflowName, params, models.TriggerTypeManual)
	if err != nil {
		b.logger.Error("backfill period failed",
			zap.String("workflow", req.WorkflowName),
			zap.String("period_start", params.GetString("period_start")),
			zap.String("period_end", params.GetString("period_end")),
			zap.Error(err))
	}
	return err
}
