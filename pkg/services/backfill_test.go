package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/models"
)

// backfillLauncher records period launches and tracks peak concurrency.
type backfillLauncher struct {
	mu      sync.Mutex
	starts  []string
	delay   time.Duration
	errFor  map[string]error // keyed by period_start
	running int32
	peak    int32
}

func (l *backfillLauncher) Launch(ctx context.Context, name string, params jsonutil.Document, trigger models.TriggerType) error {
	current := atomic.AddInt32(&l.running, 1)
	for {
		observed := atomic.LoadInt32(&l.peak)
		if current <= observed || atomic.CompareAndSwapInt32(&l.peak, observed, current) {
			break
		}
	}
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	atomic.AddInt32(&l.running, -1)

	start := params.GetString("period_start")
	l.mu.Lock()
	l.starts = append(l.starts, start)
	l.mu.Unlock()
	if l.errFor != nil {
		return l.errFor[start]
	}
	return nil
}

func (l *backfillLauncher) launched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.starts))
	copy(out, l.starts)
	return out
}

func day(value string) time.Time {
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		panic(err)
	}
	return t
}

func periodStrings(periods []models.BackfillPeriod) [][2]string {
	out := make([][2]string, 0, len(periods))
	for _, p := range periods {
		out = append(out, [2]string{p.Start.Format("2006-01-02"), p.End.Format("2006-01-02")})
	}
	return out
}

func TestSlicePeriods_Daily(t *testing.T) {
	periods := SlicePeriods(day("2024-01-01"), day("2024-01-03"), models.BackfillDaily)
	assert.Equal(t, [][2]string{
		{"2024-01-01", "2024-01-01"},
		{"2024-01-02", "2024-01-02"},
		{"2024-01-03", "2024-01-03"},
	}, periodStrings(periods))
}

func TestSlicePeriods_WeeklyClampsLastPeriod(t *testing.T) {
	periods := SlicePeriods(day("2024-01-01"), day("2024-01-15"), models.BackfillWeekly)
	assert.Equal(t, [][2]string{
		{"2024-01-01", "2024-01-07"},
		{"2024-01-08", "2024-01-14"},
		{"2024-01-15", "2024-01-15"},
	}, periodStrings(periods))
}

func TestSlicePeriods_MonthlyStridesByCalendar(t *testing.T) {
	periods := SlicePeriods(day("2024-01-15"), day("2024-03-20"), models.BackfillMonthly)
	assert.Equal(t, [][2]string{
		{"2024-01-15", "2024-02-14"},
		{"2024-02-15", "2024-03-14"},
		{"2024-03-15", "2024-03-20"},
	}, periodStrings(periods))
}

func TestSlicePeriods_SingleDayRange(t *testing.T) {
	periods := SlicePeriods(day("2024-06-01"), day("2024-06-01"), models.BackfillWeekly)
	assert.Equal(t, [][2]string{{"2024-06-01", "2024-06-01"}}, periodStrings(periods))
}

func TestSlicePeriods_NormalizesTimeOfDay(t *testing.T) {
	start := time.Date(2024, 1, 1, 23, 45, 0, 0, time.UTC)
	end := time.Date(2024, 1, 2, 0, 10, 0, 0, time.UTC)
	periods := SlicePeriods(start, end, models.BackfillDaily)
	require.Len(t, periods, 2)
	assert.Equal(t, "2024-01-01", periods[0].Start.Format("2006-01-02"))
}

func TestBackfill_SequentialLaunchesInOrder(t *testing.T) {
	launcher := &backfillLauncher{}
	mgr := NewBackfillManager(launcher, zap.NewNop())

	result, err := mgr.Run(context.Background(), models.BackfillRequest{
		WorkflowName: "daily_load",
		StartDate:    day("2024-01-01"),
		EndDate:      day("2024-01-04"),
		DateField:    "created_at",
		Interval:     models.BackfillDaily,
	})

	require.NoError(t, err)
	assert.Equal(t, 4, result.Periods)
	assert.Equal(t, 4, result.Succeeded)
	assert.Zero(t, result.Failed)
	assert.Equal(t, []string{"2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04"}, launcher.launched())
	assert.EqualValues(t, 1, launcher.peak)
}

func TestBackfill_ParallelBoundedByMaxJobs(t *testing.T) {
	launcher := &backfillLauncher{delay: 20 * time.Millisecond}
	mgr := NewBackfillManager(launcher, zap.NewNop())

	result, err := mgr.Run(context.Background(), models.BackfillRequest{
		WorkflowName:    "daily_load",
		StartDate:       day("2024-01-01"),
		EndDate:         day("2024-01-08"),
		DateField:       "created_at",
		Interval:        models.BackfillDaily,
		Parallel:        true,
		MaxParallelJobs: 2,
	})

	require.NoError(t, err)
	assert.Equal(t, 8, result.Succeeded)
	assert.LessOrEqual(t, launcher.peak, int32(2))
	assert.Greater(t, launcher.peak, int32(1), "expected concurrent launches")
}

func TestBackfill_FailedPeriodsCountedNotFatal(t *testing.T) {
	launcher := &backfillLauncher{errFor: map[string]error{
		"2024-01-02": errors.New("warehouse unavailable"),
	}}
	mgr := NewBackfillManager(launcher, zap.NewNop())

	result, err := mgr.Run(context.Background(), models.BackfillRequest{
		WorkflowName: "daily_load",
		StartDate:    day("2024-01-01"),
		EndDate:      day("2024-01-03"),
		DateField:    "created_at",
		Interval:     models.BackfillDaily,
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3 periods failed")
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	// The failure does not stop later periods.
	assert.Len(t, launcher.launched(), 3)
}

func TestBackfill_PeriodParamsCarryBounds(t *testing.T) {
	var got jsonutil.Document
	var gotTrigger models.TriggerType
	launcher := &recordingParamsLauncher{onLaunch: func(params jsonutil.Document, trigger models.TriggerType) {
		got = params
		gotTrigger = trigger
	}}
	mgr := NewBackfillManager(launcher, zap.NewNop())

	_, err := mgr.Run(context.Background(), models.BackfillRequest{
		WorkflowName: "weekly_load",
		StartDate:    day("2024-01-01"),
		EndDate:      day("2024-01-05"),
		DateField:    "order_date",
		Interval:     models.BackfillWeekly,
	})

	require.NoError(t, err)
	assert.Equal(t, models.TriggerTypeManual, gotTrigger)
	assert.True(t, got.GetBool("backfill", false))
	assert.Equal(t, "order_date", got.GetString("date_field"))
	assert.Equal(t, "2024-01-01", got.GetString("period_start"))
	assert.Equal(t, "2024-01-05", got.GetString("period_end"))
}

type recordingParamsLauncher struct {
	onLaunch func(params jsonutil.Document, trigger models.TriggerType)
}

func (l *recordingParamsLauncher) Launch(ctx context.Context, name string, params jsonutil.Document, trigger models.TriggerType) error {
	l.onLaunch(params, trigger)
	return nil
}

func TestBackfill_ValidationRejectsBadRequests(t *testing.T) {
	mgr := NewBackfillManager(&backfillLauncher{}, zap.NewNop())

	_, err := mgr.Run(context.Background(), models.BackfillRequest{
		WorkflowName: "x",
		StartDate:    day("2024-01-02"),
		EndDate:      day("2024-01-01"),
		Interval:     models.BackfillDaily,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "precedes")

	_, err = mgr.Run(context.Background(), models.BackfillRequest{
		WorkflowName: "x",
		StartDate:    day("2024-01-01"),
		EndDate:      day("2024-01-02"),
		Interval:     "hourly",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown interval")

	_, err = mgr.Run(context.Background(), models.BackfillRequest{
		WorkflowName: "x",
		StartDate:    day("2024-01-01"),
		EndDate:      day("2024-01-02"),
		Interval:     models.BackfillDaily,
		Parallel:     true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_parallel_jobs")
}

func TestBackfill_RunAsyncCompletes(t *testing.T) {
	launcher := &backfillLauncher{}
	mgr := NewBackfillManager(launcher, zap.NewNop())

	err := mgr.RunAsync(context.Background(), models.BackfillRequest{
		WorkflowName: "daily_load",
		StartDate:    day("2024-01-01"),
		EndDate:      day("2024-01-03"),
		DateField:    "created_at",
		Interval:     models.BackfillDaily,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(launcher.launched()) == 3
	}, 2*time.Second, 10*time.Millisecond, "expected async backfill to finish")
}
