package analytics

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"habitline/internal/calendar"
	"habitline/internal/domain"
)

func d(s string) calendar.Date { return calendar.MustParse(s) }

func done(taskID string, dates ...string) []domain.Completion {
	out := make([]domain.Completion, 0, len(dates))
	for _, s := range dates {
		day := d(s)
		out = append(out, domain.Completion{
			TaskID:      taskID,
			Date:        day,
			CompletedAt: day.Time().Add(20 * time.Hour),
			Source:      domain.SourceManual,
		})
	}
	return out
}

func newEngine() Engine {
	opts := DefaultOptions()
	opts.Location = time.UTC
	return New(calendar.Calendar{WeekStart: time.Sunday}, opts)
}

func TestWeeklyStreakIgnoresOffDays(t *testing.T) {
	e := newEngine()
	tasks := []domain.Task{{ID: "run", Name: "Run", Rule: domain.Weekly(1, 3, 5)}}
	// Mon, Wed, Fri
	records := done("run", "2024-01-01", "2024-01-03", "2024-01-05")

	for _, today := range []string{"2024-01-05", "2024-01-06", "2024-01-07"} {
		snap := e.Compute(tasks, records, d(today), 30)
		assert.Equal(t, 3, snap.CurrentStreak, today)
		assert.Equal(t, 3, snap.LongestStreak, today)
		assert.Equal(t, 3, snap.PerfectDays, today)
	}
}

func TestStreakSkipsIncompleteToday(t *testing.T) {
	e := newEngine()
	tasks := []domain.Task{{ID: "run", Rule: domain.Weekly(1, 3, 5)}}
	records := done("run", "2024-01-01", "2024-01-03", "2024-01-05")

	// Monday not yet done: the day is not over
	snap := e.Compute(tasks, records, d("2024-01-08"), 30)
	assert.Equal(t, 3, snap.CurrentStreak)

	// Monday missed, Wednesday not yet done
	snap = e.Compute(tasks, records, d("2024-01-10"), 30)
	assert.Equal(t, 0, snap.CurrentStreak)
	assert.Equal(t, 0, snap.LongestStreak)
	assert.Equal(t, 0, snap.PerfectDays)
}

func TestStreakIsBoundedByLookback(t *testing.T) {
	e := newEngine()
	e.Options.StreakLookbackDays = 5
	tasks := []domain.Task{{ID: "a", Rule: domain.Daily()}}
	var records []domain.Completion
	for _, day := range calendar.Range(d("2024-01-01"), d("2024-01-20")) {
		records = append(records, done("a", day.String())...)
	}
	snap := e.Compute(tasks, records, d("2024-01-20"), 30)
	assert.Equal(t, 5, snap.CurrentStreak)
	assert.Equal(t, 5, snap.PerfectDays)
}

func TestHoldDoesNotBreakStreakOrCountAsExpected(t *testing.T) {
	e := newEngine()
	today := d("2024-01-10")
	tasks := []domain.Task{{
		ID:   "read",
		Rule: domain.Daily(),
		Hold: &domain.Hold{Start: today},
	}}
	records := done("read", "2024-01-08", "2024-01-09")

	snap := e.Compute(tasks, records, today, 3)
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, 2, snap.Tasks[0].Expected)
	assert.Equal(t, 2, snap.Tasks[0].Actual)
	assert.Equal(t, 100.0, snap.Tasks[0].Rate)
	assert.Equal(t, 2, snap.CurrentStreak)
}

func TestRateWithNothingExpectedIsZero(t *testing.T) {
	e := newEngine()
	tasks := []domain.Task{{ID: "trip", SpecificDate: calendarPtr(d("2025-06-01"))}}
	snap := e.Compute(tasks, nil, d("2024-01-10"), 30)
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, 0, snap.Tasks[0].Expected)
	assert.Equal(t, 0.0, snap.Tasks[0].Rate)
	assert.Equal(t, 0.0, snap.CompletionRate)

	assert.Equal(t, 0.0, Rate(0, 0))
	assert.Equal(t, 50.0, Rate(1, 2))
	assert.Equal(t, 100.0, Rate(5, 2), "capped")
}

func calendarPtr(v calendar.Date) *calendar.Date { return &v }

func TestCountPerPeriodRateIsCapped(t *testing.T) {
	e := newEngine()
	tasks := []domain.Task{{ID: "gym", Rule: domain.CountPerPeriod(3, calendar.PeriodWeek)}}
	records := done("gym", "2024-01-01", "2024-01-02", "2024-01-03")
	snap := e.Compute(tasks, records, d("2024-01-06"), 7)
	report := snap.Tasks[0]
	// due Sunday through Tuesday; the quota is met from Wednesday on
	assert.Equal(t, 3, report.Expected)
	assert.Equal(t, 3, report.Actual)
	assert.Equal(t, 100.0, report.Rate)
}

func TestTrend(t *testing.T) {
	e := newEngine()
	tasks := []domain.Task{{ID: "a", Rule: domain.Daily()}}
	today := d("2024-01-10")
	// window 2024-01-01..2024-01-10, midpoint 2024-01-06

	up := done("a", "2024-01-02", "2024-01-06", "2024-01-07", "2024-01-08", "2024-01-09")
	assert.Equal(t, TrendImproving, e.Compute(tasks, up, today, 10).Tasks[0].Trend)

	downRecords := done("a", "2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05", "2024-01-10")
	assert.Equal(t, TrendDeclining, e.Compute(tasks, downRecords, today, 10).Tasks[0].Trend)

	flat := done("a", "2024-01-02", "2024-01-03", "2024-01-07", "2024-01-08")
	assert.Equal(t, TrendStable, e.Compute(tasks, flat, today, 10).Tasks[0].Trend)

	assert.Equal(t, TrendStable, e.Compute(tasks, nil, today, 10).Tasks[0].Trend)
}

func TestShortWindowTrendIsStable(t *testing.T) {
	e := newEngine()
	tasks := []domain.Task{{ID: "a", Rule: domain.Daily()}}
	today := d("2024-01-10")
	records := done("a", "2024-01-09", "2024-01-10")
	for _, window := range []int{1, 2, 3} {
		assert.Equal(t, TrendStable, e.Compute(tasks, records, today, window).Tasks[0].Trend, window)
	}
	assert.Equal(t, TrendImproving, e.Compute(tasks, records, today, 4).Tasks[0].Trend)
}

func TestClassifyTrendThresholds(t *testing.T) {
	mid := d("2024-01-05")
	cases := []struct {
		name   string
		before int
		after  int
		want   Trend
	}{
		{"empty", 0, 0, TrendStable},
		{"first activity", 0, 1, TrendImproving},
		{"exactly 1.2x", 5, 6, TrendStable},
		{"above 1.2x", 5, 7, TrendImproving},
		{"exactly 0.8x", 5, 4, TrendStable},
		{"below 0.8x", 5, 3, TrendDeclining},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var records []domain.Completion
			for i := 0; i < tc.before; i++ {
				records = append(records, domain.Completion{TaskID: "a", Date: mid.AddDays(-1 - i)})
			}
			for i := 0; i < tc.after; i++ {
				records = append(records, domain.Completion{TaskID: "a", Date: mid.AddDays(i)})
			}
			assert.Equal(t, tc.want, ClassifyTrend(records, mid, 1.2, 0.8))
		})
	}
}

func TestCategoryRollup(t *testing.T) {
	e := newEngine()
	tasks := []domain.Task{
		{ID: "a", Category: "Health", Rule: domain.Daily()},
		{ID: "b", Category: "Health", Rule: domain.Daily()},
		{ID: "c", Rule: domain.Daily()},
	}
	var records []domain.Completion
	records = append(records, done("a", "2024-01-08", "2024-01-09", "2024-01-10")...)
	records = append(records, done("b", "2024-01-09", "2024-01-10")...)
	records = append(records, done("c", "2024-01-10")...)

	snap := e.Compute(tasks, records, d("2024-01-10"), 10)
	require.Len(t, snap.Categories, 2)
	assert.Equal(t, CategoryRollup{Category: "Health", TaskCount: 2, Completions: 5, AvgRate: 25}, snap.Categories[0])
	assert.Equal(t, CategoryRollup{Category: domain.DefaultCategory, TaskCount: 1, Completions: 1, AvgRate: 10}, snap.Categories[1])
}

func TestWeekdayRollup(t *testing.T) {
	e := newEngine()
	tasks := []domain.Task{
		{ID: "a", Rule: domain.Daily()},
		{ID: "b", Rule: domain.Weekly(1)},
	}
	// 2023-12-31 (Sun) .. 2024-01-06 (Sat)
	var records []domain.Completion
	records = append(records, done("a", "2024-01-01", "2024-01-02")...)
	records = append(records, done("b", "2024-01-01")...)

	snap := e.Compute(tasks, records, d("2024-01-06"), 7)
	require.Len(t, snap.Weekdays, 7)
	assert.Equal(t, "Sunday", snap.Weekdays[0].Weekday)
	mon := snap.Weekdays[1]
	assert.Equal(t, "Monday", mon.Weekday)
	assert.Equal(t, 2, mon.Due)
	assert.Equal(t, 2, mon.Completions)
	assert.Equal(t, 100.0, mon.Rate)
	tue := snap.Weekdays[2]
	assert.Equal(t, 1, tue.Due)
	assert.Equal(t, 100.0, tue.Rate)
	assert.Equal(t, 0.0, snap.Weekdays[3].Rate)

	monday := New(calendar.Calendar{WeekStart: time.Monday}, e.Options).Compute(tasks, records, d("2024-01-06"), 7)
	assert.Equal(t, "Monday", monday.Weekdays[0].Weekday)
	assert.Equal(t, 1, monday.Weekdays[0].Due)
	// index 1 is Tuesday when weeks start on Monday
	assert.Equal(t, 2, monday.Weekdays[1].Due)
}

func TestHourRollupAndDurations(t *testing.T) {
	e := newEngine()
	tasks := []domain.Task{{ID: "a", Rule: domain.Daily(), Weightage: 8}}
	started := time.Date(2024, 1, 9, 6, 0, 0, 0, time.UTC)
	thirty, ten := 30, 10
	records := []domain.Completion{
		{TaskID: "a", Date: d("2024-01-09"), CompletedAt: started.Add(30 * time.Minute), StartedAt: &started, DurationMinutes: &thirty},
		{TaskID: "a", Date: d("2024-01-10"), CompletedAt: time.Date(2024, 1, 10, 7, 15, 0, 0, time.UTC), DurationMinutes: &ten},
		{TaskID: "a", Date: d("2024-01-08"), CompletedAt: time.Date(2024, 1, 8, 7, 45, 0, 0, time.UTC)},
	}
	snap := e.Compute(tasks, records, d("2024-01-10"), 7)
	require.Len(t, snap.Hours, 24)
	assert.Equal(t, 1, snap.Hours[6].Completions)
	assert.Equal(t, 2, snap.Hours[7].Completions)

	report := snap.Tasks[0]
	assert.Equal(t, 8, report.Weightage)
	assert.Equal(t, 40, report.TotalDurationMinutes)
	assert.Equal(t, 20.0, report.AvgDurationMinutes)
}

func TestWarnings(t *testing.T) {
	e := newEngine()
	tasks := []domain.Task{
		{ID: "junk", Rule: domain.Custom("whenever I feel like it")},
		{ID: "a", Rule: domain.Daily(), DependsOn: []string{"b"}},
		{ID: "b", Rule: domain.Daily(), DependsOn: []string{"a", "ghost"}},
	}
	records := done("deleted", "2024-01-09")

	snap := e.Compute(tasks, records, d("2024-01-10"), 7)
	kinds := map[string][]string{}
	for _, w := range snap.Warnings {
		kinds[w.Kind] = append(kinds[w.Kind], w.TaskID)
	}
	assert.Equal(t, []string{"junk"}, kinds[WarnUnparseablePattern])
	assert.Equal(t, []string{"b"}, kinds[WarnUnknownDependency])
	assert.Equal(t, []string{"a", "b"}, kinds[WarnDependencyCycle])
	assert.Equal(t, []string{"deleted"}, kinds[WarnOrphanCompletion])

	// the unparseable task is simply never due
	assert.Equal(t, 0, snap.Tasks[0].Expected)
}

func TestWarningsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	e := newEngine()
	e.Logger = zerolog.New(&buf)
	snap := e.Compute([]domain.Task{{ID: "junk", Rule: domain.Custom("now and then")}}, nil, d("2024-01-10"), 7)
	require.Len(t, snap.Warnings, 1)

	var entry map[string]any
	line, _, _ := bytes.Cut(buf.Bytes(), []byte("\n"))
	require.NoError(t, json.Unmarshal(line, &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "junk", entry["task_id"])
	assert.Equal(t, WarnUnparseablePattern, entry["kind"])
	assert.Contains(t, entry["message"], "unparseable custom pattern")
}

func TestComputeDefaultsWindow(t *testing.T) {
	snap := newEngine().Compute(nil, nil, d("2024-01-31"), 0)
	assert.Equal(t, 30, snap.WindowDays)
	assert.Equal(t, d("2024-01-02"), snap.WindowStart)
	assert.Empty(t, snap.Tasks)
	assert.Empty(t, snap.Warnings)
	assert.Equal(t, 0, snap.CurrentStreak)
}
