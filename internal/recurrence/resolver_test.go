package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"habitline/internal/calendar"
	"habitline/internal/domain"
)

type fakeCounter map[string][]calendar.Date

func (f fakeCounter) CountCompletions(taskID string, start, end calendar.Date) int {
	n := 0
	for _, d := range f[taskID] {
		if d.Between(start, end) {
			n++
		}
	}
	return n
}

var sundayCal = calendar.Calendar{WeekStart: time.Sunday}

func d(s string) calendar.Date { return calendar.MustParse(s) }

func dp(s string) *calendar.Date {
	v := calendar.MustParse(s)
	return &v
}

func TestDailyAlwaysDue(t *testing.T) {
	r := New(sundayCal, nil)
	task := domain.Task{ID: "t", Rule: domain.Daily()}
	for _, day := range calendar.Range(d("2023-12-01"), d("2024-03-31")) {
		assert.Equal(t, Due, r.Resolve(task, day), day.String())
	}
}

func TestWeeklyMatchesWeekdayIndex(t *testing.T) {
	days := []int{1, 3, 5}
	task := domain.Task{ID: "t", Rule: domain.Weekly(days...)}
	for _, wd := range []time.Weekday{time.Sunday, time.Monday} {
		cal := calendar.Calendar{WeekStart: wd}
		r := New(cal, nil)
		start := d("2024-01-01")
		for i := 0; i < 200; i++ {
			day := start.AddDays(i)
			idx := cal.Weekday(day)
			want := NotDue
			if idx == 1 || idx == 3 || idx == 5 {
				want = Due
			}
			require.Equal(t, want, r.Resolve(task, day), "week start %s, %s", wd, day)
		}
	}
}

func TestMonthlyByDayClampsToMonthEnd(t *testing.T) {
	r := New(sundayCal, nil)
	task := domain.Task{ID: "t", Rule: domain.MonthlyByDay(31)}
	var due []calendar.Date
	for _, day := range calendar.Range(d("2024-04-01"), d("2024-04-30")) {
		if r.Resolve(task, day) == Due {
			due = append(due, day)
		}
	}
	assert.Equal(t, []calendar.Date{d("2024-04-30")}, due)

	assert.Equal(t, Due, r.Resolve(task, d("2024-02-29")))
	assert.Equal(t, NotDue, r.Resolve(task, d("2024-02-28")))
	assert.Equal(t, Due, r.Resolve(task, d("2024-05-31")))
	assert.Equal(t, NotDue, r.Resolve(task, d("2024-05-30")))
}

func TestCountPerPeriodUsesCompletionHistory(t *testing.T) {
	task := domain.Task{ID: "gym", Rule: domain.CountPerPeriod(3, calendar.PeriodWeek)}
	today := d("2024-01-05") // Friday; week is 2023-12-31..2024-01-06

	counter := fakeCounter{"gym": {d("2024-01-01"), d("2024-01-02"), d("2024-01-03")}}
	r := New(sundayCal, counter)
	assert.Equal(t, NotDue, r.Resolve(task, today))

	counter["gym"] = counter["gym"][:2]
	assert.Equal(t, Due, r.Resolve(task, today))

	// completions from the previous week do not count
	counter["gym"] = []calendar.Date{d("2023-12-28"), d("2023-12-29"), d("2023-12-30")}
	assert.Equal(t, Due, r.Resolve(task, today))

	// completions later in the period are outside [start, date]
	counter["gym"] = []calendar.Date{d("2024-01-06"), d("2024-01-06"), d("2024-01-06")}
	assert.Equal(t, Due, r.Resolve(task, today))
}

func TestCountPerMonth(t *testing.T) {
	task := domain.Task{ID: "t", Rule: domain.CountPerPeriod(1, calendar.PeriodMonth)}
	counter := fakeCounter{"t": {d("2024-02-03")}}
	r := New(sundayCal, counter)
	assert.Equal(t, Due, r.Resolve(task, d("2024-02-02")))
	assert.Equal(t, NotDue, r.Resolve(task, d("2024-02-20")))
	assert.Equal(t, Due, r.Resolve(task, d("2024-03-01")))
}

func TestIntervalMonths(t *testing.T) {
	r := New(sundayCal, nil)
	task := domain.Task{ID: "t", Rule: domain.Interval(2, domain.UnitMonths, d("2024-01-15"))}
	for _, due := range []string{"2024-01-15", "2024-03-15", "2024-05-15", "2025-01-15"} {
		assert.Equal(t, Due, r.Resolve(task, d(due)), due)
	}
	for _, not := range []string{"2024-02-15", "2024-03-14", "2024-03-16", "2023-11-15"} {
		assert.Equal(t, NotDue, r.Resolve(task, d(not)), not)
	}

	endOfMonth := domain.Task{ID: "t", Rule: domain.Interval(1, domain.UnitMonths, d("2024-01-31"))}
	assert.Equal(t, Due, r.Resolve(endOfMonth, d("2024-02-29")))
	assert.Equal(t, Due, r.Resolve(endOfMonth, d("2024-04-30")))
	assert.Equal(t, NotDue, r.Resolve(endOfMonth, d("2024-04-29")))
}

func TestIntervalDaysAndWeeks(t *testing.T) {
	r := New(sundayCal, nil)
	every3 := domain.Task{ID: "t", Rule: domain.Interval(3, domain.UnitDays, d("2024-01-01"))}
	assert.Equal(t, Due, r.Resolve(every3, d("2024-01-01")))
	assert.Equal(t, NotDue, r.Resolve(every3, d("2024-01-02")))
	assert.Equal(t, Due, r.Resolve(every3, d("2024-01-04")))
	assert.Equal(t, NotDue, r.Resolve(every3, d("2023-12-29")), "before the anchor")

	biweekly := domain.Task{ID: "t", Rule: domain.Interval(2, domain.UnitWeeks, d("2024-01-01"))}
	assert.Equal(t, Due, r.Resolve(biweekly, d("2024-01-15")))
	assert.Equal(t, NotDue, r.Resolve(biweekly, d("2024-01-08")))
}

func TestIntervalYears(t *testing.T) {
	r := New(sundayCal, nil)
	leap := domain.Task{ID: "t", Rule: domain.Interval(1, domain.UnitYears, d("2024-02-29"))}
	assert.Equal(t, Due, r.Resolve(leap, d("2025-02-28")))
	assert.Equal(t, NotDue, r.Resolve(leap, d("2025-03-01")))
	assert.Equal(t, Due, r.Resolve(leap, d("2028-02-29")))

	everyOther := domain.Task{ID: "t", Rule: domain.Interval(2, domain.UnitYears, d("2024-06-01"))}
	assert.Equal(t, NotDue, r.Resolve(everyOther, d("2025-06-01")))
	assert.Equal(t, Due, r.Resolve(everyOther, d("2026-06-01")))
	assert.Equal(t, NotDue, r.Resolve(everyOther, d("2026-07-01")))
}

func TestModifierPrecedence(t *testing.T) {
	r := New(sundayCal, nil)

	held := domain.Task{ID: "t", Rule: domain.Daily(), Hold: &domain.Hold{Start: d("2024-01-10")}}
	assert.Equal(t, Due, r.Resolve(held, d("2024-01-09")))
	assert.Equal(t, Suspended, r.Resolve(held, d("2024-01-10")))
	assert.Equal(t, Suspended, r.Resolve(held, d("2026-01-10")), "open-ended hold")

	bounded := domain.Task{ID: "t", Rule: domain.Daily(), Hold: &domain.Hold{Start: d("2024-01-10"), End: dp("2024-01-12")}}
	assert.Equal(t, Suspended, r.Resolve(bounded, d("2024-01-12")))
	assert.Equal(t, Due, r.Resolve(bounded, d("2024-01-13")))

	windowed := domain.Task{ID: "t", Rule: domain.Daily(), Active: &domain.Window{Start: dp("2024-01-05"), End: dp("2024-01-07")}}
	assert.Equal(t, NotDue, r.Resolve(windowed, d("2024-01-04")))
	assert.Equal(t, Due, r.Resolve(windowed, d("2024-01-05")))
	assert.Equal(t, Due, r.Resolve(windowed, d("2024-01-07")))
	assert.Equal(t, NotDue, r.Resolve(windowed, d("2024-01-08")))

	// hold wins over the active window
	windowed.Hold = &domain.Hold{Start: d("2024-01-01")}
	assert.Equal(t, Suspended, r.Resolve(windowed, d("2024-01-04")))

	oneOff := domain.Task{ID: "t", Rule: domain.Daily(), SpecificDate: dp("2024-02-02")}
	assert.Equal(t, Due, r.Resolve(oneOff, d("2024-02-02")))
	assert.Equal(t, NotDue, r.Resolve(oneOff, d("2024-02-03")), "specific date overrides the daily rule")

	outside := domain.Task{ID: "t", SpecificDate: dp("2024-02-02"), Active: &domain.Window{End: dp("2024-01-31")}}
	assert.Equal(t, NotDue, r.Resolve(outside, d("2024-02-02")))
}

func TestCustomPattern(t *testing.T) {
	r := New(sundayCal, nil)
	task := domain.Task{ID: "t", Rule: domain.Custom("15th of every month")}
	assert.Equal(t, Due, r.Resolve(task, d("2024-06-15")))
	assert.Equal(t, NotDue, r.Resolve(task, d("2024-06-16")))

	clamped := domain.Task{ID: "t", Rule: domain.Custom("31st of each month")}
	assert.Equal(t, Due, r.Resolve(clamped, d("2024-06-30")))

	junk := domain.Task{ID: "t", Rule: domain.Custom("every other full moon")}
	state, err := r.Explain(junk, d("2024-06-15"))
	assert.Equal(t, NotDue, state)
	assert.ErrorIs(t, err, ErrUnparseableCustomPattern)
	assert.Equal(t, NotDue, r.Resolve(junk, d("2024-06-15")))
	assert.ErrorIs(t, Check(junk), ErrUnparseableCustomPattern)
	assert.NoError(t, Check(task))
}

func TestParseCustomPattern(t *testing.T) {
	ok := map[string]int{
		"15th of every month":            15,
		"1st of each month":              1,
		"the 2nd of every month":         2,
		"On the 23rd day of every month": 23,
		"7 of every month":               7,
		"  31ST OF EVERY MONTH ":         31,
	}
	for in, want := range ok {
		got, err := ParseCustomPattern(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "monthly", "0th of every month", "32nd of every month", "15th of every week", "every 15th"} {
		_, err := ParseCustomPattern(in)
		assert.ErrorIs(t, err, ErrUnparseableCustomPattern, in)
	}
}

func TestUnknownKindDegradesToNotDue(t *testing.T) {
	r := New(sundayCal, nil)
	state, err := r.Explain(domain.Task{ID: "t", Rule: domain.Rule{Kind: "hourly"}}, d("2024-01-01"))
	assert.Equal(t, NotDue, state)
	assert.ErrorIs(t, err, domain.ErrInvalidTask)
}

func TestDueTasks(t *testing.T) {
	r := New(sundayCal, nil)
	tasks := []domain.Task{
		{ID: "a", Rule: domain.Daily()},
		{ID: "b", Rule: domain.Weekly(0)},
		{ID: "c", Rule: domain.Daily(), Hold: &domain.Hold{Start: d("2024-01-01")}},
	}
	due := r.DueTasks(tasks, d("2024-01-01")) // Monday
	require.Len(t, due, 1)
	assert.Equal(t, "a", due[0].ID)
}
