// Package analytics derives completion rates, streaks and rollups from task
// definitions and completion records. Nothing here is stored.
package analytics

import (
	"errors"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"habitline/internal/calendar"
	"habitline/internal/domain"
	"habitline/internal/ledger"
	"habitline/internal/recurrence"
)

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

type Options struct {
	WindowDays         int
	StreakLookbackDays int
	TrendMinWindowDays int
	ImprovingRatio     float64
	DecliningRatio     float64
	// Location is used for the hour-of-day rollup. Nil means time.Local.
	Location *time.Location
}

func DefaultOptions() Options {
	return Options{
		WindowDays:         30,
		StreakLookbackDays: 365,
		TrendMinWindowDays: 4,
		ImprovingRatio:     1.2,
		DecliningRatio:     0.8,
	}
}

type Engine struct {
	Calendar calendar.Calendar
	Options  Options
	Logger   zerolog.Logger
}

func New(cal calendar.Calendar, opts Options) Engine {
	return Engine{Calendar: cal, Options: opts, Logger: zerolog.Nop()}
}

type Snapshot struct {
	Today       calendar.Date `json:"today"`
	WindowStart calendar.Date `json:"window_start"`
	WindowDays  int           `json:"window_days"`

	Expected       int     `json:"expected"`
	Actual         int     `json:"actual"`
	CompletionRate float64 `json:"completion_rate"`

	CurrentStreak int `json:"current_streak"`
	LongestStreak int `json:"longest_streak"`
	PerfectDays   int `json:"perfect_days"`

	Tasks      []TaskReport     `json:"tasks"`
	Categories []CategoryRollup `json:"categories"`
	Weekdays   []WeekdayRollup  `json:"weekdays"`
	Hours      []HourRollup     `json:"hours"`
	Warnings   []Warning        `json:"warnings"`
}

type TaskReport struct {
	TaskID    string `json:"task_id"`
	Name      string `json:"name"`
	Category  string `json:"category"`
	Weightage int    `json:"weightage"`

	Expected int     `json:"expected"`
	Actual   int     `json:"actual"`
	Rate     float64 `json:"rate"`
	Trend    Trend   `json:"trend"`

	TotalDurationMinutes int     `json:"total_duration_minutes"`
	AvgDurationMinutes   float64 `json:"avg_duration_minutes"`
}

type CategoryRollup struct {
	Category    string  `json:"category"`
	TaskCount   int     `json:"task_count"`
	Completions int     `json:"completions"`
	AvgRate     float64 `json:"avg_rate"`
}

type WeekdayRollup struct {
	// Index is relative to the configured week start.
	Index       int     `json:"index"`
	Weekday     string  `json:"weekday"`
	Due         int     `json:"due"`
	Completions int     `json:"completions"`
	Rate        float64 `json:"rate"`
}

type HourRollup struct {
	Hour        int `json:"hour"`
	Completions int `json:"completions"`
}

const (
	WarnUnparseablePattern = "unparseable_custom_pattern"
	WarnInvalidRule        = "invalid_rule"
	WarnUnknownDependency  = "unknown_dependency"
	WarnDependencyCycle    = "dependency_cycle"
	WarnOrphanCompletion   = "orphan_completion"
)

type Warning struct {
	TaskID  string `json:"task_id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e Engine) opts() Options {
	o := e.Options
	d := DefaultOptions()
	if o.WindowDays <= 0 {
		o.WindowDays = d.WindowDays
	}
	if o.StreakLookbackDays <= 0 {
		o.StreakLookbackDays = d.StreakLookbackDays
	}
	if o.TrendMinWindowDays <= 0 {
		o.TrendMinWindowDays = d.TrendMinWindowDays
	}
	if o.ImprovingRatio <= 0 {
		o.ImprovingRatio = d.ImprovingRatio
	}
	if o.DecliningRatio <= 0 {
		o.DecliningRatio = d.DecliningRatio
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

// Compute builds the snapshot for the trailing window ending at today.
// windowDays <= 0 uses Options.WindowDays.
func (e Engine) Compute(tasks []domain.Task, completions []domain.Completion, today calendar.Date, windowDays int) Snapshot {
	o := e.opts()
	if windowDays <= 0 {
		windowDays = o.WindowDays
	}
	idx := ledger.NewIndex(completions)
	res := recurrence.Resolver{Calendar: e.Calendar, Counter: idx, Logger: e.Logger}
	start, end := calendar.Window(today, windowDays)
	days := calendar.Range(start, end)

	snap := Snapshot{
		Today:       today,
		WindowStart: start,
		WindowDays:  windowDays,
		Tasks:       []TaskReport{},
		Warnings:    e.warnings(tasks, idx),
	}

	weekdays := make([]WeekdayRollup, 7)
	for i := range weekdays {
		weekdays[i].Index = i
		weekdays[i].Weekday = time.Weekday((int(e.Calendar.WeekStart) + i) % 7).String()
	}
	hours := make([]HourRollup, 24)
	for h := range hours {
		hours[h].Hour = h
	}
	categories := map[string]*CategoryRollup{}

	for _, t := range tasks {
		report := TaskReport{
			TaskID:    t.ID,
			Name:      t.Name,
			Category:  t.CategoryOrDefault(),
			Weightage: t.Weightage,
		}
		for _, day := range days {
			state, _ := res.Explain(t, day)
			if state != recurrence.Due {
				continue
			}
			report.Expected++
			weekdays[e.Calendar.Weekday(day)].Due++
		}
		inWindow := idx.InRange(t.ID, start, end)
		report.Actual = len(inWindow)
		report.Rate = Rate(report.Actual, report.Expected)
		report.Trend = e.trend(inWindow, start, windowDays, o)

		withDuration := 0
		for _, c := range inWindow {
			weekdays[e.Calendar.Weekday(c.Date)].Completions++
			hours[completionHour(c, o.Location)].Completions++
			if c.DurationMinutes != nil {
				report.TotalDurationMinutes += *c.DurationMinutes
				withDuration++
			}
		}
		if withDuration > 0 {
			report.AvgDurationMinutes = float64(report.TotalDurationMinutes) / float64(withDuration)
		}

		cat := categories[report.Category]
		if cat == nil {
			cat = &CategoryRollup{Category: report.Category}
			categories[report.Category] = cat
		}
		cat.TaskCount++
		cat.Completions += report.Actual

		snap.Expected += report.Expected
		snap.Actual += report.Actual
		snap.Tasks = append(snap.Tasks, report)
	}
	snap.CompletionRate = Rate(snap.Actual, snap.Expected)

	for i := range weekdays {
		weekdays[i].Rate = Rate(weekdays[i].Completions, weekdays[i].Due)
	}
	snap.Weekdays = weekdays
	snap.Hours = hours

	snap.Categories = make([]CategoryRollup, 0, len(categories))
	for _, c := range categories {
		c.AvgRate = Rate(c.Completions, c.TaskCount*windowDays)
		snap.Categories = append(snap.Categories, *c)
	}
	slices.SortFunc(snap.Categories, func(a, b CategoryRollup) int {
		switch {
		case a.Category < b.Category:
			return -1
		case a.Category > b.Category:
			return 1
		}
		return 0
	})

	snap.CurrentStreak, snap.LongestStreak, snap.PerfectDays = e.streak(res, tasks, idx, today, o.StreakLookbackDays)
	e.Logger.Debug().
		Str("today", today.String()).
		Int("window_days", windowDays).
		Int("tasks", len(tasks)).
		Int("completions", idx.Len()).
		Int("warnings", len(snap.Warnings)).
		Msg("analytics computed")
	return snap
}

// Rate is actual/expected as a percentage capped at 100, and 0 when nothing
// was expected.
func Rate(actual, expected int) float64 {
	if expected <= 0 {
		return 0
	}
	r := float64(actual) / float64(expected) * 100
	if r > 100 {
		return 100
	}
	return r
}

func completionHour(c domain.Completion, loc *time.Location) int {
	ts := c.CompletedAt
	if c.StartedAt != nil {
		ts = *c.StartedAt
	}
	return ts.In(loc).Hour()
}

func (e Engine) trend(inWindow []domain.Completion, start calendar.Date, windowDays int, o Options) Trend {
	if windowDays < o.TrendMinWindowDays {
		return TrendStable
	}
	return ClassifyTrend(inWindow, start.AddDays(windowDays/2), o.ImprovingRatio, o.DecliningRatio)
}

// ClassifyTrend compares completions before midpoint with those on or after it.
func ClassifyTrend(records []domain.Completion, midpoint calendar.Date, improving, declining float64) Trend {
	first, second := 0, 0
	for _, c := range records {
		if c.Date.Before(midpoint) {
			first++
		} else {
			second++
		}
	}
	switch {
	case float64(second) > float64(first)*improving:
		return TrendImproving
	case float64(second) < float64(first)*declining:
		return TrendDeclining
	}
	return TrendStable
}

// streak walks back from today. Days with nothing due are skipped. An
// incomplete today is skipped too since the day is not over; any other
// incomplete day ends the walk.
func (e Engine) streak(res recurrence.Resolver, tasks []domain.Task, idx ledger.Index, today calendar.Date, lookback int) (current, longest, perfect int) {
	run := 0
	for i := 0; i < lookback; i++ {
		day := today.AddDays(-i)
		due := 0
		complete := 0
		for _, t := range tasks {
			if state, _ := res.Explain(t, day); state != recurrence.Due {
				continue
			}
			due++
			if idx.Has(t.ID, day) {
				complete++
			}
		}
		if due == 0 {
			continue
		}
		if complete < due {
			if i == 0 {
				continue
			}
			break
		}
		perfect++
		run++
		if run > longest {
			longest = run
		}
	}
	return run, longest, perfect
}

func (e Engine) warnings(tasks []domain.Task, idx ledger.Index) []Warning {
	out := []Warning{}
	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.ID] = true
	}
	for _, t := range tasks {
		if err := recurrence.Check(t); err != nil {
			kind := WarnInvalidRule
			if errors.Is(err, recurrence.ErrUnparseableCustomPattern) {
				kind = WarnUnparseablePattern
			}
			out = append(out, Warning{TaskID: t.ID, Kind: kind, Message: err.Error()})
		}
		for _, dep := range t.DependsOn {
			if !known[dep] {
				out = append(out, Warning{TaskID: t.ID, Kind: WarnUnknownDependency, Message: "depends on unknown task " + dep})
			}
		}
	}
	for _, id := range dependencyCycles(tasks) {
		out = append(out, Warning{TaskID: id, Kind: WarnDependencyCycle, Message: "task is part of a dependency cycle"})
	}
	orphans := map[string]bool{}
	for _, c := range idx.All() {
		if !known[c.TaskID] && !orphans[c.TaskID] {
			orphans[c.TaskID] = true
			out = append(out, Warning{TaskID: c.TaskID, Kind: WarnOrphanCompletion, Message: "completions recorded for unknown task"})
		}
	}
	for _, w := range out {
		e.Logger.Warn().Str("task_id", w.TaskID).Str("kind", w.Kind).Msg(w.Message)
	}
	return out
}

// dependencyCycles returns the ids that sit on a depends_on cycle, in task
// order.
func dependencyCycles(tasks []domain.Task) []string {
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.DependsOn
	}
	const (
		unvisited = iota
		active
		finished
	)
	state := map[string]int{}
	onCycle := map[string]bool{}
	var stack []string
	var visit func(id string)
	visit = func(id string) {
		state[id] = active
		stack = append(stack, id)
		for _, dep := range deps[id] {
			if _, ok := deps[dep]; !ok {
				continue
			}
			switch state[dep] {
			case unvisited:
				visit(dep)
			case active:
				for i := len(stack) - 1; i >= 0; i-- {
					onCycle[stack[i]] = true
					if stack[i] == dep {
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = finished
	}
	for _, t := range tasks {
		if state[t.ID] == unvisited {
			visit(t.ID)
		}
	}
	var out []string
	for _, t := range tasks {
		if onCycle[t.ID] {
			out = append(out, t.ID)
		}
	}
	return out
}
