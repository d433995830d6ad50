// Package recurrence decides whether a task definition is due on a date.
package recurrence

import (
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"habitline/internal/calendar"
	"habitline/internal/domain"
)

// DueState is the outcome of resolving a task on one date.
type DueState string

const (
	Due       DueState = "due"
	NotDue    DueState = "not_due"
	Suspended DueState = "suspended"
)

// ErrUnparseableCustomPattern marks a custom rule that resolves to NotDue.
// It is a data-quality warning; Resolve never returns it.
var ErrUnparseableCustomPattern = errors.New("unparseable custom pattern")

// Counter reports how many completions a task has in [start, end].
// Count-based rules consult it on every call; results must not be cached
// across completions.
type Counter interface {
	CountCompletions(taskID string, start, end calendar.Date) int
}

// Resolver evaluates tasks against a calendar. A nil Counter counts zero.
type Resolver struct {
	Calendar calendar.Calendar
	Counter  Counter
	Logger   zerolog.Logger
}

// New returns a resolver with a no-op logger.
func New(cal calendar.Calendar, counter Counter) Resolver {
	return Resolver{Calendar: cal, Counter: counter, Logger: zerolog.Nop()}
}

// Resolve returns the due state of task on date. Rule problems degrade to
// NotDue and are logged.
func (r Resolver) Resolve(task domain.Task, date calendar.Date) DueState {
	state, err := r.Explain(task, date)
	if err != nil {
		r.Logger.Warn().Err(err).Str("task_id", task.ID).Str("date", date.String()).Msg("task treated as not due")
	}
	return state
}

// Explain is Resolve plus the data-quality warning, if any. The state is
// always usable; a non-nil error never means the call failed.
func (r Resolver) Explain(task domain.Task, date calendar.Date) (DueState, error) {
	if task.Hold != nil && task.Hold.Covers(date) {
		return Suspended, nil
	}
	if w := task.Active; w != nil {
		if w.Start != nil && date.Before(*w.Start) {
			return NotDue, nil
		}
		if w.End != nil && date.After(*w.End) {
			return NotDue, nil
		}
	}
	if task.SpecificDate != nil {
		return dueIf(date == *task.SpecificDate), nil
	}
	return r.dispatch(task, date)
}

func (r Resolver) dispatch(task domain.Task, date calendar.Date) (DueState, error) {
	rule := task.Rule
	switch rule.Kind {
	case domain.RuleDaily:
		return Due, nil
	case domain.RuleWeekly:
		return dueIf(slices.Contains(rule.DaysOfWeek, r.Calendar.Weekday(date))), nil
	case domain.RuleMonthlyByDay:
		return dueIf(matchesDayOfMonth(date, rule.DayOfMonth)), nil
	case domain.RuleCountPerPeriod:
		return r.countPerPeriod(task, date)
	case domain.RuleInterval:
		return interval(rule, date)
	case domain.RuleCustom:
		day, err := ParseCustomPattern(rule.Pattern)
		if err != nil {
			return NotDue, err
		}
		return dueIf(matchesDayOfMonth(date, day)), nil
	}
	return NotDue, fmt.Errorf("%w: unknown rule kind %q", domain.ErrInvalidTask, rule.Kind)
}

func (r Resolver) countPerPeriod(task domain.Task, date calendar.Date) (DueState, error) {
	start, _, err := r.Calendar.PeriodBounds(date, task.Rule.Period)
	if err != nil {
		return NotDue, err
	}
	n := 0
	if r.Counter != nil {
		n = r.Counter.CountCompletions(task.ID, start, date)
	}
	return dueIf(n < task.Rule.Count), nil
}

func interval(rule domain.Rule, date calendar.Date) (DueState, error) {
	if rule.Anchor == nil || rule.Every <= 0 {
		return NotDue, fmt.Errorf("%w: interval rule needs every and anchor", domain.ErrInvalidTask)
	}
	anchor := *rule.Anchor
	switch rule.Unit {
	case domain.UnitDays, domain.UnitWeeks:
		step := rule.Every
		if rule.Unit == domain.UnitWeeks {
			step *= 7
		}
		d := calendar.DaysBetween(anchor, date)
		return dueIf(d >= 0 && d%step == 0), nil
	case domain.UnitMonths:
		m := calendar.MonthsBetween(anchor, date)
		return dueIf(m >= 0 && m%rule.Every == 0 && matchesDayOfMonth(date, anchor.Day)), nil
	case domain.UnitYears:
		y := calendar.YearsBetween(anchor, date)
		return dueIf(y >= 0 && y%rule.Every == 0 && date.Month == anchor.Month && matchesDayOfMonth(date, anchor.Day)), nil
	}
	return NotDue, fmt.Errorf("%w: unknown interval unit %q", domain.ErrInvalidTask, rule.Unit)
}

// matchesDayOfMonth compares against day clamped to the length of date's month.
func matchesDayOfMonth(date calendar.Date, day int) bool {
	return date.Day == calendar.ClampDay(date.Year, date.Month, day)
}

func dueIf(ok bool) DueState {
	if ok {
		return Due
	}
	return NotDue
}

// Check reports the data-quality problem of a task's rule without resolving
// a date. Tasks pinned to a specific date never warn.
func Check(task domain.Task) error {
	if task.SpecificDate != nil {
		return nil
	}
	if task.Rule.Kind == domain.RuleCustom {
		_, err := ParseCustomPattern(task.Rule.Pattern)
		return err
	}
	return task.Rule.Validate()
}

// DueTasks returns the tasks due on date, in input order.
func (r Resolver) DueTasks(tasks []domain.Task, date calendar.Date) []domain.Task {
	var out []domain.Task
	for _, t := range tasks {
		if state, _ := r.Explain(t, date); state == Due {
			out = append(out, t)
		}
	}
	return out
}
