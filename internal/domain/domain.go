package domain

import (
	"errors"
	"fmt"
	"time"

	"habitline/internal/calendar"
)

// ErrInvalidTask wraps every task or rule validation failure.
var ErrInvalidTask = errors.New("invalid task")

// DefaultCategory is the rollup bucket for tasks without a category.
const DefaultCategory = "Uncategorized"

// DefaultWeightage is applied when a task is created without one.
const DefaultWeightage = 5

type RuleKind string

const (
	RuleDaily          RuleKind = "daily"
	RuleWeekly         RuleKind = "weekly"
	RuleMonthlyByDay   RuleKind = "monthly_by_day"
	RuleCountPerPeriod RuleKind = "count_per_period"
	RuleInterval       RuleKind = "interval"
	RuleCustom         RuleKind = "custom"
)

type IntervalUnit string

const (
	UnitDays   IntervalUnit = "days"
	UnitWeeks  IntervalUnit = "weeks"
	UnitMonths IntervalUnit = "months"
	UnitYears  IntervalUnit = "years"
)

// Rule is a tagged union over Kind; only the fields of the active kind are read.
type Rule struct {
	Kind       RuleKind        `json:"kind" yaml:"kind"`
	DaysOfWeek []int           `json:"days_of_week,omitempty" yaml:"days_of_week,omitempty"`
	DayOfMonth int             `json:"day_of_month,omitempty" yaml:"day_of_month,omitempty"`
	Count      int             `json:"count,omitempty" yaml:"count,omitempty"`
	Period     calendar.Period `json:"period,omitempty" yaml:"period,omitempty"`
	Every      int             `json:"every,omitempty" yaml:"every,omitempty"`
	Unit       IntervalUnit    `json:"unit,omitempty" yaml:"unit,omitempty"`
	Anchor     *calendar.Date  `json:"anchor,omitempty" yaml:"anchor,omitempty"`
	Pattern    string          `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

func Daily() Rule { return Rule{Kind: RuleDaily} }

func Weekly(days ...int) Rule { return Rule{Kind: RuleWeekly, DaysOfWeek: days} }

func MonthlyByDay(day int) Rule { return Rule{Kind: RuleMonthlyByDay, DayOfMonth: day} }

func CountPerPeriod(count int, period calendar.Period) Rule {
	return Rule{Kind: RuleCountPerPeriod, Count: count, Period: period}
}

func Interval(every int, unit IntervalUnit, anchor calendar.Date) Rule {
	return Rule{Kind: RuleInterval, Every: every, Unit: unit, Anchor: &anchor}
}

func Custom(pattern string) Rule { return Rule{Kind: RuleCustom, Pattern: pattern} }

// Validate checks the fields of the active kind. Custom pattern text is not
// parsed here; an unparseable pattern is a data-quality warning, not a write error.
func (r Rule) Validate() error {
	switch r.Kind {
	case RuleDaily:
		return nil
	case RuleWeekly:
		if len(r.DaysOfWeek) == 0 {
			return invalid("weekly rule needs at least one day of week")
		}
		for _, d := range r.DaysOfWeek {
			if d < 0 || d > 6 {
				return invalid("day of week %d out of range 0..6", d)
			}
		}
		return nil
	case RuleMonthlyByDay:
		if r.DayOfMonth < 1 || r.DayOfMonth > 31 {
			return invalid("day of month %d out of range 1..31", r.DayOfMonth)
		}
		return nil
	case RuleCountPerPeriod:
		if r.Count <= 0 {
			return invalid("count must be positive")
		}
		if r.Period != calendar.PeriodWeek && r.Period != calendar.PeriodMonth {
			return invalid("count period must be week or month, got %q", r.Period)
		}
		return nil
	case RuleInterval:
		if r.Every <= 0 {
			return invalid("interval every must be positive")
		}
		switch r.Unit {
		case UnitDays, UnitWeeks, UnitMonths, UnitYears:
		default:
			return invalid("interval unit must be days, weeks, months or years, got %q", r.Unit)
		}
		if r.Anchor == nil || r.Anchor.IsZero() {
			return invalid("interval rule needs an anchor date")
		}
		return nil
	case RuleCustom:
		if r.Pattern == "" {
			return invalid("custom rule needs pattern text")
		}
		return nil
	case "":
		return invalid("rule kind is required")
	}
	return invalid("unknown rule kind %q", r.Kind)
}

// Window bounds the dates a task can be due on; both ends are inclusive.
type Window struct {
	Start *calendar.Date `json:"start,omitempty" yaml:"start,omitempty"`
	End   *calendar.Date `json:"end,omitempty" yaml:"end,omitempty"`
}

// Hold suspends a task from Start until End, or indefinitely without End.
type Hold struct {
	Start calendar.Date  `json:"start" yaml:"start"`
	End   *calendar.Date `json:"end,omitempty" yaml:"end,omitempty"`
}

// Covers reports whether d falls inside the hold.
func (h Hold) Covers(d calendar.Date) bool {
	if d.Before(h.Start) {
		return false
	}
	return h.End == nil || !h.End.Before(d)
}

// Task is a task definition. The engine only reads it.
type Task struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	Category     string         `json:"category,omitempty" yaml:"category,omitempty"`
	Tags         []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Weightage    int            `json:"weightage" yaml:"weightage"`
	Rule         Rule           `json:"rule" yaml:"rule"`
	SpecificDate *calendar.Date `json:"specific_date,omitempty" yaml:"specific_date,omitempty"`
	Active       *Window        `json:"active,omitempty" yaml:"active,omitempty"`
	Hold         *Hold          `json:"hold,omitempty" yaml:"hold,omitempty"`
	DependsOn    []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	CreatedAt    string         `json:"created_at" yaml:"-" format:"date-time"`
	UpdatedAt    string         `json:"updated_at" yaml:"-" format:"date-time"`
}

// CategoryOrDefault returns the rollup bucket name.
func (t Task) CategoryOrDefault() string {
	if t.Category == "" {
		return DefaultCategory
	}
	return t.Category
}

// Validate checks a task definition before it is written.
func (t Task) Validate() error {
	if t.Name == "" {
		return invalid("name is required")
	}
	if t.Weightage < 1 || t.Weightage > 10 {
		return invalid("weightage %d out of range 1..10", t.Weightage)
	}
	if t.SpecificDate == nil {
		if err := t.Rule.Validate(); err != nil {
			return err
		}
	} else if t.Rule.Kind != "" {
		if err := t.Rule.Validate(); err != nil {
			return err
		}
	}
	if t.Active != nil && t.Active.Start != nil && t.Active.End != nil && t.Active.End.Before(*t.Active.Start) {
		return invalid("active window ends before it starts")
	}
	if t.Hold != nil {
		if t.Hold.Start.IsZero() {
			return invalid("hold needs a start date")
		}
		if t.Hold.End != nil && t.Hold.End.Before(t.Hold.Start) {
			return invalid("hold ends before it starts")
		}
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID && dep != "" {
			return invalid("task cannot depend on itself")
		}
	}
	return nil
}

const (
	SourceManual  = "manual"
	SourceCascade = "cascade"
)

// Completion is the record for (TaskID, Date); the pair is unique.
type Completion struct {
	TaskID          string        `json:"task_id"`
	Date            calendar.Date `json:"date"`
	CompletedAt     time.Time     `json:"completed_at"`
	DurationMinutes *int          `json:"duration_minutes,omitempty"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	Source          string        `json:"source"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTask, fmt.Sprintf(format, args...))
}
