// Package calendar holds the date-only arithmetic shared by the resolver and
// the analytics engine. Every function is pure; dates carry no time zone.
package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Layout is the ISO calendar date format used on every boundary.
const Layout = "2006-01-02"

var (
	// ErrInvalidDate is returned for malformed or out-of-range date input.
	ErrInvalidDate = errors.New("invalid date")
	// ErrUnknownPeriod is returned for a period other than week or month.
	ErrUnknownPeriod = errors.New("unknown period")
	// ErrUnknownWeekday is returned when a configured week start cannot be parsed.
	ErrUnknownWeekday = errors.New("unknown weekday")
	// ErrInvalidRange is returned when a date range ends before it starts.
	ErrInvalidRange = errors.New("invalid date range")
)

// Date is a calendar date. The zero value means "unset".
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// New normalizes y-m-d the way time.Date does (2024-02-30 becomes 2024-03-01).
func New(year int, month time.Month, day int) Date {
	return FromTime(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// FromTime takes the calendar date of t in t's own location.
func FromTime(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// Parse reads a YYYY-MM-DD string.
func Parse(s string) (Date, error) {
	t, err := time.Parse(Layout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("%w %q", ErrInvalidDate, s)
	}
	return FromTime(t), nil
}

// MustParse is Parse for literals; it panics on bad input.
func MustParse(s string) Date {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ParseOptional returns nil for an empty string.
func ParseOptional(s string) (*Date, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	d, err := Parse(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (d Date) IsZero() bool { return d == Date{} }

// Time returns midnight UTC of d.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Time().Format(Layout)
}

func (d Date) AddDays(n int) Date {
	return FromTime(d.Time().AddDate(0, 0, n))
}

// Compare returns -1, 0 or +1.
func (d Date) Compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return cmpInt(d.Year, o.Year)
	case d.Month != o.Month:
		return cmpInt(int(d.Month), int(o.Month))
	default:
		return cmpInt(d.Day, o.Day)
	}
}

func (d Date) Before(o Date) bool { return d.Compare(o) < 0 }
func (d Date) After(o Date) bool  { return d.Compare(o) > 0 }

// Between reports whether start <= d <= end.
func (d Date) Between(start, end Date) bool {
	return !d.Before(start) && !d.After(end)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	if len(strings.TrimSpace(string(b))) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// DayOfMonth returns 1..31.
func DayOfMonth(d Date) int { return d.Day }

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ClampDay caps day at the last day of year-month.
func ClampDay(year int, month time.Month, day int) int {
	if last := DaysIn(year, month); day > last {
		return last
	}
	return day
}

const secondsPerDay = 24 * 60 * 60

// DaysBetween returns b - a in whole days. Both sides are UTC midnights, so
// the Unix seconds divide exactly.
func DaysBetween(a, b Date) int {
	return int((b.Time().Unix() - a.Time().Unix()) / secondsPerDay)
}

// MonthsBetween is the calendar-month difference b - a; the day of month is ignored.
func MonthsBetween(a, b Date) int {
	return (b.Year-a.Year)*12 + int(b.Month) - int(a.Month)
}

// YearsBetween is the calendar-year difference b - a.
func YearsBetween(a, b Date) int {
	return b.Year - a.Year
}

// Period is the counting window for count-based frequencies.
type Period string

const (
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case PeriodWeek, PeriodMonth:
		return p, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownPeriod, s)
}

// Calendar carries the week-start setting so every consumer indexes weekdays
// the same way.
type Calendar struct {
	WeekStart time.Weekday
}

// Weekday returns 0..6 where 0 is the configured week start.
func (c Calendar) Weekday(d Date) int {
	return (int(d.Time().Weekday()) - int(c.WeekStart) + 7) % 7
}

// PeriodBounds returns the inclusive first and last day of the week or month
// containing d.
func (c Calendar) PeriodBounds(d Date, p Period) (Date, Date, error) {
	switch p {
	case PeriodWeek:
		start := d.AddDays(-c.Weekday(d))
		return start, start.AddDays(6), nil
	case PeriodMonth:
		return Date{Year: d.Year, Month: d.Month, Day: 1},
			Date{Year: d.Year, Month: d.Month, Day: DaysIn(d.Year, d.Month)}, nil
	}
	return Date{}, Date{}, fmt.Errorf("%w %q", ErrUnknownPeriod, p)
}

// ParseWeekday accepts full or three-letter English weekday names.
func ParseWeekday(s string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		name := strings.ToLower(wd.String())
		if key == name || key == name[:3] {
			return wd, nil
		}
	}
	return time.Sunday, fmt.Errorf("%w %q", ErrUnknownWeekday, s)
}

// Range returns every date from start to end inclusive.
func Range(start, end Date) []Date {
	if end.Before(start) {
		return nil
	}
	out := make([]Date, 0, DaysBetween(start, end)+1)
	for d := start; !d.After(end); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out
}

// Window returns the trailing window of n days ending at today.
func Window(today Date, n int) (Date, Date) {
	if n < 1 {
		n = 1
	}
	return today.AddDays(-(n - 1)), today
}
