package server

import (
	"encoding/json"
	"fmt"
	"time"

	"habitline/internal/analytics"
	"habitline/internal/calendar"
	"habitline/internal/domain"
	"habitline/internal/engine"
	"habitline/internal/ledger"
)

// Request payloads. Dates travel as YYYY-MM-DD strings.

type RuleBody struct {
	Kind       string `json:"kind" enum:"daily,weekly,monthly_by_day,count_per_period,interval,custom"`
	DaysOfWeek []int  `json:"days_of_week,omitempty" doc:"0 is the configured week start"`
	DayOfMonth int    `json:"day_of_month,omitempty"`
	Count      int    `json:"count,omitempty"`
	Period     string `json:"period,omitempty" enum:"week,month"`
	Every      int    `json:"every,omitempty"`
	Unit       string `json:"unit,omitempty" enum:"days,weeks,months,years"`
	Anchor     string `json:"anchor,omitempty" format:"date"`
	Pattern    string `json:"pattern,omitempty"`
}

type WindowBody struct {
	Start string `json:"start,omitempty" format:"date"`
	End   string `json:"end,omitempty" format:"date"`
}

type CreateTaskRequest struct {
	ID           *string     `json:"id,omitempty"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	Category     string      `json:"category,omitempty"`
	Tags         []string    `json:"tags,omitempty"`
	Weightage    int         `json:"weightage,omitempty" minimum:"0" maximum:"10"`
	Rule         RuleBody    `json:"rule,omitempty" doc:"may be omitted when specific_date is set"`
	SpecificDate string      `json:"specific_date,omitempty" format:"date"`
	Active       *WindowBody `json:"active,omitempty"`
	DependsOn    []string    `json:"depends_on,omitempty"`
}

type UpdateTaskRequest struct {
	Name              *string     `json:"name,omitempty"`
	Description       *string     `json:"description,omitempty"`
	Category          *string     `json:"category,omitempty"`
	Tags              *[]string   `json:"tags,omitempty"`
	Weightage         *int        `json:"weightage,omitempty" minimum:"1" maximum:"10"`
	Rule              *RuleBody   `json:"rule,omitempty"`
	SpecificDate      *string     `json:"specific_date,omitempty" format:"date"`
	Active            *WindowBody `json:"active,omitempty"`
	DependsOn         *[]string   `json:"depends_on,omitempty"`
	ClearSpecificDate bool        `json:"clear_specific_date,omitempty"`
	ClearActive       bool        `json:"clear_active,omitempty"`
}

type HoldRequest struct {
	Start string `json:"start,omitempty" format:"date"`
	End   string `json:"end,omitempty" format:"date"`
}

type CompleteRequest struct {
	Date            string     `json:"date,omitempty" format:"date"`
	DurationMinutes *int       `json:"duration_minutes,omitempty" minimum:"0"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
}

// Response payloads

type TaskResponse struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	Category     string      `json:"category"`
	Tags         []string    `json:"tags"`
	Weightage    int         `json:"weightage"`
	Rule         RuleBody    `json:"rule"`
	SpecificDate string      `json:"specific_date,omitempty" format:"date"`
	Active       *WindowBody `json:"active,omitempty"`
	Hold         *WindowBody `json:"hold,omitempty"`
	DependsOn    []string    `json:"depends_on"`
	CreatedAt    string      `json:"created_at" format:"date-time"`
	UpdatedAt    string      `json:"updated_at" format:"date-time"`
}

type paginatedTasks struct {
	Items []TaskResponse `json:"items"`
}

type ResolveResponse struct {
	TaskID  string `json:"task_id"`
	Date    string `json:"date" format:"date"`
	State   string `json:"state" enum:"due,not_due,suspended"`
	Warning string `json:"warning,omitempty"`
}

type AgendaItemResponse struct {
	Task      TaskResponse `json:"task"`
	State     string       `json:"state" enum:"due,not_due,suspended"`
	Completed bool         `json:"completed"`
	Warning   string       `json:"warning,omitempty"`
}

type AgendaResponse struct {
	Date  string               `json:"date" format:"date"`
	Items []AgendaItemResponse `json:"items"`
}

type CompletionResponse struct {
	TaskID          string     `json:"task_id"`
	Date            string     `json:"date" format:"date"`
	CompletedAt     time.Time  `json:"completed_at"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	Source          string     `json:"source" enum:"manual,cascade"`
}

type paginatedCompletions struct {
	Items []CompletionResponse `json:"items"`
}

type CascadeResponse struct {
	TaskID          string   `json:"task_id"`
	Date            string   `json:"date" format:"date"`
	Completed       []string `json:"completed"`
	AlreadyComplete []string `json:"already_complete"`
	Skipped         []string `json:"skipped"`
	Cycle           []string `json:"cycle,omitempty" doc:"dependency cycle broken during the cascade"`
}

type UncompleteResponse struct {
	Removed bool `json:"removed"`
}

type AnalyticsResponse struct {
	Today          string                     `json:"today" format:"date"`
	WindowStart    string                     `json:"window_start" format:"date"`
	WindowDays     int                        `json:"window_days"`
	Expected       int                        `json:"expected"`
	Actual         int                        `json:"actual"`
	CompletionRate float64                    `json:"completion_rate"`
	CurrentStreak  int                        `json:"current_streak"`
	LongestStreak  int                        `json:"longest_streak"`
	PerfectDays    int                        `json:"perfect_days"`
	Tasks          []analytics.TaskReport     `json:"tasks"`
	Categories     []analytics.CategoryRollup `json:"categories"`
	Weekdays       []analytics.WeekdayRollup  `json:"weekdays"`
	Hours          []analytics.HourRollup     `json:"hours"`
	Warnings       []analytics.Warning        `json:"warnings"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items []EventResponse `json:"items"`
}

// Mapping helpers

func parseDate(field, s string) (calendar.Date, error) {
	if s == "" {
		return calendar.Date{}, nil
	}
	d, err := calendar.Parse(s)
	if err != nil {
		return calendar.Date{}, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

func parseOptionalDate(field, s string) (*calendar.Date, error) {
	d, err := calendar.ParseOptional(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

func (b RuleBody) rule() (domain.Rule, error) {
	r := domain.Rule{
		Kind:       domain.RuleKind(b.Kind),
		DaysOfWeek: b.DaysOfWeek,
		DayOfMonth: b.DayOfMonth,
		Count:      b.Count,
		Every:      b.Every,
		Unit:       domain.IntervalUnit(b.Unit),
		Pattern:    b.Pattern,
	}
	if b.Period != "" {
		p, err := calendar.ParsePeriod(b.Period)
		if err != nil {
			return r, fmt.Errorf("%w: %v", domain.ErrInvalidTask, err)
		}
		r.Period = p
	}
	anchor, err := parseOptionalDate("rule.anchor", b.Anchor)
	if err != nil {
		return r, err
	}
	r.Anchor = anchor
	return r, nil
}

func (b *WindowBody) window(prefix string) (*domain.Window, error) {
	if b == nil {
		return nil, nil
	}
	start, err := parseOptionalDate(prefix+".start", b.Start)
	if err != nil {
		return nil, err
	}
	end, err := parseOptionalDate(prefix+".end", b.End)
	if err != nil {
		return nil, err
	}
	return &domain.Window{Start: start, End: end}, nil
}

func (req CreateTaskRequest) options() (engine.TaskCreateOptions, error) {
	opts := engine.TaskCreateOptions{
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Tags:        req.Tags,
		Weightage:   req.Weightage,
		DependsOn:   req.DependsOn,
	}
	if req.ID != nil {
		opts.ID = *req.ID
	}
	var err error
	if opts.Rule, err = req.Rule.rule(); err != nil {
		return opts, err
	}
	if opts.SpecificDate, err = parseOptionalDate("specific_date", req.SpecificDate); err != nil {
		return opts, err
	}
	if opts.Active, err = req.Active.window("active"); err != nil {
		return opts, err
	}
	return opts, nil
}

func (req UpdateTaskRequest) options(id string) (engine.TaskUpdateOptions, error) {
	opts := engine.TaskUpdateOptions{
		ID:                id,
		Name:              req.Name,
		Description:       req.Description,
		Category:          req.Category,
		Tags:              req.Tags,
		Weightage:         req.Weightage,
		DependsOn:         req.DependsOn,
		ClearSpecificDate: req.ClearSpecificDate,
		ClearActive:       req.ClearActive,
	}
	if req.Rule != nil {
		r, err := req.Rule.rule()
		if err != nil {
			return opts, err
		}
		opts.Rule = &r
	}
	if req.SpecificDate != nil {
		d, err := parseOptionalDate("specific_date", *req.SpecificDate)
		if err != nil {
			return opts, err
		}
		opts.SpecificDate = d
	}
	var err error
	if opts.Active, err = req.Active.window("active"); err != nil {
		return opts, err
	}
	return opts, nil
}

func dateString(d *calendar.Date) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func ruleBody(r domain.Rule) RuleBody {
	return RuleBody{
		Kind:       string(r.Kind),
		DaysOfWeek: r.DaysOfWeek,
		DayOfMonth: r.DayOfMonth,
		Count:      r.Count,
		Period:     string(r.Period),
		Every:      r.Every,
		Unit:       string(r.Unit),
		Anchor:     dateString(r.Anchor),
		Pattern:    r.Pattern,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	res := TaskResponse{
		ID:           t.ID,
		Name:         t.Name,
		Description:  t.Description,
		Category:     t.CategoryOrDefault(),
		Tags:         nonNilSlice(t.Tags),
		Weightage:    t.Weightage,
		Rule:         ruleBody(t.Rule),
		SpecificDate: dateString(t.SpecificDate),
		DependsOn:    nonNilSlice(t.DependsOn),
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	if t.Active != nil {
		res.Active = &WindowBody{Start: dateString(t.Active.Start), End: dateString(t.Active.End)}
	}
	if t.Hold != nil {
		res.Hold = &WindowBody{Start: t.Hold.Start.String(), End: dateString(t.Hold.End)}
	}
	return res
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func resolveResponse(r engine.Resolution) ResolveResponse {
	return ResolveResponse{TaskID: r.TaskID, Date: r.Date.String(), State: string(r.State), Warning: r.Warning}
}

func agendaResponse(a engine.Agenda) AgendaResponse {
	res := AgendaResponse{Date: a.Date.String(), Items: make([]AgendaItemResponse, 0, len(a.Items))}
	for _, it := range a.Items {
		res.Items = append(res.Items, AgendaItemResponse{
			Task:      taskResponse(it.Task),
			State:     string(it.State),
			Completed: it.Completed,
			Warning:   it.Warning,
		})
	}
	return res
}

func completionResponse(c domain.Completion) CompletionResponse {
	return CompletionResponse{
		TaskID:          c.TaskID,
		Date:            c.Date.String(),
		CompletedAt:     c.CompletedAt,
		DurationMinutes: c.DurationMinutes,
		StartedAt:       c.StartedAt,
		Source:          c.Source,
	}
}

func cascadeResponse(c ledger.Cascade) CascadeResponse {
	return CascadeResponse{
		TaskID:          c.TaskID,
		Date:            c.Date.String(),
		Completed:       nonNilSlice(c.Completed),
		AlreadyComplete: nonNilSlice(c.AlreadyComplete),
		Skipped:         nonNilSlice(c.Skipped),
		Cycle:           c.Cycle,
	}
}

func analyticsResponse(s analytics.Snapshot) AnalyticsResponse {
	return AnalyticsResponse{
		Today:          s.Today.String(),
		WindowStart:    s.WindowStart.String(),
		WindowDays:     s.WindowDays,
		Expected:       s.Expected,
		Actual:         s.Actual,
		CompletionRate: s.CompletionRate,
		CurrentStreak:  s.CurrentStreak,
		LongestStreak:  s.LongestStreak,
		PerfectDays:    s.PerfectDays,
		Tasks:          nonNilSlice(s.Tasks),
		Categories:     nonNilSlice(s.Categories),
		Weekdays:       nonNilSlice(s.Weekdays),
		Hours:          nonNilSlice(s.Hours),
		Warnings:       nonNilSlice(s.Warnings),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
