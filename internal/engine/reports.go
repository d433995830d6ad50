package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"habitline/internal/analytics"
	"habitline/internal/calendar"
	"habitline/internal/domain"
	"habitline/internal/ledger"
	"habitline/internal/recurrence"
	"habitline/internal/repo"
)

// Resolution is the due state of one task on one date.
type Resolution struct {
	TaskID  string              `json:"task_id"`
	Date    calendar.Date       `json:"date"`
	State   recurrence.DueState `json:"state"`
	Warning string              `json:"warning,omitempty"`
}

func (e Engine) Resolve(ctx context.Context, taskID string, date calendar.Date) (Resolution, error) {
	date = e.orToday(date)
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return Resolution{}, err
	}
	start := date.AddDays(-periodSpan)
	records, err := e.Repo.ListCompletions(ctx, nil, repo.CompletionFilters{TaskID: taskID, Start: &start, End: &date})
	if err != nil {
		return Resolution{}, err
	}
	return e.resolution(e.resolver(ledger.NewIndex(records)), t, date), nil
}

func (e Engine) resolution(r recurrence.Resolver, t domain.Task, date calendar.Date) Resolution {
	state, err := r.Explain(t, date)
	out := Resolution{TaskID: t.ID, Date: date, State: state}
	if err != nil {
		out.Warning = err.Error()
		e.Logger.Warn().Err(err).Str("task_id", t.ID).Str("date", date.String()).Msg("task treated as not due")
	}
	return out
}

// AgendaItem is a task with its due state and completion on the agenda date.
type AgendaItem struct {
	Task      domain.Task         `json:"task"`
	State     recurrence.DueState `json:"state"`
	Completed bool                `json:"completed"`
	Warning   string              `json:"warning,omitempty"`
}

type Agenda struct {
	Date  calendar.Date `json:"date"`
	Items []AgendaItem  `json:"items"`
}

// Agenda lists every task with its due state on date. Due tasks come first.
func (e Engine) Agenda(ctx context.Context, date calendar.Date) (Agenda, error) {
	date = e.orToday(date)
	tasks, records, err := e.snapshot(ctx, date.AddDays(-periodSpan), date)
	if err != nil {
		return Agenda{}, err
	}
	idx := ledger.NewIndex(records)
	r := e.resolver(idx)
	due := make([]AgendaItem, 0, len(tasks))
	var rest []AgendaItem
	for _, t := range tasks {
		res := e.resolution(r, t, date)
		item := AgendaItem{Task: t, State: res.State, Completed: idx.Has(t.ID, date), Warning: res.Warning}
		if item.State == recurrence.Due {
			due = append(due, item)
		} else {
			rest = append(rest, item)
		}
	}
	return Agenda{Date: date, Items: append(due, rest...)}, nil
}

// Analytics computes the dashboard snapshot for the window ending on today.
// A windowDays of zero uses the configured window.
func (e Engine) Analytics(ctx context.Context, today calendar.Date, windowDays int) (analytics.Snapshot, error) {
	today = e.orToday(today)
	opts := e.Config.AnalyticsOptions()
	if windowDays <= 0 {
		windowDays = opts.WindowDays
	}
	span := max(opts.StreakLookbackDays, windowDays) + periodSpan
	tasks, records, err := e.snapshot(ctx, today.AddDays(-span), today)
	if err != nil {
		return analytics.Snapshot{}, err
	}
	a := analytics.Engine{Calendar: e.cal(), Options: opts, Logger: e.Logger}
	return a.Compute(tasks, records, today, windowDays), nil
}

// snapshot loads all tasks and the completions in [start, end] concurrently.
func (e Engine) snapshot(ctx context.Context, start, end calendar.Date) ([]domain.Task, []domain.Completion, error) {
	var (
		tasks   []domain.Task
		records []domain.Completion
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tasks, err = e.Repo.ListTasks(gctx, repo.TaskFilters{})
		return err
	})
	g.Go(func() error {
		var err error
		records, err = e.Repo.ListCompletions(gctx, nil, repo.CompletionFilters{Start: &start, End: &end})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return tasks, records, nil
}
