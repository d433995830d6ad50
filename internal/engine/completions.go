package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"habitline/internal/calendar"
	"habitline/internal/domain"
	"habitline/internal/events"
	"habitline/internal/ledger"
	"habitline/internal/recurrence"
	"habitline/internal/repo"
)

// periodSpan covers the longest counting period plus the day itself.
const periodSpan = 31

// CompleteOptions carries the optional attributes of a manual completion.
type CompleteOptions = ledger.Details

// Complete records taskID as done on date and cascades to dependents in one
// transaction. A broken dependency cycle still commits and is returned as a
// *ledger.CycleError next to the cascade.
func (e Engine) Complete(ctx context.Context, taskID string, date calendar.Date, opts CompleteOptions) (ledger.Cascade, error) {
	date = e.orToday(date)
	if opts.DurationMinutes != nil && *opts.DurationMinutes < 0 {
		return ledger.Cascade{}, fmt.Errorf("%w: duration must not be negative", domain.ErrInvalidTask)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Cascade{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTaskTx(ctx, tx, taskID); err != nil {
		return ledger.Cascade{}, err
	}
	l := e.ledger(tx)
	if e.Config.Ledger.CascadeRequiresDue {
		l.DueCheck = func(ctx context.Context, id string, d calendar.Date) (bool, error) {
			state, err := e.resolveTx(ctx, tx, id, d)
			return state == recurrence.Due, err
		}
	}
	res, cascadeErr := l.Complete(ctx, taskID, date, opts)
	var cycle *ledger.CycleError
	if cascadeErr != nil && !errors.As(cascadeErr, &cycle) {
		return res, cascadeErr
	}

	w := e.writer()
	if err := w.Append(ctx, tx, events.CompletionRecorded, "task", taskID, events.EventPayload{
		"date":             date.String(),
		"duration_minutes": opts.DurationMinutes,
	}); err != nil {
		return res, err
	}
	for _, id := range res.Completed {
		if id == taskID {
			continue
		}
		if err := w.Append(ctx, tx, events.CompletionCascaded, "task", id, events.EventPayload{"date": date.String(), "from": taskID}); err != nil {
			return res, err
		}
	}
	if cycle != nil {
		if err := w.Append(ctx, tx, events.CascadeCycleBroken, "task", taskID, events.EventPayload{"date": date.String(), "path": cycle.Path}); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	e.Logger.Info().Str("task_id", taskID).Str("date", date.String()).Strs("cascaded", res.Completed[1:]).Msg("completion recorded")
	if cycle != nil {
		return res, cycle
	}
	return res, nil
}

func (e Engine) ledger(tx *sql.Tx) ledger.Ledger {
	l := ledger.New(repo.TxStore{Repo: e.Repo, Tx: tx})
	l.Now = e.now
	l.Logger = e.Logger
	return l
}

// Uncomplete removes the record for (taskID, date). Dependents keep theirs.
func (e Engine) Uncomplete(ctx context.Context, taskID string, date calendar.Date) (bool, error) {
	date = e.orToday(date)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTaskTx(ctx, tx, taskID); err != nil {
		return false, err
	}
	removed, err := e.ledger(tx).Uncomplete(ctx, taskID, date)
	if err != nil {
		return false, err
	}
	if removed {
		if err := e.writer().Append(ctx, tx, events.CompletionRemoved, "task", taskID, events.EventPayload{"date": date.String()}); err != nil {
			return false, err
		}
	}
	return removed, tx.Commit()
}

// History returns the task's completions in [start, end].
func (e Engine) History(ctx context.Context, taskID string, start, end calendar.Date) ([]domain.Completion, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	end = e.orToday(end)
	if start.IsZero() {
		start = end.AddDays(-(e.Config.Analytics.WindowDays - 1))
	}
	items, err := e.ledger(nil).CompletionsInRange(ctx, taskID, start, end)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Completion{}
	}
	return items, nil
}

// IsComplete reports whether taskID has a record on date.
func (e Engine) IsComplete(ctx context.Context, taskID string, date calendar.Date) (bool, error) {
	return e.ledger(nil).IsComplete(ctx, taskID, e.orToday(date))
}

func (e Engine) resolveTx(ctx context.Context, tx *sql.Tx, taskID string, date calendar.Date) (recurrence.DueState, error) {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return recurrence.NotDue, err
	}
	start := date.AddDays(-periodSpan)
	records, err := e.Repo.ListCompletions(ctx, tx, repo.CompletionFilters{TaskID: taskID, Start: &start, End: &date})
	if err != nil {
		return recurrence.NotDue, err
	}
	return e.resolver(ledger.NewIndex(records)).Resolve(t, date), nil
}
