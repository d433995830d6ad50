// Package ledger records completions and cascades them to dependent tasks.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"habitline/internal/calendar"
	"habitline/internal/domain"
)

// ErrCyclicDependency is matched by *CycleError.
var ErrCyclicDependency = errors.New("cyclic dependency")

// CycleError names the dependency path whose cascade was cut. The last id
// repeats an earlier one.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCyclicDependency }

// Store is the storage side of the ledger. UpsertCompletion must be atomic
// by (task_id, date).
type Store interface {
	UpsertCompletion(ctx context.Context, c domain.Completion) error
	DeleteCompletion(ctx context.Context, taskID string, date calendar.Date) (bool, error)
	GetCompletion(ctx context.Context, taskID string, date calendar.Date) (domain.Completion, bool, error)
	ListCompletions(ctx context.Context, taskID string, start, end calendar.Date) ([]domain.Completion, error)
	// ListDependents returns ids of tasks whose depends_on contains taskID.
	ListDependents(ctx context.Context, taskID string) ([]string, error)
}

// DueCheckFunc reports whether a dependent should be cascaded on date.
type DueCheckFunc func(ctx context.Context, taskID string, date calendar.Date) (bool, error)

type Ledger struct {
	Store  Store
	Now    func() time.Time
	Logger zerolog.Logger
	// DueCheck, when set, limits cascades to dependents that are due.
	DueCheck DueCheckFunc
}

func New(store Store) Ledger {
	return Ledger{Store: store, Now: time.Now, Logger: zerolog.Nop()}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Details are the optional attributes of a manual completion.
type Details struct {
	DurationMinutes *int
	StartedAt       *time.Time
}

// Cascade describes everything one Complete call touched.
type Cascade struct {
	TaskID string        `json:"task_id"`
	Date   calendar.Date `json:"date"`
	// Completed lists upserted task ids in visit order; the first is TaskID.
	Completed []string `json:"completed"`
	// AlreadyComplete lists dependents that had a record and were left as is.
	AlreadyComplete []string `json:"already_complete,omitempty"`
	// Skipped lists dependents rejected by DueCheck.
	Skipped []string `json:"skipped,omitempty"`
	// Cycle is the broken dependency path, if any.
	Cycle []string `json:"cycle,omitempty"`
}

// Complete upserts (taskID, date) and cascades to dependents on the same
// date without duration or start time. On a dependency cycle the records
// written so far stay and a *CycleError is returned with the result.
func (l Ledger) Complete(ctx context.Context, taskID string, date calendar.Date, details Details) (Cascade, error) {
	if taskID == "" {
		return Cascade{}, errors.New("task id is required")
	}
	if date.IsZero() {
		return Cascade{}, fmt.Errorf("%w: completion date is required", calendar.ErrInvalidDate)
	}
	run := cascadeRun{
		ledger: l,
		date:   date,
		at:     l.now().UTC(),
		seen:   map[string]bool{},
		result: Cascade{TaskID: taskID, Date: date},
	}
	if err := run.visit(ctx, taskID, nil, details, domain.SourceManual); err != nil {
		return run.result, err
	}
	if run.cycle != nil {
		return run.result, run.cycle
	}
	return run.result, nil
}

type cascadeRun struct {
	ledger Ledger
	date   calendar.Date
	at     time.Time
	seen   map[string]bool
	result Cascade
	cycle  *CycleError
}

func (r *cascadeRun) visit(ctx context.Context, id string, path []string, details Details, source string) error {
	if slices.Contains(path, id) {
		if r.cycle == nil {
			r.cycle = &CycleError{Path: append(slices.Clone(path), id)}
			r.result.Cycle = r.cycle.Path
			r.ledger.Logger.Warn().Strs("path", r.cycle.Path).Str("date", r.date.String()).Msg("dependency cycle broken during cascade")
		}
		return nil
	}
	if r.seen[id] {
		return nil
	}
	r.seen[id] = true

	store := r.ledger.Store
	wrote := true
	if source == domain.SourceCascade {
		_, exists, err := store.GetCompletion(ctx, id, r.date)
		if err != nil {
			return fmt.Errorf("get completion %s: %w", id, err)
		}
		wrote = !exists
	}
	if wrote {
		rec := domain.Completion{
			TaskID:          id,
			Date:            r.date,
			CompletedAt:     r.at,
			DurationMinutes: details.DurationMinutes,
			StartedAt:       details.StartedAt,
			Source:          source,
		}
		if err := store.UpsertCompletion(ctx, rec); err != nil {
			return fmt.Errorf("upsert completion %s: %w", id, err)
		}
		r.result.Completed = append(r.result.Completed, id)
	} else {
		r.result.AlreadyComplete = append(r.result.AlreadyComplete, id)
	}

	dependents, err := store.ListDependents(ctx, id)
	if err != nil {
		return fmt.Errorf("list dependents of %s: %w", id, err)
	}
	next := append(slices.Clone(path), id)
	for _, dep := range dependents {
		if check := r.ledger.DueCheck; check != nil && !r.seen[dep] && !slices.Contains(next, dep) {
			due, err := check(ctx, dep, r.date)
			if err != nil {
				return fmt.Errorf("due check %s: %w", dep, err)
			}
			if !due {
				r.result.Skipped = append(r.result.Skipped, dep)
				continue
			}
		}
		if err := r.visit(ctx, dep, next, Details{}, domain.SourceCascade); err != nil {
			return err
		}
	}
	return nil
}

// Uncomplete removes the record if present. Dependents are left alone.
func (l Ledger) Uncomplete(ctx context.Context, taskID string, date calendar.Date) (bool, error) {
	removed, err := l.Store.DeleteCompletion(ctx, taskID, date)
	if err != nil {
		return false, fmt.Errorf("delete completion %s: %w", taskID, err)
	}
	return removed, nil
}

func (l Ledger) IsComplete(ctx context.Context, taskID string, date calendar.Date) (bool, error) {
	_, ok, err := l.Store.GetCompletion(ctx, taskID, date)
	return ok, err
}

// CompletionsInRange returns records for taskID with start <= date <= end,
// ordered by date.
func (l Ledger) CompletionsInRange(ctx context.Context, taskID string, start, end calendar.Date) ([]domain.Completion, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s before start %s", calendar.ErrInvalidRange, end, start)
	}
	items, err := l.Store.ListCompletions(ctx, taskID, start, end)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(items, func(a, b domain.Completion) int { return a.Date.Compare(b.Date) })
	return items, nil
}
