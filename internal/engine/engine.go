package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"habitline/internal/calendar"
	"habitline/internal/config"
	"habitline/internal/domain"
	"habitline/internal/events"
	"habitline/internal/recurrence"
	"habitline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Logger zerolog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Logger: zerolog.Nop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Today is the local calendar date of the engine clock.
func (e Engine) Today() calendar.Date {
	return calendar.FromTime(e.now())
}

func (e Engine) orToday(d calendar.Date) calendar.Date {
	if d.IsZero() {
		return e.Today()
	}
	return d
}

func (e Engine) cal() calendar.Calendar {
	return e.Config.CalendarSettings()
}

func (e Engine) resolver(counter recurrence.Counter) recurrence.Resolver {
	return recurrence.Resolver{Calendar: e.cal(), Counter: counter, Logger: e.Logger}
}

func (e Engine) writer() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID           string
	Name         string
	Description  string
	Category     string
	Tags         []string
	Weightage    int
	Rule         domain.Rule
	SpecificDate *calendar.Date
	Active       *domain.Window
	Hold         *domain.Hold
	DependsOn    []string
}

func (o TaskCreateOptions) task() domain.Task {
	return domain.Task{
		ID:           o.ID,
		Name:         o.Name,
		Description:  o.Description,
		Category:     o.Category,
		Tags:         o.Tags,
		Weightage:    o.Weightage,
		Rule:         o.Rule,
		SpecificDate: o.SpecificDate,
		Active:       o.Active,
		Hold:         o.Hold,
		DependsOn:    dedupe(o.DependsOn),
	}
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

func (e Engine) prepare(t domain.Task, now string) (domain.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Weightage == 0 {
		t.Weightage = domain.DefaultWeightage
	}
	if t.CreatedAt == "" {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if err := t.Validate(); err != nil {
		return t, err
	}
	if err := recurrence.Check(t); errors.Is(err, recurrence.ErrUnparseableCustomPattern) {
		e.Logger.Warn().Err(err).Str("task_id", t.ID).Msg("custom frequency will never be due")
	}
	return t, nil
}

func (e Engine) ensureDependencies(ctx context.Context, tx *sql.Tx, t domain.Task, pending map[string]bool) error {
	for _, dep := range t.DependsOn {
		if pending[dep] {
			continue
		}
		if _, err := e.Repo.GetTaskTx(ctx, tx, dep); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%w: depends on unknown task %s", domain.ErrInvalidTask, dep)
			}
			return err
		}
	}
	return nil
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	t, err := e.prepare(opts.task(), e.now().UTC().Format(time.RFC3339))
	if err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.ensureDependencies(ctx, tx, t, nil); err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.TaskCreated, "task", t.ID, events.EventPayload{"name": t.Name, "rule": t.Rule.Kind}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ImportTasks inserts a batch in one transaction. Dependencies may point at
// tasks earlier or later in the batch.
func (e Engine) ImportTasks(ctx context.Context, batch []domain.Task) ([]domain.Task, error) {
	now := e.now().UTC().Format(time.RFC3339)
	prepared := make([]domain.Task, 0, len(batch))
	pending := map[string]bool{}
	for i, t := range batch {
		t.DependsOn = dedupe(t.DependsOn)
		t.CreatedAt = ""
		p, err := e.prepare(t, now)
		if err != nil {
			return nil, fmt.Errorf("task %d (%s): %w", i+1, t.Name, err)
		}
		if pending[p.ID] {
			return nil, fmt.Errorf("%w: duplicate id %s in batch", domain.ErrInvalidTask, p.ID)
		}
		pending[p.ID] = true
		prepared = append(prepared, p)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, t := range prepared {
		if err := e.ensureDependencies(ctx, tx, t, pending); err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return nil, fmt.Errorf("insert task %s: %w", t.ID, err)
		}
		if err := e.writer().Append(ctx, tx, events.TaskCreated, "task", t.ID, events.EventPayload{"name": t.Name, "rule": t.Rule.Kind, "import": true}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.Logger.Info().Int("count", len(prepared)).Msg("tasks imported")
	return prepared, nil
}

// TaskUpdateOptions encapsulates allowed updates. Nil fields are left as is.
type TaskUpdateOptions struct {
	ID           string
	Name         *string
	Description  *string
	Category     *string
	Tags         *[]string
	Weightage    *int
	Rule         *domain.Rule
	SpecificDate *calendar.Date
	Active       *domain.Window
	DependsOn    *[]string

	ClearSpecificDate bool
	ClearActive       bool
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Task{}, err
	}
	var changed []string
	if opts.Name != nil {
		t.Name = *opts.Name
		changed = append(changed, "name")
	}
	if opts.Description != nil {
		t.Description = *opts.Description
		changed = append(changed, "description")
	}
	if opts.Category != nil {
		t.Category = *opts.Category
		changed = append(changed, "category")
	}
	if opts.Tags != nil {
		t.Tags = *opts.Tags
		changed = append(changed, "tags")
	}
	if opts.Weightage != nil {
		t.Weightage = *opts.Weightage
		changed = append(changed, "weightage")
	}
	if opts.Rule != nil {
		t.Rule = *opts.Rule
		changed = append(changed, "rule")
	}
	switch {
	case opts.ClearSpecificDate:
		t.SpecificDate = nil
		changed = append(changed, "specific_date")
	case opts.SpecificDate != nil:
		t.SpecificDate = opts.SpecificDate
		changed = append(changed, "specific_date")
	}
	switch {
	case opts.ClearActive:
		t.Active = nil
		changed = append(changed, "active")
	case opts.Active != nil:
		t.Active = opts.Active
		changed = append(changed, "active")
	}
	if opts.DependsOn != nil {
		t.DependsOn = dedupe(*opts.DependsOn)
		changed = append(changed, "depends_on")
	}
	if len(changed) == 0 {
		return t, nil
	}
	t, err = e.prepare(t, e.now().UTC().Format(time.RFC3339))
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.ensureDependencies(ctx, tx, t, nil); err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.writer().Append(ctx, tx, events.TaskUpdated, "task", t.ID, events.EventPayload{"fields": changed}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// HoldTask suspends a task from start, until end when given.
func (e Engine) HoldTask(ctx context.Context, id string, start calendar.Date, end *calendar.Date) (domain.Task, error) {
	hold := domain.Hold{Start: e.orToday(start), End: end}
	return e.setHold(ctx, id, &hold, events.TaskHeld)
}

// ReleaseTask clears any hold on the task.
func (e Engine) ReleaseTask(ctx context.Context, id string) (domain.Task, error) {
	return e.setHold(ctx, id, nil, events.TaskReleased)
}

func (e Engine) setHold(ctx context.Context, id string, hold *domain.Hold, evtType string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	t.Hold = hold
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := t.Validate(); err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	payload := events.EventPayload{}
	if hold != nil {
		payload["start"] = hold.Start.String()
		if hold.End != nil {
			payload["end"] = hold.End.String()
		}
	}
	if err := e.writer().Append(ctx, tx, evtType, "task", t.ID, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) DeleteTask(ctx context.Context, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return err
	}
	dependents, err := e.Repo.ListDependents(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteTask(ctx, tx, id); err != nil {
		return err
	}
	if err := e.writer().Append(ctx, tx, events.TaskDeleted, "task", id, events.EventPayload{"name": t.Name, "dependents": dependents}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
