package engine_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"habitline/internal/calendar"
	"habitline/internal/config"
	"habitline/internal/db"
	"habitline/internal/domain"
	"habitline/internal/engine"
	"habitline/internal/ledger"
	"habitline/internal/migrate"
	"habitline/internal/recurrence"
	"habitline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// 2024-01-01 is a Monday.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) create(t *testing.T, name string, rule domain.Rule, deps ...string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Name: name, Rule: rule, DependsOn: deps})
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return task
}

func day(s string) calendar.Date { return calendar.MustParse(s) }

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "Stretch", domain.Daily())
	if task.ID == "" {
		t.Fatalf("expected generated id")
	}
	if task.Weightage != domain.DefaultWeightage {
		t.Fatalf("weightage = %d", task.Weightage)
	}
	if task.CreatedAt != "2024-01-01T09:00:00Z" {
		t.Fatalf("created_at = %s", task.CreatedAt)
	}
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Stretch" || got.CategoryOrDefault() != domain.DefaultCategory {
		t.Fatalf("unexpected task %+v", got)
	}
	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{EntityID: task.ID})
	if err != nil || len(evts) != 1 || evts[0].Type != "task.created" {
		t.Fatalf("expected task.created event, got %+v (%v)", evts, err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Rule: domain.Daily()}); !errors.Is(err, domain.ErrInvalidTask) {
		t.Fatalf("expected invalid task for empty name, got %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Name: "x", Rule: domain.Daily(), Weightage: 11}); !errors.Is(err, domain.ErrInvalidTask) {
		t.Fatalf("expected invalid weightage, got %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Name: "x", Rule: domain.Daily(), DependsOn: []string{"ghost"}}); !errors.Is(err, domain.ErrInvalidTask) {
		t.Fatalf("expected unknown dependency error, got %v", err)
	}
}

func TestUpdateTaskFields(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "A", domain.Daily())
	b := env.create(t, "B", domain.Daily())

	name := "B renamed"
	deps := []string{a.ID, a.ID}
	updated, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: b.ID, Name: &name, DependsOn: &deps, SpecificDate: ptr(day("2024-02-01"))})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != name || len(updated.DependsOn) != 1 || updated.SpecificDate == nil {
		t.Fatalf("unexpected update %+v", updated)
	}
	updated, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: b.ID, ClearSpecificDate: true})
	if err != nil || updated.SpecificDate != nil {
		t.Fatalf("clear specific date: %+v %v", updated, err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: "missing", Name: &name}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHoldAndRelease(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "Run", domain.Daily())
	end := day("2024-01-05")
	if _, err := env.Engine.HoldTask(env.Ctx, task.ID, day("2024-01-03"), &end); err != nil {
		t.Fatalf("hold: %v", err)
	}
	res, err := env.Engine.Resolve(env.Ctx, task.ID, day("2024-01-04"))
	if err != nil || res.State != recurrence.Suspended {
		t.Fatalf("expected suspended, got %+v %v", res, err)
	}
	res, _ = env.Engine.Resolve(env.Ctx, task.ID, day("2024-01-06"))
	if res.State != recurrence.Due {
		t.Fatalf("expected due after hold, got %s", res.State)
	}
	if _, err := env.Engine.ReleaseTask(env.Ctx, task.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	res, _ = env.Engine.Resolve(env.Ctx, task.ID, day("2024-01-04"))
	if res.State != recurrence.Due {
		t.Fatalf("expected due after release, got %s", res.State)
	}
}

func TestResolveCustomWarning(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "Odd", domain.Custom("whenever I feel like it"))
	res, err := env.Engine.Resolve(env.Ctx, task.ID, day("2024-01-02"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.State != recurrence.NotDue || res.Warning == "" {
		t.Fatalf("expected not due with warning, got %+v", res)
	}
}

func TestCompleteCascadesWithEvents(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "A", domain.Daily())
	b := env.create(t, "B", domain.Daily(), a.ID)
	mins := 15

	res, err := env.Engine.Complete(env.Ctx, a.ID, day("2024-01-01"), engine.CompleteOptions{DurationMinutes: &mins})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(res.Completed) != 2 || res.Completed[0] != a.ID || res.Completed[1] != b.ID {
		t.Fatalf("unexpected cascade %+v", res)
	}
	done, err := env.Engine.IsComplete(env.Ctx, b.ID, day("2024-01-01"))
	if err != nil || !done {
		t.Fatalf("expected dependent complete: %v", err)
	}
	hist, err := env.Engine.History(env.Ctx, b.ID, calendar.Date{}, calendar.Date{})
	if err != nil || len(hist) != 1 {
		t.Fatalf("history: %+v %v", hist, err)
	}
	if hist[0].Source != domain.SourceCascade || hist[0].DurationMinutes != nil {
		t.Fatalf("cascade record should carry no duration: %+v", hist[0])
	}
	cascaded, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{Type: "completion.cascaded"})
	if err != nil || len(cascaded) != 1 || cascaded[0].EntityID != b.ID {
		t.Fatalf("expected one cascade event, got %+v %v", cascaded, err)
	}
}

func TestCompleteUnknownTask(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Complete(env.Ctx, "ghost", day("2024-01-01"), engine.CompleteOptions{}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	a := env.create(t, "A", domain.Daily())
	neg := -1
	if _, err := env.Engine.Complete(env.Ctx, a.ID, day("2024-01-01"), engine.CompleteOptions{DurationMinutes: &neg}); !errors.Is(err, domain.ErrInvalidTask) {
		t.Fatalf("expected invalid duration, got %v", err)
	}
}

func TestCompleteCycleCommits(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "A", domain.Daily())
	b := env.create(t, "B", domain.Daily(), a.ID)
	deps := []string{b.ID}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: a.ID, DependsOn: &deps}); err != nil {
		t.Fatalf("close cycle: %v", err)
	}

	res, err := env.Engine.Complete(env.Ctx, a.ID, day("2024-01-01"), engine.CompleteOptions{})
	var cycle *ledger.CycleError
	if !errors.As(err, &cycle) || !errors.Is(err, ledger.ErrCyclicDependency) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if len(cycle.Path) != 3 || cycle.Path[0] != a.ID || cycle.Path[2] != a.ID {
		t.Fatalf("unexpected cycle path %v", cycle.Path)
	}
	if len(res.Completed) != 2 {
		t.Fatalf("expected both records, got %+v", res)
	}
	for _, id := range []string{a.ID, b.ID} {
		if ok, _ := env.Engine.IsComplete(env.Ctx, id, day("2024-01-01")); !ok {
			t.Fatalf("record for %s should be committed", id)
		}
	}
	broken, _ := env.Engine.ListEvents(env.Ctx, repo.EventFilters{Type: "cascade.cycle_broken"})
	if len(broken) != 1 {
		t.Fatalf("expected cycle event, got %d", len(broken))
	}
}

func TestCascadeRequiresDue(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Ledger.CascadeRequiresDue = true
	a := env.create(t, "A", domain.Daily())
	// Monday is index 1 with a Sunday week start.
	b := env.create(t, "B", domain.Weekly(3), a.ID)

	res, err := env.Engine.Complete(env.Ctx, a.ID, day("2024-01-01"), engine.CompleteOptions{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(res.Completed) != 1 || len(res.Skipped) != 1 || res.Skipped[0] != b.ID {
		t.Fatalf("expected dependent skipped, got %+v", res)
	}
}

func TestUncompleteDoesNotCascade(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "A", domain.Daily())
	b := env.create(t, "B", domain.Daily(), a.ID)
	if _, err := env.Engine.Complete(env.Ctx, a.ID, calendar.Date{}, engine.CompleteOptions{}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	removed, err := env.Engine.Uncomplete(env.Ctx, a.ID, calendar.Date{})
	if err != nil || !removed {
		t.Fatalf("uncomplete: %v %v", removed, err)
	}
	if ok, _ := env.Engine.IsComplete(env.Ctx, b.ID, day("2024-01-01")); !ok {
		t.Fatalf("dependent record should remain")
	}
	removed, err = env.Engine.Uncomplete(env.Ctx, a.ID, calendar.Date{})
	if err != nil || removed {
		t.Fatalf("second uncomplete should be a no-op: %v %v", removed, err)
	}
	evts, _ := env.Engine.ListEvents(env.Ctx, repo.EventFilters{Type: "completion.removed"})
	if len(evts) != 1 {
		t.Fatalf("expected one removal event, got %d", len(evts))
	}
}

func TestAgendaOrdersDueFirst(t *testing.T) {
	env := newTestEnv(t)
	weekly := env.create(t, "Friday review", domain.Weekly(5))
	daily := env.create(t, "Journal", domain.Daily())
	if _, err := env.Engine.Complete(env.Ctx, daily.ID, day("2024-01-01"), engine.CompleteOptions{}); err != nil {
		t.Fatal(err)
	}
	agenda, err := env.Engine.Agenda(env.Ctx, calendar.Date{})
	if err != nil {
		t.Fatalf("agenda: %v", err)
	}
	if len(agenda.Items) != 2 {
		t.Fatalf("items = %d", len(agenda.Items))
	}
	if agenda.Items[0].Task.ID != daily.ID || agenda.Items[0].State != recurrence.Due || !agenda.Items[0].Completed {
		t.Fatalf("unexpected first item %+v", agenda.Items[0])
	}
	if agenda.Items[1].Task.ID != weekly.ID || agenda.Items[1].State != recurrence.NotDue {
		t.Fatalf("unexpected second item %+v", agenda.Items[1])
	}
}

func TestAgendaLogsUnparseablePattern(t *testing.T) {
	env := newTestEnv(t)
	var buf bytes.Buffer
	env.Engine.Logger = zerolog.New(&buf)
	env.create(t, "Someday", domain.Custom("whenever"))
	buf.Reset()

	agenda, err := env.Engine.Agenda(env.Ctx, day("2024-01-01"))
	if err != nil {
		t.Fatalf("agenda: %v", err)
	}
	if len(agenda.Items) != 1 || agenda.Items[0].Warning == "" {
		t.Fatalf("expected a warning on the agenda item, got %+v", agenda.Items)
	}
	if !strings.Contains(buf.String(), `"level":"warn"`) || !strings.Contains(buf.String(), "unparseable custom pattern") {
		t.Fatalf("warning not logged: %s", buf.String())
	}
}

func TestAnalyticsStreak(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "Read", domain.Daily())
	for _, d := range []string{"2023-12-29", "2023-12-30", "2023-12-31"} {
		if _, err := env.Engine.Complete(env.Ctx, task.ID, day(d), engine.CompleteOptions{}); err != nil {
			t.Fatalf("complete %s: %v", d, err)
		}
	}
	snap, err := env.Engine.Analytics(env.Ctx, calendar.Date{}, 7)
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	// Today is incomplete and skipped.
	if snap.CurrentStreak != 3 {
		t.Fatalf("current streak = %d", snap.CurrentStreak)
	}
	if snap.Expected != 7 || snap.Actual != 3 {
		t.Fatalf("expected/actual = %d/%d", snap.Expected, snap.Actual)
	}
	if snap.WindowDays != 7 || snap.Today != day("2024-01-01") {
		t.Fatalf("unexpected window %+v", snap)
	}
}

func TestImportTasksForwardReferences(t *testing.T) {
	env := newTestEnv(t)
	batch := []domain.Task{
		{ID: "child", Name: "Child", Rule: domain.Daily(), DependsOn: []string{"parent"}},
		{ID: "parent", Name: "Parent", Rule: domain.Daily()},
	}
	out, err := env.Engine.ImportTasks(env.Ctx, batch)
	if err != nil || len(out) != 2 {
		t.Fatalf("import: %v", err)
	}
	res, err := env.Engine.Complete(env.Ctx, "parent", day("2024-01-01"), engine.CompleteOptions{})
	if err != nil || len(res.Completed) != 2 {
		t.Fatalf("cascade after import: %+v %v", res, err)
	}
	if _, err := env.Engine.ImportTasks(env.Ctx, []domain.Task{{ID: "x", Name: "X", Rule: domain.Daily()}, {ID: "x", Name: "X", Rule: domain.Daily()}}); !errors.Is(err, domain.ErrInvalidTask) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestDeleteTask(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "A", domain.Daily())
	b := env.create(t, "B", domain.Daily(), a.ID)
	if err := env.Engine.DeleteTask(env.Ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.GetTask(env.Ctx, a.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	got, err := env.Engine.GetTask(env.Ctx, b.ID)
	if err != nil || len(got.DependsOn) != 0 {
		t.Fatalf("dependent edge should be gone: %+v %v", got, err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, a.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func ptr[T any](v T) *T { return &v }
