package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"habitline/internal/calendar"
	"habitline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableDate(d *calendar.Date) any {
	if d == nil || d.IsZero() {
		return nil
	}
	return d.String()
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTimePtr(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC().Format(time.RFC3339Nano)
}

func parseNullDate(v sql.NullString) (*calendar.Date, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	d, err := calendar.Parse(v.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

const taskColumns = `id,name,description,category,tags_json,weightage,rule_json,specific_date,active_start,active_end,hold_start,hold_end,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var description, category, tags, specific, activeStart, activeEnd, holdStart, holdEnd sql.NullString
	var ruleJSON string
	if err := row.Scan(&t.ID, &t.Name, &description, &category, &tags, &t.Weightage, &ruleJSON,
		&specific, &activeStart, &activeEnd, &holdStart, &holdEnd, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return t, err
	}
	t.Description = description.String
	t.Category = category.String
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &t.Tags); err != nil {
			return t, fmt.Errorf("task %s tags: %w", t.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(ruleJSON), &t.Rule); err != nil {
		return t, fmt.Errorf("task %s rule: %w", t.ID, err)
	}
	var err error
	if t.SpecificDate, err = parseNullDate(specific); err != nil {
		return t, err
	}
	start, err := parseNullDate(activeStart)
	if err != nil {
		return t, err
	}
	end, err := parseNullDate(activeEnd)
	if err != nil {
		return t, err
	}
	if start != nil || end != nil {
		t.Active = &domain.Window{Start: start, End: end}
	}
	hs, err := parseNullDate(holdStart)
	if err != nil {
		return t, err
	}
	if hs != nil {
		he, err := parseNullDate(holdEnd)
		if err != nil {
			return t, err
		}
		t.Hold = &domain.Hold{Start: *hs, End: he}
	}
	return t, nil
}

func taskArgs(t domain.Task) ([]any, error) {
	rule, err := json.Marshal(t.Rule)
	if err != nil {
		return nil, fmt.Errorf("marshal rule: %w", err)
	}
	var tags any
	if len(t.Tags) > 0 {
		data, err := json.Marshal(t.Tags)
		if err != nil {
			return nil, fmt.Errorf("marshal tags: %w", err)
		}
		tags = string(data)
	}
	var activeStart, activeEnd, holdStart, holdEnd any
	if t.Active != nil {
		activeStart, activeEnd = nullableDate(t.Active.Start), nullableDate(t.Active.End)
	}
	if t.Hold != nil {
		holdStart, holdEnd = nullableDate(&t.Hold.Start), nullableDate(t.Hold.End)
	}
	return []any{t.Name, nullable(t.Description), nullable(t.Category), tags, t.Weightage, string(rule),
		nullableDate(t.SpecificDate), activeStart, activeEnd, holdStart, holdEnd}, nil
}

// InsertTask writes the task row and its dependency edges.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	args = append([]any{t.ID}, args...)
	args = append(args, t.CreatedAt, t.UpdatedAt)
	if _, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...); err != nil {
		return err
	}
	return r.SetDependencies(ctx, tx, t.ID, t.DependsOn)
}

// UpdateTask replaces the task row and its dependency edges.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	args = append(args, t.UpdatedAt, t.ID)
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET name=?, description=?, category=?, tags_json=?, weightage=?, rule_json=?, specific_date=?, active_start=?, active_end=?, hold_start=?, hold_end=?, updated_at=? WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return r.SetDependencies(ctx, tx, t.ID, t.DependsOn)
}

// DeleteTask removes the task, its completions and every edge touching it.
func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	q := r.q(tx)
	res, err := q.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = q.ExecContext(ctx, `DELETE FROM task_deps WHERE depends_on_id=?`, id)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	deps, err := r.ListTaskDependenciesTx(ctx, tx, t.ID)
	if err != nil {
		return t, err
	}
	t.DependsOn = deps
	return t, nil
}

type TaskFilters struct {
	Category string
	Tag      string
	Limit    int
}

// ListTasks returns tasks ordered by creation, dependencies included.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Category != "" {
		if f.Category == domain.DefaultCategory {
			clauses = append(clauses, "(category IS NULL OR category=?)")
		} else {
			clauses = append(clauses, "category=?")
		}
		args = append(args, f.Category)
	}
	if f.Tag != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(tasks.tags_json) WHERE json_each.value=?)")
		args = append(args, f.Tag)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	deps, err := r.allDependencies(ctx)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].DependsOn = deps[res[i].ID]
	}
	return res, nil
}

func (r Repo) allDependencies(ctx context.Context) (map[string][]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id, depends_on_id FROM task_deps ORDER BY task_id, depends_on_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var id, dep string
		if err := rows.Scan(&id, &dep); err != nil {
			return nil, err
		}
		out[id] = append(out[id], dep)
	}
	return out, rows.Err()
}

// SetDependencies replaces the depends_on edges of taskID.
func (r Repo) SetDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM task_deps WHERE task_id=?`, taskID); err != nil {
		return err
	}
	for _, dep := range deps {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_id) VALUES (?,?)`, taskID, dep); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListTaskDependenciesTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	return r.listStrings(ctx, tx, `SELECT depends_on_id FROM task_deps WHERE task_id=? ORDER BY depends_on_id`, taskID)
}

// ListDependents returns ids of tasks that depend on taskID.
func (r Repo) ListDependents(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	return r.listStrings(ctx, tx, `SELECT d.task_id FROM task_deps d JOIN tasks t ON t.id=d.task_id WHERE d.depends_on_id=? ORDER BY t.created_at, t.id`, taskID)
}

func (r Repo) listStrings(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// UpsertCompletion inserts or replaces the record for (task_id, date).
func (r Repo) UpsertCompletion(ctx context.Context, tx *sql.Tx, c domain.Completion) error {
	source := c.Source
	if source == "" {
		source = domain.SourceManual
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO completions(task_id,date,completed_at,duration_minutes,started_at,source) VALUES (?,?,?,?,?,?)
ON CONFLICT(task_id,date) DO UPDATE SET completed_at=excluded.completed_at, duration_minutes=excluded.duration_minutes, started_at=excluded.started_at, source=excluded.source`,
		c.TaskID, c.Date.String(), c.CompletedAt.UTC().Format(time.RFC3339Nano), nullableIntPtr(c.DurationMinutes), nullableTimePtr(c.StartedAt), source)
	return err
}

func (r Repo) DeleteCompletion(ctx context.Context, tx *sql.Tx, taskID string, date calendar.Date) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM completions WHERE task_id=? AND date=?`, taskID, date.String())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const completionColumns = `task_id,date,completed_at,duration_minutes,started_at,source`

func scanCompletion(row rowScanner) (domain.Completion, error) {
	var c domain.Completion
	var date, completedAt string
	var duration sql.NullInt64
	var startedAt sql.NullString
	if err := row.Scan(&c.TaskID, &date, &completedAt, &duration, &startedAt, &c.Source); err != nil {
		return c, err
	}
	var err error
	if c.Date, err = calendar.Parse(date); err != nil {
		return c, err
	}
	if c.CompletedAt, err = time.Parse(time.RFC3339Nano, completedAt); err != nil {
		return c, fmt.Errorf("completion %s/%s completed_at: %w", c.TaskID, date, err)
	}
	if duration.Valid {
		v := int(duration.Int64)
		c.DurationMinutes = &v
	}
	if startedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, startedAt.String)
		if err != nil {
			return c, fmt.Errorf("completion %s/%s started_at: %w", c.TaskID, date, err)
		}
		c.StartedAt = &ts
	}
	return c, nil
}

// GetCompletion returns the record for (taskID, date); ok is false when absent.
func (r Repo) GetCompletion(ctx context.Context, tx *sql.Tx, taskID string, date calendar.Date) (domain.Completion, bool, error) {
	c, err := scanCompletion(r.q(tx).QueryRowContext(ctx, `SELECT `+completionColumns+` FROM completions WHERE task_id=? AND date=?`, taskID, date.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Completion{}, false, nil
	}
	if err != nil {
		return domain.Completion{}, false, err
	}
	return c, true, nil
}

type CompletionFilters struct {
	TaskID string
	Start  *calendar.Date
	End    *calendar.Date
	Limit  int
}

// ListCompletions returns records ordered by date, then task id.
func (r Repo) ListCompletions(ctx context.Context, tx *sql.Tx, f CompletionFilters) ([]domain.Completion, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Start != nil {
		clauses = append(clauses, "date>=?")
		args = append(args, f.Start.String())
	}
	if f.End != nil {
		clauses = append(clauses, "date<=?")
		args = append(args, f.End.String())
	}
	query := `SELECT ` + completionColumns + ` FROM completions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY date ASC, task_id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Completion
	for rows.Next() {
		c, err := scanCompletion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
}

// LatestEvents returns the newest events first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, f.Limit)
	return r.events(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.events(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) events(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
