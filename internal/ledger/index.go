package ledger

import (
	"slices"
	"sort"

	"habitline/internal/calendar"
	"habitline/internal/domain"
)

type key struct {
	taskID string
	date   calendar.Date
}

// Index is a read-only snapshot of completion records, ordered by date per
// task. Duplicate keys keep the record with the latest CompletedAt.
type Index struct {
	byKey  map[key]domain.Completion
	byTask map[string][]domain.Completion
}

func NewIndex(records []domain.Completion) Index {
	ix := Index{
		byKey:  make(map[key]domain.Completion, len(records)),
		byTask: map[string][]domain.Completion{},
	}
	for _, c := range records {
		k := key{c.TaskID, c.Date}
		if prev, ok := ix.byKey[k]; ok && prev.CompletedAt.After(c.CompletedAt) {
			continue
		}
		ix.byKey[k] = c
	}
	for _, c := range ix.byKey {
		ix.byTask[c.TaskID] = append(ix.byTask[c.TaskID], c)
	}
	for id := range ix.byTask {
		slices.SortFunc(ix.byTask[id], func(a, b domain.Completion) int { return a.Date.Compare(b.Date) })
	}
	return ix
}

func (ix Index) Len() int { return len(ix.byKey) }

func (ix Index) Get(taskID string, date calendar.Date) (domain.Completion, bool) {
	c, ok := ix.byKey[key{taskID, date}]
	return c, ok
}

func (ix Index) Has(taskID string, date calendar.Date) bool {
	_, ok := ix.byKey[key{taskID, date}]
	return ok
}

// ForTask returns the task's records in date order. Callers must not modify it.
func (ix Index) ForTask(taskID string) []domain.Completion {
	return ix.byTask[taskID]
}

// InRange returns the task's records with start <= date <= end.
func (ix Index) InRange(taskID string, start, end calendar.Date) []domain.Completion {
	items := ix.byTask[taskID]
	lo := sort.Search(len(items), func(i int) bool { return !items[i].Date.Before(start) })
	hi := sort.Search(len(items), func(i int) bool { return items[i].Date.After(end) })
	if lo >= hi {
		return nil
	}
	return items[lo:hi]
}

// CountCompletions satisfies recurrence.Counter.
func (ix Index) CountCompletions(taskID string, start, end calendar.Date) int {
	return len(ix.InRange(taskID, start, end))
}

// All returns every record ordered by task id then date.
func (ix Index) All() []domain.Completion {
	ids := make([]string, 0, len(ix.byTask))
	for id := range ix.byTask {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]domain.Completion, 0, len(ix.byKey))
	for _, id := range ids {
		out = append(out, ix.byTask[id]...)
	}
	return out
}
