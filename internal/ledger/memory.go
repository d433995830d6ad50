package ledger

import (
	"context"
	"slices"
	"sync"

	"habitline/internal/calendar"
	"habitline/internal/domain"
)

// MemoryStore keeps completions in a map and derives dependents from the
// task definitions it was given.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[key]domain.Completion
	tasks   []domain.Task
}

func NewMemoryStore(tasks []domain.Task, records ...domain.Completion) *MemoryStore {
	s := &MemoryStore{records: map[key]domain.Completion{}, tasks: slices.Clone(tasks)}
	for _, c := range records {
		s.records[key{c.TaskID, c.Date}] = c
	}
	return s
}

func (s *MemoryStore) UpsertCompletion(ctx context.Context, c domain.Completion) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key{c.TaskID, c.Date}] = c
	return nil
}

func (s *MemoryStore) DeleteCompletion(ctx context.Context, taskID string, date calendar.Date) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{taskID, date}
	if _, ok := s.records[k]; !ok {
		return false, nil
	}
	delete(s.records, k)
	return true, nil
}

func (s *MemoryStore) GetCompletion(ctx context.Context, taskID string, date calendar.Date) (domain.Completion, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.records[key{taskID, date}]
	return c, ok, nil
}

func (s *MemoryStore) ListCompletions(ctx context.Context, taskID string, start, end calendar.Date) ([]domain.Completion, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Completion
	for k, c := range s.records {
		if k.taskID == taskID && k.date.Between(start, end) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b domain.Completion) int { return a.Date.Compare(b.Date) })
	return out, nil
}

func (s *MemoryStore) ListDependents(ctx context.Context, taskID string) ([]string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, t := range s.tasks {
		if slices.Contains(t.DependsOn, taskID) {
			out = append(out, t.ID)
		}
	}
	return out, nil
}

// Snapshot returns every record as an Index.
func (s *MemoryStore) Snapshot() Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]domain.Completion, 0, len(s.records))
	for _, c := range s.records {
		records = append(records, c)
	}
	return NewIndex(records)
}
