package repo

import (
	"context"
	"database/sql"

	"habitline/internal/calendar"
	"habitline/internal/domain"
)

// TxStore adapts Repo to ledger.Store inside one transaction.
type TxStore struct {
	Repo Repo
	Tx   *sql.Tx
}

func (s TxStore) UpsertCompletion(ctx context.Context, c domain.Completion) error {
	return s.Repo.UpsertCompletion(ctx, s.Tx, c)
}

func (s TxStore) DeleteCompletion(ctx context.Context, taskID string, date calendar.Date) (bool, error) {
	return s.Repo.DeleteCompletion(ctx, s.Tx, taskID, date)
}

func (s TxStore) GetCompletion(ctx context.Context, taskID string, date calendar.Date) (domain.Completion, bool, error) {
	return s.Repo.GetCompletion(ctx, s.Tx, taskID, date)
}

func (s TxStore) ListCompletions(ctx context.Context, taskID string, start, end calendar.Date) ([]domain.Completion, error) {
	return s.Repo.ListCompletions(ctx, s.Tx, CompletionFilters{TaskID: taskID, Start: &start, End: &end})
}

func (s TxStore) ListDependents(ctx context.Context, taskID string) ([]string, error) {
	return s.Repo.ListDependents(ctx, s.Tx, taskID)
}
