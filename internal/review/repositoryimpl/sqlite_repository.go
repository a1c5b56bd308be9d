package repositoryimpl

import (
	"context"

	"github.com/kazz187/agentcorp/internal/review"
	"github.com/kazz187/agentcorp/internal/store"
	"github.com/kazz187/agentcorp/pkg/cerr"
)

type SQLiteRepository struct {
	store *store.Store
}

func NewSQLiteRepository(s *store.Store) *SQLiteRepository {
	return &SQLiteRepository{store: s}
}

func (r *SQLiteRepository) Create(ctx context.Context, rv *review.Review) error {
	err := store.Retry(ctx, func() error {
		_, err := r.store.DB().ExecContext(ctx,
			`INSERT INTO reviews (id, task_id, round, status, created_at) VALUES (?, ?, ?, ?, ?)`,
			rv.ID, rv.TaskID, rv.Round, rv.Status, rv.CreatedAt,
		)
		return err
	})
	if err != nil {
		return cerr.WrapStoreWriteError("review", err)
	}
	return nil
}

func (r *SQLiteRepository) ListByTask(ctx context.Context, taskID string) ([]*review.Review, error) {
	rows, err := r.store.DB().QueryContext(ctx,
		`SELECT id, task_id, round, status, created_at FROM reviews WHERE task_id = ? ORDER BY round, created_at`,
		taskID)
	if err != nil {
		return nil, cerr.WrapStoreReadError("reviews", err)
	}
	defer rows.Close()

	var out []*review.Review
	for rows.Next() {
		var rv review.Review
		if err := rows.Scan(&rv.ID, &rv.TaskID, &rv.Round, &rv.Status, &rv.CreatedAt); err != nil {
			return nil, cerr.WrapStoreReadError("reviews", err)
		}
		out = append(out, &rv)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	err := store.Retry(ctx, func() error {
		_, err := r.store.DB().ExecContext(ctx, `DELETE FROM reviews WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return cerr.WrapStoreDeleteError("review", err)
	}
	return nil
}
