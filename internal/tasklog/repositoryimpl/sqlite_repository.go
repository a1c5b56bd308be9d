package repositoryimpl

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/kazz187/agentcorp/internal/store"
	"github.com/kazz187/agentcorp/internal/tasklog"
	"github.com/kazz187/agentcorp/pkg/cerr"
)

type SQLiteRepository struct {
	store *store.Store
}

func NewSQLiteRepository(s *store.Store) *SQLiteRepository {
	return &SQLiteRepository{store: s}
}

func (r *SQLiteRepository) Append(ctx context.Context, e *tasklog.Entry) error {
	err := store.Retry(ctx, func() error {
		_, err := r.store.DB().ExecContext(ctx,
			`INSERT INTO task_logs (id, task_id, kind, outcome, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.TaskID, e.Kind, nullable(e.Outcome), nullable(e.Detail), e.CreatedAt,
		)
		return err
	})
	if err != nil {
		return cerr.WrapStoreWriteError("task log", err)
	}
	return nil
}

func (r *SQLiteRepository) ListByTask(ctx context.Context, taskID string, limit int) ([]*tasklog.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.store.DB().QueryContext(ctx,
		`SELECT id, task_id, kind, COALESCE(outcome, ''), COALESCE(detail, ''), created_at
		 FROM task_logs WHERE task_id = ? ORDER BY created_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, cerr.WrapStoreReadError("task logs", err)
	}
	defer rows.Close()

	var out []*tasklog.Entry
	for rows.Next() {
		var e tasklog.Entry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Kind, &e.Outcome, &e.Detail, &e.CreatedAt); err != nil {
			return nil, cerr.WrapStoreReadError("task logs", err)
		}
		out = append(out, &e)
	}
	// Reverse to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) LastRun(ctx context.Context, taskID string) (*tasklog.Entry, error) {
	var e tasklog.Entry
	err := r.store.DB().QueryRowContext(ctx,
		`SELECT id, task_id, kind, COALESCE(outcome, ''), COALESCE(detail, ''), created_at
		 FROM task_logs WHERE task_id = ? AND kind = ? ORDER BY created_at DESC LIMIT 1`,
		taskID, tasklog.KindRun,
	).Scan(&e.ID, &e.TaskID, &e.Kind, &e.Outcome, &e.Detail, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, cerr.WrapStoreReadError("task log", err)
	}
	return &e, nil
}

func (r *SQLiteRepository) LastActivity(ctx context.Context, taskID string) (time.Time, error) {
	var ts sql.NullTime
	err := r.store.DB().QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM task_logs WHERE task_id = ?`, taskID,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, cerr.WrapStoreReadError("task log", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
