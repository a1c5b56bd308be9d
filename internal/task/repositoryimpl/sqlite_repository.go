package repositoryimpl

import (
	"context"
	"database/sql"
	"time"

	"github.com/kazz187/agentcorp/internal/store"
	"github.com/kazz187/agentcorp/internal/task"
	"github.com/kazz187/agentcorp/pkg/cerr"
)

type SQLiteRepository struct {
	store *store.Store
}

func NewSQLiteRepository(s *store.Store) *SQLiteRepository {
	return &SQLiteRepository{store: s}
}

const taskColumns = `id, title, COALESCE(description, ''), department_id, COALESCE(assigned_agent_id, ''),
	status, priority, task_type, COALESCE(project_path, ''), COALESCE(source_task_id, ''),
	dispatch_inflight, created_at, started_at, completed_at, updated_at`

func (r *SQLiteRepository) Create(ctx context.Context, t *task.Task) error {
	err := store.Retry(ctx, func() error {
		_, err := r.store.DB().ExecContext(ctx,
			`INSERT INTO tasks (id, title, description, department_id, assigned_agent_id, status, priority,
				task_type, project_path, source_task_id, dispatch_inflight, created_at, started_at, completed_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Title, t.Description, t.DepartmentID, nullable(t.AssignedAgentID), t.Status, t.Priority,
			t.TaskType, nullable(t.ProjectPath), nullable(t.SourceTaskID), t.DispatchInflight,
			t.CreatedAt, t.StartedAt, t.CompletedAt, t.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return cerr.WrapStoreWriteError("task", err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*task.Task, error) {
	return scanTask(r.store.DB().QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
}

func (r *SQLiteRepository) List(ctx context.Context, departmentID string, status task.Status) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []any
	if departmentID != "" {
		conds = append(conds, "department_id = ?")
		args = append(args, departmentID)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC"
	return r.list(ctx, query, args...)
}

func (r *SQLiteRepository) ListByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	return r.list(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at`, status)
}

func (r *SQLiteRepository) ListChildren(ctx context.Context, sourceTaskID string) ([]*task.Task, error) {
	return r.list(ctx, `SELECT `+taskColumns+` FROM tasks WHERE source_task_id = ? ORDER BY created_at`, sourceTaskID)
}

// ListOrphanCandidates returns in_progress tasks ordered by last touch, the
// watchdog's sweep input.
func (r *SQLiteRepository) ListOrphanCandidates(ctx context.Context) ([]*task.Task, error) {
	return r.list(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY updated_at`, task.StatusInProgress)
}

func (r *SQLiteRepository) Update(ctx context.Context, t *task.Task) error {
	err := store.Retry(ctx, func() error {
		_, err := r.store.DB().ExecContext(ctx,
			`UPDATE tasks SET title = ?, description = ?, department_id = ?, assigned_agent_id = ?, status = ?,
				priority = ?, task_type = ?, project_path = ?, source_task_id = ?, dispatch_inflight = ?,
				started_at = ?, completed_at = ?, updated_at = ?
			 WHERE id = ?`,
			t.Title, t.Description, t.DepartmentID, nullable(t.AssignedAgentID), t.Status,
			t.Priority, t.TaskType, nullable(t.ProjectPath), nullable(t.SourceTaskID), t.DispatchInflight,
			t.StartedAt, t.CompletedAt, t.UpdatedAt, t.ID,
		)
		return err
	})
	if err != nil {
		return cerr.WrapStoreWriteError("task", err)
	}
	return nil
}

func (r *SQLiteRepository) SetDispatchInflight(ctx context.Context, id string, inflight bool) error {
	err := store.Retry(ctx, func() error {
		_, err := r.store.DB().ExecContext(ctx,
			`UPDATE tasks SET dispatch_inflight = ?, updated_at = ? WHERE id = ?`,
			inflight, time.Now(), id,
		)
		return err
	})
	if err != nil {
		return cerr.WrapStoreWriteError("task", err)
	}
	return nil
}

const subtaskColumns = `id, task_id, title, COALESCE(description, ''), status,
	COALESCE(target_department_id, ''), COALESCE(delegated_task_id, ''), COALESCE(blocked_reason, ''),
	created_at, completed_at`

func (r *SQLiteRepository) CreateSubtask(ctx context.Context, st *task.Subtask) error {
	err := store.Retry(ctx, func() error {
		_, err := r.store.DB().ExecContext(ctx,
			`INSERT INTO subtasks (id, task_id, title, description, status, target_department_id,
				delegated_task_id, blocked_reason, created_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.TaskID, st.Title, st.Description, st.Status, nullable(st.TargetDepartmentID),
			nullable(st.DelegatedTaskID), nullable(st.BlockedReason), st.CreatedAt, st.CompletedAt,
		)
		return err
	})
	if err != nil {
		return cerr.WrapStoreWriteError("subtask", err)
	}
	return nil
}

func (r *SQLiteRepository) GetSubtask(ctx context.Context, id string) (*task.Subtask, error) {
	return scanSubtask(r.store.DB().QueryRowContext(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE id = ?`, id))
}

func (r *SQLiteRepository) ListSubtasks(ctx context.Context, taskID string) ([]*task.Subtask, error) {
	rows, err := r.store.DB().QueryContext(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE task_id = ? ORDER BY created_at`, taskID)
	if err != nil {
		return nil, cerr.WrapStoreReadError("subtasks", err)
	}
	defer rows.Close()

	var out []*task.Subtask
	for rows.Next() {
		st, err := scanSubtaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) FindSubtaskByDelegatedTask(ctx context.Context, delegatedTaskID string) (*task.Subtask, error) {
	return scanSubtask(r.store.DB().QueryRowContext(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE delegated_task_id = ? LIMIT 1`, delegatedTaskID))
}

func (r *SQLiteRepository) ListSubtasksByDelegatedTask(ctx context.Context, delegatedTaskID string) ([]*task.Subtask, error) {
	rows, err := r.store.DB().QueryContext(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE delegated_task_id = ? ORDER BY created_at`, delegatedTaskID)
	if err != nil {
		return nil, cerr.WrapStoreReadError("subtasks", err)
	}
	defer rows.Close()

	var out []*task.Subtask
	for rows.Next() {
		st, err := scanSubtaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) UpdateSubtask(ctx context.Context, st *task.Subtask) error {
	err := store.Retry(ctx, func() error {
		_, err := r.store.DB().ExecContext(ctx,
			`UPDATE subtasks SET title = ?, description = ?, status = ?, target_department_id = ?,
				delegated_task_id = ?, blocked_reason = ?, completed_at = ?
			 WHERE id = ?`,
			st.Title, st.Description, st.Status, nullable(st.TargetDepartmentID),
			nullable(st.DelegatedTaskID), nullable(st.BlockedReason), st.CompletedAt, st.ID,
		)
		return err
	})
	if err != nil {
		return cerr.WrapStoreWriteError("subtask", err)
	}
	return nil
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := r.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cerr.WrapStoreReadError("tasks", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row *sql.Row) (*task.Task, error) {
	return scanTaskRows(row)
}

func scanTaskRows(row rowScanner) (*task.Task, error) {
	var t task.Task
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.DepartmentID, &t.AssignedAgentID,
		&t.Status, &t.Priority, &t.TaskType, &t.ProjectPath, &t.SourceTaskID,
		&t.DispatchInflight, &t.CreatedAt, &startedAt, &completedAt, &t.UpdatedAt); err != nil {
		return nil, cerr.WrapStoreReadError("task", err)
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func scanSubtask(row *sql.Row) (*task.Subtask, error) {
	return scanSubtaskRows(row)
}

func scanSubtaskRows(row rowScanner) (*task.Subtask, error) {
	var st task.Subtask
	var completedAt sql.NullTime
	if err := row.Scan(&st.ID, &st.TaskID, &st.Title, &st.Description, &st.Status,
		&st.TargetDepartmentID, &st.DelegatedTaskID, &st.BlockedReason, &st.CreatedAt, &completedAt); err != nil {
		return nil, cerr.WrapStoreReadError("subtask", err)
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	return &st, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
