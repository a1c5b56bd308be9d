package repositoryimpl

import (
	"context"
	"database/sql"

	"github.com/kazz187/agentcorp/internal/agent"
	"github.com/kazz187/agentcorp/internal/store"
	"github.com/kazz187/agentcorp/pkg/cerr"
)

type SQLiteRepository struct {
	store *store.Store
}

func NewSQLiteRepository(s *store.Store) *SQLiteRepository {
	return &SQLiteRepository{store: s}
}

const agentColumns = `id, name, role, department_id, status, provider, COALESCE(current_task_id, '')`

func (r *SQLiteRepository) Create(ctx context.Context, a *agent.Agent) error {
	err := store.Retry(ctx, func() error {
		_, err := r.store.DB().ExecContext(ctx,
			`INSERT INTO agents (id, name, role, department_id, status, provider) VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, a.Name, a.Role, a.DepartmentID, a.Status, a.Provider,
		)
		return err
	})
	if err != nil {
		return cerr.WrapStoreWriteError("agent", err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*agent.Agent, error) {
	return scanAgent(r.store.DB().QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
}

func (r *SQLiteRepository) ListByDepartment(ctx context.Context, departmentID string) ([]*agent.Agent, error) {
	return r.list(ctx, `SELECT `+agentColumns+` FROM agents WHERE department_id = ? ORDER BY name`, departmentID)
}

func (r *SQLiteRepository) List(ctx context.Context) ([]*agent.Agent, error) {
	return r.list(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY department_id, name`)
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]*agent.Agent, error) {
	rows, err := r.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cerr.WrapStoreReadError("agents", err)
	}
	defer rows.Close()

	var out []*agent.Agent
	for rows.Next() {
		a, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) LeaderOf(ctx context.Context, departmentID string) (*agent.Agent, error) {
	return scanAgent(r.store.DB().QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE department_id = ? AND role = ? LIMIT 1`,
		departmentID, agent.RoleTeamLeader))
}

func (r *SQLiteRepository) SetWorking(ctx context.Context, id, taskID string) error {
	err := store.Retry(ctx, func() error {
		_, err := r.store.DB().ExecContext(ctx,
			`UPDATE agents SET status = ?, current_task_id = ? WHERE id = ?`,
			agent.StatusWorking, taskID, id,
		)
		return err
	})
	if err != nil {
		return cerr.WrapStoreWriteError("agent", err)
	}
	return nil
}

func (r *SQLiteRepository) Free(ctx context.Context, id string) error {
	err := store.Retry(ctx, func() error {
		_, err := r.store.DB().ExecContext(ctx,
			`UPDATE agents SET status = ?, current_task_id = NULL WHERE id = ?`,
			agent.StatusIdle, id,
		)
		return err
	})
	if err != nil {
		return cerr.WrapStoreWriteError("agent", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row *sql.Row) (*agent.Agent, error) {
	return scanAgentRows(row)
}

func scanAgentRows(row rowScanner) (*agent.Agent, error) {
	var a agent.Agent
	if err := row.Scan(&a.ID, &a.Name, &a.Role, &a.DepartmentID, &a.Status, &a.Provider, &a.CurrentTaskID); err != nil {
		return nil, cerr.WrapStoreReadError("agent", err)
	}
	return &a, nil
}
