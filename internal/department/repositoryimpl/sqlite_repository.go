package repositoryimpl

import (
	"context"
	"database/sql"

	"github.com/kazz187/agentcorp/internal/department"
	"github.com/kazz187/agentcorp/internal/store"
	"github.com/kazz187/agentcorp/pkg/cerr"
)

type SQLiteRepository struct {
	store *store.Store
}

func NewSQLiteRepository(s *store.Store) *SQLiteRepository {
	return &SQLiteRepository{store: s}
}

func (r *SQLiteRepository) Create(ctx context.Context, d *department.Department) error {
	err := store.Retry(ctx, func() error {
		_, err := r.store.DB().ExecContext(ctx,
			`INSERT INTO departments (id, name, display_name, priority, sort_order) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET display_name = excluded.display_name, priority = excluded.priority, sort_order = excluded.sort_order`,
			d.ID, d.Name, d.DisplayName, d.Priority, d.SortOrder,
		)
		return err
	})
	if err != nil {
		return cerr.WrapStoreWriteError("department", err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*department.Department, error) {
	return r.scanOne(r.store.DB().QueryRowContext(ctx,
		`SELECT id, name, display_name, priority, sort_order FROM departments WHERE id = ?`, id))
}

func (r *SQLiteRepository) GetByName(ctx context.Context, name string) (*department.Department, error) {
	return r.scanOne(r.store.DB().QueryRowContext(ctx,
		`SELECT id, name, display_name, priority, sort_order FROM departments WHERE name = ?`, name))
}

func (r *SQLiteRepository) scanOne(row *sql.Row) (*department.Department, error) {
	var d department.Department
	if err := row.Scan(&d.ID, &d.Name, &d.DisplayName, &d.Priority, &d.SortOrder); err != nil {
		return nil, cerr.WrapStoreReadError("department", err)
	}
	return &d, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]*department.Department, error) {
	rows, err := r.store.DB().QueryContext(ctx,
		`SELECT id, name, display_name, priority, sort_order FROM departments ORDER BY sort_order, name`)
	if err != nil {
		return nil, cerr.WrapStoreReadError("departments", err)
	}
	defer rows.Close()

	var out []*department.Department
	for rows.Next() {
		var d department.Department
		if err := rows.Scan(&d.ID, &d.Name, &d.DisplayName, &d.Priority, &d.SortOrder); err != nil {
			return nil, cerr.WrapStoreReadError("departments", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
