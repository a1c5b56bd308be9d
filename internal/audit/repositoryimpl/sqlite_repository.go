package repositoryimpl

import (
	"context"
	"database/sql"

	"github.com/kazz187/agentcorp/internal/audit"
	"github.com/kazz187/agentcorp/internal/store"
	"github.com/kazz187/agentcorp/pkg/cerr"
)

const columns = `id, endpoint, idempotency_key, outcome, message_id, detail, created_at`

type SQLiteRepository struct {
	store *store.Store
}

func NewSQLiteRepository(s *store.Store) *SQLiteRepository {
	return &SQLiteRepository{store: s}
}

func (r *SQLiteRepository) CreateTx(ctx context.Context, tx *sql.Tx, e *audit.Entry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Endpoint, nullable(e.IdempotencyKey), e.Outcome, nullable(e.MessageID), nullable(e.Detail), e.CreatedAt,
	)
	if err != nil {
		return cerr.WrapStoreWriteError("audit entry", err)
	}
	return nil
}

func (r *SQLiteRepository) Create(ctx context.Context, e *audit.Entry) error {
	err := store.Retry(ctx, func() error {
		_, err := r.store.DB().ExecContext(ctx,
			`INSERT INTO audit_log (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Endpoint, nullable(e.IdempotencyKey), e.Outcome, nullable(e.MessageID), nullable(e.Detail), e.CreatedAt,
		)
		return err
	})
	if err != nil {
		return cerr.WrapStoreWriteError("audit entry", err)
	}
	return nil
}

func (r *SQLiteRepository) ListByKey(ctx context.Context, idempotencyKey string) ([]*audit.Entry, error) {
	return r.list(ctx,
		`SELECT `+columns+` FROM audit_log WHERE idempotency_key = ? ORDER BY created_at`, idempotencyKey)
}

func (r *SQLiteRepository) ListRecent(ctx context.Context, limit int) ([]*audit.Entry, error) {
	return r.list(ctx,
		`SELECT `+columns+` FROM audit_log ORDER BY created_at DESC LIMIT ?`, limit)
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]*audit.Entry, error) {
	rows, err := r.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cerr.WrapStoreReadError("audit entries", err)
	}
	defer rows.Close()

	var out []*audit.Entry
	for rows.Next() {
		var e audit.Entry
		var key, messageID, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Endpoint, &key, &e.Outcome, &messageID, &detail, &e.CreatedAt); err != nil {
			return nil, cerr.WrapStoreReadError("audit entries", err)
		}
		e.IdempotencyKey = key.String
		e.MessageID = messageID.String
		e.Detail = detail.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
