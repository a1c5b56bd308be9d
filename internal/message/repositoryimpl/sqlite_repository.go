package repositoryimpl

import (
	"context"
	"database/sql"

	"github.com/kazz187/agentcorp/internal/message"
	"github.com/kazz187/agentcorp/internal/store"
	"github.com/kazz187/agentcorp/pkg/cerr"
)

type SQLiteRepository struct {
	store *store.Store
}

func NewSQLiteRepository(s *store.Store) *SQLiteRepository {
	return &SQLiteRepository{store: s}
}

const messageColumns = `id, sender_type, COALESCE(sender_id, ''), receiver_type, COALESCE(receiver_id, ''),
	content, message_type, COALESCE(task_id, ''), COALESCE(idempotency_key, ''), created_at`

const insertQuery = `INSERT INTO messages (id, sender_type, sender_id, receiver_type, receiver_id,
	content, message_type, task_id, idempotency_key, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (r *SQLiteRepository) CreateTx(ctx context.Context, tx *sql.Tx, m *message.Message) error {
	_, err := tx.ExecContext(ctx, insertQuery,
		m.ID, m.SenderType, nullable(m.SenderID), m.ReceiverType, nullable(m.ReceiverID),
		m.Content, m.MessageType, nullable(m.TaskID), nullable(m.IdempotencyKey), m.CreatedAt,
	)
	return err
}

func (r *SQLiteRepository) Create(ctx context.Context, m *message.Message) error {
	err := store.Retry(ctx, func() error {
		_, err := r.store.DB().ExecContext(ctx, insertQuery,
			m.ID, m.SenderType, nullable(m.SenderID), m.ReceiverType, nullable(m.ReceiverID),
			m.Content, m.MessageType, nullable(m.TaskID), nullable(m.IdempotencyKey), m.CreatedAt,
		)
		return err
	})
	if err != nil {
		return cerr.WrapStoreWriteError("message", err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*message.Message, error) {
	return scanMessage(r.store.DB().QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
}

func (r *SQLiteRepository) GetByIdempotencyKey(ctx context.Context, key string) (*message.Message, error) {
	return scanMessage(r.store.DB().QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE idempotency_key = ?`, key))
}

func (r *SQLiteRepository) ListByTask(ctx context.Context, taskID string) ([]*message.Message, error) {
	rows, err := r.store.DB().QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE task_id = ? ORDER BY created_at`, taskID)
	if err != nil {
		return nil, cerr.WrapStoreReadError("messages", err)
	}
	defer rows.Close()

	var out []*message.Message
	for rows.Next() {
		var m message.Message
		if err := rows.Scan(&m.ID, &m.SenderType, &m.SenderID, &m.ReceiverType, &m.ReceiverID,
			&m.Content, &m.MessageType, &m.TaskID, &m.IdempotencyKey, &m.CreatedAt); err != nil {
			return nil, cerr.WrapStoreReadError("messages", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func scanMessage(row *sql.Row) (*message.Message, error) {
	var m message.Message
	if err := row.Scan(&m.ID, &m.SenderType, &m.SenderID, &m.ReceiverType, &m.ReceiverID,
		&m.Content, &m.MessageType, &m.TaskID, &m.IdempotencyKey, &m.CreatedAt); err != nil {
		return nil, cerr.WrapStoreReadError("message", err)
	}
	return &m, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
