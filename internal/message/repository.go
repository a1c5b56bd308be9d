package message

import (
	"context"
	"database/sql"
)

type Repository interface {
	// CreateTx inserts the message inside an existing transaction, so the
	// gateway can roll it back together with its audit entry.
	CreateTx(ctx context.Context, tx *sql.Tx, m *Message) error
	Create(ctx context.Context, m *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Message, error)
	ListByTask(ctx context.Context, taskID string) ([]*Message, error)
}
