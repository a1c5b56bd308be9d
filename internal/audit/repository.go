package audit

import (
	"context"
	"database/sql"
)

type Repository interface {
	// CreateTx inserts the entry inside an existing transaction, so an
	// accepted message and its audit row commit or roll back together.
	CreateTx(ctx context.Context, tx *sql.Tx, e *Entry) error
	Create(ctx context.Context, e *Entry) error
	ListByKey(ctx context.Context, idempotencyKey string) ([]*Entry, error)
	ListRecent(ctx context.Context, limit int) ([]*Entry, error)
}
