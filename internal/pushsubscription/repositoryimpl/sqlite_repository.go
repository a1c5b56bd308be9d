package repositoryimpl

import (
	"context"
	"database/sql"
	"errors"

	"github.com/kazz187/agentcorp/internal/pushsubscription"
	"github.com/kazz187/agentcorp/internal/store"
	"github.com/kazz187/agentcorp/pkg/cerr"
)

type SQLiteRepository struct {
	store *store.Store
}

func NewSQLiteRepository(s *store.Store) *SQLiteRepository {
	return &SQLiteRepository{store: s}
}

func (r *SQLiteRepository) Create(ctx context.Context, sub *pushsubscription.Subscription) error {
	err := store.Retry(ctx, func() error {
		_, err := r.store.DB().ExecContext(ctx,
			`INSERT INTO push_subscriptions (id, endpoint, p256dh, auth, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(endpoint) DO UPDATE SET p256dh = excluded.p256dh, auth = excluded.auth`,
			sub.ID, sub.Endpoint, sub.P256dhKey, sub.AuthKey, sub.CreatedAt,
		)
		return err
	})
	if err != nil {
		return cerr.WrapStoreWriteError("push subscription", err)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]*pushsubscription.Subscription, error) {
	rows, err := r.store.DB().QueryContext(ctx,
		`SELECT id, endpoint, p256dh, auth, created_at FROM push_subscriptions ORDER BY created_at`)
	if err != nil {
		return nil, cerr.WrapStoreReadError("push subscriptions", err)
	}
	defer rows.Close()

	var out []*pushsubscription.Subscription
	for rows.Next() {
		var sub pushsubscription.Subscription
		if err := rows.Scan(&sub.ID, &sub.Endpoint, &sub.P256dhKey, &sub.AuthKey, &sub.CreatedAt); err != nil {
			return nil, cerr.WrapStoreReadError("push subscriptions", err)
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	err := store.Retry(ctx, func() error {
		_, err := r.store.DB().ExecContext(ctx, `DELETE FROM push_subscriptions WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return cerr.WrapStoreDeleteError("push subscription", err)
	}
	return nil
}

func (r *SQLiteRepository) FindByEndpoint(ctx context.Context, endpoint string) (*pushsubscription.Subscription, error) {
	var sub pushsubscription.Subscription
	err := r.store.DB().QueryRowContext(ctx,
		`SELECT id, endpoint, p256dh, auth, created_at FROM push_subscriptions WHERE endpoint = ?`,
		endpoint).Scan(&sub.ID, &sub.Endpoint, &sub.P256dhKey, &sub.AuthKey, &sub.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cerr.NewError(cerr.NotFound, "push subscription not found", err)
	}
	if err != nil {
		return nil, cerr.WrapStoreReadError("push subscription", err)
	}
	return &sub, nil
}

func (r *SQLiteRepository) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	err := store.Retry(ctx, func() error {
		_, err := r.store.DB().ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
		return err
	})
	if err != nil {
		return cerr.WrapStoreDeleteError("push subscription", err)
	}
	return nil
}
