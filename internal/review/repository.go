package review

import "context"

type Repository interface {
	Create(ctx context.Context, r *Review) error
	ListByTask(ctx context.Context, taskID string) ([]*Review, error)
	Delete(ctx context.Context, id string) error
}
