package tasklog

import (
	"context"
	"time"
)

type Repository interface {
	Append(ctx context.Context, e *Entry) error
	ListByTask(ctx context.Context, taskID string, limit int) ([]*Entry, error)
	LastRun(ctx context.Context, taskID string) (*Entry, error)
	// LastActivity returns the newest entry timestamp for the task, zero when
	// the task has no entries.
	LastActivity(ctx context.Context, taskID string) (time.Time, error)
}
