package task

import "context"

type Repository interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, departmentID string, status Status) ([]*Task, error)
	ListByStatus(ctx context.Context, status Status) ([]*Task, error)
	ListChildren(ctx context.Context, sourceTaskID string) ([]*Task, error)
	ListOrphanCandidates(ctx context.Context) ([]*Task, error)
	Update(ctx context.Context, t *Task) error
	SetDispatchInflight(ctx context.Context, id string, inflight bool) error

	CreateSubtask(ctx context.Context, st *Subtask) error
	GetSubtask(ctx context.Context, id string) (*Subtask, error)
	ListSubtasks(ctx context.Context, taskID string) ([]*Subtask, error)
	FindSubtaskByDelegatedTask(ctx context.Context, delegatedTaskID string) (*Subtask, error)
	// ListSubtasksByDelegatedTask returns every subtask executed by the given
	// task. Batch dispatch links several subtasks to one execution vehicle.
	ListSubtasksByDelegatedTask(ctx context.Context, delegatedTaskID string) ([]*Subtask, error)
	UpdateSubtask(ctx context.Context, st *Subtask) error
}
