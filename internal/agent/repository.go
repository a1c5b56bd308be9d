package agent

import "context"

type Repository interface {
	Create(ctx context.Context, a *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	ListByDepartment(ctx context.Context, departmentID string) ([]*Agent, error)
	List(ctx context.Context) ([]*Agent, error)
	LeaderOf(ctx context.Context, departmentID string) (*Agent, error)
	// SetWorking assigns taskID and flips the agent to working.
	SetWorking(ctx context.Context, id, taskID string) error
	// Free clears the current task and returns the agent to idle.
	Free(ctx context.Context, id string) error
}
