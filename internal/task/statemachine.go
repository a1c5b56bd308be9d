package task

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/agentcorp/pkg/cerr"
)

// StateMachine owns every status mutation for tasks and subtasks. It is a
// pure data-layer contract: no network side effects, safe to call redundantly
// from recovery paths.
type StateMachine struct {
	repo Repository
	now  func() time.Time
}

func NewStateMachine(repo Repository) *StateMachine {
	return &StateMachine{repo: repo, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (m *StateMachine) WithClock(now func() time.Time) *StateMachine {
	m.now = now
	return m
}

type CreateTaskRequest struct {
	Title        string
	Description  string
	DepartmentID string
	Status       Status
	Priority     int
	TaskType     string
	ProjectPath  string
	SourceTaskID string
}

func (m *StateMachine) CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, error) {
	status := req.Status
	if status == "" {
		status = StatusPlanned
	}
	taskType := req.TaskType
	if taskType == "" {
		taskType = "feature"
	}
	now := m.now()
	t := &Task{
		ID:           ulid.Make().String(),
		Title:        req.Title,
		Description:  req.Description,
		DepartmentID: req.DepartmentID,
		Status:       status,
		Priority:     req.Priority,
		TaskType:     taskType,
		ProjectPath:  req.ProjectPath,
		SourceTaskID: req.SourceTaskID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.repo.Create(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Transition moves a task to newStatus, rejecting moves outside the fixed
// graph. Timestamps are maintained here: started_at on the first move into
// in_progress, completed_at on done/cancelled.
func (m *StateMachine) Transition(ctx context.Context, taskID string, newStatus Status) (*Task, error) {
	t, err := m.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(t.Status, newStatus) {
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("transition from %q to %q is not allowed", t.Status, newStatus), nil)
	}
	if t.Status == newStatus {
		return t, nil
	}

	now := m.now()
	t.Status = newStatus
	t.UpdatedAt = now
	switch newStatus {
	case StatusInProgress:
		if t.StartedAt == nil {
			started := now
			t.StartedAt = &started
		}
	case StatusDone, StatusCancelled:
		completed := now
		t.CompletedAt = &completed
	case StatusInbox:
		// Demotion clears execution evidence so a later run starts clean.
		t.StartedAt = nil
		t.AssignedAgentID = ""
	}
	if err := m.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Assign records the executing agent on the task.
func (m *StateMachine) Assign(ctx context.Context, taskID, agentID string) (*Task, error) {
	t, err := m.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	t.AssignedAgentID = agentID
	t.UpdatedAt = m.now()
	if err := m.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// LinkSubtaskToDelegatedTask points a subtask at the task executing it. At
// most one delegated task may be linked at a time.
func (m *StateMachine) LinkSubtaskToDelegatedTask(ctx context.Context, subtaskID, childTaskID string) error {
	st, err := m.repo.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	if st.DelegatedTaskID == childTaskID {
		return nil
	}
	if st.DelegatedTaskID != "" {
		return cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("subtask %s is already delegated to task %s", subtaskID, st.DelegatedTaskID), nil)
	}
	st.DelegatedTaskID = childTaskID
	if err := m.repo.UpdateSubtask(ctx, st); err != nil {
		return err
	}
	return m.SyncSubtaskFromDelegatedTask(ctx, subtaskID)
}

// SyncSubtaskFromDelegatedTask recomputes a subtask's status from the linked
// task using the fixed mirror mapping. Idempotent: recovery paths call it
// redundantly.
func (m *StateMachine) SyncSubtaskFromDelegatedTask(ctx context.Context, subtaskID string) error {
	st, err := m.repo.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	if st.DelegatedTaskID == "" {
		return nil
	}
	child, err := m.repo.Get(ctx, st.DelegatedTaskID)
	if err != nil {
		return err
	}

	mirrored := MirrorStatus(child.Status)
	blockedReason := ""
	if mirrored == SubtaskBlocked {
		blockedReason = fmt.Sprintf("delegated task %s is %s", child.ID, child.Status)
	}
	var completedAt *time.Time
	if mirrored == SubtaskDone {
		if st.CompletedAt != nil {
			completedAt = st.CompletedAt
		} else {
			now := m.now()
			completedAt = &now
		}
	}

	if st.Status == mirrored && st.BlockedReason == blockedReason && equalTime(st.CompletedAt, completedAt) {
		return nil
	}
	st.Status = mirrored
	st.BlockedReason = blockedReason
	st.CompletedAt = completedAt
	return m.repo.UpdateSubtask(ctx, st)
}

// MarkSubtaskBlocked sets an explicit blocked state, used when execution of
// a delegated batch fails.
func (m *StateMachine) MarkSubtaskBlocked(ctx context.Context, subtaskID, reason string) error {
	st, err := m.repo.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	if st.Status == SubtaskBlocked && st.BlockedReason == reason {
		return nil
	}
	st.Status = SubtaskBlocked
	st.BlockedReason = reason
	return m.repo.UpdateSubtask(ctx, st)
}

// AllSubtasksComplete reports whether every subtask of the task is done.
// Tasks without subtasks count as complete.
func (m *StateMachine) AllSubtasksComplete(ctx context.Context, taskID string) (bool, error) {
	subtasks, err := m.repo.ListSubtasks(ctx, taskID)
	if err != nil {
		return false, err
	}
	for _, st := range subtasks {
		if st.Status != SubtaskDone {
			return false, nil
		}
	}
	return true, nil
}

// CreateSubtask persists a new checklist item under a parent task.
func (m *StateMachine) CreateSubtask(ctx context.Context, taskID, title, description, targetDepartmentID string) (*Subtask, error) {
	st := &Subtask{
		ID:                 ulid.Make().String(),
		TaskID:             taskID,
		Title:              title,
		Description:        description,
		Status:             SubtaskPending,
		TargetDepartmentID: targetDepartmentID,
		CreatedAt:          m.now(),
	}
	if err := m.repo.CreateSubtask(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
