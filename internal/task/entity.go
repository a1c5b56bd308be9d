package task

import "time"

type Status string

const (
	StatusInbox         Status = "inbox"
	StatusPlanned       Status = "planned"
	StatusCollaborating Status = "collaborating"
	StatusInProgress    Status = "in_progress"
	StatusReview        Status = "review"
	StatusDone          Status = "done"
	StatusCancelled     Status = "cancelled"
)

type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskDone       SubtaskStatus = "done"
	SubtaskBlocked    SubtaskStatus = "blocked"
)

// Task is a unit of work owned by one department and, once assigned, one
// agent. SourceTaskID links a task spawned to execute another task's
// cross-department or delegated subtask work back to its parent; the links
// form a tree, never a cycle.
type Task struct {
	ID               string
	Title            string
	Description      string
	DepartmentID     string
	AssignedAgentID  string
	Status           Status
	Priority         int
	TaskType         string
	ProjectPath      string
	SourceTaskID     string
	DispatchInflight bool
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	UpdatedAt        time.Time
}

// Subtask is a checklist item belonging to a parent task, optionally destined
// for a different department. While DelegatedTaskID is set, Status mirrors
// the delegated task's status under MirrorStatus.
type Subtask struct {
	ID                 string
	TaskID             string
	Title              string
	Description        string
	Status             SubtaskStatus
	TargetDepartmentID string
	DelegatedTaskID    string
	BlockedReason      string
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

// IsTerminal reports whether a task status ends execution.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// transitions is the fixed status graph. Callers must go through
// StateMachine.Transition instead of writing status columns directly.
var transitions = map[Status][]Status{
	StatusInbox:         {StatusPlanned, StatusCancelled},
	StatusPlanned:       {StatusCollaborating, StatusInProgress, StatusInbox, StatusCancelled},
	StatusCollaborating: {StatusInProgress, StatusInbox, StatusCancelled},
	StatusInProgress:    {StatusReview, StatusDone, StatusInbox, StatusCancelled},
	StatusReview:        {StatusDone, StatusInProgress, StatusCancelled},
	StatusDone:          {},
	StatusCancelled:     {},
}

// CanTransition reports whether from -> to is allowed by the graph.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MirrorStatus is the fixed mapping from a delegated task's status to its
// parent subtask's status. Review counts as done for gating purposes: the
// delegated department finished its execution.
func MirrorStatus(s Status) SubtaskStatus {
	switch s {
	case StatusDone, StatusReview:
		return SubtaskDone
	case StatusInProgress, StatusPlanned, StatusCollaborating:
		return SubtaskInProgress
	default:
		return SubtaskBlocked
	}
}
