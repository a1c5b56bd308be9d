package review

import "time"

const (
	StatusInProgress = "in_progress"
	StatusApproved   = "approved"
	StatusFailed     = "failed"
)

// Review records one review round for a task. Repeated restarts can leave
// duplicate in-progress rounds behind; the watchdog prunes them down to the
// most recent per (task, round).
type Review struct {
	ID        string
	TaskID    string
	Round     int
	Status    string
	CreatedAt time.Time
}
