package tasklog

import "time"

const (
	KindRun    = "run"
	KindSystem = "system"
	KindNotice = "notice"
)

const (
	OutcomeStarted   = "started"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Entry is a structured system log row for a task. Run entries double as the
// recovery record: the watchdog reads the last run entry to decide whether an
// orphaned task's execution actually finished.
type Entry struct {
	ID        string
	TaskID    string
	Kind      string
	Outcome   string
	Detail    string
	CreatedAt time.Time
}
