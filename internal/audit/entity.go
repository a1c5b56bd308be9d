package audit

import "time"

const (
	OutcomeAccepted        = "accepted"
	OutcomeDuplicate       = "duplicate"
	OutcomeConflict        = "conflict"
	OutcomeBusy            = "busy"
	OutcomeValidationError = "validation_error"
)

// Entry is one append-only audit row for an inbound gateway request.
// Every request outcome gets a row before the HTTP response returns.
type Entry struct {
	ID             string
	Endpoint       string
	IdempotencyKey string
	Outcome        string
	MessageID      string
	Detail         string
	CreatedAt      time.Time
}
