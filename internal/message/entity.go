package message

import "time"

const (
	TypeChat         = "chat"
	TypeTaskAssign   = "task_assign"
	TypeReport       = "report"
	TypeAnnouncement = "announcement"
	TypeDirective    = "directive"
)

// Message is an immutable inbound or outbound communication. The unique
// idempotency key is the dedup and conflict boundary for the gateway.
type Message struct {
	ID             string
	SenderType     string
	SenderID       string
	ReceiverType   string
	ReceiverID     string
	Content        string
	MessageType    string
	TaskID         string
	IdempotencyKey string
	CreatedAt      time.Time
}

func ValidType(t string) bool {
	switch t {
	case TypeChat, TypeTaskAssign, TypeReport, TypeAnnouncement, TypeDirective:
		return true
	}
	return false
}
