package pushsubscription

import "time"

type Subscription struct {
	ID        string
	Endpoint  string
	P256dhKey string
	AuthKey   string
	CreatedAt time.Time
}
