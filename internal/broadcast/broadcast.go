package broadcast

import (
	"context"
	"log/slog"

	"github.com/kazz187/agentcorp/internal/eventbus"
	"github.com/kazz187/agentcorp/internal/pushnotification"
	"github.com/kazz187/agentcorp/pkg/panicerr"
)

// Broadcaster fans company events out to in-process subscribers and,
// when configured, to registered web push endpoints.
type Broadcaster interface {
	Broadcast(ctx context.Context, eventType eventbus.EventType, resourceID string, payload map[string]string)
}

type Fanout struct {
	bus    *eventbus.Bus
	sender *pushnotification.Sender
}

func NewFanout(bus *eventbus.Bus, sender *pushnotification.Sender) *Fanout {
	return &Fanout{
		bus:    bus,
		sender: sender,
	}
}

func (f *Fanout) Broadcast(ctx context.Context, eventType eventbus.EventType, resourceID string, payload map[string]string) {
	f.bus.PublishNew(eventType, resourceID, payload)

	if f.sender == nil {
		return
	}
	notification := toNotification(eventType, resourceID, payload)
	if notification == nil {
		return
	}
	go func() {
		if err := panicerr.Safe(func() error {
			f.sender.SendToAll(context.WithoutCancel(ctx), notification)
			return nil
		})(); err != nil {
			slog.Error("broadcast: push send panicked", "error", err)
		}
	}()
}

func toNotification(eventType eventbus.EventType, resourceID string, payload map[string]string) *pushnotification.NotificationPayload {
	switch eventType {
	case eventbus.EventTaskCreated:
		return &pushnotification.NotificationPayload{
			Title: "Task created",
			Body:  payload["title"],
			Tag:   resourceID,
		}
	case eventbus.EventTaskCompleted:
		return &pushnotification.NotificationPayload{
			Title: "Task completed",
			Body:  payload["title"],
			Tag:   resourceID,
		}
	case eventbus.EventWatchdogRecovered:
		return &pushnotification.NotificationPayload{
			Title: "Task recovered",
			Body:  payload["reason"],
			Tag:   resourceID,
		}
	case eventbus.EventNotification:
		return &pushnotification.NotificationPayload{
			Title: payload["title"],
			Body:  payload["body"],
			Tag:   resourceID,
		}
	default:
		return nil
	}
}

// Nop is used by tests and in tooling contexts that fan out nowhere.
type Nop struct{}

func (Nop) Broadcast(context.Context, eventbus.EventType, string, map[string]string) {}
