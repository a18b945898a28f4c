// Package eventbus provides event-driven notification infrastructure for
// workflow and scheduler lifecycle events.
package eventbus

import (
	"context"

	"github.com/skein-dev/skein/pkg/events"
)

// Event is anything that names its own lifecycle event type.
type Event interface {
	GetType() events.EventType
}

// EventPublisher emits events under a routing key, typically the event type.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber registers handlers and starts the consume loop. Handle
// calls must happen before Subscribe.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler processes one decoded event. A non-nil error nacks the
// message so the transport can redeliver it.
type EventHandler func(ctx context.Context, event any) error

// EventBus is the full pub/sub surface the engine and scheduler publish to.
type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
