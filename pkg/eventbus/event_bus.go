// Package eventbus provides event-driven communication infrastructure for
// flow triggering and execution notifications.
package eventbus

import (
	"context"

	"github.com/openintel/flowd/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}

// DecodeEvent returns a fresh event value for the given type, or nil when
// the type is unknown.
func DecodeEvent(eventType events.EventType) Event {
	switch eventType {
	case events.AssetsArrivedEvent:
		return &events.AssetsArrived{}
	case events.FlowTriggeredEvent:
		return &events.FlowTriggered{}
	case events.FlowExecutionStartedEvent:
		return &events.FlowExecutionStarted{}
	case events.FlowExecutionCompletedEvent:
		return &events.FlowExecutionCompleted{}
	case events.FlowExecutionFailedEvent:
		return &events.FlowExecutionFailed{}
	case events.FlowActivatedEvent:
		return &events.FlowActivated{}
	case events.FlowPausedEvent:
		return &events.FlowPaused{}
	case events.FlowAutoPausedEvent:
		return &events.FlowAutoPaused{}
	default:
		return nil
	}
}
