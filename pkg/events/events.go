// Package events defines event types and structures for flow lifecycle notifications.
package events

import (
	"time"
)

type EventType string

// Kafka topics.
const Topic = "flowd.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Arrival events emitted by the ingestion side.
	AssetsArrivedEvent EventType = "assets.arrived"

	// Flow execution lifecycle events.
	FlowTriggeredEvent          EventType = "flow.triggered"
	FlowExecutionStartedEvent   EventType = "flow.execution.started"
	FlowExecutionCompletedEvent EventType = "flow.execution.completed"
	FlowExecutionFailedEvent    EventType = "flow.execution.failed"

	// Flow lifecycle events.
	FlowActivatedEvent  EventType = "flow.activated"
	FlowPausedEvent     EventType = "flow.paused"
	FlowAutoPausedEvent EventType = "flow.auto_paused"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	FlowID    string         `json:"flow_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AssetsArrived announces freshly ingested assets for a source. On-arrival
// flows watching that source are triggered when it is received.
type AssetsArrived struct {
	BaseEvent

	SourceID string  `json:"source_id"`
	AssetIDs []int64 `json:"asset_ids"`
}

func (e AssetsArrived) GetType() EventType {
	return AssetsArrivedEvent
}

type FlowTriggered struct {
	BaseEvent

	TriggeredBy string `json:"triggered_by"`
	SourceID    string `json:"source_id,omitempty"`
}

func (e FlowTriggered) GetType() EventType {
	return FlowTriggeredEvent
}

type FlowExecutionStarted struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	InputCount  int    `json:"input_count"`
}

func (e FlowExecutionStarted) GetType() EventType {
	return FlowExecutionStartedEvent
}

type FlowExecutionCompleted struct {
	BaseEvent

	ExecutionID string        `json:"execution_id"`
	Status      string        `json:"status"`
	InputCount  int           `json:"input_count"`
	OutputCount int           `json:"output_count"`
	Duration    time.Duration `json:"duration"`
}

func (e FlowExecutionCompleted) GetType() EventType {
	return FlowExecutionCompletedEvent
}

type FlowExecutionFailed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	Error       string `json:"error"`
}

func (e FlowExecutionFailed) GetType() EventType {
	return FlowExecutionFailedEvent
}

type FlowActivated struct {
	BaseEvent
}

func (e FlowActivated) GetType() EventType {
	return FlowActivatedEvent
}

type FlowPaused struct {
	BaseEvent
}

func (e FlowPaused) GetType() EventType {
	return FlowPausedEvent
}

// FlowAutoPaused is emitted when repeated failures pause a flow without
// operator intervention.
type FlowAutoPaused struct {
	BaseEvent

	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error"`
}

func (e FlowAutoPaused) GetType() EventType {
	return FlowAutoPausedEvent
}
