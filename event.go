package xrelay

import (
	"time"
)

// EventType enumerates relay lifecycle events for the Observer pattern.
type EventType string

const (
	EventEnqueued      EventType = "enqueued"
	EventDeduplicated  EventType = "deduplicated"
	EventPublished     EventType = "published"
	EventPublishFailed EventType = "publish_failed"
	EventRequeued      EventType = "requeued"
	EventDeadLettered  EventType = "dead_lettered"
	EventDelivered     EventType = "delivered"
	EventDropped       EventType = "dropped"
	EventStreamError   EventType = "stream_error"
	EventModeChanged   EventType = "mode_changed"
)

// Event carries telemetry for observers.
type Event struct {
	Type       EventType
	Channel    string
	MessageID  string
	Collection string
	Room       string
	Count      int
	Duration   time.Duration
	Err        error
	Mode       WatcherMode

	// Internal: attached for async dispatch
	observers []Observer
}
