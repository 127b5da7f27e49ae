package xrelay

import (
	"time"
)

// Logical pub/sub channels fed by the Watcher.
const (
	ChannelActivity = "activity"
	ChannelStats    = "stats"
)

// Client-facing channels published by application code through the Broadcaster.
const (
	ChannelSessionUpdate      = "session-update"
	ChannelPaymentUpdate      = "payment-update"
	ChannelAvailabilityUpdate = "availability-update"
)

// OperationType is the kind of store mutation a ChangeEvent describes.
type OperationType string

const (
	OpInsert  OperationType = "insert"
	OpUpdate  OperationType = "update"
	OpDelete  OperationType = "delete"
	OpReplace OperationType = "replace"

	// OpPoll marks a synthetic event emitted in polling mode. It carries no diff.
	OpPoll OperationType = "poll"
)

// ChangeEvent is produced once per detected mutation and handed to the Queue.
type ChangeEvent struct {
	Event         string         `json:"event"`
	Collection    string         `json:"collection,omitempty"`
	OperationType OperationType  `json:"operationType"`
	DocumentKey   any            `json:"documentKey,omitempty"`
	FullDocument  map[string]any `json:"fullDocument,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`

	// Advisory is set on polling-mode events; consumers must re-fetch state.
	Advisory bool `json:"advisory,omitempty"`
}

// QueuedMessage is a payload waiting in the Queue for a flush.
type QueuedMessage struct {
	ID         string
	Channel    string
	Payload    string
	EnqueuedAt time.Time
	Processed  bool

	// Attempts counts failed publish attempts.
	Attempts int
}

// BatchConfig drives flush decisions. Zero fields are ignored by ConfigureBatching.
type BatchConfig struct {
	MaxSize int
	MaxTime time.Duration
}

// DefaultBatchConfig returns the process defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxSize: 10,
		MaxTime: 100 * time.Millisecond,
	}
}

// BatchEnvelope is the wire form used when several messages share a channel at flush time.
type BatchEnvelope struct {
	Type      string            `json:"type"`
	Messages  []EnvelopeMessage `json:"messages"`
	Timestamp time.Time         `json:"timestamp"`
}

// EnvelopeMessage is one entry of a BatchEnvelope.
type EnvelopeMessage struct {
	ID        string    `json:"id"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

const envelopeTypeBatch = "batch"

// DeadLetter records a message dropped after exhausting publish attempts.
type DeadLetter struct {
	ID        string
	Channel   string
	Payload   string
	Attempts  int
	LastError string
	FailedAt  time.Time
}

// QueueStats is a snapshot of Queue telemetry.
type QueueStats struct {
	Enqueued     uint64 `json:"enqueued"`
	Deduplicated uint64 `json:"deduplicated"`
	Published    uint64 `json:"published"`
	Failed       uint64 `json:"failed"`
	Requeued     uint64 `json:"requeued"`
	DeadLettered uint64 `json:"deadLettered"`
	Pending      int    `json:"pending"`
}

// HealthStatus indicates relay health for probes.
type HealthStatus struct {
	Status      string      `json:"status"` // "healthy", "degraded", "unhealthy"
	WatcherMode WatcherMode `json:"watcherMode"`
	Queue       QueueStats  `json:"queue"`
	Timestamp   time.Time   `json:"timestamp"`
	Message     string      `json:"message,omitempty"`
}
