package xrelay

import (
	"context"
)

// Transport is the Strategy interface for pub/sub backends.
type Transport interface {
	// Publish sends one payload to a channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers every payload published on the given channels to handler.
	// The transport drives delivery in background and honors ctx.
	Subscribe(ctx context.Context, channels []string, handler Handler) (Subscription, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// Handler processes one inbound pub/sub message.
type Handler func(ctx context.Context, channel string, payload []byte) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	Close() error
}

// Publisher is what the Queue flushes into.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Session is a store session able to run transactions.
type Session interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
	// Context binds ctx to the session so store calls join the open transaction.
	Context(ctx context.Context) context.Context
	End(ctx context.Context)
}

// SessionStarter acquires store sessions.
type SessionStarter interface {
	StartSession(ctx context.Context) (Session, error)
}

// Topology is what the capability probe reports about the store.
type Topology int

const (
	TopologyUnknown Topology = iota
	TopologyStandalone
	TopologyReplicated
)

func (t Topology) String() string {
	switch t {
	case TopologyStandalone:
		return "standalone"
	case TopologyReplicated:
		return "replicated"
	default:
		return "unknown"
	}
}

// Change is one store-level mutation read from a change stream.
type Change struct {
	OperationType OperationType
	DocumentKey   any
	FullDocument  map[string]any

	// ResumeToken is opaque; passing it back to Watch resumes after this change.
	ResumeToken []byte
}

// ChangeStream yields changes for a single collection.
type ChangeStream interface {
	// Next blocks for the next change. It returns io.EOF when the store closed the stream.
	Next(ctx context.Context) (Change, error)
	Close(ctx context.Context) error
}

// ChangeSource is the store side of the Watcher.
type ChangeSource interface {
	Probe(ctx context.Context) (Topology, error)
	Watch(ctx context.Context, collection string, resumeToken []byte) (ChangeStream, error)
}

// Conn is one live client connection.
type Conn interface {
	ID() string
	Send(event string, payload []byte) error
	Close() error
}

// DeadLetterSink receives messages that exhausted their publish attempts.
type DeadLetterSink interface {
	Store(ctx context.Context, dl DeadLetter) error
}

// Observer receives relay lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}
