package xrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ HealthChecker = (*Relay)(nil)

// Relay is the Facade wiring watcher, queue, broadcaster and connection
// registry around one transport. Build it with RelayBuilder.
type Relay struct {
	transport   Transport
	codec       Codec
	queue       *Queue
	watcher     *Watcher
	broadcaster *Broadcaster
	rooms       *Rooms
	tx          *TxRunner
	pool        *ObserverPool
	clock       xclock.Clock
	logger      *xlog.Logger
	middlewares []Middleware

	serveRooms bool

	mu      sync.Mutex
	started bool
	sub     Subscription
	closed  atomic.Bool
}

// Start launches the watcher and, when enabled, subscribes the connection
// registry to the transport.
func (r *Relay) Start(ctx context.Context) error {
	if r.closed.Load() {
		return ErrRelayClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	if r.serveRooms {
		sub, err := r.rooms.Subscribe(ctx, r.transport, r.middlewares...)
		if err != nil {
			return fmt.Errorf("xrelay: subscribe registry: %w", err)
		}
		r.sub = sub
	}
	if err := r.watcher.Start(ctx); err != nil {
		if r.sub != nil {
			_ = r.sub.Close()
			r.sub = nil
		}
		return fmt.Errorf("xrelay: start watcher: %w", err)
	}
	r.started = true
	r.logger.Info().
		Str("mode", r.watcher.Mode().String()).
		Msg("xrelay: relay started")
	return nil
}

// Emit publishes v on a client-facing channel straight through the
// Broadcaster, bypassing the queue. Delivery is best effort.
func (r *Relay) Emit(ctx context.Context, channel string, v any) error {
	if r.closed.Load() {
		return ErrRelayClosed
	}
	payload, err := r.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("xrelay: encode %s payload: %w", channel, err)
	}
	return r.broadcaster.Publish(ctx, channel, payload)
}

// Enqueue hands a raw payload to the queue.
func (r *Relay) Enqueue(channel, payload, id string) error {
	if r.closed.Load() {
		return ErrRelayClosed
	}
	return r.queue.Enqueue(channel, payload, id)
}

// Close stops the watcher first so nothing new is enqueued, then flushes the
// queue and releases the subscription, transport and observer pool.
func (r *Relay) Close(ctx context.Context) error {
	if r.closed.Swap(true) {
		return nil
	}
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	var errs []error
	if err := r.watcher.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.queue.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("xrelay: close subscription: %w", err))
		}
	}
	if r.transport != nil {
		if err := r.transport.Close(ctx); err != nil {
			r.logger.Error().Err(err).Msg("xrelay: transport close failed")
			errs = append(errs, err)
		}
	}
	if r.pool != nil {
		if err := r.pool.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Health reports relay status. Polling mode and dead letters make it degraded.
func (r *Relay) Health(ctx context.Context) HealthStatus {
	st := HealthStatus{
		Status:      "healthy",
		WatcherMode: r.watcher.Mode(),
		Queue:       r.queue.Stats(),
		Timestamp:   r.clock.Now(),
	}
	switch {
	case r.closed.Load():
		st.Status = "unhealthy"
		st.Message = "relay closed"
	case ctx.Err() != nil:
		st.Status = "unhealthy"
		st.Message = ctx.Err().Error()
	case st.WatcherMode == ModePolling:
		st.Status = "degraded"
		st.Message = "store does not stream changes; events are advisory"
	case st.Queue.DeadLettered > 0:
		st.Status = "degraded"
		st.Message = fmt.Sprintf("%d message(s) dead-lettered", st.Queue.DeadLettered)
	}
	return st
}

func (r *Relay) Queue() *Queue             { return r.queue }
func (r *Relay) Watcher() *Watcher         { return r.watcher }
func (r *Relay) Rooms() *Rooms             { return r.rooms }
func (r *Relay) Broadcaster() *Broadcaster { return r.broadcaster }

// TxRunner returns the transaction runner, or nil when no SessionStarter was configured.
func (r *Relay) TxRunner() *TxRunner { return r.tx }
