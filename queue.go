package xrelay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

const (
	defaultQueueMaxAttempts    = 5
	defaultQueuePublishTimeout = 5 * time.Second
	defaultQueueRetryCap       = 5 * time.Second
	queueOpBuffer              = 1024
)

// QueueConfig configures a Queue. Zero fields take defaults.
type QueueConfig struct {
	Batch BatchConfig

	// MaxAttempts bounds failed publishes per message before it is dead-lettered.
	MaxAttempts int

	IdempotencySize int
	IdempotencyTTL  time.Duration

	PublishTimeout time.Duration
	DeadLetters    DeadLetterSink

	// Codec encodes batch envelopes. Defaults to JSONCodec.
	Codec Codec

	Logger    *xlog.Logger
	Clock     xclock.Clock
	Observers []Observer
	Pool      *ObserverPool
}

func (c *QueueConfig) applyDefaults() {
	def := DefaultBatchConfig()
	if c.Batch.MaxSize < 1 {
		c.Batch.MaxSize = def.MaxSize
	}
	if c.Batch.MaxTime <= 0 {
		c.Batch.MaxTime = def.MaxTime
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = defaultQueueMaxAttempts
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultQueuePublishTimeout
	}
	if c.Codec == nil {
		c.Codec = JSONCodec{}
	}
	if c.Logger == nil {
		c.Logger = xlog.Default()
	}
	if c.Clock == nil {
		c.Clock = xclock.Default()
	}
}

// Queue buffers messages, drops duplicate ids and flushes batches per channel
// to a Publisher. All mutable state is owned by one goroutine; the exported
// methods talk to it over a channel.
type Queue struct {
	pub       Publisher
	dlq       DeadLetterSink
	codec     Codec
	clock     xclock.Clock
	logger    *xlog.Logger
	observers *observerSet

	maxAttempts    int
	publishTimeout time.Duration

	ops  chan func(*queueState)
	done chan struct{}

	// mu orders op submission against Close so nothing is sent after the owner exits.
	mu     sync.RWMutex
	closed bool

	enqueued     atomic.Uint64
	deduplicated atomic.Uint64
	published    atomic.Uint64
	failed       atomic.Uint64
	requeued     atomic.Uint64
	deadLettered atomic.Uint64
	pending      atomic.Int64
}

// queueState is touched only by the owner goroutine.
type queueState struct {
	cfg     BatchConfig
	seen    *idempotencyWindow
	pending []*QueuedMessage
	batch   []*QueuedMessage

	timer    *time.Timer
	timerC   <-chan time.Time
	holdOff  time.Time
	failures int
	closing  bool
}

// NewQueue starts the owner goroutine. Call Close to flush and stop it.
func NewQueue(pub Publisher, cfg QueueConfig) *Queue {
	cfg.applyDefaults()
	q := &Queue{
		pub:            pub,
		dlq:            cfg.DeadLetters,
		codec:          cfg.Codec,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		observers:      &observerSet{pool: cfg.Pool, observers: cfg.Observers},
		maxAttempts:    cfg.MaxAttempts,
		publishTimeout: cfg.PublishTimeout,
		ops:            make(chan func(*queueState), queueOpBuffer),
		done:           make(chan struct{}),
	}
	st := &queueState{
		cfg:  cfg.Batch,
		seen: newIdempotencyWindow(cfg.IdempotencySize, cfg.IdempotencyTTL),
	}
	go q.run(st)
	return q
}

// Enqueue accepts payload for channel. An empty id becomes "<channel>:<uuid>".
// A repeated id inside the idempotency window is dropped without error.
func (q *Queue) Enqueue(channel, payload, id string) error {
	if channel == "" {
		return ErrInvalidChannel
	}
	if id == "" {
		id = channel + ":" + uuid.NewString()
	}
	now := q.clock.Now()
	return q.submit(func(s *queueState) {
		if s.seen.observe(id) {
			q.deduplicated.Add(1)
			q.observers.notify(Event{Type: EventDeduplicated, Channel: channel, MessageID: id})
			return
		}
		s.pending = append(s.pending, &QueuedMessage{
			ID:         id,
			Channel:    channel,
			Payload:    payload,
			EnqueuedAt: now,
		})
		q.enqueued.Add(1)
		q.pending.Add(1)
		q.observers.notify(Event{Type: EventEnqueued, Channel: channel, MessageID: id})
		q.evaluate(s)
	})
}

// ConfigureBatching merges the non-zero fields of cfg. Only later flush decisions see it.
func (q *Queue) ConfigureBatching(cfg BatchConfig) error {
	return q.submit(func(s *queueState) {
		if cfg.MaxSize > 0 {
			s.cfg.MaxSize = cfg.MaxSize
		}
		if cfg.MaxTime > 0 {
			s.cfg.MaxTime = cfg.MaxTime
		}
	})
}

// BatchConfig returns the configuration the owner currently applies.
func (q *Queue) BatchConfig() (BatchConfig, error) {
	out := make(chan BatchConfig, 1)
	if err := q.submit(func(s *queueState) { out <- s.cfg }); err != nil {
		return BatchConfig{}, err
	}
	select {
	case cfg := <-out:
		return cfg, nil
	case <-q.done:
		return BatchConfig{}, ErrQueueClosed
	}
}

// ClearIdempotencyCache forgets every remembered id. It returns once the
// owner has applied it, so ids enqueued afterwards are checked against an
// empty window.
func (q *Queue) ClearIdempotencyCache() error {
	ack := make(chan struct{})
	if err := q.submit(func(s *queueState) {
		s.seen.purge()
		close(ack)
	}); err != nil {
		return err
	}
	select {
	case <-ack:
		return nil
	case <-q.done:
		return ErrQueueClosed
	}
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Enqueued:     q.enqueued.Load(),
		Deduplicated: q.deduplicated.Load(),
		Published:    q.published.Load(),
		Failed:       q.failed.Load(),
		Requeued:     q.requeued.Load(),
		DeadLettered: q.deadLettered.Load(),
		Pending:      int(q.pending.Load()),
	}
}

// Close stops accepting messages, publishes whatever is pending once and
// stops the owner. Messages that still fail are dead-lettered.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ops)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("xrelay: queue close: %w", ctx.Err())
	}
}

func (q *Queue) submit(op func(*queueState)) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.ops <- op
	return nil
}

func (q *Queue) run(s *queueState) {
	defer close(q.done)
	for {
		select {
		case op, ok := <-q.ops:
			if !ok {
				q.drain(s)
				return
			}
			op(s)
		case <-s.timerC:
			s.timerC = nil
			q.evaluate(s)
		}
	}
}

// evaluate moves pending messages into the batch and flushes when the batch
// is full or its oldest message has waited MaxTime. Otherwise it arms one
// timer for the remaining wait.
func (q *Queue) evaluate(s *queueState) {
	for {
		room := s.cfg.MaxSize - len(s.batch)
		if room > 0 && len(s.pending) > 0 {
			n := min(room, len(s.pending))
			s.batch = append(s.batch, s.pending[:n]...)
			s.pending = s.pending[n:]
		}
		if len(s.batch) == 0 {
			q.disarm(s)
			return
		}

		now := q.clock.Now()
		if now.Before(s.holdOff) {
			q.arm(s, s.holdOff.Sub(now))
			return
		}
		age := now.Sub(s.batch[0].EnqueuedAt)
		if len(s.batch) < s.cfg.MaxSize && age < s.cfg.MaxTime {
			q.arm(s, s.cfg.MaxTime-age)
			return
		}

		if !q.flush(s) {
			// back off before the requeued head is tried again
			s.failures++
			wait := s.cfg.MaxTime << min(s.failures, 6)
			wait = min(wait, defaultQueueRetryCap)
			s.holdOff = q.clock.Now().Add(wait)
			q.arm(s, wait)
			return
		}
		s.failures = 0
		s.holdOff = time.Time{}
	}
}

func (q *Queue) arm(s *queueState, d time.Duration) {
	q.disarm(s)
	s.timer = time.NewTimer(d)
	s.timerC = s.timer.C
}

func (q *Queue) disarm(s *queueState) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerC = nil
}

// flush publishes the current batch grouped by channel and reports whether
// every group was published. Failed groups go back to the head of pending.
func (q *Queue) flush(s *queueState) bool {
	batch := s.batch
	s.batch = nil

	var requeue []*QueuedMessage
	ok := true
	for _, group := range groupByChannel(batch) {
		err := q.publishGroup(group)
		if err == nil {
			for _, m := range group.msgs {
				m.Processed = true
			}
			q.published.Add(uint64(len(group.msgs)))
			q.pending.Add(-int64(len(group.msgs)))
			q.observers.notify(Event{Type: EventPublished, Channel: group.channel, Count: len(group.msgs)})
			continue
		}

		ok = false
		q.failed.Add(1)
		q.observers.notify(Event{Type: EventPublishFailed, Channel: group.channel, Count: len(group.msgs), Err: err})
		for _, m := range group.msgs {
			m.Attempts++
			if m.Attempts >= q.maxAttempts || s.closing {
				q.deadLetter(m, err)
				continue
			}
			requeue = append(requeue, m)
		}
	}
	if len(requeue) > 0 {
		q.requeued.Add(uint64(len(requeue)))
		q.observers.notify(Event{Type: EventRequeued, Count: len(requeue)})
		s.pending = append(requeue, s.pending...)
	}
	return ok
}

func (q *Queue) publishGroup(g channelGroup) error {
	var payload []byte
	if len(g.msgs) == 1 {
		payload = []byte(g.msgs[0].Payload)
	} else {
		env := BatchEnvelope{
			Type:      envelopeTypeBatch,
			Messages:  make([]EnvelopeMessage, 0, len(g.msgs)),
			Timestamp: q.clock.Now(),
		}
		for _, m := range g.msgs {
			env.Messages = append(env.Messages, EnvelopeMessage{ID: m.ID, Payload: m.Payload, Timestamp: m.EnqueuedAt})
		}
		b, err := q.codec.Marshal(env)
		if err != nil {
			return fmt.Errorf("xrelay: encode batch envelope: %w", err)
		}
		payload = b
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.publishTimeout)
	defer cancel()
	return q.pub.Publish(ctx, g.channel, payload)
}

func (q *Queue) deadLetter(m *QueuedMessage, cause error) {
	q.pending.Add(-1)
	q.deadLettered.Add(1)
	q.observers.notify(Event{Type: EventDeadLettered, Channel: m.Channel, MessageID: m.ID, Err: cause})
	if q.dlq == nil {
		q.logger.Warn().
			Str("channel", m.Channel).
			Str("message_id", m.ID).
			Err(cause).
			Msg("xrelay: message dropped after exhausting publish attempts")
		return
	}
	dl := DeadLetter{
		ID:        m.ID,
		Channel:   m.Channel,
		Payload:   m.Payload,
		Attempts:  m.Attempts,
		LastError: cause.Error(),
		FailedAt:  q.clock.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.publishTimeout)
	defer cancel()
	if err := q.dlq.Store(ctx, dl); err != nil {
		q.logger.Error().
			Str("channel", m.Channel).
			Str("message_id", m.ID).
			Err(err).
			Msg("xrelay: dead letter store failed")
	}
}

// drain publishes every remaining message once in MaxSize chunks.
func (q *Queue) drain(s *queueState) {
	q.disarm(s)
	s.closing = true
	s.pending = append(s.batch, s.pending...)
	s.batch = nil
	for len(s.pending) > 0 {
		n := min(s.cfg.MaxSize, len(s.pending))
		s.batch = s.pending[:n]
		s.pending = s.pending[n:]
		q.flush(s)
	}
}

type channelGroup struct {
	channel string
	msgs    []*QueuedMessage
}

// groupByChannel keeps first-seen channel order and enqueue order inside a channel.
func groupByChannel(batch []*QueuedMessage) []channelGroup {
	idx := make(map[string]int, 4)
	var groups []channelGroup
	for _, m := range batch {
		i, ok := idx[m.Channel]
		if !ok {
			i = len(groups)
			idx[m.Channel] = i
			groups = append(groups, channelGroup{channel: m.Channel})
		}
		groups[i].msgs = append(groups[i].msgs, m)
	}
	return groups
}
