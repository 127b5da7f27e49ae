package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xrelay"
)

var errMaxDeliveries = errors.New("redisstream: max deliveries exceeded")

type transport struct {
	cfg    Config
	client *redis.Client

	closed atomic.Bool

	// delivery pool to reduce per-entry allocations
	dpool sync.Pool

	metrics *transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	deadLettered  atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

// Stats is transport telemetry.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	DeadLettered  uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

// StatsOf returns telemetry for a transport built by this package.
func StatsOf(t xrelay.Transport) (Stats, bool) {
	tr, ok := t.(*transport)
	if !ok {
		return Stats{}, false
	}
	m := tr.metrics
	return Stats{
		Published:     m.published.Load(),
		Consumed:      m.consumed.Load(),
		Acked:         m.acked.Load(),
		Nacked:        m.nacked.Load(),
		DeadLettered:  m.deadLettered.Load(),
		PublishErrors: m.publishErrors.Load(),
		ConsumeErrors: m.consumeErrors.Load(),
	}, true
}

// NewTransport connects to Redis and returns a Streams transport.
func NewTransport(cfg Config) (xrelay.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: cfg.TLSServerName,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &transport{
		cfg:     cfg,
		client:  client,
		metrics: &transportMetrics{},
		dpool: sync.Pool{
			New: func() any { return new(delivery) },
		},
	}, nil
}

func (t *transport) stream(channel string) string { return t.cfg.StreamPrefix + channel }

func (t *transport) channel(stream string) string {
	return strings.TrimPrefix(stream, t.cfg.StreamPrefix)
}

// Publish appends payload to the channel's stream with XADD.
func (t *transport) Publish(ctx context.Context, channel string, payload []byte) error {
	if t.closed.Load() {
		return fmt.Errorf("%w: redis streams transport closed", xrelay.ErrTransportUnavailable)
	}
	args := &redis.XAddArgs{
		Stream: t.stream(channel),
		ID:     "*",
		Values: map[string]any{
			fieldChannel:    channel,
			fieldPayload:    payload,
			fieldProducedAt: time.Now().UnixNano(),
		},
	}
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		t.metrics.publishErrors.Add(1)
		return err
	}
	t.metrics.published.Add(1)
	return nil
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// Subscribe reads every channel's stream through this instance's consumer
// group. A handler error moves the entry to the dead letter stream when one
// is configured; otherwise it stays pending and the claim loop re-delivers it.
func (t *transport) Subscribe(ctx context.Context, channels []string, handler xrelay.Handler) (xrelay.Subscription, error) {
	if t.closed.Load() {
		return nil, fmt.Errorf("%w: redis streams transport closed", xrelay.ErrTransportUnavailable)
	}
	if len(channels) == 0 {
		return nil, xrelay.ErrInvalidChannel
	}

	streams := make([]string, 0, len(channels))
	for _, ch := range channels {
		s := t.stream(ch)
		streams = append(streams, s)
		if t.cfg.AutoCreate {
			err := t.client.XGroupCreateMkStream(ctx, s, t.cfg.Group, "$").Err()
			if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
				return nil, fmt.Errorf("redisstream: create group on %s: %w", s, err)
			}
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	workers := max(1, t.cfg.Concurrency)
	workCh := make(chan *delivery, workers*2)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range workCh {
				t.handle(innerCtx, d, handler)
			}
		}()
	}

	// workCh closes once the poller and every claim loop have returned
	producers := &sync.WaitGroup{}
	producers.Add(1)
	go func() {
		defer producers.Done()
		t.pollerLoop(innerCtx, streams, workCh)
	}()

	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 && t.cfg.ClaimBatch > 0 {
		for _, s := range streams {
			producers.Add(1)
			go func() {
				defer producers.Done()
				t.claimLoop(innerCtx, s, workCh)
			}()
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		producers.Wait()
		close(workCh)
	}()

	var once sync.Once
	return &subscription{
		close: func() error {
			once.Do(func() {
				cancel()
				wg.Wait()
				if t.cfg.DestroyGroup {
					t.destroyGroup(streams)
				}
			})
			return nil
		},
	}, nil
}

// destroyGroup removes this instance's consumer group so closed relays do
// not leave groups accumulating on the streams.
func (t *transport) destroyGroup(streams []string) {
	if t.closed.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range streams {
		_ = t.client.XGroupDestroy(ctx, s, t.cfg.Group).Err()
	}
}

func (t *transport) handle(ctx context.Context, d *delivery, handler xrelay.Handler) {
	defer t.releaseDelivery(d)
	err := handler(ctx, d.channel, d.payload)
	// acks must outlive a cancelled subscription
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err == nil {
		_ = d.ack(actx)
		return
	}
	_ = d.nack(actx, err)
}

// pollerLoop reads new entries for all streams and hands them to workers.
func (t *transport) pollerLoop(ctx context.Context, streams []string, workCh chan<- *delivery) {
	args := &redis.XReadGroupArgs{
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		Streams:  make([]string, 0, 2*len(streams)),
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
	}
	args.Streams = append(args.Streams, streams...)
	for range streams {
		args.Streams = append(args.Streams, ">")
	}

	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				backoff = 100 * time.Millisecond
				continue
			}
			t.metrics.consumeErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = 100 * time.Millisecond

		for _, s := range res {
			if !t.dispatch(ctx, s.Stream, s.Messages, workCh) {
				return
			}
		}
	}
}

// dispatch hands msgs to the workers. It reports false when ctx ended first.
func (t *transport) dispatch(ctx context.Context, stream string, msgs []redis.XMessage, workCh chan<- *delivery) bool {
	for _, msg := range msgs {
		d := t.newDelivery()
		d.t = t
		d.stream = stream
		d.channel = t.channel(stream)
		d.id = msg.ID
		d.decode(msg.Values)
		t.metrics.consumed.Add(1)

		select {
		case workCh <- d:
		case <-ctx.Done():
			t.releaseDelivery(d)
			return false
		}
	}
	return true
}

func (t *transport) newDelivery() *delivery {
	return t.dpool.Get().(*delivery)
}

func (t *transport) releaseDelivery(d *delivery) {
	if d == nil {
		return
	}
	*d = delivery{}
	t.dpool.Put(d)
}

// claimLoop re-delivers entries that stayed pending longer than ClaimMinIdle:
// handler failures without a dead letter stream and entries held by consumers
// that died. Entries delivered MaxDeliveries times are dead-lettered, or
// dropped when no dead letter stream is configured.
func (t *transport) claimLoop(ctx context.Context, stream string, workCh chan<- *delivery) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  t.cfg.Group,
			Start:  "-",
			End:    "+",
			Count:  int64(t.cfg.ClaimBatch),
			Idle:   t.cfg.ClaimMinIdle,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}

		ids := make([]string, 0, len(pending))
		exhausted := make(map[string]bool)
		for _, p := range pending {
			ids = append(ids, p.ID)
			if t.cfg.MaxDeliveries > 0 && p.RetryCount >= int64(t.cfg.MaxDeliveries) {
				exhausted[p.ID] = true
			}
		}
		msgs, err := t.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			MinIdle:  t.cfg.ClaimMinIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.metrics.consumeErrors.Add(1)
			continue
		}

		redeliver := msgs[:0]
		for _, msg := range msgs {
			if exhausted[msg.ID] {
				t.retire(ctx, stream, msg)
				continue
			}
			redeliver = append(redeliver, msg)
		}
		if !t.dispatch(ctx, stream, redeliver, workCh) {
			return
		}
	}
}

// retire removes an entry that exhausted its deliveries from the pending list.
func (t *transport) retire(ctx context.Context, stream string, msg redis.XMessage) {
	d := t.newDelivery()
	defer t.releaseDelivery(d)
	d.t = t
	d.stream = stream
	d.channel = t.channel(stream)
	d.id = msg.ID
	d.decode(msg.Values)
	if t.cfg.DeadLetter != "" {
		_ = d.nack(ctx, errMaxDeliveries)
		return
	}
	t.metrics.nacked.Add(1)
	_ = d.ack(ctx)
}

// Close releases the Redis client.
func (t *transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.client.Close()
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
