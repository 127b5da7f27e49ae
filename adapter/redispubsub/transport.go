package redispubsub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xrelay"
)

// Transport implements xrelay.Transport over Redis PUBLISH/SUBSCRIBE.
// Delivery is at-most-once: subscribers that are down miss messages.
type Transport struct {
	cfg    Config
	client *redis.Client

	closed atomic.Bool

	published     atomic.Uint64
	received      atomic.Uint64
	publishErrors atomic.Uint64
	handlerErrors atomic.Uint64
}

var _ xrelay.Transport = (*Transport)(nil)

// NewTransport connects to Redis. A failed ping is an error.
func NewTransport(cfg Config) (*Transport, error) {
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

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redispubsub: ping %s: %w", cfg.Addr, err)
	}
	return &Transport{cfg: cfg, client: client}, nil
}

// NewTransportWithClient wraps an existing client (tests, shared pools).
func NewTransportWithClient(client *redis.Client, cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = Defaults().BufferSize
	}
	return &Transport{cfg: cfg, client: client}
}

// Publish sends payload with PUBLISH. Connection failures report
// xrelay.ErrTransportUnavailable.
func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	if t.closed.Load() {
		return fmt.Errorf("%w: redis pub/sub transport closed", xrelay.ErrTransportUnavailable)
	}
	if err := t.client.Publish(ctx, t.cfg.ChannelPrefix+channel, payload).Err(); err != nil {
		t.publishErrors.Add(1)
		if isConnError(err) {
			return fmt.Errorf("%w: %v", xrelay.ErrTransportUnavailable, err)
		}
		return err
	}
	t.published.Add(1)
	return nil
}

// Subscribe subscribes to channels and calls handler from one goroutine, in
// receive order.
func (t *Transport) Subscribe(ctx context.Context, channels []string, handler xrelay.Handler) (xrelay.Subscription, error) {
	if t.closed.Load() {
		return nil, fmt.Errorf("%w: redis pub/sub transport closed", xrelay.ErrTransportUnavailable)
	}
	if len(channels) == 0 {
		return nil, xrelay.ErrInvalidChannel
	}
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = t.cfg.ChannelPrefix + ch
	}

	ps := t.client.Subscribe(ctx, names...)
	// wait for the subscription confirmation so no publish after return is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redispubsub: subscribe: %w", err)
	}

	innerCtx, cancel := context.WithCancel(ctx)
	msgs := ps.Channel(
		redis.WithChannelSize(t.cfg.BufferSize),
		redis.WithChannelHealthCheckInterval(t.cfg.HealthCheckInterval),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-innerCtx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				t.received.Add(1)
				t.dispatch(innerCtx, m, handler)
			}
		}
	}()

	var once sync.Once
	return &subscription{
		close: func() error {
			var err error
			once.Do(func() {
				cancel()
				err = ps.Close()
				wg.Wait()
			})
			return err
		},
	}, nil
}

func (t *Transport) dispatch(ctx context.Context, m *redis.Message, handler xrelay.Handler) {
	hctx := ctx
	cancel := func() {}
	if t.cfg.HandlerTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, t.cfg.HandlerTimeout)
	}
	defer cancel()
	channel := strings.TrimPrefix(m.Channel, t.cfg.ChannelPrefix)
	if err := handler(hctx, channel, []byte(m.Payload)); err != nil {
		t.handlerErrors.Add(1)
	}
}

// Close releases the Redis client.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.client.Close()
}

// Stats is transport telemetry.
type Stats struct {
	Published     uint64
	Received      uint64
	PublishErrors uint64
	HandlerErrors uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.published.Load(),
		Received:      t.received.Load(),
		PublishErrors: t.publishErrors.Load(),
		HandlerErrors: t.handlerErrors.Load(),
	}
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

// isConnError reports errors that mean Redis cannot be reached at all.
func isConnError(err error) bool {
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
