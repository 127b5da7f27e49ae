package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xrelay"
)

const TransportName = "memory"

func init() {
	if err := xrelay.RegisterTransport(TransportName, func(cfg map[string]any) (xrelay.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xrelay/memory: failed to register transport: %w", err))
	}
}

var errClosed = fmt.Errorf("memory transport is closed: %w", xrelay.ErrTransportUnavailable)

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-subscription queue size (default: 1024).
	BufferSize int
	// DeliveryTimeout bounds one handler call (default: 0 = unbounded).
	DeliveryTimeout time.Duration
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}
	return Config{
		BufferSize:      max(1, getInt("buffer_size", 1024)),
		DeliveryTimeout: getDur("delivery_timeout", 0),
	}
}

// Transport implements xrelay.Transport with in-process fan-out (dev/testing).
// Every subscriber of a channel receives every payload published on it.
type Transport struct {
	cfg Config

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}

	closed      atomic.Bool
	unavailable atomic.Bool

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

var _ xrelay.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	return &Transport{
		cfg:  cfg,
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

// SetAvailable simulates an outage: while false, Publish reports
// xrelay.ErrTransportUnavailable.
func (t *Transport) SetAvailable(ok bool) { t.unavailable.Store(!ok) }

// Publish hands payload to every subscriber of channel. With no subscribers the payload is dropped.
func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	if t.closed.Load() {
		return errClosed
	}
	if t.unavailable.Load() {
		return xrelay.ErrTransportUnavailable
	}

	t.mu.RLock()
	targets := make([]*subscriber, 0, len(t.subs[channel]))
	for s := range t.subs[channel] {
		targets = append(targets, s)
	}
	t.mu.RUnlock()

	msg := message{channel: channel, payload: append([]byte(nil), payload...)}
	for _, s := range targets {
		select {
		case s.queue <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.published.Add(1)
	return nil
}

// Subscribe registers handler for channels. One goroutine delivers in publish order.
func (t *Transport) Subscribe(ctx context.Context, channels []string, handler xrelay.Handler) (xrelay.Subscription, error) {
	if t.closed.Load() {
		return nil, errClosed
	}
	if len(channels) == 0 {
		return nil, xrelay.ErrInvalidChannel
	}

	innerCtx, cancel := context.WithCancel(ctx)
	s := &subscriber{
		queue: make(chan message, t.cfg.BufferSize),
		done:  innerCtx.Done(),
	}

	t.mu.Lock()
	for _, ch := range channels {
		set, ok := t.subs[ch]
		if !ok {
			set = make(map[*subscriber]struct{})
			t.subs[ch] = set
		}
		set[s] = struct{}{}
	}
	t.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.worker(innerCtx, s, handler)
	}()

	var once sync.Once
	return &subscription{
		close: func() error {
			once.Do(func() {
				t.mu.Lock()
				for _, ch := range channels {
					delete(t.subs[ch], s)
					if len(t.subs[ch]) == 0 {
						delete(t.subs, ch)
					}
				}
				t.mu.Unlock()
				cancel()
				wg.Wait()
			})
			return nil
		},
	}, nil
}

func (t *Transport) worker(ctx context.Context, s *subscriber, handler xrelay.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.queue:
			hctx := ctx
			cancel := func() {}
			if t.cfg.DeliveryTimeout > 0 {
				hctx, cancel = context.WithTimeout(ctx, t.cfg.DeliveryTimeout)
			}
			if err := handler(hctx, m.channel, m.payload); err != nil {
				t.failed.Add(1)
			} else {
				t.delivered.Add(1)
			}
			cancel()
		}
	}
}

// Close drops every subscription.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	t.subs = make(map[string]map[*subscriber]struct{})
	t.mu.Unlock()
	return nil
}

// Stats is transport telemetry.
type Stats struct {
	Published uint64
	Delivered uint64
	Failed    uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published: t.published.Load(),
		Delivered: t.delivered.Load(),
		Failed:    t.failed.Load(),
	}
}

type message struct {
	channel string
	payload []byte
}

type subscriber struct {
	queue chan message
	done  <-chan struct{}
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
