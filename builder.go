package xrelay

import (
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// RelayBuilder constructs Relay instances (Builder pattern).
type RelayBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	source   ChangeSource
	sessions SessionStarter
	txCfg    TxConfig

	queueCfg   QueueConfig
	watcherCfg WatcherConfig
	routes     []Route
	serveRooms bool

	middlewares []Middleware
	observers   []Observer
	poolWorkers int
	poolBuffer  int
	logger      *xlog.Logger
	clock       xclock.Clock
}

// NewRelayBuilder returns a builder with the registry enabled and JSON codec.
func NewRelayBuilder() *RelayBuilder {
	return &RelayBuilder{
		codecName:  "json",
		serveRooms: true,
	}
}

func (rb *RelayBuilder) WithTransport(name string, cfg map[string]any) *RelayBuilder {
	rb.transportName = name
	rb.transportCfg = cfg
	return rb
}

// WithTransportInstance accepts a ready Transport instance (e.g. from an adapter's Use()).
func (rb *RelayBuilder) WithTransportInstance(t Transport) *RelayBuilder {
	rb.transportInst = t
	return rb
}

func (rb *RelayBuilder) WithCodec(name string) *RelayBuilder {
	rb.codecName = name
	return rb
}

func (rb *RelayBuilder) WithCodecInstance(c Codec) *RelayBuilder {
	rb.codecInst = c
	return rb
}

// WithChangeSource sets the store the watcher observes.
func (rb *RelayBuilder) WithChangeSource(s ChangeSource) *RelayBuilder {
	rb.source = s
	return rb
}

// WithSessions enables the transaction runner.
func (rb *RelayBuilder) WithSessions(s SessionStarter, cfg TxConfig) *RelayBuilder {
	rb.sessions = s
	rb.txCfg = cfg
	return rb
}

func (rb *RelayBuilder) WithBatching(cfg BatchConfig) *RelayBuilder {
	rb.queueCfg.Batch = cfg
	return rb
}

func (rb *RelayBuilder) WithMaxPublishAttempts(n int) *RelayBuilder {
	rb.queueCfg.MaxAttempts = n
	return rb
}

func (rb *RelayBuilder) WithIdempotencyWindow(size int, ttl time.Duration) *RelayBuilder {
	rb.queueCfg.IdempotencySize = size
	rb.queueCfg.IdempotencyTTL = ttl
	return rb
}

func (rb *RelayBuilder) WithDeadLetters(sink DeadLetterSink) *RelayBuilder {
	rb.queueCfg.DeadLetters = sink
	return rb
}

func (rb *RelayBuilder) WithTargets(targets ...WatchTarget) *RelayBuilder {
	rb.watcherCfg.Targets = append(rb.watcherCfg.Targets, targets...)
	return rb
}

func (rb *RelayBuilder) WithPollInterval(d time.Duration) *RelayBuilder {
	rb.watcherCfg.PollInterval = d
	return rb
}

func (rb *RelayBuilder) WithResumeBackoff(d time.Duration) *RelayBuilder {
	rb.watcherCfg.ResumeBackoff = d
	return rb
}

func (rb *RelayBuilder) WithRoutes(routes ...Route) *RelayBuilder {
	rb.routes = append(rb.routes, routes...)
	return rb
}

// WithRegistry toggles the in-process connection registry subscription.
// Publisher-only processes turn it off.
func (rb *RelayBuilder) WithRegistry(enabled bool) *RelayBuilder {
	rb.serveRooms = enabled
	return rb
}

func (rb *RelayBuilder) WithMiddleware(mw ...Middleware) *RelayBuilder {
	rb.middlewares = append(rb.middlewares, mw...)
	return rb
}

func (rb *RelayBuilder) WithObserver(obs ...Observer) *RelayBuilder {
	for _, o := range obs {
		if o != nil {
			rb.observers = append(rb.observers, o)
		}
	}
	return rb
}

// WithObserverPool dispatches observer events asynchronously.
func (rb *RelayBuilder) WithObserverPool(workers, bufferSize int) *RelayBuilder {
	rb.poolWorkers = workers
	rb.poolBuffer = bufferSize
	return rb
}

func (rb *RelayBuilder) WithLogger(l *xlog.Logger) *RelayBuilder {
	rb.logger = l
	return rb
}

func (rb *RelayBuilder) WithClock(c xclock.Clock) *RelayBuilder {
	rb.clock = c
	return rb
}

func (rb *RelayBuilder) Build() (*Relay, error) {
	var (
		tr  Transport
		err error
	)
	switch {
	case rb.transportInst != nil:
		tr = rb.transportInst
	case rb.transportName != "":
		tr, err = NewTransport(rb.transportName, rb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}
	if rb.source == nil {
		return nil, ErrNoChangeSource
	}

	cd := rb.codecInst
	if cd == nil {
		cd, err = NewCodec(rb.codecName)
		if err != nil {
			return nil, err
		}
	}
	clk := rb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := rb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	observers := rb.observers
	hasLogging := false
	for _, o := range observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLogging = true
			break
		}
	}
	if !hasLogging {
		observers = append([]Observer{LoggingObserver{Logger: lg}}, observers...)
	}
	var pool *ObserverPool
	if rb.poolWorkers > 0 {
		pool = NewObserverPool(rb.poolWorkers, rb.poolBuffer)
	}

	b := NewBroadcaster(tr, lg, clk)

	qc := rb.queueCfg
	qc.Codec, qc.Logger, qc.Clock, qc.Observers, qc.Pool = cd, lg, clk, observers, pool
	q := NewQueue(b, qc)

	wc := rb.watcherCfg
	wc.Codec, wc.Logger, wc.Clock, wc.Observers, wc.Pool = cd, lg, clk, observers, pool
	w := NewWatcher(rb.source, q, wc)

	rooms := NewRooms(RoomsConfig{
		Routes:    rb.routes,
		Codec:     cd,
		Logger:    lg,
		Clock:     clk,
		Observers: observers,
		Pool:      pool,
	})

	var tx *TxRunner
	if rb.sessions != nil {
		tx = NewTxRunner(rb.sessions, rb.txCfg, lg)
	}

	return &Relay{
		transport:   tr,
		codec:       cd,
		queue:       q,
		watcher:     w,
		broadcaster: b,
		rooms:       rooms,
		tx:          tx,
		pool:        pool,
		clock:       clk,
		logger:      lg,
		middlewares: rb.middlewares,
		serveRooms:  rb.serveRooms,
	}, nil
}

// New constructs a Relay via the builder.
func New(init func(b *RelayBuilder)) (*Relay, error) {
	b := NewRelayBuilder()
	if init != nil {
		init(b)
	}
	return b.Build()
}
