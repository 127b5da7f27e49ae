package memory

import (
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xrelay"
)

// Use returns a RelayBuilder wired to a fresh in-memory transport, plus the
// transport itself so callers can inspect or fail it.
//
// Example:
//
//	tr, b := memory.Use(memory.Config{BufferSize: 4096},
//	    memory.WithLogger(logger),
//	)
//	relay, err := b.WithChangeSource(source).Build()
func Use(cfg Config, opts ...Option) (*Transport, *xrelay.RelayBuilder) {
	tr := NewTransport(cfg)
	b := xrelay.NewRelayBuilder().WithTransportInstance(tr)
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	return tr, b
}

// Option configures the builder returned by Use.
type Option func(*xrelay.RelayBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xrelay.RelayBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xrelay.RelayBuilder) { b.WithClock(c) }
}

// WithMiddleware adds registry handler middlewares.
func WithMiddleware(mw ...xrelay.Middleware) Option {
	return func(b *xrelay.RelayBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xrelay.Observer) Option {
	return func(b *xrelay.RelayBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer dispatch.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xrelay.RelayBuilder) { b.WithObserverPool(workers, bufferSize) }
}
