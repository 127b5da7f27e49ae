package redisstream

import (
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xrelay"
)

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

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *xrelay.RelayBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds registry handler middlewares.
func WithMiddleware(mw ...xrelay.Middleware) Option {
	return func(b *xrelay.RelayBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xrelay.Observer) Option {
	return func(b *xrelay.RelayBuilder) { b.WithObserver(obs...) }
}
