package xrelay

import (
	"context"
	"fmt"
	"time"
)

// TimeoutMiddleware bounds how long a subscription handler may run.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, channel string, payload []byte) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("panic recovered: %v", r)
					}
				}()
				errCh <- next(tctx, channel, payload)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		}
	}
}

// RecoveryMiddleware converts handler panics into errors so a bad payload
// cannot take down a transport's delivery goroutine.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, channel string, payload []byte) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered on %s: %v", channel, r)
				}
			}()
			return next(ctx, channel, payload)
		}
	}
}

// LoggingMiddleware logs handler failures with the logger found in ctx.
func LoggingMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, channel string, payload []byte) error {
			start := ClockFromContext(ctx).Now()
			err := next(ctx, channel, payload)
			if err != nil {
				LoggerFromContext(ctx).Warn().
					Str("channel", channel).
					Dur("dur", ClockFromContext(ctx).Since(start)).
					Err(err).
					Msg("xrelay: handler failed")
			}
			return err
		}
	}
}

// Chain composes middlewares around a handler; the first middleware is outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	wrapped := h
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
