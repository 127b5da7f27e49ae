package xrelay

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type ctxKey string

const (
	codecCtxKey  ctxKey = "xrelay:codec"
	loggerCtxKey ctxKey = "xrelay:logger"
	clockCtxKey  ctxKey = "xrelay:clock"
)

// WithDeps attaches the relay codec, logger and clock to ctx for subscription handlers.
func WithDeps(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock) context.Context {
	if codec != nil {
		ctx = context.WithValue(ctx, codecCtxKey, codec)
	}
	if logger != nil {
		ctx = context.WithValue(ctx, loggerCtxKey, logger)
	}
	if clock != nil {
		ctx = context.WithValue(ctx, clockCtxKey, clock)
	}
	return ctx
}

// CodecFromContext returns the injected codec, or JSONCodec when none was attached.
func CodecFromContext(ctx context.Context) Codec {
	return codecFromContext(ctx, JSONCodec{})
}

func codecFromContext(ctx context.Context, def Codec) Codec {
	if c, ok := ctx.Value(codecCtxKey).(Codec); ok && c != nil {
		return c
	}
	if def == nil {
		return JSONCodec{}
	}
	return def
}

// LoggerFromContext returns the injected logger, or xlog.Default().
func LoggerFromContext(ctx context.Context) *xlog.Logger {
	if l, ok := ctx.Value(loggerCtxKey).(*xlog.Logger); ok && l != nil {
		return l
	}
	return xlog.Default()
}

// ClockFromContext returns the injected clock, or xclock.Default().
func ClockFromContext(ctx context.Context) xclock.Clock {
	if c, ok := ctx.Value(clockCtxKey).(xclock.Clock); ok && c != nil {
		return c
	}
	return xclock.Default()
}
