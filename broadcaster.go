package xrelay

import (
	"context"
	"errors"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Broadcaster is the Queue's Publisher. It forwards to the pub/sub transport
// and turns an unavailable transport into a silent no-op.
type Broadcaster struct {
	transport Transport
	clock     xclock.Clock
	logger    *xlog.Logger
}

// NewBroadcaster wraps t. A nil t is allowed: every publish is then dropped.
func NewBroadcaster(t Transport, logger *xlog.Logger, clock xclock.Clock) *Broadcaster {
	if logger == nil {
		logger = xlog.Default()
	}
	if clock == nil {
		clock = xclock.Default()
	}
	return &Broadcaster{transport: t, clock: clock, logger: logger}
}

// Publish sends payload on channel. It returns nil without delivering when
// the transport is missing or reports ErrTransportUnavailable; callers must
// not assume delivery. Any other transport error is returned.
func (b *Broadcaster) Publish(ctx context.Context, channel string, payload []byte) error {
	if channel == "" {
		return ErrInvalidChannel
	}
	if b.transport == nil {
		b.logger.Debug().Str("channel", channel).Msg("xrelay: no transport, publish skipped")
		return nil
	}
	start := b.clock.Now()
	err := b.transport.Publish(ctx, channel, payload)
	switch {
	case err == nil:
		b.logger.Debug().
			Str("channel", channel).
			Dur("dur", b.clock.Since(start)).
			Msg("xrelay: published")
		return nil
	case errors.Is(err, ErrTransportUnavailable):
		b.logger.Debug().Str("channel", channel).Err(err).Msg("xrelay: transport unavailable, publish skipped")
		return nil
	default:
		return err
	}
}
