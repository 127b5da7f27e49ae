package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xrelay"
)

const TransportName = "redis-streams"

func init() {
	if err := xrelay.RegisterTransport(TransportName, func(cfg map[string]any) (xrelay.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xrelay: failed to register transport %q: %w", TransportName, err))
	}
}

// Use returns a RelayBuilder that will build a Redis Streams transport from cfg.
// The connection is made by Build.
func Use(cfg Config, opts ...Option) *xrelay.RelayBuilder {
	b := xrelay.NewRelayBuilder().WithTransport(TransportName, cfg.toMap())
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	return b
}
