package redispubsub

import (
	"fmt"

	"github.com/trickstertwo/xrelay"
)

const TransportName = "redis-pubsub"

func init() {
	if err := xrelay.RegisterTransport(TransportName, func(cfg map[string]any) (xrelay.Transport, error) {
		tr, err := NewTransport(ConfigFromMap(cfg))
		if err != nil {
			return nil, err
		}
		return tr, nil
	}); err != nil {
		panic(fmt.Errorf("xrelay: failed to register transport %q: %w", TransportName, err))
	}
}

// Use returns a RelayBuilder that will build a Redis pub/sub transport from cfg.
func Use(cfg Config) *xrelay.RelayBuilder {
	return xrelay.NewRelayBuilder().WithTransport(TransportName, cfg.toMap())
}
