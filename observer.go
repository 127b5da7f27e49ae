package xrelay

import (
	"strconv"

	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits relay events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("channel", e.Channel),
		xlog.Str("message_id", e.MessageID),
	)
	if e.Collection != "" {
		ev = ev.With(xlog.Str("collection", e.Collection))
	}
	if e.Room != "" {
		ev = ev.With(xlog.Str("room", e.Room))
	}
	if e.Count > 0 {
		ev = ev.With(xlog.Str("count", strconv.Itoa(e.Count)))
	}
	if e.Type == EventModeChanged {
		ev = ev.With(xlog.Str("mode", e.Mode.String()))
	}
	switch e.Type {
	case EventPublishFailed, EventStreamError, EventDeadLettered:
		ev.Warn().Err(e.Err).Msg("xrelay event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("xrelay event")
	}
}

// observerSet fans events out to registered observers, through a pool when one is configured.
type observerSet struct {
	pool      *ObserverPool
	observers []Observer
}

func (s *observerSet) notify(e Event) {
	if s == nil || len(s.observers) == 0 {
		return
	}
	if s.pool != nil {
		s.pool.Notify(e, s.observers)
		return
	}
	for _, o := range s.observers {
		o.OnEvent(e)
	}
}
