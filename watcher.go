package xrelay

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval     = 10 * time.Second
	defaultResumeBackoff    = time.Second
	defaultResumeBackoffCap = 30 * time.Second

	pollEventName  = "activity_poll"
	statsEventName = "stats_refresh"
)

// WatcherMode is the state of a Watcher.
type WatcherMode int32

const (
	ModeUninitialized WatcherMode = iota
	ModeProbing
	ModeStreaming
	ModePolling
	ModeClosed
)

func (m WatcherMode) String() string {
	switch m {
	case ModeProbing:
		return "probing"
	case ModeStreaming:
		return "streaming"
	case ModePolling:
		return "polling"
	case ModeClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

func (m WatcherMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// WatchTarget names one watched collection and the event it produces.
type WatchTarget struct {
	Collection string
	Event      string

	// Stats also enqueues a stats refresh signal for every change.
	Stats bool
}

// DefaultTargets returns the application's watched collections.
func DefaultTargets() []WatchTarget {
	return []WatchTarget{
		{Collection: "users", Event: "users_update", Stats: true},
		{Collection: "stations", Event: "stations_update", Stats: true},
		{Collection: "bookings", Event: "bookings_update"},
		{Collection: "payments", Event: "payments_update", Stats: true},
		{Collection: "stats", Event: "stats_update"},
	}
}

// Enqueuer is the part of the Queue the Watcher feeds.
type Enqueuer interface {
	Enqueue(channel, payload, id string) error
}

// WatcherConfig configures a Watcher. Zero fields take defaults.
type WatcherConfig struct {
	Targets       []WatchTarget
	PollInterval  time.Duration
	ResumeBackoff time.Duration

	// Codec encodes ChangeEvents. Defaults to JSONCodec.
	Codec Codec

	Logger    *xlog.Logger
	Clock     xclock.Clock
	Observers []Observer
	Pool      *ObserverPool
}

// Watcher turns store mutations into ChangeEvents on the activity and stats
// channels. It streams when the store supports change streams and otherwise
// falls back to advisory polling for the whole watcher.
type Watcher struct {
	source    ChangeSource
	queue     Enqueuer
	codec     Codec
	targets   []WatchTarget
	interval  time.Duration
	backoff   time.Duration
	clock     xclock.Clock
	logger    *xlog.Logger
	observers *observerSet

	mode atomic.Int32

	mu           sync.Mutex
	started      bool
	cancel       context.CancelFunc
	streamCancel context.CancelFunc
	runCtx       context.Context
	group        *errgroup.Group
	streams      map[string]ChangeStream
	fallbackOnce sync.Once
	closeOnce    sync.Once
}

// NewWatcher builds a watcher reading from source and writing into queue.
func NewWatcher(source ChangeSource, queue Enqueuer, cfg WatcherConfig) *Watcher {
	if len(cfg.Targets) == 0 {
		cfg.Targets = DefaultTargets()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ResumeBackoff <= 0 {
		cfg.ResumeBackoff = defaultResumeBackoff
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	if cfg.Logger == nil {
		cfg.Logger = xlog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = xclock.Default()
	}
	return &Watcher{
		source:    source,
		queue:     queue,
		codec:     cfg.Codec,
		targets:   cfg.Targets,
		interval:  cfg.PollInterval,
		backoff:   cfg.ResumeBackoff,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		observers: &observerSet{pool: cfg.Pool, observers: cfg.Observers},
		streams:   make(map[string]ChangeStream),
	}
}

// Mode reports the current state.
func (w *Watcher) Mode() WatcherMode { return WatcherMode(w.mode.Load()) }

func (w *Watcher) setMode(m WatcherMode) {
	if WatcherMode(w.mode.Swap(int32(m))) == m {
		return
	}
	w.logger.Info().Str("mode", m.String()).Msg("xrelay: watcher mode")
	w.observers.notify(Event{Type: EventModeChanged, Mode: m})
}

// Start probes the store and establishes streaming or the polling fallback.
// It returns nil once either is running; ctx only bounds the probe and the
// stream opens. The watch loops live until Close.
func (w *Watcher) Start(ctx context.Context) error {
	if w.queue == nil {
		return errors.New("xrelay: watcher has no queue")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Mode() == ModeClosed {
		return ErrWatcherClosed
	}
	if w.started {
		return nil
	}
	w.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.runCtx, w.cancel = runCtx, cancel
	w.group, _ = errgroup.WithContext(runCtx)

	w.setMode(ModeProbing)
	if w.source == nil {
		w.logger.Warn().Msg("xrelay: no change source, polling")
		w.startPollingLocked()
		return nil
	}

	topo, err := w.source.Probe(ctx)
	switch {
	case err != nil:
		w.logger.Warn().Err(err).Msg("xrelay: capability probe failed, polling")
		w.startPollingLocked()
		return nil
	case topo != TopologyReplicated:
		w.logger.Info().Str("topology", topo.String()).Msg("xrelay: store does not stream changes, polling")
		w.startPollingLocked()
		return nil
	}

	streamCtx, streamCancel := context.WithCancel(runCtx)
	w.streamCancel = streamCancel

	opened := make(map[string]ChangeStream, len(w.targets))
	for _, t := range w.targets {
		cs, err := w.source.Watch(ctx, t.Collection, nil)
		if errors.Is(err, ErrStreamingUnsupported) {
			w.logger.Info().Str("collection", t.Collection).Err(err).Msg("xrelay: streaming unsupported, polling")
			streamCancel()
			for _, s := range opened {
				_ = s.Close(context.WithoutCancel(ctx))
			}
			w.startPollingLocked()
			return nil
		}
		if err != nil {
			w.logger.Warn().Str("collection", t.Collection).Err(err).Msg("xrelay: open change stream failed")
			w.observers.notify(Event{Type: EventStreamError, Collection: t.Collection, Err: err})
			continue
		}
		opened[t.Collection] = cs
	}
	if len(opened) == 0 {
		streamCancel()
		w.logger.Warn().Msg("xrelay: no change stream could be opened, polling")
		w.startPollingLocked()
		return nil
	}

	w.setMode(ModeStreaming)
	for _, t := range w.targets {
		// a target whose first open failed starts in the reopen loop
		cs, ok := opened[t.Collection]
		if ok {
			w.streams[t.Collection] = cs
		}
		t := t
		w.group.Go(func() error {
			w.watch(streamCtx, t, cs)
			return nil
		})
	}
	return nil
}

// watch reads one collection until ctx ends, the store closes the stream or
// the store stops supporting streams. A nil cs is opened with backoff first.
func (w *Watcher) watch(ctx context.Context, t WatchTarget, cs ChangeStream) {
	log := w.logger.With(xlog.Str("collection", t.Collection))
	var token []byte
	delay := w.backoff
	defer func() {
		if cs != nil {
			w.forget(t.Collection, cs)
			_ = cs.Close(context.WithoutCancel(ctx))
		}
	}()

	for {
		if cs == nil {
			next, ok := w.reopen(ctx, log, t.Collection, token, &delay)
			if !ok {
				return
			}
			cs = next
			w.remember(t.Collection, cs)
		}

		ch, err := cs.Next(ctx)
		if err == nil {
			if len(ch.ResumeToken) > 0 {
				token = ch.ResumeToken
			}
			delay = w.backoff
			w.emit(t, ch)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			log.Info().Msg("xrelay: change stream closed by store")
			return
		}

		log.Warn().Err(err).Dur("backoff", delay).Msg("xrelay: change stream error, resuming")
		w.observers.notify(Event{Type: EventStreamError, Collection: t.Collection, Err: err})
		_ = cs.Close(context.WithoutCancel(ctx))
		w.forget(t.Collection, cs)
		cs = nil
	}
}

// reopen opens a stream for coll after the current backoff, doubling it on
// every failure. It reports false when ctx ended or the watcher fell back to
// polling.
func (w *Watcher) reopen(ctx context.Context, log *xlog.Logger, coll string, token []byte, delay *time.Duration) (ChangeStream, bool) {
	for {
		if !sleepCtx(ctx, *delay) {
			return nil, false
		}
		*delay = min(*delay*2, defaultResumeBackoffCap)

		cs, err := w.source.Watch(ctx, coll, token)
		if errors.Is(err, ErrStreamingUnsupported) {
			w.fallbackToPolling()
			return nil, false
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, false
			}
			log.Warn().Err(err).Dur("backoff", *delay).Msg("xrelay: open change stream failed")
			w.observers.notify(Event{Type: EventStreamError, Collection: coll, Err: err})
			continue
		}
		return cs, true
	}
}

func (w *Watcher) emit(t WatchTarget, ch Change) {
	now := w.clock.Now()
	ev := ChangeEvent{
		Event:         t.Event,
		Collection:    t.Collection,
		OperationType: ch.OperationType,
		DocumentKey:   ch.DocumentKey,
		FullDocument:  ch.FullDocument,
		Timestamp:     now,
	}
	payload, err := w.codec.Marshal(ev)
	if err != nil {
		w.logger.Warn().Str("collection", t.Collection).Err(err).Msg("xrelay: encode change event failed")
		return
	}

	// The resume token identifies the change, so a replay after resume dedups.
	id := ""
	if len(ch.ResumeToken) > 0 {
		id = t.Collection + ":" + hex.EncodeToString(ch.ResumeToken)
	}
	w.enqueue(ChannelActivity, payload, id)

	if !t.Stats {
		return
	}
	stats, err := w.codec.Marshal(statsRefresh{Event: statsEventName, Collection: t.Collection, Timestamp: now})
	if err != nil {
		return
	}
	statsID := ""
	if id != "" {
		statsID = ChannelStats + ":" + id
	}
	w.enqueue(ChannelStats, stats, statsID)
}

type statsRefresh struct {
	Event      string    `json:"event"`
	Collection string    `json:"collection"`
	Timestamp  time.Time `json:"timestamp"`
}

func (w *Watcher) enqueue(channel string, payload []byte, id string) {
	if err := w.queue.Enqueue(channel, string(payload), id); err != nil {
		w.logger.Debug().Str("channel", channel).Err(err).Msg("xrelay: enqueue failed")
	}
}

func (w *Watcher) poll() {
	ev := ChangeEvent{
		Event:         pollEventName,
		OperationType: OpPoll,
		Timestamp:     w.clock.Now(),
		Advisory:      true,
	}
	payload, err := w.codec.Marshal(ev)
	if err != nil {
		return
	}
	w.enqueue(ChannelActivity, payload, "")
}

// fallbackToPolling switches a streaming watcher to polling once.
func (w *Watcher) fallbackToPolling() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Mode() == ModeClosed {
		return
	}
	// watch loops close their own streams once the stream context ends
	if w.streamCancel != nil {
		w.streamCancel()
	}
	w.logger.Info().Msg("xrelay: store stopped streaming, polling")
	w.startPollingLocked()
}

func (w *Watcher) startPollingLocked() {
	w.fallbackOnce.Do(func() {
		w.setMode(ModePolling)
		ctx := w.runCtx
		w.group.Go(func() error {
			ticker := time.NewTicker(w.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					w.poll()
				}
			}
		})
	})
}

func (w *Watcher) remember(coll string, cs ChangeStream) {
	w.mu.Lock()
	w.streams[coll] = cs
	w.mu.Unlock()
}

func (w *Watcher) forget(coll string, cs ChangeStream) {
	w.mu.Lock()
	if w.streams[coll] == cs {
		delete(w.streams, coll)
	}
	w.mu.Unlock()
}

// Close stops every watch loop and the poll ticker. Each loop closes its own
// stream on the way out. Close is idempotent and safe when Start failed or
// never ran.
func (w *Watcher) Close(ctx context.Context) error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.setMode(ModeClosed)
		if w.cancel != nil {
			w.cancel()
		}
		group := w.group
		w.mu.Unlock()

		if group == nil {
			return
		}
		done := make(chan struct{})
		go func() {
			_ = group.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("xrelay: watcher close: %w", ctx.Err())
		}
	})
	return err
}

// Streams returns the number of open change streams.
func (w *Watcher) Streams() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.streams)
}

// sleepCtx waits d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
