package xrelay

import (
	"context"
	"errors"
	"sync"
	"time"
)

type publishCall struct {
	channel string
	payload []byte
	at      time.Time
}

// fakePublisher records successful publishes. fail, when set, is consulted
// with the 1-based attempt number before recording.
type fakePublisher struct {
	mu       sync.Mutex
	attempts int
	calls    []publishCall
	fail     func(attempt int, channel string) error
}

func (p *fakePublisher) Publish(_ context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.fail != nil {
		if err := p.fail(p.attempts, channel); err != nil {
			return err
		}
	}
	p.calls = append(p.calls, publishCall{channel: channel, payload: append([]byte(nil), payload...), at: time.Now()})
	return nil
}

func (p *fakePublisher) published() []publishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishCall(nil), p.calls...)
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeSink struct {
	mu  sync.Mutex
	dls []DeadLetter
}

func (s *fakeSink) Store(_ context.Context, dl DeadLetter) error {
	s.mu.Lock()
	s.dls = append(s.dls, dl)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) letters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeadLetter(nil), s.dls...)
}

type sentFrame struct {
	event   string
	payload string
}

type fakeConn struct {
	id string

	mu     sync.Mutex
	frames []sentFrame
	err    error
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, sentFrame{event: event, payload: string(payload)})
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) sent() []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentFrame(nil), c.frames...)
}

// recordingEnqueuer captures what the watcher hands to the queue.
type recordingEnqueuer struct {
	mu   sync.Mutex
	msgs []QueuedMessage
}

func (e *recordingEnqueuer) Enqueue(channel, payload, id string) error {
	e.mu.Lock()
	e.msgs = append(e.msgs, QueuedMessage{ID: id, Channel: channel, Payload: payload})
	e.mu.Unlock()
	return nil
}

func (e *recordingEnqueuer) messages() []QueuedMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]QueuedMessage(nil), e.msgs...)
}

func (e *recordingEnqueuer) onChannel(channel string) []QueuedMessage {
	var out []QueuedMessage
	for _, m := range e.messages() {
		if m.Channel == channel {
			out = append(out, m)
		}
	}
	return out
}

type streamItem struct {
	change Change
	err    error
}

var errStreamClosed = errors.New("stream closed")

type fakeStream struct {
	items  chan streamItem
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{items: make(chan streamItem, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Next(ctx context.Context) (Change, error) {
	select {
	case it := <-s.items:
		return it.change, it.err
	case <-s.closed:
		return Change{}, errStreamClosed
	case <-ctx.Done():
		return Change{}, ctx.Err()
	}
}

func (s *fakeStream) Close(context.Context) error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type watchCall struct {
	collection string
	token      []byte
}

type fakeSource struct {
	topology Topology
	probeErr error

	// watchErr, when set, is consulted with the per-collection 1-based call number.
	watchErr func(collection string, call int) error

	mu      sync.Mutex
	calls   []watchCall
	streams map[string][]*fakeStream
}

func (s *fakeSource) Probe(context.Context) (Topology, error) { return s.topology, s.probeErr }

func (s *fakeSource) Watch(_ context.Context, collection string, token []byte) (ChangeStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, watchCall{collection: collection, token: token})
	n := 0
	for _, c := range s.calls {
		if c.collection == collection {
			n++
		}
	}
	if s.watchErr != nil {
		if err := s.watchErr(collection, n); err != nil {
			return nil, err
		}
	}
	if s.streams == nil {
		s.streams = make(map[string][]*fakeStream)
	}
	st := newFakeStream()
	s.streams[collection] = append(s.streams[collection], st)
	return st, nil
}

// stream returns the i-th stream opened for collection, or nil.
func (s *fakeSource) stream(collection string, i int) *fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.streams[collection]) {
		return nil
	}
	return s.streams[collection][i]
}

func (s *fakeSource) watchCalls(collection string) []watchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []watchCall
	for _, c := range s.calls {
		if c.collection == collection {
			out = append(out, c)
		}
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnEvent(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) ofType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
