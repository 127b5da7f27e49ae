package xrelay

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTransport struct {
	fakePublisher
	err error
}

func (s *stubTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if s.err != nil {
		return s.err
	}
	return s.fakePublisher.Publish(ctx, channel, payload)
}

func (s *stubTransport) Subscribe(context.Context, []string, Handler) (Subscription, error) {
	return nil, errors.New("not supported")
}

func (s *stubTransport) Close(context.Context) error { return nil }

func TestBroadcasterPublishes(t *testing.T) {
	tr := &stubTransport{}
	b := NewBroadcaster(tr, nil, nil)

	require.NoError(t, b.Publish(context.Background(), ChannelSessionUpdate, []byte(`{"userId":"u1"}`)))
	require.Equal(t, 1, tr.count())
	assert.Equal(t, ChannelSessionUpdate, tr.published()[0].channel)
}

func TestBroadcasterWithoutTransportIsNoop(t *testing.T) {
	b := NewBroadcaster(nil, nil, nil)
	assert.NoError(t, b.Publish(context.Background(), ChannelStats, []byte(`{}`)))
}

func TestBroadcasterSwallowsUnavailableTransport(t *testing.T) {
	tr := &stubTransport{err: fmt.Errorf("dial: %w", ErrTransportUnavailable)}
	b := NewBroadcaster(tr, nil, nil)
	assert.NoError(t, b.Publish(context.Background(), ChannelStats, []byte(`{}`)))
	assert.Zero(t, tr.count())
}

func TestBroadcasterReturnsOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	b := NewBroadcaster(&stubTransport{err: boom}, nil, nil)
	assert.ErrorIs(t, b.Publish(context.Background(), ChannelStats, []byte(`{}`)), boom)
}

func TestBroadcasterRejectsEmptyChannel(t *testing.T) {
	b := NewBroadcaster(&stubTransport{}, nil, nil)
	assert.ErrorIs(t, b.Publish(context.Background(), "", []byte(`{}`)), ErrInvalidChannel)
}
